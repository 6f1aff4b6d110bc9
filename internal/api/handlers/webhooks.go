package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/marketrelay/internal/webhook"
)

// Webhook delivery headers.
const (
	EventHeader     = "X-Platform-Event"
	SignatureHeader = "X-Platform-Signature"
)

// WebhookHandler ingests a platform delivery.
// POST /webhooks/{platform}
func WebhookHandler(ing *webhook.Ingestor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil || len(body) > maxBodyBytes {
			writeError(w, r, webhook.ErrInvalidPayload)
			return
		}

		res, err := ing.Handle(r.Context(), chi.URLParam(r, "platform"), r.Header.Get(EventHeader), r.Header.Get(SignatureHeader), body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
