// Package handlers exposes the HTTP API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/auth/connect"
	"github.com/pysugar/marketrelay/internal/auth/token"
	"github.com/pysugar/marketrelay/internal/egress"
	"github.com/pysugar/marketrelay/internal/identity"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/pysugar/marketrelay/internal/mirror"
	"github.com/pysugar/marketrelay/internal/scraper"
	"github.com/pysugar/marketrelay/internal/upstream"
	"github.com/pysugar/marketrelay/internal/webhook"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

var logger logrus.FieldLogger = logging.Discard()

// SetLogger sets the logger used for request failures.
func SetLogger(l logrus.FieldLogger) {
	logger = logging.OrDiscard(l).WithField("component", "api")
}

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Data    any               `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: true, Message: message})
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	env := envelope{Error: err.Error()}
	status := http.StatusInternalServerError

	var validation *accounts.ValidationError
	var upstreamErr *upstream.UpstreamError

	switch {
	case errors.As(err, &validation):
		status = http.StatusUnprocessableEntity
		env.Error = "validation failed"
		env.Fields = validation.Fields
	case errors.Is(err, upstream.ErrRateLimited):
		status = http.StatusTooManyRequests
		if d := upstream.RetryAfter(err); d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
	case errors.Is(err, token.ErrTokenRefreshFailed):
		status = http.StatusUnauthorized
		env.Error = "account credentials expired; re-authorize via /connect/{platform}"
	case errors.Is(err, webhook.ErrInvalidSignature):
		status = http.StatusUnauthorized
	case errors.Is(err, accounts.ErrAccountNotFound),
		errors.Is(err, mirror.ErrThreadNotFound),
		errors.Is(err, scraper.ErrNotFound),
		errors.Is(err, connect.ErrUnknownPlatform),
		errors.Is(err, webhook.ErrUnknownPlatform),
		errors.Is(err, upstream.ErrUnknownPlatform):
		status = http.StatusNotFound
	case errors.Is(err, accounts.ErrInvalidTransition),
		errors.Is(err, upstream.ErrAccountInactive):
		status = http.StatusConflict
	case errors.Is(err, egress.ErrNoEgressAvailable),
		errors.Is(err, egress.ErrAlreadyAssigned),
		errors.Is(err, egress.ErrEgressNotFound),
		errors.Is(err, egress.ErrEgressInactive),
		errors.Is(err, egress.ErrNotBound),
		errors.Is(err, connect.ErrInvalidOrExpiredState),
		errors.Is(err, connect.ErrCodeExchange),
		errors.Is(err, webhook.ErrInvalidPayload):
		status = http.StatusBadRequest
	case errors.As(err, &upstreamErr):
		status = http.StatusBadGateway
		env.Data = map[string]any{
			"upstream_status": upstreamErr.Status,
			"upstream_code":   upstreamErr.Code,
		}
	}

	log := logging.FromContext(r.Context(), logger).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
		if status == http.StatusInternalServerError {
			env.Error = "internal error"
		}
	} else {
		log.WithError(err).Debug("request rejected")
	}
	writeJSON(w, status, env)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return accounts.NewValidationError("body", "unreadable")
	}
	if len(body) > maxBodyBytes {
		return accounts.NewValidationError("body", fmt.Sprintf("larger than %d bytes", maxBodyBytes))
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return accounts.NewValidationError("body", "invalid JSON")
	}
	return nil
}

func callerOf(r *http.Request) identity.Caller {
	c, _ := identity.FromContext(r.Context())
	return c
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

// SetSSEHeaders sets standard headers for Server-Sent Events streaming.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
