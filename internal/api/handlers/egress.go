package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/egress"
)

// ListEgressHandler handles GET /egress
func ListEgressHandler(eg *egress.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := eg.List(r.Context(), callerOf(r).UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []models.EgressIdentity{}
		}
		writeData(w, http.StatusOK, map[string]any{"egress": list, "count": len(list)})
	}
}

// ImportEgressHandler handles POST /egress/import. The body is a YAML or JSON
// list of identities, bare or under an "egress" key.
func ImportEgressHandler(eg *egress.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, r, accounts.NewValidationError("body", "unreadable"))
			return
		}
		specs, err := egress.ParseSpecs(body)
		if err != nil {
			writeError(w, r, accounts.NewValidationError("body", err.Error()))
			return
		}
		if len(specs) == 0 {
			writeError(w, r, accounts.NewValidationError("egress", "at least one identity is required"))
			return
		}
		res, err := eg.Import(r.Context(), callerOf(r).UserID, specs)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, res)
	}
}

// ReleaseEgressHandler handles DELETE /egress/{egressID}/assignment
func ReleaseEgressHandler(eg *egress.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := eg.Resolve(r.Context(), callerOf(r).UserID, chi.URLParam(r, "egressID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := eg.Release(r.Context(), e.ID); err != nil {
			writeError(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, "egress released")
	}
}
