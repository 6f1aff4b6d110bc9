package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/marketplace"
)

// SyncTrigger queues an out-of-band sync.
type SyncTrigger interface {
	TriggerAccount(accountID string) bool
}

// loadAccount resolves {platform}/{accountRef} for the caller and writes the
// error response on failure.
func loadAccount(w http.ResponseWriter, r *http.Request, accts *accounts.Registry) (*models.PlatformAccount, bool) {
	acct, err := accts.Get(r.Context(), callerOf(r), chi.URLParam(r, "platform"), chi.URLParam(r, "accountRef"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return acct, true
}

// ListAccountsHandler handles GET /accounts/{platform}
func ListAccountsHandler(accts *accounts.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := accts.List(r.Context(), callerOf(r), chi.URLParam(r, "platform"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []models.PlatformAccount{}
		}
		writeData(w, http.StatusOK, map[string]any{"accounts": list, "count": len(list)})
	}
}

// CreateAccountHandler handles POST /accounts/{platform}
func CreateAccountHandler(accts *accounts.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req accounts.CreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		acct, err := accts.Create(r.Context(), callerOf(r), chi.URLParam(r, "platform"), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, acct)
	}
}

// GetAccountHandler handles GET /accounts/{platform}/{accountRef}
func GetAccountHandler(accts *accounts.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := loadAccount(w, r, accts)
		if !ok {
			return
		}
		writeData(w, http.StatusOK, acct)
	}
}

// UpdateAccountHandler handles PATCH /accounts/{platform}/{accountRef}
func UpdateAccountHandler(accts *accounts.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req accounts.UpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		acct, err := accts.Update(r.Context(), callerOf(r), chi.URLParam(r, "platform"), chi.URLParam(r, "accountRef"), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, acct)
	}
}

// DeleteAccountHandler handles DELETE /accounts/{platform}/{accountRef}
func DeleteAccountHandler(accts *accounts.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := accts.Delete(r.Context(), callerOf(r), chi.URLParam(r, "platform"), chi.URLParam(r, "accountRef")); err != nil {
			writeError(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, "account deleted")
	}
}

// RebindAccountHandler handles POST /accounts/{platform}/{accountRef}/rebind
// with an optional {"egress": "<id or address>"} body.
func RebindAccountHandler(accts *accounts.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Egress string `json:"egress"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		acct, err := accts.Rebind(r.Context(), callerOf(r), chi.URLParam(r, "platform"), chi.URLParam(r, "accountRef"), strings.TrimSpace(req.Egress))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, acct)
	}
}

// SyncAccountHandler handles POST /accounts/{platform}/{accountRef}/sync
func SyncAccountHandler(accts *accounts.Registry, sync SyncTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := loadAccount(w, r, accts)
		if !ok {
			return
		}
		if acct.Status != models.StatusActive {
			writeError(w, r, accounts.ErrInvalidTransition)
			return
		}
		queued := sync.TriggerAccount(acct.ID)
		writeData(w, http.StatusAccepted, map[string]bool{"queued": queued})
	}
}

// ProfileHandler handles GET /accounts/{platform}/{accountRef}/profile
func ProfileHandler(accts *accounts.Registry, svc *marketplace.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := loadAccount(w, r, accts)
		if !ok {
			return
		}
		profile, err := svc.Profile(r.Context(), acct)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, profile)
	}
}
