package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/marketplace"
)

// ListThreadsHandler handles GET /accounts/{platform}/{accountRef}/threads?limit=&offset=
func ListThreadsHandler(accts *accounts.Registry, svc *marketplace.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := loadAccount(w, r, accts)
		if !ok {
			return
		}
		threads, err := svc.ListThreads(r.Context(), acct, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if threads == nil {
			threads = []models.Thread{}
		}
		writeData(w, http.StatusOK, map[string]any{"threads": threads, "count": len(threads)})
	}
}

// CreateThreadHandler handles POST /accounts/{platform}/{accountRef}/threads
func CreateThreadHandler(accts *accounts.Registry, svc *marketplace.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := loadAccount(w, r, accts)
		if !ok {
			return
		}
		var req marketplace.CreateThreadRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		th, err := svc.CreateThread(r.Context(), acct, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, th)
	}
}

// ListMessagesHandler handles GET /accounts/{platform}/{accountRef}/threads/{threadID}/messages
func ListMessagesHandler(accts *accounts.Registry, svc *marketplace.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := loadAccount(w, r, accts)
		if !ok {
			return
		}
		msgs, err := svc.ListMessages(r.Context(), acct, chi.URLParam(r, "threadID"), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		writeData(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
	}
}

// SendMessageHandler handles POST /accounts/{platform}/{accountRef}/threads/{threadID}/messages
func SendMessageHandler(accts *accounts.Registry, svc *marketplace.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := loadAccount(w, r, accts)
		if !ok {
			return
		}
		var req struct {
			Message string `json:"message"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		msg, err := svc.SendMessage(r.Context(), acct, chi.URLParam(r, "threadID"), req.Message)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, msg)
	}
}
