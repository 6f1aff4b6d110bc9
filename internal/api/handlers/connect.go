package handlers

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/marketrelay/internal/auth/connect"
	"github.com/pysugar/marketrelay/internal/egress"
)

// ConnectHandler starts an authorization.
// GET /connect/{platform} and /connect/{platform}/{egressRef}
func ConnectHandler(mgr *connect.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := connect.AuthorizeRequest{
			Platform:  chi.URLParam(r, "platform"),
			EgressRef: chi.URLParam(r, "egressRef"),
			ClientIP:  clientIP(r),
		}
		authURL, state, err := mgr.BuildAuthorizationURL(r.Context(), callerOf(r), req)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if wantsJSON(r) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"url":     authURL,
				"state":   state,
			})
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// CallbackHandler completes an authorization.
// GET /connect/{platform}/callback?code=&state=
func CallbackHandler(mgr *connect.Manager, eg *egress.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if providerErr := q.Get("error"); providerErr != "" {
			writeJSON(w, http.StatusBadRequest, envelope{Error: "authorization denied: " + providerErr})
			return
		}

		acct, err := mgr.CompleteAuthorization(r.Context(), q.Get("code"), q.Get("state"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		ip := ""
		if e, err := eg.Get(r.Context(), acct.BoundEgress()); err == nil {
			ip = e.DisplayIP()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"account": map[string]string{
				"id":       acct.ID,
				"username": acct.Username,
				"email":    acct.Email,
				"platform": acct.Platform,
				"ip":       ip,
			},
		})
	}
}

func wantsJSON(r *http.Request) bool {
	if r.URL.Query().Get("format") == "json" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// clientIP is the peer address; chi's RealIP middleware rewrites it behind a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
