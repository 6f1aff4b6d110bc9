package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/marketplace"
)

// PlaceBidHandler handles POST /accounts/{platform}/{accountRef}/projects/{projectID}/bid
func PlaceBidHandler(accts *accounts.Registry, svc *marketplace.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := loadAccount(w, r, accts)
		if !ok {
			return
		}
		var req marketplace.BidRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		bid, err := svc.PlaceBid(r.Context(), acct, chi.URLParam(r, "projectID"), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, bid)
	}
}

// ListProjectsHandler handles GET /accounts/{platform}/{accountRef}/projects?query=&limit=&offset=
func ListProjectsHandler(accts *accounts.Registry, svc *marketplace.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := loadAccount(w, r, accts)
		if !ok {
			return
		}
		page, err := svc.ListProjects(r.Context(), acct, marketplace.ProjectQuery{
			Query:  r.URL.Query().Get("query"),
			Limit:  queryInt(r, "limit", 0),
			Offset: queryInt(r, "offset", 0),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, page)
	}
}

// GetProjectHandler handles GET /accounts/{platform}/{accountRef}/projects/{projectID}
func GetProjectHandler(accts *accounts.Registry, svc *marketplace.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := loadAccount(w, r, accts)
		if !ok {
			return
		}
		project, err := svc.GetProject(r.Context(), acct, chi.URLParam(r, "projectID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, project)
	}
}

// CreateContestHandler handles POST /accounts/{platform}/{accountRef}/contests
func CreateContestHandler(accts *accounts.Registry, svc *marketplace.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := loadAccount(w, r, accts)
		if !ok {
			return
		}
		var req marketplace.ContestRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		contest, err := svc.CreateContest(r.Context(), acct, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, contest)
	}
}
