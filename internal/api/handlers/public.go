package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/marketrelay/internal/scraper"
)

// PublicProfileHandler handles GET /public/{platform}/users/{username}
func PublicProfileHandler(sc *scraper.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profile, err := sc.PublicProfile(r.Context(), chi.URLParam(r, "platform"), chi.URLParam(r, "username"), scraper.Options{})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, profile)
	}
}

// PublicProjectHandler handles GET /public/{platform}/projects/{projectID}
func PublicProjectHandler(sc *scraper.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project, err := sc.PublicProject(r.Context(), chi.URLParam(r, "platform"), chi.URLParam(r, "projectID"), scraper.Options{})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, project)
	}
}
