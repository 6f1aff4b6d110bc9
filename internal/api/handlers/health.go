package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/pysugar/marketrelay/internal/version"
	"gorm.io/gorm"
)

// HealthHandler reports liveness, database reachability and build info.
// GET /healthz
func HealthHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if sqlDB, err := database.DB(); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := sqlDB.PingContext(ctx); err != nil {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, map[string]string{
			"status":     status,
			"version":    version.Version,
			"commit":     version.Commit,
			"build_time": version.BuildTime,
		})
	}
}
