// Package api assembles the HTTP surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/api/handlers"
	"github.com/pysugar/marketrelay/internal/api/middleware"
	"github.com/pysugar/marketrelay/internal/auth/connect"
	"github.com/pysugar/marketrelay/internal/egress"
	"github.com/pysugar/marketrelay/internal/marketplace"
	"github.com/pysugar/marketrelay/internal/metrics"
	"github.com/pysugar/marketrelay/internal/notify"
	"github.com/pysugar/marketrelay/internal/scraper"
	"github.com/pysugar/marketrelay/internal/webhook"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Deps are the services the router dispatches to.
type Deps struct {
	APIKey      string
	DB          *gorm.DB
	Accounts    *accounts.Registry
	Egress      *egress.Registry
	Connect     *connect.Manager
	Webhooks    *webhook.Ingestor
	Marketplace *marketplace.Service
	Sync        handlers.SyncTrigger
	Hub         *notify.Hub
	Scraper     *scraper.Client
	Metrics     metrics.Recorder
	Log         logrus.FieldLogger
	// RequestLog enables chi's access log.
	RequestLog bool
}

// NewRouter builds the routing tree.
func NewRouter(d Deps) http.Handler {
	handlers.SetLogger(d.Log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	if d.RequestLog {
		r.Use(chimiddleware.Logger)
	}
	r.Use(chimiddleware.Recoverer)

	// ============================================
	// Public Routes (No Auth Required)
	// ============================================
	r.Get("/healthz", handlers.HealthHandler(d.DB))
	r.Method(http.MethodGet, "/metrics", metrics.OrNoop(d.Metrics).Handler())

	// Platforms call these directly; state and signatures authenticate them.
	r.Get("/connect/{platform}/callback", handlers.CallbackHandler(d.Connect, d.Egress))
	r.Post("/webhooks/{platform}", handlers.WebhookHandler(d.Webhooks))

	// ============================================
	// Protected Routes (API Key Required)
	// ============================================
	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKey))

		r.Get("/public/{platform}/users/{username}", handlers.PublicProfileHandler(d.Scraper))
		r.Get("/public/{platform}/projects/{projectID}", handlers.PublicProjectHandler(d.Scraper))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireCaller)

			r.Get("/connect/{platform}", handlers.ConnectHandler(d.Connect))
			r.Get("/connect/{platform}/{egressRef}", handlers.ConnectHandler(d.Connect))

			r.Get("/egress", handlers.ListEgressHandler(d.Egress))
			r.Post("/egress/import", handlers.ImportEgressHandler(d.Egress))
			r.Delete("/egress/{egressID}/assignment", handlers.ReleaseEgressHandler(d.Egress))

			r.Route("/accounts/{platform}", func(r chi.Router) {
				r.Get("/", handlers.ListAccountsHandler(d.Accounts))
				r.Post("/", handlers.CreateAccountHandler(d.Accounts))

				r.Route("/{accountRef}", func(r chi.Router) {
					r.Get("/", handlers.GetAccountHandler(d.Accounts))
					r.Patch("/", handlers.UpdateAccountHandler(d.Accounts))
					r.Delete("/", handlers.DeleteAccountHandler(d.Accounts))
					r.Post("/rebind", handlers.RebindAccountHandler(d.Accounts))
					r.Post("/sync", handlers.SyncAccountHandler(d.Accounts, d.Sync))
					r.Get("/profile", handlers.ProfileHandler(d.Accounts, d.Marketplace))
					r.Get("/events", handlers.EventsHandler(d.Accounts, d.Hub))

					r.Get("/threads", handlers.ListThreadsHandler(d.Accounts, d.Marketplace))
					r.Post("/threads", handlers.CreateThreadHandler(d.Accounts, d.Marketplace))
					r.Get("/threads/{threadID}/messages", handlers.ListMessagesHandler(d.Accounts, d.Marketplace))
					r.Post("/threads/{threadID}/messages", handlers.SendMessageHandler(d.Accounts, d.Marketplace))

					r.Get("/projects", handlers.ListProjectsHandler(d.Accounts, d.Marketplace))
					r.Get("/projects/{projectID}", handlers.GetProjectHandler(d.Accounts, d.Marketplace))
					r.Post("/projects/{projectID}/bid", handlers.PlaceBidHandler(d.Accounts, d.Marketplace))
					r.Post("/contests", handlers.CreateContestHandler(d.Accounts, d.Marketplace))
				})
			})
		})
	})

	return r
}
