package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/dffmpeg-io/coordinator/internal/auth"
	"github.com/dffmpeg-io/coordinator/internal/config"
	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/metrics"
	"github.com/dffmpeg-io/coordinator/internal/repositories"
	"github.com/dffmpeg-io/coordinator/internal/transport"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Identities repositories.IdentityRepository
	Jobs       repositories.JobRepository
	Workers    repositories.WorkerRepository
	Downlinks  repositories.DownlinkRepository

	Transports *transport.Manager
	Polling    *transport.HTTPPolling

	// Kick nudges the scheduler after submissions, registrations and
	// completions.
	Kick func()

	// Ping checks storage connectivity for /health.
	Ping func(context.Context) error

	Auth        config.AuthConfig
	Policy      config.JobsConfig
	Poll        config.HTTPPollingConfig
	CORSOrigins []string

	Logger *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. Everything
// under /api/v1 sits behind the HMAC authenticator; /health and /metrics
// stay open so probes and scrapers need no keys.
func NewRouter(cfg RouterConfig) (http.Handler, error) {
	authn, err := NewAuthenticator(cfg.Identities, cfg.Auth, cfg.Logger)
	if err != nil {
		return nil, err
	}

	jobHandler := NewJobHandler(cfg.Jobs, cfg.Workers, cfg.Downlinks, cfg.Transports, cfg.Policy, cfg.Kick, cfg.Logger)
	workerHandler := NewWorkerHandler(cfg.Workers, cfg.Jobs, cfg.Transports, cfg.Poll, cfg.Kick, cfg.Logger)
	downlinkHandler := NewDownlinkHandler(cfg.Polling, cfg.Logger)
	systemHandler := NewSystemHandler(cfg.Ping, cfg.Downlinks, cfg.Transports, cfg.Workers, cfg.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", auth.HeaderClientID, auth.HeaderTimestamp, auth.HeaderSignature},
			MaxAge:         300,
		}))
	}

	r.Get("/health", systemHandler.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authn.Authenticate)

		r.Post("/ping", systemHandler.Ping)
		r.Get("/downlink", downlinkHandler.Drain)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobHandler.Submit)
			r.Get("/", jobHandler.List)
			r.Get("/{id}", jobHandler.Get)
			r.Post("/{id}/cancel", jobHandler.Cancel)
			r.Post("/{id}/heartbeat", jobHandler.ClientHeartbeat)
			r.Get("/{id}/logs", jobHandler.GetLogs)
			r.Post("/{id}/logs", jobHandler.AppendLogs)
			r.Post("/{id}/accept", jobHandler.Accept)
			r.Post("/{id}/progress", jobHandler.Progress)
			r.Post("/{id}/complete", jobHandler.Complete)
		})

		r.Route("/workers", func(r chi.Router) {
			r.Post("/register", workerHandler.Register)
			r.Post("/deregister", workerHandler.Deregister)
			r.Get("/{id}/work", workerHandler.Work)

			r.With(RequireRole(db.RoleAdmin)).Get("/", workerHandler.List)
		})
	})

	return r, nil
}
