// Package app wires the adapters and services into a running server process.
package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/agentboard/internal/adapter/httpserver"
	"github.com/fairyhunter13/agentboard/internal/adapter/observability"
	"github.com/fairyhunter13/agentboard/internal/config"
	"github.com/fairyhunter13/agentboard/internal/domain"
)

// NewRouter assembles the full HTTP surface.
func NewRouter(cfg config.Config, srv *httpserver.Server, users domain.UserRepository, tokens *httpserver.TokenIssuer) http.Handler {
	r := chi.NewRouter()

	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.SecurityHeaders)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))

	r.Get("/healthz", srv.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httpserver.TimeoutMiddleware(10 * time.Second))
		r.Post("/auth/login", httpserver.LoginHandler(users, tokens))
	})

	r.Group(func(r chi.Router) {
		r.Use(httpserver.AuthRequired(tokens))

		// The stream is long-lived; everything else gets a deadline.
		r.Get("/events/stream", srv.StreamEvents)

		r.Group(func(r chi.Router) {
			r.Use(httpserver.TimeoutMiddleware(15 * time.Second))

			r.Route("/workers", func(r chi.Router) {
				r.Post("/register", srv.RegisterWorker)
				r.Post("/heartbeat", srv.Heartbeat)
				r.Post("/deregister", srv.DeregisterWorker)
				r.Get("/", srv.ListWorkers)

				r.Route("/tasks", func(r chi.Router) {
					r.With(pollRateLimit(cfg.WorkerPollRate)).Get("/poll", srv.PollTasks)
					r.Post("/{id}/claim", srv.ClaimTask)
					r.Post("/{id}/progress", srv.ProgressTask)
					r.Post("/{id}/complete", srv.CompleteTask)
					r.Post("/{id}/fail", srv.FailTask)
				})
			})

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", srv.ListTasks)
				r.Post("/", srv.CreateTask)
				r.Get("/{id}", srv.GetTask)
				r.Post("/{id}/cancel", srv.CancelTask)
			})

			r.Route("/cards", func(r chi.Router) {
				r.Post("/", srv.CreateCard)
				r.Post("/{id}/move", srv.MoveCard)
			})
		})
	})

	return r
}

// pollRateLimit caps polling at one request per interval per worker. Keyed
// on worker_id so one busy worker cannot starve another behind the same NAT.
func pollRateLimit(interval time.Duration) func(http.Handler) http.Handler {
	if interval <= 0 {
		interval = time.Second
	}
	return httprate.Limit(1, interval,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if id := r.URL.Query().Get("worker_id"); id != "" {
				return id, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":{"code":"RATE_LIMITED","message":"poll limit is one request per %s"}}`, interval)
		}),
	)
}
