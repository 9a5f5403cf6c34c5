// Package api exposes the HTTP surface: provider config administration,
// message enqueue, job status and the worker trigger.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/circuitbreaker"
	"github.com/avisitor/mail-service-sub000/internal/db"
	"github.com/avisitor/mail-service-sub000/internal/metrics"
	"github.com/avisitor/mail-service-sub000/internal/redis"
	"github.com/avisitor/mail-service-sub000/internal/smscfg"
	"github.com/avisitor/mail-service-sub000/internal/smtpcfg"
	"github.com/avisitor/mail-service-sub000/internal/worker"
)

// JobStore is the queue surface the handlers need.
type JobStore interface {
	CreateEmailJobs(ctx context.Context, jobs []*db.EmailJob) error
	GetJobByJobID(ctx context.Context, jobID string) (*db.EmailJob, error)
	ListJobsByGroup(ctx context.Context, groupID string) ([]*db.EmailJob, error)
}

// Ticker runs one worker pass on demand.
type Ticker interface {
	Tick(ctx context.Context, limitJobs int) *worker.Result
}

// Pinger reports backend connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the API dependencies.
type Handler struct {
	logger      *zap.Logger
	email       *smtpcfg.Service
	sms         *smscfg.Service
	jobs        JobStore
	ticker      Ticker
	dbPinger    Pinger
	idempotency *redis.IdempotencyService // nil when Redis is not configured
	breakers    []*circuitbreaker.CircuitBreaker
}

// Option configures optional handler dependencies.
type Option func(*Handler)

// WithIdempotency enables enqueue deduplication.
func WithIdempotency(svc *redis.IdempotencyService) Option {
	return func(h *Handler) { h.idempotency = svc }
}

// WithBreakers exposes breaker stats on the health endpoint.
func WithBreakers(breakers ...*circuitbreaker.CircuitBreaker) Option {
	return func(h *Handler) { h.breakers = breakers }
}

// WithDBPinger wires the health endpoint's database check.
func WithDBPinger(p Pinger) Option {
	return func(h *Handler) { h.dbPinger = p }
}

// NewHandler creates the API handler.
func NewHandler(logger *zap.Logger, email *smtpcfg.Service, sms *smscfg.Service, jobs JobStore, ticker Ticker, opts ...Option) *Handler {
	h := &Handler{
		logger: logger,
		email:  email,
		sms:    sms,
		jobs:   jobs,
		ticker: ticker,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the router. limiter may be nil.
func (h *Handler) Routes(limiter *redis.RateLimiter) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(MetricsMiddleware(h.logger))
	r.Use(UserContextMiddleware)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, h.logger, AppKeyFunc))

		r.Route("/email-configs", func(r chi.Router) {
			r.Get("/", h.ListEmailConfigs)
			r.Post("/", h.CreateEmailConfig)
			r.Get("/effective", h.GetEffectiveEmailConfig)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetEmailConfig)
				r.Put("/", h.UpdateEmailConfig)
				r.Delete("/", h.DeleteEmailConfig)
				r.Post("/activate", h.ActivateEmailConfig)
			})
		})

		r.Route("/sms-configs", func(r chi.Router) {
			r.Get("/", h.ListSMSConfigs)
			r.Post("/", h.CreateSMSConfig)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSMSConfig)
				r.Put("/", h.UpdateSMSConfig)
				r.Delete("/", h.DeleteSMSConfig)
			})
		})

		r.Post("/messages", h.EnqueueMessages)
		r.Get("/jobs/{jobID}", h.GetJob)
		r.Get("/groups/{groupID}", h.GetGroup)
		r.Post("/worker/tick", h.TriggerTick)
	})

	return r
}

// Health reports backend connectivity and breaker states.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	if h.dbPinger != nil {
		if err := h.dbPinger.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = err.Error()
		} else {
			body["database"] = "ok"
		}
	}

	if len(h.breakers) > 0 {
		stats := make([]circuitbreaker.Stats, 0, len(h.breakers))
		for _, b := range h.breakers {
			stats = append(stats, b.Stats())
		}
		body["breakers"] = stats
	}

	writeJSON(w, status, body)
}
