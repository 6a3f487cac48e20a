// Package server implements the HTTP transport layer for the Arbiter gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/accounting"
	"github.com/arbiterai/arbiter/internal/app"
	"github.com/arbiterai/arbiter/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Authenticator resolves request credentials to a caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           Authenticator
	Orchestrator   *app.Orchestrator
	Processor      *accounting.Processor // nil = no webhook endpoints
	Metrics        *telemetry.Metrics    // nil = no Prometheus metrics
	MetricsHandler http.Handler          // nil = no /metrics endpoint
	Tracer         trace.Tracer          // nil = no distributed tracing
	ReadyCheck     ReadyChecker          // nil = always ready (for tests)
	WebhookSecret  string                // shared secret for /webhook/calculate-tokens
	DefaultRatio   int                   // default price/performance ratio
	DefaultWindow  int                   // default metrics window size
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Client-facing OpenAI-compatible API (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/completion", s.handleCompletion)
		r.Post("/v1/chat/estimate", s.handleEstimate)
		r.Get("/v1/models", s.handleListModels)
	})

	// Accounting webhook (shared-secret auth) and open status probe.
	if deps.Processor != nil {
		r.Post("/webhook/calculate-tokens", s.handleCalculateTokens)
		r.Get("/webhook/status", s.handleWebhookStatus)
	}

	return r
}

type server struct {
	deps Deps
}
