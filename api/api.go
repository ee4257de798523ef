// Package api exposes the FIDO engine over REST.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/fidogate/fido"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	engine *fido.Engine
	audit  *auditLogger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlertFunc enables anomaly detection on audit events and delivers
// alerts to fn.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		if a.audit == nil {
			a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
		}
		a.audit.metrics = newMetricsCollector(fn)
	}
}

// New creates a new API instance.
func New(engine *fido.Engine, opts ...Option) *API {
	a := &API{engine: engine}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/health", a.Health)

	r.Post("/registration/challenge", a.RegistrationChallenge)
	r.Post("/registration", a.Register)
	r.Post("/authentication/challenge", a.AuthenticationChallenge)
	r.Post("/authentication", a.Authenticate)

	r.Route("/keys", func(r chi.Router) {
		r.Get("/{username}", a.KeysInfo)
		r.Delete("/{randomID}", a.Deregister)
		r.Patch("/{randomID}", a.UpdateKeyStatus)
	})

	return r
}
