// Package http es el adapter HTTP del signer: rutas chi, middlewares y el
// mapeo de respuestas del dispatcher a status codes.
package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Deps agrupa lo que el router necesita.
type Deps struct {
	Dispatcher Dispatcher
	Presigner  Presigner
	Keys       KeyReader
	Audit      AuditReader
	Checks     map[string]Check
	Presign    PresignDefaults
	Auth       AuthConfig
	// Metrics y MetricsHandler son opcionales.
	Metrics        *Metrics
	MetricsHandler http.Handler
	Version        string
}

// NewRouter arma el handler completo.
func NewRouter(d Deps) http.Handler {
	h := &handlers{
		d:        d.Dispatcher,
		p:        d.Presigner,
		keys:     d.Keys,
		audit:    d.Audit,
		checks:   d.Checks,
		defaults: d.Presign,
		version:  d.Version,
	}

	r := chi.NewRouter()
	r.Use(WithRecover(), WithRequestID(), d.Metrics.WithMetrics(), WithLogging())

	r.Get("/readyz", h.readyz)
	if d.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", d.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(WithRequester(d.Auth))
		r.Post("/sign", h.sign)
		r.Post("/presign", h.presign)
		r.Get("/keys", h.listKeys)
		r.Get("/keys/{id}", h.getKey)
		r.Get("/audit", h.queryAudit)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) { WriteError(w, ErrNotFound) })
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, NewError(http.StatusMethodNotAllowed, "method_not_allowed", "método no permitido"))
	})
	return r
}
