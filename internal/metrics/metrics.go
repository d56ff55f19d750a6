// Package metrics expone las métricas Prometheus del pipeline de firma.
// Está separado de internal/http para que core, dispatcher y audit puedan
// reportar sin depender del transporte.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dropDatabas3/signer/internal/keystore"
	"github.com/dropDatabas3/signer/internal/signer"
)

// Signer agrupa las métricas del core y del dispatcher. Implementa
// signer.Observer y dispatcher.Observer.
type Signer struct {
	outcomes       *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
	backendErrors  *prometheus.CounterVec
	retries        *prometheus.CounterVec
	queueWait      prometheus.Histogram
	auditFailures  *prometheus.CounterVec
	replays        prometheus.Counter
	rejected       *prometheus.CounterVec
	timeouts       prometheus.Counter
}

// NewSigner crea y registra las métricas en reg (default si nil).
func NewSigner(reg prometheus.Registerer) (*Signer, error) {
	m := &Signer{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_requests_total",
			Help: "Requests procesados por el core, por status y kind",
		}, []string{"status", "kind"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signer_backend_sign_duration_seconds",
			Help:    "Latencia de las llamadas de firma al backend",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"algorithm"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_backend_errors_total",
			Help: "Errores del backend por algoritmo y kind",
		}, []string{"algorithm", "kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_backend_retries_total",
			Help: "Reintentos por backend no disponible",
		}, []string{"algorithm"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signer_key_queue_wait_seconds",
			Help:    "Espera en la cola FIFO por clave",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_audit_write_failures_total",
			Help: "Fallas de escritura de auditoría por sink",
		}, []string{"sink"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signer_idempotent_replays_total",
			Help: "Respuestas servidas desde el cache de idempotencia",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_invalid_requests_total",
			Help: "Pedidos rechazados antes de la policy",
		}, []string{"reason"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signer_request_timeouts_total",
			Help: "Pedidos que superaron el timeout externo",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.outcomes, m.backendLatency, m.backendErrors, m.retries, m.queueWait,
		m.auditFailures, m.replays, m.rejected, m.timeouts,
	} {
		if err := Register(reg, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register registra el collector en reg, ignorando duplicados.
func Register(reg prometheus.Registerer, c prometheus.Collector) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}

func (m *Signer) Outcome(status signer.Status, kind signer.Kind) {
	k := string(kind)
	if k == "" {
		k = "none"
	}
	m.outcomes.WithLabelValues(string(status), k).Inc()
}

func (m *Signer) BackendCall(alg keystore.Algorithm, d time.Duration, err error) {
	m.backendLatency.WithLabelValues(string(alg)).Observe(d.Seconds())
	if err != nil {
		m.backendErrors.WithLabelValues(string(alg), string(keystore.KindOf(err))).Inc()
	}
}

func (m *Signer) Retry(alg keystore.Algorithm) { m.retries.WithLabelValues(string(alg)).Inc() }

func (m *Signer) QueueWait(d time.Duration) { m.queueWait.Observe(d.Seconds()) }

// AuditFailure se conecta como hook del audit.Log.
func (m *Signer) AuditFailure(sink string) { m.auditFailures.WithLabelValues(sink).Inc() }

func (m *Signer) Replayed() { m.replays.Inc() }

func (m *Signer) Rejected(reason string) { m.rejected.WithLabelValues(reason).Inc() }

func (m *Signer) TimedOut() { m.timeouts.Inc() }
