// Package audit es el registro append-only de cada intento de firma.
//
// Un Record por request procesado: concedido, denegado o fallido. El registro
// guarda digests (sha256 hex) del payload y de la firma, nunca la firma ni el
// payload en sí.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dropDatabas3/signer/internal/observability/logger"
)

// Decision es el resultado registrado.
type Decision string

const (
	DecisionGranted Decision = "granted"
	DecisionDenied  Decision = "denied"
	DecisionFailed  Decision = "failed"
)

// Record es la evidencia durable de un intento de firma.
type Record struct {
	RecordID      string    `json:"record_id"`
	RequestID     string    `json:"request_id"`
	KeyID         string    `json:"key_id"`
	Requester     string    `json:"requester"`
	Algorithm     string    `json:"algorithm"`
	Decision      Decision  `json:"decision"`
	Reason        string    `json:"reason,omitempty"`
	AppliedRules  []string  `json:"applied_rules,omitempty"`
	PayloadDigest string    `json:"payload_digest"`
	ResultDigest  string    `json:"result_digest,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Store persiste records. Append debe ser durable al retornar nil.
type Store interface {
	Kind() string
	Append(ctx context.Context, rec Record) error
	ByRequestID(ctx context.Context, requestID string) ([]Record, error)
	// ByKeyID devuelve hasta limit records de la clave, los más recientes, en orden de escritura.
	ByKeyID(ctx context.Context, keyID string, limit int) ([]Record, error)
	Close() error
}

// Appender es un destino sólo-escritura (mirror).
type Appender interface {
	Append(ctx context.Context, rec Record) error
}

var ErrUnavailable = errors.New("audit: store unavailable")

// WriteError indica que el record no quedó persistido.
type WriteError struct {
	Store     string
	RequestID string
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit: write to %s failed (request=%s): %v", e.Store, e.RequestID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool { return target == ErrUnavailable }

// Log es la fachada que usa el Signer Core.
type Log struct {
	store   Store
	mirrors []Appender
	now     func() time.Time
	log     *zap.Logger
	onFail  func(sink string)
}

// Option configura Log.
type Option func(*Log)

// WithMirror agrega destinos secundarios (p.ej. Kafka). Se escriben después
// del store primario; su falla se loguea y no invalida el record.
func WithMirror(a ...Appender) Option {
	return func(l *Log) { l.mirrors = append(l.mirrors, a...) }
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func WithLogger(z *zap.Logger) Option {
	return func(l *Log) {
		if z != nil {
			l.log = z
		}
	}
}

// WithFailureHook se invoca por cada escritura fallida (métricas).
func WithFailureHook(fn func(sink string)) Option {
	return func(l *Log) { l.onFail = fn }
}

func NewLog(store Store, opts ...Option) *Log {
	l := &Log{store: store, now: time.Now, log: logger.Named("audit")}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Record asigna RecordID/Timestamp y persiste. Devuelve *WriteError si el
// store primario no confirmó la escritura.
func (l *Log) Record(ctx context.Context, rec Record) (Record, error) {
	if rec.RecordID == "" {
		rec.RecordID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}
	if err := l.store.Append(ctx, rec); err != nil {
		l.log.Error("audit write failed",
			logger.RequestID(rec.RequestID), logger.KeyID(rec.KeyID),
			logger.Driver(l.store.Kind()), logger.Err(err))
		if l.onFail != nil {
			l.onFail(l.store.Kind())
		}
		return rec, &WriteError{Store: l.store.Kind(), RequestID: rec.RequestID, Err: err}
	}
	for _, m := range l.mirrors {
		if err := m.Append(ctx, rec); err != nil {
			l.log.Warn("audit mirror write failed", logger.RequestID(rec.RequestID), logger.Err(err))
			if l.onFail != nil {
				l.onFail("mirror")
			}
		}
	}
	return rec, nil
}

func (l *Log) ByRequestID(ctx context.Context, requestID string) ([]Record, error) {
	return l.store.ByRequestID(ctx, requestID)
}

func (l *Log) ByKeyID(ctx context.Context, keyID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return l.store.ByKeyID(ctx, keyID, limit)
}

// Close cierra el store primario.
func (l *Log) Close() error { return l.store.Close() }
