// Package signer implementa el Signer Core: la máquina de estados que lleva un
// SigningRequest de received a done pasando por policy, firma y auditoría.
//
// Garantías:
//   - Todo request procesado produce exactamente un intento de record de auditoría.
//   - Una firma sólo se devuelve si su record quedó durable.
//   - Las firmas sobre una misma clave se ejecutan de a una, en orden de llegada.
//   - El trabajo concedido ignora la cancelación del caller.
package signer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/signer/internal/audit"
	"github.com/dropDatabas3/signer/internal/domain/types"
	"github.com/dropDatabas3/signer/internal/keystore"
	"github.com/dropDatabas3/signer/internal/observability/logger"
	"github.com/dropDatabas3/signer/internal/policy"
)

// KeyStore es lo que el Core necesita del keystore.
type KeyStore interface {
	Lookup(ctx context.Context, keyID string) (keystore.KeyHandle, error)
	SignWith(ctx context.Context, keyID string, payload []byte) ([]byte, error)
}

// Evaluator decide un request contra una clave.
type Evaluator interface {
	Evaluate(ctx context.Context, req types.SigningRequest, key keystore.KeyHandle) policy.Decision
}

// Recorder persiste el record de auditoría.
type Recorder interface {
	Record(ctx context.Context, rec audit.Record) (audit.Record, error)
}

// Observer recibe eventos para métricas. Ver internal/metrics.
type Observer interface {
	Outcome(status Status, kind Kind)
	BackendCall(alg keystore.Algorithm, d time.Duration, err error)
	Retry(alg keystore.Algorithm)
	QueueWait(d time.Duration)
}

type nopObserver struct{}

func (nopObserver) Outcome(Status, Kind)                                 {}
func (nopObserver) BackendCall(keystore.Algorithm, time.Duration, error) {}
func (nopObserver) Retry(keystore.Algorithm)                             {}
func (nopObserver) QueueWait(time.Duration)                              {}

// Core coordina policy → firma → auditoría.
type Core struct {
	keys   KeyStore
	policy Evaluator
	audit  Recorder
	retry  RetryPolicy
	queue  *keyQueue
	obs    Observer
	log    *zap.Logger
	now    func() time.Time
	sleep  func(time.Duration)
}

// Option configura el Core.
type Option func(*Core)

func WithRetryPolicy(p RetryPolicy) Option { return func(c *Core) { c.retry = p } }
func WithObserver(o Observer) Option {
	return func(c *Core) {
		if o != nil {
			c.obs = o
		}
	}
}
func WithLogger(l *zap.Logger) Option {
	return func(c *Core) {
		if l != nil {
			c.log = l
		}
	}
}
func WithClock(now func() time.Time) Option { return func(c *Core) { c.now = now } }

// WithSleep reemplaza la espera entre reintentos (tests).
func WithSleep(fn func(time.Duration)) Option { return func(c *Core) { c.sleep = fn } }

func New(keys KeyStore, pol Evaluator, rec Recorder, opts ...Option) *Core {
	c := &Core{
		keys:   keys,
		policy: pol,
		audit:  rec,
		retry:  DefaultRetryPolicy(),
		queue:  newKeyQueue(),
		obs:    nopObserver{},
		log:    logger.Named("core"),
		now:    time.Now,
		sleep:  time.Sleep,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// QueueDepth devuelve cuántos requests concedidos hay en curso o esperando para keyID.
func (c *Core) QueueDepth(keyID string) int { return c.queue.depth(keyID) }

// Process lleva req hasta done. Nunca devuelve sin haber intentado auditar.
func (c *Core) Process(ctx context.Context, req types.SigningRequest) Outcome {
	out := Outcome{RequestID: req.RequestID}
	out.step(StateReceived)
	log := c.log.With(logger.RequestID(req.RequestID), logger.KeyID(req.KeyID), logger.Requester(req.Requester))

	// desde acá el request se audita pase lo que pase con el caller
	wctx := context.WithoutCancel(ctx)

	key, err := c.keys.Lookup(wctx, req.KeyID)
	if err != nil {
		out.step(StatePolicyChecked)
		c.deny(&out, keyKind(err), string(keyKind(err)))
		return c.finish(wctx, log, req, out, nil)
	}

	d := c.policy.Evaluate(wctx, req, key)
	out.AppliedRules = d.AppliedRules
	out.step(StatePolicyChecked)
	if !d.Allow {
		c.deny(&out, policyKind(d.Reason), string(d.Reason))
		return c.finish(wctx, log, req, out, nil)
	}

	out.step(StateSigning)
	sig, err := c.sign(wctx, log, req, key.Algorithm, &out)
	if err != nil {
		switch kind := keyKind(err); kind {
		case KindBackendUnavailable:
			out.Status, out.Kind, out.Reason = StatusFailed, kind, string(kind)
			out.step(StateFailed)
		default:
			// rechazo del backend o cambio de estado de la clave entre lookup y firma
			c.deny(&out, kind, string(kind))
		}
		return c.finish(wctx, log, req, out, nil)
	}

	out.Status = StatusGranted
	out.step(StateSigned)
	out.Result = &types.SignatureResult{
		Signature:  sig,
		Algorithm:  key.Algorithm,
		KeyID:      key.ID,
		ProducedAt: c.now().UTC(),
	}
	return c.finish(wctx, log, req, out, sig)
}

// sign ejecuta el loop de reintentos con la lane de la clave tomada.
func (c *Core) sign(ctx context.Context, log *zap.Logger, req types.SigningRequest, alg keystore.Algorithm, out *Outcome) ([]byte, error) {
	queued := time.Now()
	release := c.queue.acquire(req.KeyID)
	defer release()
	c.obs.QueueWait(time.Since(queued))

	max := c.retry.attempts()
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		start := time.Now()
		sig, err := c.keys.SignWith(ctx, req.KeyID, req.Payload)
		c.obs.BackendCall(alg, time.Since(start), err)
		if err == nil {
			return sig, nil
		}
		if keystore.KindOf(err) != keystore.KindBackendUnavailable || attempt >= max {
			log.Warn("backend sign failed", logger.Attempt(attempt), logger.Reason(string(keyKind(err))))
			return nil, err
		}
		wait := c.retry.Backoff(attempt)
		log.Debug("backend unavailable, retrying", logger.Attempt(attempt), logger.Duration(wait))
		c.obs.Retry(alg)
		c.sleep(wait)
	}
}

func (c *Core) deny(out *Outcome, kind Kind, reason string) {
	out.Status, out.Kind, out.Reason = StatusDenied, kind, reason
	out.step(StateDenied)
}

// finish escribe el record. Si la auditoría falla el request se vuelve
// Failed/AuditUnavailable y la firma se descarta.
func (c *Core) finish(ctx context.Context, log *zap.Logger, req types.SigningRequest, out Outcome, sig []byte) Outcome {
	rec := audit.Record{
		RequestID:     req.RequestID,
		KeyID:         req.KeyID,
		Requester:     req.Requester,
		Algorithm:     string(req.Algorithm),
		Decision:      audit.Decision(out.Status),
		Reason:        out.Reason,
		AppliedRules:  out.AppliedRules,
		PayloadDigest: req.PayloadDigest(),
	}
	if sig != nil {
		rec.ResultDigest = types.Digest(sig)
	}
	stored, err := c.audit.Record(ctx, rec)
	if err != nil {
		if out.Result != nil {
			clear(out.Result.Signature)
		}
		out.Result = nil
		out.Status, out.Kind, out.Reason = StatusFailed, KindAuditUnavailable, string(KindAuditUnavailable)
		out.step(StateFailed)
		log.Error("audit unavailable, outcome discarded", logger.Decision(string(rec.Decision)), logger.Err(err))
	} else {
		out.AuditRecordID = stored.RecordID
		out.step(StateAudited)
	}
	out.step(StateDone)
	c.obs.Outcome(out.Status, out.Kind)

	fields := []zap.Field{logger.Decision(string(out.Status)), logger.Algorithm(string(req.Algorithm)), logger.Rules(out.AppliedRules),
		logger.Digest("payload_digest", rec.PayloadDigest)}
	if out.Reason != "" {
		fields = append(fields, logger.Reason(out.Reason))
	}
	log.Info("sign request processed", fields...)
	return out
}

// keyKind traduce un KeyError a la taxonomía del Core.
func keyKind(err error) Kind {
	switch keystore.KindOf(err) {
	case keystore.KindNotFound:
		return KindNotFound
	case keystore.KindDisabled:
		return KindDisabled
	case keystore.KindRevoked:
		return KindRevoked
	case keystore.KindBackendUnavailable:
		return KindBackendUnavailable
	case keystore.KindBackendRejected:
		return KindBackendRejected
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindBackendUnavailable
	}
	return KindBackendRejected
}

func policyKind(r policy.Reason) Kind {
	switch r {
	case policy.ReasonDisabled:
		return KindDisabled
	case policy.ReasonRevoked:
		return KindRevoked
	}
	return KindPolicyDenied
}
