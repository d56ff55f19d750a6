// Package dispatcher es el borde del core: valida pedidos crudos, aplica
// idempotencia por request id y traduce Outcomes del Signer Core a respuestas.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/signer/internal/cache"
	"github.com/dropDatabas3/signer/internal/domain/types"
	"github.com/dropDatabas3/signer/internal/observability/logger"
	"github.com/dropDatabas3/signer/internal/signer"
)

// Core procesa un SigningRequest ya validado.
type Core interface {
	Process(ctx context.Context, req types.SigningRequest) signer.Outcome
}

// Observer recibe eventos del dispatcher para métricas.
type Observer interface {
	Replayed()
	Rejected(reason string)
	TimedOut()
}

type nopObserver struct{}

func (nopObserver) Replayed()       {}
func (nopObserver) Rejected(string) {}
func (nopObserver) TimedOut()       {}

// Config son los límites del borde.
type Config struct {
	// Window es la ventana de idempotencia y el TTL de las respuestas cacheadas.
	Window time.Duration
	// Timeout es el límite externo por pedido. 0 = sin límite.
	Timeout time.Duration
	// MaxPayloadBytes es el tope duro, previo a la policy.
	MaxPayloadBytes int
}

func (c *Config) defaults() {
	if c.Window <= 0 {
		c.Window = 10 * time.Minute
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 1 << 20
	}
}

// Dispatcher implementa Handle.
type Dispatcher struct {
	core   Core
	cache  cache.Client
	cfg    Config
	flight singleflight.Group
	obs    Observer
	log    *zap.Logger
	now    func() time.Time
	newID  func() string

	// inflight cuenta los pedidos con vuelo abierto, incluso si el caller ya
	// recibió Timeout. Drain espera a que llegue a cero.
	mu       sync.RWMutex
	draining bool
	inflight sync.WaitGroup
}

// Option configura el Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.obs = o
		}
	}
}

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithIDGenerator reemplaza la generación de request ids (tests).
func WithIDGenerator(fn func() string) Option { return func(d *Dispatcher) { d.newID = fn } }

func New(core Core, c cache.Client, cfg Config, opts ...Option) *Dispatcher {
	cfg.defaults()
	d := &Dispatcher{
		core:  core,
		cache: c,
		cfg:   cfg,
		obs:   nopObserver{},
		log:   logger.Named("dispatcher"),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// MaxPayloadBytes expone el tope duro (lo usa el adapter HTTP para limitar el body).
func (d *Dispatcher) MaxPayloadBytes() int { return d.cfg.MaxPayloadBytes }

// Handle procesa un pedido crudo. Siempre devuelve una respuesta con request id.
func (d *Dispatcher) Handle(ctx context.Context, raw RawRequest) Response {
	now := d.now()
	if raw.RequestID == "" {
		raw.RequestID = d.newID()
	}
	log := d.log.With(logger.RequestID(raw.RequestID), logger.KeyID(raw.KeyID), logger.Requester(raw.Requester))

	alg, err := d.validate(raw, now)
	if err != nil {
		id := raw.RequestID
		if errors.Is(err, errRequestID) {
			// el id recibido no es usable para reconciliar; se emite uno nuevo
			id = d.newID()
			log = d.log.With(logger.RequestID(id))
		}
		return d.reject(log, id, err)
	}

	fp := fingerprint(raw, alg)
	if cached, ok, err := d.lookup(ctx, raw.RequestID); err != nil {
		// sin cache no se puede garantizar que el id no se firme dos veces
		log.Error("idempotence cache unavailable", logger.Err(err))
		return failure(raw.RequestID, signer.KindBackendUnavailable)
	} else if ok {
		return d.replay(log, raw.RequestID, fp, cached)
	}

	req := types.NewSigningRequest(raw.RequestID, raw.KeyID, alg, raw.Payload, raw.Requester, now)
	if raw.IssuedAt != nil {
		req.IssuedAt = raw.IssuedAt.UTC()
	}

	if !d.begin() {
		log.Warn("dispatcher draining, request refused")
		return failure(raw.RequestID, signer.KindBackendUnavailable)
	}
	flight := d.flight.DoChan(raw.RequestID, func() (any, error) {
		return d.run(context.WithoutCancel(ctx), log, req, fp)
	})
	// el contador se libera cuando el vuelo termina, no cuando el caller se va
	ch := make(chan singleflight.Result, 1)
	go func() {
		defer d.inflight.Done()
		ch <- <-flight
	}()

	var timeout <-chan time.Time
	if d.cfg.Timeout > 0 {
		t := time.NewTimer(d.cfg.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			log.Error("idempotence cache unavailable", logger.Err(res.Err))
			return failure(raw.RequestID, signer.KindBackendUnavailable)
		}
		e := res.Val.(*flightResult)
		if e.entry.Fingerprint != fp {
			return d.reject(log, raw.RequestID, errReused)
		}
		if !e.fresh {
			d.obs.Replayed()
		}
		return e.resp
	case <-timeout:
	case <-ctx.Done():
	}
	d.obs.TimedOut()
	log.Warn("request timed out, server-side work continues")
	return failure(raw.RequestID, signer.KindTimeout)
}

// begin registra un pedido en curso. false si Drain ya empezó.
func (d *Dispatcher) begin() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.draining {
		return false
	}
	d.inflight.Add(1)
	return true
}

// Drain deja de aceptar pedidos y espera a que termine el trabajo en curso,
// incluido el que sigue corriendo después de un Timeout. Hay que llamarlo
// antes de cerrar el audit store.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type flightResult struct {
	entry entry
	resp  Response
	// fresh: la respuesta la produjo este vuelo (no salió del cache).
	fresh bool
}

// run procesa el pedido una sola vez por request id, aunque el caller se vaya.
func (d *Dispatcher) run(ctx context.Context, log *zap.Logger, req types.SigningRequest, fp string) (*flightResult, error) {
	// otro vuelo pudo terminar entre el lookup y el DoChan
	if cached, ok, err := d.lookup(ctx, req.RequestID); err != nil {
		return nil, err
	} else if ok {
		resp, err := cached.response()
		if err != nil {
			return nil, err
		}
		resp.Replayed = true
		return &flightResult{entry: cached, resp: resp}, nil
	}

	out := d.core.Process(ctx, req)
	resp := fromOutcome(out)
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	resp.encoded = body
	e := entry{Fingerprint: fp, Body: body}

	if out.Kind != signer.KindAuditUnavailable {
		if err := d.store(ctx, req.RequestID, e); err != nil {
			log.Warn("idempotence cache write failed", logger.Err(err))
		}
	}
	return &flightResult{entry: e, resp: resp, fresh: true}, nil
}

func (d *Dispatcher) replay(log *zap.Logger, requestID, fp string, e entry) Response {
	if e.Fingerprint != fp {
		return d.reject(log, requestID, errReused)
	}
	resp, err := e.response()
	if err != nil {
		log.Error("corrupt idempotence entry", logger.Err(err))
		return failure(requestID, signer.KindBackendUnavailable)
	}
	resp.Replayed = true
	d.obs.Replayed()
	log.Debug("idempotent replay")
	return resp
}

func (d *Dispatcher) reject(log *zap.Logger, requestID string, err error) Response {
	d.obs.Rejected(err.Error())
	log.Info("request rejected", logger.Reason(err.Error()))
	return failure(requestID, signer.KindInvalidRequest)
}

func (d *Dispatcher) lookup(ctx context.Context, requestID string) (entry, bool, error) {
	b, err := d.cache.Get(ctx, requestID)
	if cache.IsNotFound(err) {
		return entry{}, false, nil
	}
	if err != nil {
		return entry{}, false, err
	}
	var e entry
	if err := json.Unmarshal(b, &e); err != nil {
		return entry{}, false, err
	}
	return e, true, nil
}

func (d *Dispatcher) store(ctx context.Context, requestID string, e entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return d.cache.Set(ctx, requestID, b, d.cfg.Window)
}
