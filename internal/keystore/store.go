package keystore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/signer/internal/observability/logger"
)

const shardCount = 32

type entry struct {
	handle  KeyHandle
	backend Backend
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*entry
}

// Store es la tabla de handles particionada + el Source que la persiste.
type Store struct {
	src    Source
	shards [shardCount]*shard
	log    *zap.Logger
	now    func() time.Time
}

// Option configura el Store.
type Option func(*Store)

// WithLogger inyecta el logger (tests con zaptest/observer).
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock fija el reloj usado para CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New crea un Store vacío; llamar Reload para cargar el Source.
func New(src Source, opts ...Option) *Store {
	if src == nil {
		src = NewMemorySource()
	}
	s := &Store{src: src, log: logger.Named("keystore"), now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{m: make(map[string]*entry)}
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open crea el Store y carga todas las claves del Source.
func Open(ctx context.Context, src Source, opts ...Option) (*Store, error) {
	s := New(src, opts...)
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

// get lee la entrada; una entrada cuyo handle no coincide con su slot es estado
// corrupto y firmar con ella podría usar la clave equivocada.
func (s *Store) get(id string) *entry {
	sh := s.shardFor(id)
	sh.mu.RLock()
	e := sh.m[id]
	sh.mu.RUnlock()
	if e != nil && e.handle.ID != id {
		panic(fmt.Sprintf("keystore: corrupted handle table: slot %q holds handle %q", id, e.handle.ID))
	}
	return e
}

func (s *Store) put(e *entry) {
	sh := s.shardFor(e.handle.ID)
	sh.mu.Lock()
	sh.m[e.handle.ID] = e
	sh.mu.Unlock()
}

// Reload reconstruye la tabla desde el Source. Las entradas registradas con
// Register (backends externos) se conservan.
func (s *Store) Reload(ctx context.Context) error {
	recs, err := s.src.load(ctx)
	if err != nil {
		return fmt.Errorf("keystore: load %s source: %w", s.src.Kind(), err)
	}
	fresh := make([]*entry, 0, len(recs))
	for _, r := range recs {
		sk, err := parseMaterial(r.handle.Algorithm, r.material)
		clear(r.material)
		if err != nil {
			return fmt.Errorf("keystore: key %s: %w", r.handle.ID, err)
		}
		h := r.handle.clone()
		if len(h.PublicKey) == 0 {
			h.PublicKey = sk.pub
		}
		fresh = append(fresh, &entry{handle: h, backend: sk})
	}
	for _, e := range fresh {
		s.put(e)
	}
	s.log.Info("keys loaded", logger.Driver(s.src.Kind()), logger.Count(len(fresh)))
	return nil
}

// Register agrega un backend externo (HSM, KMS remoto) bajo un handle.
// No se persiste en el Source.
func (s *Store) Register(h KeyHandle, b Backend) error {
	if !ValidKeyID(h.ID) {
		return ErrInvalidKeyID
	}
	if b == nil {
		return errors.New("keystore: nil backend")
	}
	if _, ok := ParseStatus(string(h.Status)); !ok {
		h.Status = StatusActive
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = s.now().UTC()
	}
	sh := s.shardFor(h.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[h.ID]; ok {
		return ErrExists
	}
	sh.m[h.ID] = &entry{handle: h.clone(), backend: b}
	return nil
}

// Lookup devuelve una copia del handle.
func (s *Store) Lookup(_ context.Context, id string) (KeyHandle, error) {
	e := s.get(id)
	if e == nil {
		return KeyHandle{}, keyErr(KindNotFound, id, nil)
	}
	return e.handle.clone(), nil
}

// SignWith firma payload con la clave id. No reintenta: la política de
// reintentos pertenece al caller.
func (s *Store) SignWith(ctx context.Context, id string, payload []byte) ([]byte, error) {
	e := s.get(id)
	if e == nil {
		return nil, keyErr(KindNotFound, id, nil)
	}
	switch e.handle.Status {
	case StatusDisabled:
		return nil, keyErr(KindDisabled, id, nil)
	case StatusRevoked:
		return nil, keyErr(KindRevoked, id, nil)
	}
	sig, err := e.backend.Sign(ctx, payload)
	if err != nil {
		ke := classify(id, err)
		s.log.Debug("backend sign failed", logger.KeyID(id), logger.Reason(string(ke.Kind)))
		return nil, ke
	}
	return sig, nil
}

// Import valida el material, lo persiste en el Source y lo publica en la tabla.
func (s *Store) Import(ctx context.Context, id string, alg Algorithm, material []byte) (KeyHandle, error) {
	if !ValidKeyID(id) {
		return KeyHandle{}, ErrInvalidKeyID
	}
	if _, ok := ParseAlgorithm(string(alg)); !ok {
		return KeyHandle{}, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidMaterial, alg)
	}
	if s.get(id) != nil {
		return KeyHandle{}, ErrExists
	}
	sk, err := parseMaterial(alg, material)
	if err != nil {
		return KeyHandle{}, err
	}
	h := KeyHandle{ID: id, Algorithm: alg, Status: StatusActive, PublicKey: sk.pub, CreatedAt: s.now().UTC().Truncate(time.Microsecond)}
	if err := s.src.insert(ctx, record{handle: h, material: material}); err != nil {
		return KeyHandle{}, err
	}
	s.put(&entry{handle: h, backend: sk})
	s.log.Info("key imported", logger.KeyID(id), logger.Algorithm(string(alg)), logger.Driver(s.src.Kind()))
	return h.clone(), nil
}

// SetStatus cambia el status. Revoked es terminal.
func (s *Store) SetStatus(ctx context.Context, id string, st Status) (KeyHandle, error) {
	if _, ok := ParseStatus(string(st)); !ok {
		return KeyHandle{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, st)
	}
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[id]
	if !ok {
		return KeyHandle{}, keyErr(KindNotFound, id, nil)
	}
	if e.handle.Status == StatusRevoked && st != StatusRevoked {
		return KeyHandle{}, ErrInvalidTransition
	}
	if e.handle.Status == st {
		return e.handle.clone(), nil
	}
	// backends registrados no viven en el Source
	if _, sw := e.backend.(*softwareKey); sw {
		if err := s.src.updateStatus(ctx, id, st); err != nil {
			return KeyHandle{}, err
		}
	}
	next := &entry{handle: e.handle.clone(), backend: e.backend}
	next.handle.Status = st
	sh.m[id] = next
	s.log.Info("key status changed", logger.KeyID(id), logger.String("status", string(st)))
	return next.handle.clone(), nil
}

// List devuelve todos los handles ordenados por id.
func (s *Store) List(_ context.Context) []KeyHandle {
	var out []KeyHandle
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.m {
			out = append(out, e.handle.clone())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PublicKeyPEM devuelve la clave pública en PEM.
func (s *Store) PublicKeyPEM(ctx context.Context, id string) ([]byte, error) {
	h, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !h.Algorithm.Asymmetric() || len(h.PublicKey) == 0 {
		return nil, ErrNoPublicKey
	}
	return publicPEM(h)
}

// Kind devuelve el tipo de Source configurado.
func (s *Store) Kind() string { return s.src.Kind() }
