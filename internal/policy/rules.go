package policy

import (
	"context"
	"time"

	"github.com/dropDatabas3/signer/internal/domain/types"
	"github.com/dropDatabas3/signer/internal/keystore"
	"github.com/dropDatabas3/signer/internal/rate"
)

// Nombres de reglas, tal como aparecen en applied_rules.
const (
	RuleKeyStatus          = "key_status"
	RuleAlgorithmMatch     = "algorithm_match"
	RulePayloadSize        = "payload_size"
	RulePayloadShape       = "payload_shape"
	RuleRequesterAllowlist = "requester_allowlist"
	RuleRateLimitKey       = "rate_limit_key"
	RuleRateLimitRequester = "rate_limit_requester"
)

// Config son los umbrales que arman el set de reglas por defecto.
// Un límite <= 0 deja la regla fuera del set.
type Config struct {
	MaxPayloadBytes    int
	PerKeyLimit        int
	PerKeyWindow       time.Duration
	PerRequesterLimit  int
	PerRequesterWindow time.Duration
	// Allowlist: key_id → requesters permitidos. Una clave ausente no restringe.
	Allowlist map[string][]string
}

// DefaultRules arma las reglas en el orden canónico.
func DefaultRules(cfg Config, lim rate.Limiter) []Rule {
	rules := []Rule{KeyStatus{}, AlgorithmMatch{}}
	if cfg.MaxPayloadBytes > 0 {
		rules = append(rules, PayloadSize{Max: cfg.MaxPayloadBytes})
	}
	rules = append(rules, PayloadShape{})
	if len(cfg.Allowlist) > 0 {
		rules = append(rules, NewRequesterAllowlist(cfg.Allowlist))
	}
	if lim != nil && cfg.PerKeyLimit > 0 {
		rules = append(rules, RateLimit{Scope: ScopeKey, Limiter: lim, Limit: cfg.PerKeyLimit, Window: cfg.PerKeyWindow})
	}
	if lim != nil && cfg.PerRequesterLimit > 0 {
		rules = append(rules, RateLimit{Scope: ScopeRequester, Limiter: lim, Limit: cfg.PerRequesterLimit, Window: cfg.PerRequesterWindow})
	}
	return rules
}

// KeyStatus deniega claves deshabilitadas o revocadas.
type KeyStatus struct{}

func (KeyStatus) Name() string { return RuleKeyStatus }

func (KeyStatus) Check(_ context.Context, _ types.SigningRequest, key keystore.KeyHandle) (Reason, error) {
	switch key.Status {
	case keystore.StatusActive:
		return "", nil
	case keystore.StatusRevoked:
		return ReasonRevoked, nil
	default:
		return ReasonDisabled, nil
	}
}

// AlgorithmMatch exige que el algoritmo pedido sea el de la clave.
type AlgorithmMatch struct{}

func (AlgorithmMatch) Name() string { return RuleAlgorithmMatch }

func (AlgorithmMatch) Check(_ context.Context, req types.SigningRequest, key keystore.KeyHandle) (Reason, error) {
	if req.Algorithm != key.Algorithm {
		return ReasonAlgorithmMismatch, nil
	}
	return "", nil
}

// PayloadSize acota el tamaño del payload.
type PayloadSize struct{ Max int }

func (PayloadSize) Name() string { return RulePayloadSize }

func (p PayloadSize) Check(_ context.Context, req types.SigningRequest, _ keystore.KeyHandle) (Reason, error) {
	if len(req.Payload) == 0 {
		return ReasonPayloadEmpty, nil
	}
	if len(req.Payload) > p.Max {
		return ReasonPayloadTooLarge, nil
	}
	return "", nil
}

// PayloadShape valida la forma del mensaje según el algoritmo.
// AWS4 sólo firma string-to-sign SigV4 bien formados.
type PayloadShape struct{}

func (PayloadShape) Name() string { return RulePayloadShape }

func (PayloadShape) Check(_ context.Context, req types.SigningRequest, key keystore.KeyHandle) (Reason, error) {
	if len(req.Payload) == 0 {
		return ReasonPayloadEmpty, nil
	}
	if key.Algorithm == keystore.AlgAWS4 {
		if _, err := keystore.AWS4Scope(req.Payload); err != nil {
			return ReasonPayloadShape, nil
		}
	}
	return "", nil
}

// RequesterAllowlist restringe qué requesters pueden usar cada clave.
type RequesterAllowlist struct {
	allowed map[string]map[string]struct{}
}

func NewRequesterAllowlist(m map[string][]string) RequesterAllowlist {
	al := RequesterAllowlist{allowed: make(map[string]map[string]struct{}, len(m))}
	for k, reqs := range m {
		set := make(map[string]struct{}, len(reqs))
		for _, r := range reqs {
			set[r] = struct{}{}
		}
		al.allowed[k] = set
	}
	return al
}

func (RequesterAllowlist) Name() string { return RuleRequesterAllowlist }

func (a RequesterAllowlist) Check(_ context.Context, req types.SigningRequest, _ keystore.KeyHandle) (Reason, error) {
	set, ok := a.allowed[req.KeyID]
	if !ok {
		return "", nil
	}
	if _, ok := set[req.Requester]; !ok {
		return ReasonRequesterNotAllowed, nil
	}
	return "", nil
}

// Scope elige la clave del contador.
type Scope int

const (
	ScopeKey Scope = iota
	// ScopeRequester cuenta por par clave/requester.
	ScopeRequester
)

// RateLimit consume un hit del Limiter. Un error del Limiter no es una
// denegación por cupo: el Engine lo reporta como policy_unavailable.
type RateLimit struct {
	Scope   Scope
	Limiter rate.Limiter
	Limit   int
	Window  time.Duration
}

func (r RateLimit) Name() string {
	if r.Scope == ScopeRequester {
		return RuleRateLimitRequester
	}
	return RuleRateLimitKey
}

func (r RateLimit) Check(ctx context.Context, req types.SigningRequest, _ keystore.KeyHandle) (Reason, error) {
	key := "key:" + req.KeyID
	if r.Scope == ScopeRequester {
		key = "req:" + req.KeyID + "|" + req.Requester
	}
	res, err := r.Limiter.Allow(ctx, key, r.Limit, r.Window)
	if err != nil {
		return "", err
	}
	if !res.Allowed {
		return ReasonRateLimited, nil
	}
	return "", nil
}
