// Package policy decide si un SigningRequest puede usar una clave.
//
// El Engine evalúa reglas en orden y corta en la primera que deniega.
// AppliedRules registra cada regla evaluada, incluida la que decidió.
package policy

import (
	"context"

	"go.uber.org/zap"

	"github.com/dropDatabas3/signer/internal/domain/types"
	"github.com/dropDatabas3/signer/internal/keystore"
	"github.com/dropDatabas3/signer/internal/observability/logger"
)

// Reason es el motivo de una denegación.
type Reason string

const (
	ReasonDisabled            Reason = "disabled"
	ReasonRevoked             Reason = "revoked"
	ReasonAlgorithmMismatch   Reason = "algorithm_mismatch"
	ReasonPayloadEmpty        Reason = "payload_empty"
	ReasonPayloadTooLarge     Reason = "payload_too_large"
	ReasonPayloadShape        Reason = "payload_shape"
	ReasonRequesterNotAllowed Reason = "requester_not_allowed"
	ReasonRateLimited         Reason = "rate_limited"
	// ReasonPolicyUnavailable: una regla no pudo decidir (p.ej. redis caído). Falla cerrado.
	ReasonPolicyUnavailable Reason = "policy_unavailable"
)

// Decision es el resultado de Evaluate.
type Decision struct {
	Allow        bool
	Reason       Reason
	AppliedRules []string
}

// Rule es una regla evaluable. Check devuelve "" si el request pasa.
// Un error significa que la regla no pudo decidir.
type Rule interface {
	Name() string
	Check(ctx context.Context, req types.SigningRequest, key keystore.KeyHandle) (Reason, error)
}

// Engine evalúa una lista ordenada de reglas fijada en construcción.
type Engine struct {
	rules []Rule
	log   *zap.Logger
}

func New(rules []Rule, log *zap.Logger) *Engine {
	if log == nil {
		log = logger.Named("policy")
	}
	return &Engine{rules: append([]Rule(nil), rules...), log: log}
}

// Rules devuelve los nombres de las reglas en orden de evaluación.
func (e *Engine) Rules() []string {
	out := make([]string, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Name()
	}
	return out
}

// Evaluate corre las reglas en orden y corta en la primera denegación.
func (e *Engine) Evaluate(ctx context.Context, req types.SigningRequest, key keystore.KeyHandle) Decision {
	d := Decision{Allow: true, AppliedRules: make([]string, 0, len(e.rules))}
	for _, r := range e.rules {
		d.AppliedRules = append(d.AppliedRules, r.Name())
		reason, err := r.Check(ctx, req, key)
		if err != nil {
			e.log.Warn("policy rule unavailable",
				logger.RequestID(req.RequestID), logger.KeyID(req.KeyID),
				logger.String("rule", r.Name()), logger.Err(err))
			d.Allow, d.Reason = false, ReasonPolicyUnavailable
			return d
		}
		if reason != "" {
			d.Allow, d.Reason = false, reason
			return d
		}
	}
	return d
}
