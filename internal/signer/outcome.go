package signer

import (
	"github.com/dropDatabas3/signer/internal/domain/types"
)

// State es un paso de la máquina de estados de un request.
type State string

const (
	StateReceived      State = "received"
	StatePolicyChecked State = "policy_checked"
	StateDenied        State = "denied"
	StateSigning       State = "signing"
	StateSigned        State = "signed"
	StateFailed        State = "failed"
	StateAudited       State = "audited"
	StateDone          State = "done"
)

// Kind es la taxonomía cerrada de resultados no exitosos.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindDisabled           Kind = "disabled"
	KindRevoked            Kind = "revoked"
	KindPolicyDenied       Kind = "policy_denied"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindBackendRejected    Kind = "backend_rejected"
	KindAuditUnavailable   Kind = "audit_unavailable"
	KindInvalidRequest     Kind = "invalid_request"
	KindTimeout            Kind = "timeout"
)

// Status resume el Outcome.
type Status string

const (
	StatusGranted Status = "granted"
	StatusDenied  Status = "denied"
	StatusFailed  Status = "failed"
)

// Outcome es el resultado de Core.Process. Result sólo está presente si
// Status == StatusGranted, y en ese caso el record de auditoría ya es durable.
type Outcome struct {
	RequestID string
	Status    Status
	Kind      Kind
	// Reason: motivo de denegación (razón de policy o kind de clave) o kind de falla.
	Reason        string
	AppliedRules  []string
	Result        *types.SignatureResult
	Attempts      int
	AuditRecordID string
	Trail         []State
}

func (o *Outcome) step(s State) { o.Trail = append(o.Trail, s) }
