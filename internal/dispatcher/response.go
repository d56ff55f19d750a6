package dispatcher

import (
	"encoding/json"
	"time"

	"github.com/dropDatabas3/signer/internal/signer"
)

// RawRequest es el pedido tal como llega del adapter externo.
// Payload viaja en base64 dentro del JSON.
type RawRequest struct {
	RequestID string     `json:"request_id"`
	KeyID     string     `json:"key_id"`
	Algorithm string     `json:"algorithm"`
	Payload   []byte     `json:"payload"`
	Requester string     `json:"requester_identity"`
	IssuedAt  *time.Time `json:"issued_at,omitempty"`
}

// Response es la forma externa del resultado: éxito, denegación o falla.
// El orden de campos es fijo, así que la codificación es determinística.
type Response struct {
	RequestID  string     `json:"request_id"`
	Signature  []byte     `json:"signature,omitempty"`
	Algorithm  string     `json:"algorithm,omitempty"`
	KeyID      string     `json:"key_id,omitempty"`
	ProducedAt *time.Time `json:"produced_at,omitempty"`
	Denied     bool       `json:"denied,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`

	// Replayed indica que la respuesta salió del cache de idempotencia.
	Replayed bool `json:"-"`

	encoded []byte
}

// OK reporta si la respuesta lleva firma.
func (r Response) OK() bool { return len(r.Signature) > 0 && !r.Denied && r.ErrorKind == "" }

// Encode devuelve el cuerpo JSON. Para respuestas repetidas son los bytes
// exactos de la primera vez.
func (r Response) Encode() []byte {
	if r.encoded != nil {
		return append([]byte(nil), r.encoded...)
	}
	b, _ := json.Marshal(r)
	return b
}

func failure(requestID string, kind signer.Kind) Response {
	return Response{RequestID: requestID, ErrorKind: string(kind)}
}

// fromOutcome traduce el Outcome del Core a la forma externa.
func fromOutcome(out signer.Outcome) Response {
	switch out.Status {
	case signer.StatusGranted:
		res := out.Result
		at := res.ProducedAt.UTC()
		return Response{
			RequestID:  out.RequestID,
			Signature:  append([]byte(nil), res.Signature...),
			Algorithm:  string(res.Algorithm),
			KeyID:      res.KeyID,
			ProducedAt: &at,
		}
	case signer.StatusDenied:
		return Response{RequestID: out.RequestID, Denied: true, Reason: out.Reason}
	default:
		return failure(out.RequestID, out.Kind)
	}
}

// entry es lo que se guarda en el cache de idempotencia.
type entry struct {
	Fingerprint string          `json:"fingerprint"`
	Body        json.RawMessage `json:"body"`
}

func (e entry) response() (Response, error) {
	var r Response
	if err := json.Unmarshal(e.Body, &r); err != nil {
		return Response{}, err
	}
	r.encoded = append([]byte(nil), e.Body...)
	return r, nil
}
