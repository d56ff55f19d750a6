package dispatcher

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/dropDatabas3/signer/internal/keystore"
)

// maxRequestIDLen limita el largo del request id.
const maxRequestIDLen = 128

// clockSkew tolerado para issued_at en el futuro.
const clockSkew = 30 * time.Second

var (
	errRequestID    = errors.New("invalid request_id")
	errKeyID        = errors.New("invalid key_id")
	errAlgorithm    = errors.New("unknown algorithm")
	errPayloadEmpty = errors.New("payload empty")
	errPayloadLarge = errors.New("payload exceeds hard cap")
	errRequester    = errors.New("requester_identity required")
	errExpired      = errors.New("issued_at outside idempotence window")
	errFuture       = errors.New("issued_at in the future")
	errReused       = errors.New("request_id reused with different content")
)

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// validate chequea la forma del pedido. No mira estado de claves ni policy.
func (d *Dispatcher) validate(raw RawRequest, now time.Time) (keystore.Algorithm, error) {
	if !validRequestID(raw.RequestID) {
		return "", errRequestID
	}
	if !keystore.ValidKeyID(raw.KeyID) {
		return "", errKeyID
	}
	alg, ok := keystore.ParseAlgorithm(raw.Algorithm)
	if !ok {
		return "", errAlgorithm
	}
	if len(raw.Payload) == 0 {
		return "", errPayloadEmpty
	}
	if len(raw.Payload) > d.cfg.MaxPayloadBytes {
		return "", errPayloadLarge
	}
	if raw.Requester == "" {
		return "", errRequester
	}
	if raw.IssuedAt != nil {
		at := *raw.IssuedAt
		if at.Before(now.Add(-d.cfg.Window)) {
			return "", errExpired
		}
		if at.After(now.Add(clockSkew)) {
			return "", errFuture
		}
	}
	return alg, nil
}

// fingerprint identifica el contenido del pedido, sin el request id. Usa el
// algoritmo ya normalizado: "ed25519" y "Ed25519" son el mismo pedido.
func fingerprint(raw RawRequest, alg keystore.Algorithm) string {
	h := sha256.New()
	for _, part := range []string{raw.KeyID, string(alg), raw.Requester} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(raw.Payload)
	return hex.EncodeToString(h.Sum(nil))
}
