// Package types define tipos de dominio compartidos entre paquetes.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/dropDatabas3/signer/internal/keystore"
)

// SigningRequest es un pedido de firma ya validado. Inmutable: se pasa por
// valor y NewSigningRequest copia el payload.
type SigningRequest struct {
	RequestID  string
	KeyID      string
	Algorithm  keystore.Algorithm
	Payload    []byte
	Requester  string
	ReceivedAt time.Time
	// IssuedAt es opcional; cero si el cliente no lo envió.
	IssuedAt time.Time
}

// NewSigningRequest construye el request con una copia propia del payload.
func NewSigningRequest(requestID, keyID string, alg keystore.Algorithm, payload []byte, requester string, receivedAt time.Time) SigningRequest {
	return SigningRequest{
		RequestID:  requestID,
		KeyID:      keyID,
		Algorithm:  alg,
		Payload:    append([]byte(nil), payload...),
		Requester:  requester,
		ReceivedAt: receivedAt,
	}
}

// PayloadDigest es hex(sha256(payload)).
func (r SigningRequest) PayloadDigest() string {
	return Digest(r.Payload)
}

// SignatureResult es la salida pública de una firma.
type SignatureResult struct {
	Signature  []byte
	Algorithm  keystore.Algorithm
	KeyID      string
	ProducedAt time.Time
}

// Digest devuelve hex(sha256(b)).
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
