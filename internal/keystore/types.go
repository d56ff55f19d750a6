// Package keystore custodia material de clave y firma sin exportarlo.
//
// El Store mantiene una tabla de handles particionada en shards; cada entrada
// asocia un KeyHandle público con un Backend capaz de firmar. El material
// privado nunca sale del paquete: los callers sólo ven handles, firmas y
// KeyError.
package keystore

import (
	"regexp"
	"strings"
	"time"
)

// Algorithm identifica el esquema de firma de una clave.
type Algorithm string

const (
	AlgEd25519   Algorithm = "Ed25519"
	AlgSecp256k1 Algorithm = "ECDSA-secp256k1"
	AlgP256      Algorithm = "ECDSA-P256"
	AlgRSAPSS    Algorithm = "RSA-PSS"
	AlgAWS4      Algorithm = "AWS4-HMAC-SHA256"
)

var algorithms = []Algorithm{AlgEd25519, AlgSecp256k1, AlgP256, AlgRSAPSS, AlgAWS4}

// Algorithms devuelve el conjunto cerrado de algoritmos soportados.
func Algorithms() []Algorithm {
	out := make([]Algorithm, len(algorithms))
	copy(out, algorithms)
	return out
}

// ParseAlgorithm acepta el nombre canónico (case-insensitive).
func ParseAlgorithm(s string) (Algorithm, bool) {
	s = strings.TrimSpace(s)
	for _, a := range algorithms {
		if strings.EqualFold(string(a), s) {
			return a, true
		}
	}
	return "", false
}

// Deterministic indica si el esquema produce la misma firma para el mismo input.
func (a Algorithm) Deterministic() bool {
	switch a {
	case AlgEd25519, AlgSecp256k1, AlgAWS4:
		return true
	default:
		return false
	}
}

// Asymmetric indica si la clave tiene una mitad pública verificable por terceros.
func (a Algorithm) Asymmetric() bool {
	return a != AlgAWS4
}

// Status del ciclo de vida de una clave. Revoked es terminal.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusRevoked  Status = "revoked"
)

// ParseStatus valida un status.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusActive:
		return StatusActive, true
	case StatusDisabled:
		return StatusDisabled, true
	case StatusRevoked:
		return StatusRevoked, true
	}
	return "", false
}

// KeyHandle es la vista pública de una clave. Nunca contiene material privado.
//
// PublicKey: Ed25519 raw (32 bytes), secp256k1 comprimida (33 bytes),
// P-256 y RSA en PKIX DER. Vacío para AWS4.
type KeyHandle struct {
	ID        string
	Algorithm Algorithm
	Status    Status
	PublicKey []byte
	CreatedAt time.Time
}

func (h KeyHandle) clone() KeyHandle {
	if h.PublicKey != nil {
		h.PublicKey = append([]byte(nil), h.PublicKey...)
	}
	return h
}

var keyIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// ValidKeyID reporta si id cumple el charset de ids de clave.
func ValidKeyID(id string) bool {
	return keyIDRe.MatchString(id)
}
