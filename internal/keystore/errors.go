package keystore

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind es el conjunto cerrado de fallas que el Store expone.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindDisabled           ErrorKind = "disabled"
	KindRevoked            ErrorKind = "revoked"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindBackendRejected    ErrorKind = "backend_rejected"
)

// Sentinels para errors.Is. Un Backend devuelve ErrBackendUnavailable
// (envuelto o no) para fallas transitorias; cualquier otro error es un rechazo.
var (
	ErrNotFound           = errors.New("keystore: key not found")
	ErrDisabled           = errors.New("keystore: key disabled")
	ErrRevoked            = errors.New("keystore: key revoked")
	ErrBackendUnavailable = errors.New("keystore: backend unavailable")
	ErrBackendRejected    = errors.New("keystore: backend rejected")

	ErrExists            = errors.New("keystore: key already exists")
	ErrInvalidKeyID      = errors.New("keystore: invalid key id")
	ErrInvalidMaterial   = errors.New("keystore: invalid key material")
	ErrInvalidTransition = errors.New("keystore: invalid status transition")
	ErrNoPublicKey       = errors.New("keystore: key has no public half")
)

// KeyError es el error tipado de Lookup/SignWith.
// El mensaje nunca incluye el error del backend: sólo kind y key id.
type KeyError struct {
	Kind  ErrorKind
	KeyID string
	Err   error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("keystore: %s (key=%s)", e.Kind, e.KeyID)
}

func (e *KeyError) Unwrap() error { return e.Err }

// Is permite errors.Is(err, ErrRevoked) etc. sin depender del error interno.
func (e *KeyError) Is(target error) bool {
	return kindSentinel(e.Kind) == target
}

func kindSentinel(k ErrorKind) error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindDisabled:
		return ErrDisabled
	case KindRevoked:
		return ErrRevoked
	case KindBackendUnavailable:
		return ErrBackendUnavailable
	case KindBackendRejected:
		return ErrBackendRejected
	}
	return nil
}

// KindOf extrae el ErrorKind de err ("" si no es un KeyError).
func KindOf(err error) ErrorKind {
	var ke *KeyError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

func keyErr(kind ErrorKind, id string, cause error) *KeyError {
	return &KeyError{Kind: kind, KeyID: id, Err: cause}
}

// classify mapea un error arbitrario de backend al set cerrado.
func classify(id string, err error) *KeyError {
	var ke *KeyError
	if errors.As(err, &ke) {
		return ke
	}
	if errors.Is(err, ErrBackendUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return keyErr(KindBackendUnavailable, id, err)
	}
	return keyErr(KindBackendRejected, id, err)
}
