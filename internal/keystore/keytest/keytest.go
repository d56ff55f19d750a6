// Package keytest genera material de prueba para tests de otros paquetes.
package keytest

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/signer/internal/keystore"
)

// Ed25519PEM genera una clave Ed25519 y la devuelve en PEM PKCS#8 junto con el seed.
func Ed25519PEM(t testing.TB) (pemBytes []byte, priv ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pemBytes, err = cryptoutils.MarshalPrivateKeyToPEM(priv)
	require.NoError(t, err)
	return pemBytes, priv
}

// P256PEM genera una clave ECDSA P-256 en PEM.
func P256PEM(t testing.TB) []byte {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	b, err := cryptoutils.MarshalPrivateKeyToPEM(k)
	require.NoError(t, err)
	return b
}

// RSAPEM genera una clave RSA-2048 en PEM.
func RSAPEM(t testing.TB) []byte {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	b, err := cryptoutils.MarshalPrivateKeyToPEM(k)
	require.NoError(t, err)
	return b
}

// Secp256k1Hex devuelve un escalar válido fijo en hex.
func Secp256k1Hex() []byte {
	return []byte(hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
}

// Import importa material en s o falla el test.
func Import(t testing.TB, s *keystore.Store, id string, alg keystore.Algorithm, material []byte) keystore.KeyHandle {
	t.Helper()
	h, err := s.Import(context.Background(), id, alg, material)
	require.NoError(t, err)
	return h
}

// Call es una invocación registrada por un RecordingBackend.
type Call struct {
	Start, End time.Time
	Payload    []byte
}

// RecordingBackend delega en Inner y registra cada llamada con timestamps.
// Fail permite inyectar errores por número de llamada (1-based).
type RecordingBackend struct {
	Inner keystore.Backend
	Delay time.Duration
	Fail  func(call int) error

	mu    sync.Mutex
	calls []Call
}

func (r *RecordingBackend) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	start := time.Now()
	r.mu.Lock()
	n := len(r.calls) + 1
	r.calls = append(r.calls, Call{Start: start, Payload: append([]byte(nil), payload...)})
	r.mu.Unlock()

	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
	var (
		sig []byte
		err error
	)
	if r.Fail != nil {
		err = r.Fail(n)
	}
	if err == nil {
		if r.Inner != nil {
			sig, err = r.Inner.Sign(ctx, payload)
		} else {
			sig = append([]byte("sig:"), payload...)
		}
	}
	r.mu.Lock()
	r.calls[n-1].End = time.Now()
	r.mu.Unlock()
	return sig, err
}

// Calls devuelve una copia de las llamadas registradas.
func (r *RecordingBackend) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count devuelve el número de llamadas.
func (r *RecordingBackend) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
