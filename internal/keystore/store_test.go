package keystore_test

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/signer/internal/keystore"
	"github.com/dropDatabas3/signer/internal/keystore/keytest"
	"github.com/dropDatabas3/signer/internal/security/secretbox"
)

func TestStore_SignAndVerifyAllAlgorithms(t *testing.T) {
	ctx := context.Background()
	s := keystore.New(keystore.NewMemorySource())

	edPEM, _ := keytest.Ed25519PEM(t)
	cases := []struct {
		id       string
		alg      keystore.Algorithm
		material []byte
	}{
		{"ed", keystore.AlgEd25519, edPEM},
		{"k256", keystore.AlgSecp256k1, keytest.Secp256k1Hex()},
		{"p256", keystore.AlgP256, keytest.P256PEM(t)},
		{"rsa", keystore.AlgRSAPSS, keytest.RSAPEM(t)},
	}
	payload := []byte("hello")
	for _, tc := range cases {
		t.Run(string(tc.alg), func(t *testing.T) {
			h := keytest.Import(t, s, tc.id, tc.alg, tc.material)
			assert.Equal(t, keystore.StatusActive, h.Status)
			require.NotEmpty(t, h.PublicKey)

			sig, err := s.SignWith(ctx, tc.id, payload)
			require.NoError(t, err)
			require.NoError(t, keystore.Verify(h, payload, sig))
			assert.Error(t, keystore.Verify(h, []byte("other"), sig))

			pemBytes, err := s.PublicKeyPEM(ctx, tc.id)
			require.NoError(t, err)
			assert.Contains(t, string(pemBytes), "PUBLIC KEY")

			if tc.alg.Deterministic() {
				again, err := s.SignWith(ctx, tc.id, payload)
				require.NoError(t, err)
				assert.Equal(t, sig, again)
			}
		})
	}
}

func TestStore_AWS4DerivesFromScope(t *testing.T) {
	ctx := context.Background()
	s := keystore.New(keystore.NewMemorySource())
	keytest.Import(t, s, "aws", keystore.AlgAWS4, []byte("wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY"))

	sts := "AWS4-HMAC-SHA256\n20130524T000000Z\n20130524/us-east-1/s3/aws4_request\n" + strings.Repeat("a", 64)
	sig, err := s.SignWith(ctx, "aws", []byte(sts))
	require.NoError(t, err)

	mac := func(k, d []byte) []byte { m := hmac.New(sha256.New, k); m.Write(d); return m.Sum(nil) }
	k := mac([]byte("AWS4wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY"), []byte("20130524"))
	k = mac(k, []byte("us-east-1"))
	k = mac(k, []byte("s3"))
	k = mac(k, []byte("aws4_request"))
	assert.Equal(t, hex.EncodeToString(mac(k, []byte(sts))), hex.EncodeToString(sig))

	_, err = s.SignWith(ctx, "aws", []byte("not a string to sign"))
	assert.ErrorIs(t, err, keystore.ErrBackendRejected)

	_, err = s.PublicKeyPEM(ctx, "aws")
	assert.ErrorIs(t, err, keystore.ErrNoPublicKey)
}

func TestStore_AWS4ScopedSigningKey(t *testing.T) {
	ctx := context.Background()
	secret := []byte("wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY")
	s := keystore.New(keystore.NewMemorySource())
	keytest.Import(t, s, "full", keystore.AlgAWS4, secret)
	derived := keystore.DeriveAWS4SigningKey(secret, "20130524", "us-east-1", "s3")
	material := keystore.FormatAWS4SigningKey("20130524", "us-east-1", "s3", derived)
	assert.NotContains(t, string(material), string(secret))
	keytest.Import(t, s, "scoped", keystore.AlgAWS4, material)

	sts := "AWS4-HMAC-SHA256\n20130524T000000Z\n20130524/us-east-1/s3/aws4_request\n" + strings.Repeat("b", 64)
	want, err := s.SignWith(ctx, "full", []byte(sts))
	require.NoError(t, err)
	got, err := s.SignWith(ctx, "scoped", []byte(sts))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	for _, other := range []string{
		"AWS4-HMAC-SHA256\n20130525T000000Z\n20130525/us-east-1/s3/aws4_request\n" + strings.Repeat("b", 64),
		"AWS4-HMAC-SHA256\n20130524T000000Z\n20130524/eu-west-1/s3/aws4_request\n" + strings.Repeat("b", 64),
	} {
		_, err = s.SignWith(ctx, "scoped", []byte(other))
		assert.ErrorIs(t, err, keystore.ErrBackendRejected)
	}

	_, err = s.Import(ctx, "bad", keystore.AlgAWS4, []byte("20130524/us-east-1/s3/aws4_request:zz"))
	assert.ErrorIs(t, err, keystore.ErrInvalidMaterial)
}

func TestStore_StatusMapping(t *testing.T) {
	ctx := context.Background()
	s := keystore.New(keystore.NewMemorySource())
	edPEM, _ := keytest.Ed25519PEM(t)
	keytest.Import(t, s, "k2", keystore.AlgEd25519, edPEM)

	_, err := s.SignWith(ctx, "missing", []byte("x"))
	assert.ErrorIs(t, err, keystore.ErrNotFound)
	assert.Equal(t, keystore.KindNotFound, keystore.KindOf(err))

	_, err = s.SetStatus(ctx, "k2", keystore.StatusDisabled)
	require.NoError(t, err)
	_, err = s.SignWith(ctx, "k2", []byte("x"))
	assert.ErrorIs(t, err, keystore.ErrDisabled)

	_, err = s.SetStatus(ctx, "k2", keystore.StatusRevoked)
	require.NoError(t, err)
	_, err = s.SignWith(ctx, "k2", []byte("x"))
	assert.ErrorIs(t, err, keystore.ErrRevoked)

	_, err = s.SetStatus(ctx, "k2", keystore.StatusActive)
	assert.ErrorIs(t, err, keystore.ErrInvalidTransition)
}

func TestStore_BackendErrorClassification(t *testing.T) {
	ctx := context.Background()
	s := keystore.New(keystore.NewMemorySource())

	transient := keystore.BackendFunc(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.Join(errors.New("hsm busy"), keystore.ErrBackendUnavailable)
	})
	rejecting := keystore.BackendFunc(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("hsm refused: pin locked")
	})
	require.NoError(t, s.Register(keystore.KeyHandle{ID: "hsm-a", Algorithm: keystore.AlgEd25519}, transient))
	require.NoError(t, s.Register(keystore.KeyHandle{ID: "hsm-b", Algorithm: keystore.AlgEd25519}, rejecting))

	_, err := s.SignWith(ctx, "hsm-a", []byte("x"))
	assert.ErrorIs(t, err, keystore.ErrBackendUnavailable)

	_, err = s.SignWith(ctx, "hsm-b", []byte("x"))
	assert.ErrorIs(t, err, keystore.ErrBackendRejected)
	assert.NotContains(t, err.Error(), "pin locked")
}

func TestStore_ImportValidation(t *testing.T) {
	ctx := context.Background()
	s := keystore.New(keystore.NewMemorySource())
	edPEM, _ := keytest.Ed25519PEM(t)

	_, err := s.Import(ctx, "bad id!", keystore.AlgEd25519, edPEM)
	assert.ErrorIs(t, err, keystore.ErrInvalidKeyID)

	_, err = s.Import(ctx, "k", keystore.AlgP256, edPEM)
	assert.ErrorIs(t, err, keystore.ErrInvalidMaterial)

	_, err = s.Import(ctx, "k", keystore.AlgSecp256k1, []byte(strings.Repeat("f", 64)))
	assert.ErrorIs(t, err, keystore.ErrInvalidMaterial)

	keytest.Import(t, s, "k", keystore.AlgEd25519, edPEM)
	_, err = s.Import(ctx, "k", keystore.AlgEd25519, edPEM)
	assert.ErrorIs(t, err, keystore.ErrExists)
}

func TestStore_ErrorsNeverCarryMaterial(t *testing.T) {
	ctx := context.Background()
	s := keystore.New(keystore.NewMemorySource())
	secret := "0000000000000000000000000000000000000000000000000000000000000000"
	_, err := s.Import(ctx, "k", keystore.AlgSecp256k1, []byte(secret))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), secret)

	edPEM, _ := keytest.Ed25519PEM(t)
	broken := edPEM[:len(edPEM)/2]
	_, err = s.Import(ctx, "k", keystore.AlgEd25519, broken)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), string(broken[30:50]))
}

func TestFileSource_PersistsSealedMaterial(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	box, err := secretbox.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	src, err := keystore.NewFileSource(dir, box)
	require.NoError(t, err)
	s := keystore.New(src)
	edPEM, priv := keytest.Ed25519PEM(t)
	h := keytest.Import(t, s, "k1", keystore.AlgEd25519, edPEM)
	_, err = s.SetStatus(ctx, "k1", keystore.StatusDisabled)
	require.NoError(t, err)

	src2, err := keystore.NewFileSource(dir, box)
	require.NoError(t, err)
	s2, err := keystore.Open(ctx, src2)
	require.NoError(t, err)

	got, err := s2.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, keystore.StatusDisabled, got.Status)
	assert.Equal(t, h.PublicKey, got.PublicKey)
	assert.Equal(t, []byte(priv.Public().(ed25519.PublicKey)), got.PublicKey)

	_, err = s2.SetStatus(ctx, "k1", keystore.StatusActive)
	require.NoError(t, err)
	sig, err := s2.SignWith(ctx, "k1", []byte("hello"))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(priv.Public().(ed25519.PublicKey), []byte("hello"), sig))

	// una master key distinta no abre el material
	other, _ := secretbox.New([]byte("fedcba9876543210fedcba9876543210"))
	src3, _ := keystore.NewFileSource(dir, other)
	_, err = keystore.Open(ctx, src3)
	assert.Error(t, err)
}

func TestStore_ConcurrentLookupsAcrossShards(t *testing.T) {
	ctx := context.Background()
	s := keystore.New(keystore.NewMemorySource())
	for i := 0; i < 64; i++ {
		require.NoError(t, s.Register(keystore.KeyHandle{ID: "k" + hex.EncodeToString([]byte{byte(i)}), Algorithm: keystore.AlgEd25519},
			keystore.BackendFunc(func(context.Context, []byte) ([]byte, error) { return []byte("ok"), nil })))
	}
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "k" + hex.EncodeToString([]byte{byte(i)})
			for j := 0; j < 50; j++ {
				if _, err := s.Lookup(ctx, id); err != nil {
					t.Errorf("lookup %s: %v", id, err)
					return
				}
				if i%8 == 0 && j == 25 {
					_, _ = s.SetStatus(ctx, id, keystore.StatusDisabled)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, s.List(ctx), 64)
}
