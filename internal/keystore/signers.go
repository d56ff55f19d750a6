package keystore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
)

// Backend es la capacidad de firma de una clave: hardware, software o remota.
// Debe devolver ErrBackendUnavailable para fallas transitorias.
type Backend interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// BackendFunc adapta una función a Backend.
type BackendFunc func(ctx context.Context, payload []byte) ([]byte, error)

func (f BackendFunc) Sign(ctx context.Context, payload []byte) ([]byte, error) { return f(ctx, payload) }

// softwareKey es el backend in-process construido a partir de material importado.
type softwareKey struct {
	alg  Algorithm
	pub  []byte
	sign func(payload []byte) ([]byte, error)
}

func (k *softwareKey) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return k.sign(payload)
}

// parseMaterial construye el backend de software y la clave pública.
//
// Formatos:
//   - Ed25519, ECDSA-P256, RSA-PSS: PEM (PKCS#8, SEC1 o PKCS#1), sin password.
//   - ECDSA-secp256k1: escalar de 32 bytes en hex (o crudo).
//   - AWS4-HMAC-SHA256: secret access key, o una signing key ya derivada
//     "<yyyymmdd>/<region>/<service>/aws4_request:<hex 32 bytes>" que sólo
//     firma string-to-sign de ese scope.
func parseMaterial(alg Algorithm, material []byte) (*softwareKey, error) {
	switch alg {
	case AlgEd25519, AlgP256, AlgRSAPSS:
		return parsePEMKey(alg, material)
	case AlgSecp256k1:
		return parseSecp256k1(material)
	case AlgAWS4:
		secret := strings.TrimSpace(string(material))
		if secret == "" {
			return nil, fmt.Errorf("%w: empty aws4 secret", ErrInvalidMaterial)
		}
		if scope, key, ok := parseAWS4SigningKey(secret); ok {
			return &softwareKey{alg: alg, sign: aws4ScopedSigner(scope, key)}, nil
		}
		if strings.Contains(secret, ":") {
			return nil, fmt.Errorf("%w: malformed aws4 signing key", ErrInvalidMaterial)
		}
		return &softwareKey{alg: alg, sign: aws4Signer([]byte(secret))}, nil
	}
	return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidMaterial, alg)
}

func parsePEMKey(alg Algorithm, material []byte) (*softwareKey, error) {
	priv, err := cryptoutils.UnmarshalPEMToPrivateKey(material, nil)
	if err != nil {
		// el error de parseo no debe arrastrar bytes del material
		return nil, fmt.Errorf("%w: unparseable PEM for %s", ErrInvalidMaterial, alg)
	}
	switch alg {
	case AlgEd25519:
		k, ok := priv.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: PEM is not an Ed25519 key", ErrInvalidMaterial)
		}
		pub := k.Public().(ed25519.PublicKey)
		return &softwareKey{
			alg: alg,
			pub: append([]byte(nil), pub...),
			sign: func(p []byte) ([]byte, error) {
				return ed25519.Sign(k, p), nil
			},
		}, nil
	case AlgP256:
		k, ok := priv.(*ecdsa.PrivateKey)
		if !ok || k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: PEM is not a P-256 key", ErrInvalidMaterial)
		}
		der, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMaterial, err)
		}
		return &softwareKey{
			alg: alg,
			pub: der,
			sign: func(p []byte) ([]byte, error) {
				h := sha256.Sum256(p)
				return ecdsa.SignASN1(rand.Reader, k, h[:])
			},
		}, nil
	case AlgRSAPSS:
		k, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: PEM is not an RSA key", ErrInvalidMaterial)
		}
		if k.N.BitLen() < 2048 {
			return nil, fmt.Errorf("%w: RSA key shorter than 2048 bits", ErrInvalidMaterial)
		}
		der, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMaterial, err)
		}
		return &softwareKey{
			alg: alg,
			pub: der,
			sign: func(p []byte) ([]byte, error) {
				h := sha256.Sum256(p)
				return rsa.SignPSS(rand.Reader, k, crypto.SHA256, h[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
			},
		}, nil
	}
	return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidMaterial, alg)
}

func parseSecp256k1(material []byte) (*softwareKey, error) {
	raw := material
	if s := strings.TrimSpace(string(material)); len(s) == 64 {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: secp256k1 scalar is not hex", ErrInvalidMaterial)
		}
		raw = b
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: secp256k1 scalar must be 32 bytes", ErrInvalidMaterial)
	}
	var sc secp256k1.ModNScalar
	if overflow := sc.SetByteSlice(raw); overflow || sc.IsZero() {
		return nil, fmt.Errorf("%w: secp256k1 scalar out of range", ErrInvalidMaterial)
	}
	priv := secp256k1.NewPrivateKey(&sc)
	return &softwareKey{
		alg: AlgSecp256k1,
		pub: priv.PubKey().SerializeCompressed(),
		sign: func(p []byte) ([]byte, error) {
			h := sha256.Sum256(p)
			// RFC6979: determinística
			return secpecdsa.Sign(priv, h[:]).Serialize(), nil
		},
	}, nil
}

// aws4Signer firma un string-to-sign SigV4. La signing key se deriva de la
// línea de scope (fecha/región/servicio/aws4_request) contenida en el payload.
func aws4Signer(secret []byte) func([]byte) ([]byte, error) {
	return func(p []byte) ([]byte, error) {
		scope, err := AWS4Scope(p)
		if err != nil {
			return nil, err
		}
		return hmacSHA256(DeriveAWS4SigningKey(secret, scope[0], scope[1], scope[2]), p), nil
	}
}

// DeriveAWS4SigningKey deriva la signing key SigV4 de un secret para un scope
// fijo. El resultado se importa con FormatAWS4SigningKey y el secret de larga
// vida nunca entra al keystore.
func DeriveAWS4SigningKey(secret []byte, date, region, service string) []byte {
	k := hmacSHA256(append([]byte("AWS4"), secret...), []byte(date))
	k = hmacSHA256(k, []byte(region))
	k = hmacSHA256(k, []byte(service))
	return hmacSHA256(k, []byte("aws4_request"))
}

// FormatAWS4SigningKey codifica una signing key derivada como material importable.
func FormatAWS4SigningKey(date, region, service string, key []byte) []byte {
	return []byte(date + "/" + region + "/" + service + "/aws4_request:" + hex.EncodeToString(key))
}

func parseAWS4SigningKey(s string) (scope string, key []byte, ok bool) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", nil, false
	}
	scope, rawKey := s[:i], s[i+1:]
	parts := strings.Split(scope, "/")
	if len(parts) != 4 || len(parts[0]) != 8 || parts[1] == "" || parts[2] == "" || parts[3] != "aws4_request" {
		return "", nil, false
	}
	key, err := hex.DecodeString(rawKey)
	if err != nil || len(key) != sha256.Size {
		return "", nil, false
	}
	return scope, key, true
}

// aws4ScopedSigner firma con una signing key ya derivada y rechaza cualquier
// string-to-sign cuyo scope no sea el de la clave.
func aws4ScopedSigner(bound string, key []byte) func([]byte) ([]byte, error) {
	return func(p []byte) ([]byte, error) {
		scope, err := AWS4Scope(p)
		if err != nil {
			return nil, err
		}
		if strings.Join(scope, "/") != bound {
			return nil, errors.New("aws4: credential scope does not match signing key")
		}
		return hmacSHA256(key, p), nil
	}
}

// AWS4Scope valida la forma de un string-to-sign SigV4 y devuelve las cuatro
// partes del scope.
func AWS4Scope(p []byte) ([]string, error) {
	lines := strings.Split(string(p), "\n")
	if len(lines) != 4 || lines[0] != string(AlgAWS4) {
		return nil, errors.New("aws4: malformed string to sign")
	}
	if len(lines[1]) != len("20060102T150405Z") {
		return nil, errors.New("aws4: malformed request datetime")
	}
	scope := strings.Split(lines[2], "/")
	if len(scope) != 4 || scope[3] != "aws4_request" || len(scope[0]) != 8 || !strings.HasPrefix(lines[1], scope[0]) {
		return nil, errors.New("aws4: malformed credential scope")
	}
	if len(lines[3]) != 64 {
		return nil, errors.New("aws4: malformed canonical request hash")
	}
	return scope, nil
}

func hmacSHA256(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// Verify comprueba sig sobre payload con la clave pública del handle.
// No aplica a claves simétricas.
func Verify(h KeyHandle, payload, sig []byte) error {
	switch h.Algorithm {
	case AlgEd25519:
		if len(h.PublicKey) != ed25519.PublicKeySize || !ed25519.Verify(ed25519.PublicKey(h.PublicKey), payload, sig) {
			return errors.New("ed25519: invalid signature")
		}
		return nil
	case AlgSecp256k1:
		pub, err := secp256k1.ParsePubKey(h.PublicKey)
		if err != nil {
			return fmt.Errorf("secp256k1: %w", err)
		}
		s, err := secpecdsa.ParseDERSignature(sig)
		if err != nil {
			return fmt.Errorf("secp256k1: %w", err)
		}
		d := sha256.Sum256(payload)
		if !s.Verify(d[:], pub) {
			return errors.New("secp256k1: invalid signature")
		}
		return nil
	case AlgP256, AlgRSAPSS:
		pk, err := x509.ParsePKIXPublicKey(h.PublicKey)
		if err != nil {
			return err
		}
		d := sha256.Sum256(payload)
		switch pub := pk.(type) {
		case *ecdsa.PublicKey:
			if !ecdsa.VerifyASN1(pub, d[:], sig) {
				return errors.New("p256: invalid signature")
			}
			return nil
		case *rsa.PublicKey:
			return rsa.VerifyPSS(pub, crypto.SHA256, d[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		}
		return errors.New("unexpected public key type")
	}
	return ErrNoPublicKey
}

// publicPEM codifica la clave pública del handle en PEM.
func publicPEM(h KeyHandle) ([]byte, error) {
	switch h.Algorithm {
	case AlgEd25519:
		return cryptoutils.MarshalPublicKeyToPEM(ed25519.PublicKey(h.PublicKey))
	case AlgP256, AlgRSAPSS:
		pk, err := x509.ParsePKIXPublicKey(h.PublicKey)
		if err != nil {
			return nil, err
		}
		return cryptoutils.MarshalPublicKeyToPEM(pk)
	case AlgSecp256k1:
		// x509 no conoce secp256k1: bloque propio con la clave comprimida
		return pem.EncodeToMemory(&pem.Block{Type: "SECP256K1 PUBLIC KEY", Bytes: h.PublicKey}), nil
	}
	return nil, ErrNoPublicKey
}
