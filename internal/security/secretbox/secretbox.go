// Package secretbox sella material de clave en reposo con AES-256-GCM.
//
// La clave de datos se deriva de la master key con HKDF-SHA256; el id de la
// clave firmante se usa como additional data, de modo que un blob sellado para
// una clave no se puede reasignar a otra.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// EnvMasterKey es la variable de entorno por defecto con la master key (base64 o hex).
	EnvMasterKey = "SIGNER_MASTER_KEY"

	nonceSizeGCM      = 12  // AES-GCM nonce size recomendado (96 bits)
	requiredKeyLength = 32  // 32 bytes => AES-256
	sep               = "|" // nonce|ciphertext (ambos en base64)
	hkdfInfo          = "signer/keystore/v1"
)

var (
	ErrNoMasterKey   = errors.New("secretbox: master key not set")
	ErrInvalidFormat = errors.New("secretbox: invalid sealed format")
)

// Box cifra/descifra con una clave de datos derivada. Es seguro para uso concurrente.
type Box struct {
	aead cipher.AEAD
}

// New crea un Box a partir de una master key cruda de 32 bytes.
func New(master []byte) (*Box, error) {
	if len(master) != requiredKeyLength {
		return nil, fmt.Errorf("secretbox: master key must be %d bytes, got %d", requiredKeyLength, len(master))
	}
	dk := make([]byte, requiredKeyLength)
	r := hkdf.New(sha256.New, master, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, dk); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &Box{aead: aead}, nil
}

// FromString acepta la master key en base64 (std o raw) o hex de 64 caracteres.
func FromString(s string) (*Box, error) {
	k, err := ParseKey(s)
	if err != nil {
		return nil, err
	}
	return New(k)
}

// FromEnv lee la master key de la variable indicada (EnvMasterKey si está vacía).
func FromEnv(name string) (*Box, error) {
	if name == "" {
		name = EnvMasterKey
	}
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil, fmt.Errorf("%w: %s vacía; genere una con: signer gen-secretbox", ErrNoMasterKey, name)
	}
	return FromString(v)
}

// ParseKey decodifica una clave de 32 bytes en base64 o hex.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrNoMasterKey
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == requiredKeyLength {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil && len(b) == requiredKeyLength {
		return b, nil
	}
	if len(s) == 64 {
		if h, err := hex.DecodeString(s); err == nil {
			return h, nil
		}
	}
	return nil, fmt.Errorf("secretbox: clave inválida (requiere %d bytes en base64 o hex)", requiredKeyLength)
}

// GenerateKey devuelve una master key nueva en base64.
func GenerateKey() (string, error) {
	k := make([]byte, requiredKeyLength)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return "", fmt.Errorf("random: %w", err)
	}
	return base64.StdEncoding.EncodeToString(k), nil
}

// Seal cifra plain ligándolo a keyID y devuelve base64(nonce)|base64(ciphertext).
func (b *Box) Seal(keyID string, plain []byte) (string, error) {
	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce random: %w", err)
	}
	ct := b.aead.Seal(nil, nonce, plain, []byte(keyID))
	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// Open descifra un blob producido por Seal para el mismo keyID.
func (b *Box) Open(keyID, sealed string) ([]byte, error) {
	parts := strings.Split(sealed, sep)
	if len(parts) != 2 {
		return nil, ErrInvalidFormat
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(nonce) != nonceSizeGCM {
		return nil, fmt.Errorf("nonce inválido: esperado %d bytes, obtuvo %d", nonceSizeGCM, len(nonce))
	}
	pt, err := b.aead.Open(nil, nonce, ct, []byte(keyID))
	if err != nil {
		// el error de GCM no incluye material, pero igual lo normalizamos
		return nil, errors.New("secretbox: gcm auth/decrypt failed")
	}
	return pt, nil
}
