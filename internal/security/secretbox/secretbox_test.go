package secretbox

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
)

func testKey(seed byte) []byte {
	raw := make([]byte, 32)
	for i := 0; i < 32; i++ {
		raw[i] = seed + byte(i)
	}
	return raw
}

func TestSealOpen_RoundTrip(t *testing.T) {
	t.Parallel()
	b, err := New(testKey(1))
	if err != nil {
		t.Fatalf("New err: %v", err)
	}

	msg := []byte("material secreto de prueba")
	ct, err := b.Seal("k1", msg)
	if err != nil {
		t.Fatalf("Seal err: %v", err)
	}
	if strings.Contains(ct, string(msg)) {
		t.Fatalf("sealed output contains plaintext")
	}
	pt, err := b.Open("k1", ct)
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	if string(pt) != string(msg) {
		t.Fatalf("plaintext mismatch: got %q want %q", pt, msg)
	}
}

func TestOpen_BoundToKeyID(t *testing.T) {
	t.Parallel()
	b, _ := New(testKey(7))
	ct, err := b.Seal("k1", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open("k2", ct); err == nil {
		t.Fatalf("expected auth error when opening with another key id")
	}
}

func TestOpen_DetectsTamper(t *testing.T) {
	t.Parallel()
	b, _ := New(testKey(200))
	ct, err := b.Seal("k1", []byte("top secret"))
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(ct, "|")
	if len(parts) != 2 {
		t.Fatalf("unexpected ct format")
	}
	bs, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatal(err)
	}
	bs[0] ^= 0x01
	corrupted := parts[0] + "|" + base64.StdEncoding.EncodeToString(bs)

	if _, err := b.Open("k1", corrupted); err == nil {
		t.Fatalf("expected auth error, got nil")
	}
	if _, err := b.Open("k1", "no-separator"); err != ErrInvalidFormat {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestParseKey_Formats(t *testing.T) {
	t.Parallel()
	raw := testKey(3)
	for name, in := range map[string]string{
		"base64": base64.StdEncoding.EncodeToString(raw),
		"raw64":  base64.RawStdEncoding.EncodeToString(raw),
		"hex":    hex.EncodeToString(raw),
	} {
		got, err := ParseKey(in)
		if err != nil {
			t.Fatalf("%s: ParseKey err: %v", name, err)
		}
		if string(got) != string(raw) {
			t.Fatalf("%s: key mismatch", name)
		}
	}
	if _, err := ParseKey("corta"); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestFromEnv_MissingKey(t *testing.T) {
	t.Setenv("SIGNER_TEST_MASTER_KEY", "")
	if _, err := FromEnv("SIGNER_TEST_MASTER_KEY"); err == nil {
		t.Fatalf("expected error when key missing")
	}
}

func TestGenerateKey(t *testing.T) {
	t.Parallel()
	k, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := FromString(k); err != nil {
		t.Fatalf("generated key not usable: %v", err)
	}
}
