package http_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/signer/internal/audit"
	"github.com/dropDatabas3/signer/internal/cache"
	"github.com/dropDatabas3/signer/internal/dispatcher"
	signerhttp "github.com/dropDatabas3/signer/internal/http"
	"github.com/dropDatabas3/signer/internal/keystore"
	"github.com/dropDatabas3/signer/internal/keystore/keytest"
	"github.com/dropDatabas3/signer/internal/policy"
	"github.com/dropDatabas3/signer/internal/presign"
	"github.com/dropDatabas3/signer/internal/signer"
)

var jwtSecret = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	srv   *httptest.Server
	store *audit.MemoryStore
	pub   ed25519.PublicKey
}

func newFixture(t *testing.T, auth signerhttp.AuthConfig, checks map[string]signerhttp.Check) *fixture {
	t.Helper()
	log := zap.NewNop()
	keys := keystore.New(keystore.NewMemorySource(), keystore.WithLogger(log))
	pemBytes, priv := keytest.Ed25519PEM(t)
	keytest.Import(t, keys, "k1", keystore.AlgEd25519, pemBytes)
	keytest.Import(t, keys, "s3", keystore.AlgAWS4, []byte("secret"))
	require.NoError(t, keys.Register(keystore.KeyHandle{ID: "k2", Algorithm: keystore.AlgEd25519, Status: keystore.StatusRevoked}, &keytest.RecordingBackend{}))

	store := audit.NewMemoryStore()
	auditLog := audit.NewLog(store, audit.WithLogger(log))
	pol := policy.New(policy.DefaultRules(policy.Config{MaxPayloadBytes: 1024}, nil), log)
	core := signer.New(keys, pol, auditLog, signer.WithLogger(log))
	disp := dispatcher.New(core, cache.NewMemory("idem", time.Minute), dispatcher.Config{MaxPayloadBytes: 1024}, dispatcher.WithLogger(log))

	reg := prometheus.NewRegistry()
	m, mh, err := signerhttp.RegisterMetrics(signerhttp.MetricsConfig{Registry: reg, Gatherer: reg})
	require.NoError(t, err)

	h := signerhttp.NewRouter(signerhttp.Deps{
		Dispatcher: disp,
		Presigner:  presign.New(disp),
		Keys:       keys,
		Audit:      auditLog,
		Checks:     checks,
		Presign: signerhttp.PresignDefaults{
			KeyID: "s3", AccessKeyID: "AKID", Bucket: "media", Endpoint: "r2.example.com",
		},
		Auth:           auth,
		Metrics:        m,
		MetricsHandler: mh,
		Version:        "test",
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store, pub: priv.Public().(ed25519.PublicKey)}
}

func (f *fixture) do(t *testing.T, method, path string, body any, hdr map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func signBody(id, keyID, payload string) map[string]any {
	return map[string]any{
		"request_id":         id,
		"key_id":             keyID,
		"algorithm":          "Ed25519",
		"payload":            []byte(payload),
		"requester_identity": "u1",
	}
}

func TestSign_GrantedAndReplayed(t *testing.T) {
	f := newFixture(t, signerhttp.AuthConfig{}, nil)

	resp, body := f.do(t, http.MethodPost, "/v1/sign", signBody("r1", "k1", "hello"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Empty(t, resp.Header.Get("Idempotent-Replayed"))

	var out dispatcher.Response
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, ed25519.Verify(f.pub, []byte("hello"), out.Signature))

	again, body2 := f.do(t, http.MethodPost, "/v1/sign", signBody("r1", "k1", "hello"), nil)
	require.Equal(t, http.StatusOK, again.StatusCode)
	assert.Equal(t, "true", again.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, body, body2)
	assert.Equal(t, 1, f.store.Len())
}

func TestSign_StatusMapping(t *testing.T) {
	f := newFixture(t, signerhttp.AuthConfig{}, nil)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"revoked", signBody("r-rev", "k2", "x"), http.StatusForbidden},
		{"unknown key", signBody("r-nf", "nope", "x"), http.StatusForbidden},
		{"empty payload", signBody("r-empty", "k1", ""), http.StatusBadRequest},
		{"bad algorithm", func() map[string]any { b := signBody("r-alg", "k1", "x"); b["algorithm"] = "DSA"; return b }(), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/v1/sign", tc.body, nil)
			assert.Equal(t, tc.want, resp.StatusCode, string(body))
		})
	}
}

func TestSign_RejectsNonJSON(t *testing.T) {
	f := newFixture(t, signerhttp.AuthConfig{}, nil)
	resp, err := f.srv.Client().Post(f.srv.URL+"/v1/sign", "text/plain", strings.NewReader("hi"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestSign_BodyTooLarge(t *testing.T) {
	f := newFixture(t, signerhttp.AuthConfig{}, nil)
	resp, _ := f.do(t, http.MethodPost, "/v1/sign", signBody("big", "k1", strings.Repeat("a", 8<<10)), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func token(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    "issuer-test",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString(jwtSecret)
	require.NoError(t, err)
	return s
}

func TestAuth_BearerSubjectIsRequester(t *testing.T) {
	f := newFixture(t, signerhttp.AuthConfig{Enabled: true, Secret: jwtSecret, Issuer: "issuer-test"}, nil)

	resp, _ := f.do(t, http.MethodPost, "/v1/sign", signBody("a1", "k1", "x"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired := map[string]string{"Authorization": "Bearer " + token(t, "svc-a", time.Now().Add(-time.Hour))}
	resp, _ = f.do(t, http.MethodPost, "/v1/sign", signBody("a1", "k1", "x"), expired)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// el header de dev no vale con auth habilitado
	resp, _ = f.do(t, http.MethodPost, "/v1/sign", signBody("a1", "k1", "x"), map[string]string{signerhttp.HeaderRequester: "svc-a"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, f.store.Len())

	ok := map[string]string{"Authorization": "Bearer " + token(t, "svc-a", time.Now().Add(time.Hour))}
	resp, body := f.do(t, http.MethodPost, "/v1/sign", signBody("a1", "k1", "x"), ok)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	recs, err := f.store.ByRequestID(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "svc-a", recs[0].Requester)
}

func TestAuth_DevHeader(t *testing.T) {
	f := newFixture(t, signerhttp.AuthConfig{}, nil)
	resp, _ := f.do(t, http.MethodPost, "/v1/sign", signBody("d1", "k1", "x"), map[string]string{signerhttp.HeaderRequester: "ops"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recs, err := f.store.ByRequestID(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ops", recs[0].Requester)
}

func TestKeys(t *testing.T) {
	f := newFixture(t, signerhttp.AuthConfig{}, nil)

	resp, body := f.do(t, http.MethodGet, "/v1/keys", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Keys, 3)
	assert.Equal(t, "k1", list.Keys[0]["id"])
	assert.Equal(t, "revoked", list.Keys[1]["status"])
	assert.NotContains(t, string(body), "PRIVATE")

	resp, body = f.do(t, http.MethodGet, "/v1/keys/k1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "BEGIN PUBLIC KEY")

	resp, body = f.do(t, http.MethodGet, "/v1/keys/s3", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "public_key_pem")
	assert.NotContains(t, string(body), "secret")

	resp, _ = f.do(t, http.MethodGet, "/v1/keys/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuditQuery(t *testing.T) {
	f := newFixture(t, signerhttp.AuthConfig{}, nil)
	f.do(t, http.MethodPost, "/v1/sign", signBody("q1", "k1", "x"), nil)
	f.do(t, http.MethodPost, "/v1/sign", signBody("q2", "k2", "x"), nil)

	resp, body := f.do(t, http.MethodGet, "/v1/audit?request_id=q2", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Records []audit.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Records, 1)
	assert.Equal(t, audit.DecisionDenied, out.Records[0].Decision)

	resp, body = f.do(t, http.MethodGet, "/v1/audit?key_id=k1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out.Records, 1)

	resp, _ = f.do(t, http.MethodGet, "/v1/audit", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPresign(t *testing.T) {
	f := newFixture(t, signerhttp.AuthConfig{}, nil)
	resp, body := f.do(t, http.MethodPost, "/v1/presign", map[string]any{
		"request_id":         "p1",
		"requester_identity": "u1",
		"key":                "a/b.txt",
		"expires_seconds":    600,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out struct {
		URL       string    `json:"url"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, strings.HasPrefix(out.URL, "https://media.r2.example.com/a/b.txt?X-Amz-Algorithm=AWS4-HMAC-SHA256"))
	assert.Contains(t, out.URL, "X-Amz-Expires=600")
	assert.Contains(t, out.URL, "&X-Amz-Signature=")
	assert.False(t, out.ExpiresAt.IsZero())

	resp, _ = f.do(t, http.MethodPost, "/v1/presign", map[string]any{"request_id": "p2", "requester_identity": "u1"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReadyz(t *testing.T) {
	f := newFixture(t, signerhttp.AuthConfig{}, map[string]signerhttp.Check{
		"cache": func(context.Context) error { return nil },
	})
	resp, body := f.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ready"`)

	down := newFixture(t, signerhttp.AuthConfig{}, map[string]signerhttp.Check{
		"audit": func(context.Context) error { return errors.New("connection refused") },
	})
	resp, body = down.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), `"audit":"down"`)
	assert.NotContains(t, string(body), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, signerhttp.AuthConfig{}, nil)
	f.do(t, http.MethodPost, "/v1/sign", signBody("m1", "k1", "x"), nil)
	f.do(t, http.MethodGet, "/v1/keys/k1", nil, nil)

	resp, body := f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `http_requests_total{method="POST",path="/v1/sign",status="200"} 1`)
	assert.Contains(t, string(body), `path="/v1/keys/{id}"`)
}

func TestStatusFor(t *testing.T) {
	cases := map[string]int{
		string(signer.KindInvalidRequest):     http.StatusBadRequest,
		string(signer.KindTimeout):            http.StatusGatewayTimeout,
		string(signer.KindBackendUnavailable): http.StatusServiceUnavailable,
		string(signer.KindAuditUnavailable):   http.StatusServiceUnavailable,
	}
	for kind, want := range cases {
		assert.Equal(t, want, signerhttp.StatusFor(dispatcher.Response{RequestID: "x", ErrorKind: kind}), kind)
	}
	assert.Equal(t, http.StatusForbidden, signerhttp.StatusFor(dispatcher.Response{Denied: true, Reason: "revoked"}))
	assert.Equal(t, http.StatusOK, signerhttp.StatusFor(dispatcher.Response{Signature: []byte{1}}))
}
