package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/signer/internal/audit"
	"github.com/dropDatabas3/signer/internal/dispatcher"
	"github.com/dropDatabas3/signer/internal/keystore"
	"github.com/dropDatabas3/signer/internal/observability/logger"
	"github.com/dropDatabas3/signer/internal/presign"
)

// Dispatcher es la entrada del pipeline de firma.
type Dispatcher interface {
	Handle(ctx context.Context, raw dispatcher.RawRequest) dispatcher.Response
	MaxPayloadBytes() int
}

// Presigner arma URLs S3 firmadas.
type Presigner interface {
	SignURL(ctx context.Context, o presign.Options) (string, dispatcher.Response, error)
}

// KeyReader es la vista de sólo lectura del keystore.
type KeyReader interface {
	List(ctx context.Context) []keystore.KeyHandle
	Lookup(ctx context.Context, id string) (keystore.KeyHandle, error)
	PublicKeyPEM(ctx context.Context, id string) ([]byte, error)
}

// AuditReader consulta el log de auditoría.
type AuditReader interface {
	ByRequestID(ctx context.Context, requestID string) ([]audit.Record, error)
	ByKeyID(ctx context.Context, keyID string, limit int) ([]audit.Record, error)
}

// Check es un chequeo de readiness.
type Check func(ctx context.Context) error

// PresignDefaults completa los campos que el caller omite.
type PresignDefaults struct {
	KeyID       string
	AccessKeyID string
	Bucket      string
	Endpoint    string
	Region      string
}

type handlers struct {
	d        Dispatcher
	p        Presigner
	keys     KeyReader
	audit    AuditReader
	checks   map[string]Check
	defaults PresignDefaults
	version  string
}

// bodyLimit deja lugar para el payload en base64 y el resto del JSON.
func (h *handlers) bodyLimit() int64 {
	return int64(h.d.MaxPayloadBytes())*4/3 + 4096
}

// requester: la identidad autenticada pisa la del body.
func requester(r *http.Request, fromBody string) string {
	if id := GetRequester(r.Context()); id != "" {
		return id
	}
	return fromBody
}

func (h *handlers) sign(w http.ResponseWriter, r *http.Request) {
	var raw dispatcher.RawRequest
	if err := ReadJSON(w, r, &raw, h.bodyLimit()); err != nil {
		WriteError(w, err)
		return
	}
	raw.Requester = requester(r, raw.Requester)
	if raw.RequestID == "" {
		raw.RequestID = r.Header.Get("Idempotency-Key")
	}
	writeResponse(w, h.d.Handle(r.Context(), raw))
}

type presignRequest struct {
	RequestID      string `json:"request_id"`
	Requester      string `json:"requester_identity"`
	KeyID          string `json:"key_id"`
	AccessKeyID    string `json:"access_key_id"`
	Bucket         string `json:"bucket"`
	Endpoint       string `json:"endpoint"`
	Key            string `json:"key"`
	Method         string `json:"method"`
	Region         string `json:"region"`
	ExpiresSeconds int64  `json:"expires_seconds"`
}

type presignResponse struct {
	RequestID string    `json:"request_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (h *handlers) presign(w http.ResponseWriter, r *http.Request) {
	if h.p == nil {
		WriteError(w, ErrNotFound.WithDetail("presign deshabilitado"))
		return
	}
	var req presignRequest
	if err := ReadJSON(w, r, &req, 64<<10); err != nil {
		WriteError(w, err)
		return
	}
	opts := presign.Options{
		RequestID:   orDefault(req.RequestID, r.Header.Get("Idempotency-Key")),
		Requester:   requester(r, req.Requester),
		KeyID:       orDefault(req.KeyID, h.defaults.KeyID),
		AccessKeyID: orDefault(req.AccessKeyID, h.defaults.AccessKeyID),
		Bucket:      orDefault(req.Bucket, h.defaults.Bucket),
		Endpoint:    orDefault(req.Endpoint, h.defaults.Endpoint),
		Key:         req.Key,
		Method:      req.Method,
		Region:      orDefault(req.Region, h.defaults.Region),
		Expires:     time.Duration(req.ExpiresSeconds) * time.Second,
	}
	url, resp, err := h.p.SignURL(r.Context(), opts)
	if err != nil {
		WriteError(w, ErrBadRequest.WithDetail(err.Error()))
		return
	}
	if !resp.OK() {
		writeResponse(w, resp)
		return
	}
	expires := opts.Expires
	if expires == 0 {
		expires = presign.DefaultExpires
	}
	WriteJSON(w, http.StatusOK, presignResponse{
		RequestID: resp.RequestID,
		URL:       url,
		ExpiresAt: resp.ProducedAt.Add(expires).UTC(),
	})
}

type keyView struct {
	ID           string    `json:"id"`
	Algorithm    string    `json:"algorithm"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	PublicKeyPEM string    `json:"public_key_pem,omitempty"`
}

func toKeyView(kh keystore.KeyHandle) keyView {
	return keyView{ID: kh.ID, Algorithm: string(kh.Algorithm), Status: string(kh.Status), CreatedAt: kh.CreatedAt.UTC()}
}

func (h *handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	list := h.keys.List(r.Context())
	out := make([]keyView, 0, len(list))
	for _, kh := range list {
		out = append(out, toKeyView(kh))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (h *handlers) getKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	kh, err := h.keys.Lookup(r.Context(), id)
	if err != nil {
		if keystore.KindOf(err) == keystore.KindNotFound {
			WriteError(w, ErrNotFound.WithDetail("key not found"))
			return
		}
		WriteError(w, err)
		return
	}
	v := toKeyView(kh)
	if pemBytes, err := h.keys.PublicKeyPEM(r.Context(), id); err == nil {
		v.PublicKeyPEM = string(pemBytes)
	} else if !errors.Is(err, keystore.ErrNoPublicKey) {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

func (h *handlers) queryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		recs []audit.Record
		err  error
	)
	switch {
	case q.Get("request_id") != "":
		recs, err = h.audit.ByRequestID(r.Context(), q.Get("request_id"))
	case q.Get("key_id") != "":
		limit, _ := strconv.Atoi(q.Get("limit"))
		recs, err = h.audit.ByKeyID(r.Context(), q.Get("key_id"), limit)
	default:
		WriteError(w, ErrBadRequest.WithDetail("request_id o key_id requerido"))
		return
	}
	if err != nil {
		logger.From(r.Context()).Error("audit query failed", logger.Err(err))
		WriteError(w, ErrUnavailable.WithCause(err))
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ready"
	components := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			logger.From(r.Context()).Warn("readiness check failed", logger.Component(name), logger.Err(err))
			components[name] = "down"
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}
	code := http.StatusOK
	if status != "ready" {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}
