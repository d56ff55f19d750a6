// Package presign arma URLs prefirmadas de S3 (SigV4 por query string).
//
// El secreto nunca sale del keystore: el string-to-sign se envía al
// Dispatcher contra una clave AWS4-HMAC-SHA256, así cada URL pasa por policy
// y queda auditada como cualquier otra firma.
package presign

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/signer/internal/cache"
	"github.com/dropDatabas3/signer/internal/dispatcher"
	"github.com/dropDatabas3/signer/internal/keystore"
	"github.com/dropDatabas3/signer/internal/signer"
)

const (
	DefaultMethod  = "GET"
	DefaultRegion  = "auto"
	DefaultExpires = 84600 * time.Second

	// maxExpires es el límite de S3 para X-Amz-Expires.
	maxExpires = 7 * 24 * time.Hour

	service         = "s3"
	unsignedPayload = "UNSIGNED-PAYLOAD"
	dateFormat      = "20060102"
	timeFormat      = "20060102T150405Z"
)

var (
	ErrMissingField = errors.New("presign: missing field")
	ErrExpires      = errors.New("presign: expires out of range")
)

// Handler es lo que el presigner necesita del dispatcher.
type Handler interface {
	Handle(ctx context.Context, raw dispatcher.RawRequest) dispatcher.Response
}

// Options describe el objeto y la credencial. AccessKeyID es público; el
// secreto vive en el keystore bajo KeyID.
type Options struct {
	RequestID   string
	Requester   string
	KeyID       string
	AccessKeyID string
	Bucket      string
	Endpoint    string
	Key         string
	Method      string
	Region      string
	Expires     time.Duration
	Date        time.Time
}

func (o *Options) defaults() error {
	if o.Method == "" {
		o.Method = DefaultMethod
	}
	o.Method = strings.ToUpper(o.Method)
	if o.Region == "" {
		o.Region = DefaultRegion
	}
	if o.Expires == 0 {
		o.Expires = DefaultExpires
	}
	if o.Expires < time.Second || o.Expires > maxExpires {
		return ErrExpires
	}
	o.Key = strings.TrimPrefix(o.Key, "/")
	for _, f := range [][2]string{
		{"key_id", o.KeyID}, {"access_key_id", o.AccessKeyID}, {"bucket", o.Bucket},
		{"endpoint", o.Endpoint}, {"key", o.Key}, {"requester", o.Requester},
	} {
		if f[1] == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, f[0])
		}
	}
	return nil
}

// Presigner produce URLs firmadas vía Handler.
//
// Cuando el caller no fija Date, la fecha firmada se guarda por request id:
// un reintento con el mismo id arma el mismo string-to-sign y recibe la
// respuesta cacheada del dispatcher en lugar de invalid_request.
type Presigner struct {
	h     Handler
	now   func() time.Time
	dates cache.Client
	newID func() string
}

// Option configura el Presigner.
type Option func(*Presigner)

// WithClock fija el reloj usado cuando Options.Date es cero.
func WithClock(now func() time.Time) Option { return func(p *Presigner) { p.now = now } }

// WithDateCache guarda las fechas firmadas en c. Debe vivir al menos lo que
// la ventana de idempotencia del dispatcher; con redis, los reintentos pueden
// caer en otra réplica.
func WithDateCache(c cache.Client) Option { return func(p *Presigner) { p.dates = c } }

func New(h Handler, opts ...Option) *Presigner {
	p := &Presigner{h: h, now: time.Now, newID: uuid.NewString}
	for _, o := range opts {
		o(p)
	}
	if p.dates == nil {
		p.dates = cache.NewMemory("presign", 0)
	}
	return p
}

// SignURL devuelve la URL firmada, o "" y la respuesta de denegación/falla
// tal como la produjo el dispatcher.
func (p *Presigner) SignURL(ctx context.Context, o Options) (string, dispatcher.Response, error) {
	if err := o.defaults(); err != nil {
		return "", dispatcher.Response{}, err
	}
	if o.RequestID == "" {
		o.RequestID = p.newID()
	}
	if o.Date.IsZero() {
		d, err := p.signingDate(ctx, o.RequestID)
		if err != nil {
			// sin la fecha original un reintento firmaría otro contenido
			return "", dispatcher.Response{RequestID: o.RequestID, ErrorKind: string(signer.KindBackendUnavailable)}, nil
		}
		o.Date = d
	}
	o.Date = o.Date.UTC()
	query := CanonicalQuery(o)
	sts := StringToSign(o, CanonicalRequest(o, query))

	resp := p.h.Handle(ctx, dispatcher.RawRequest{
		RequestID: o.RequestID,
		KeyID:     o.KeyID,
		Algorithm: string(keystore.AlgAWS4),
		Payload:   []byte(sts),
		Requester: o.Requester,
	})
	if !resp.OK() {
		return "", resp, nil
	}
	return "https://" + host(o) + "/" + escapePath(o.Key) + "?" + query +
		"&X-Amz-Signature=" + hex.EncodeToString(resp.Signature), resp, nil
}

// signingDate devuelve la fecha de la primera firma de requestID o fija una nueva.
func (p *Presigner) signingDate(ctx context.Context, requestID string) (time.Time, error) {
	b, err := p.dates.Get(ctx, requestID)
	switch {
	case err == nil:
		return time.Parse(timeFormat, string(b))
	case !cache.IsNotFound(err):
		return time.Time{}, err
	}
	now := p.now().UTC().Truncate(time.Second)
	if err := p.dates.Set(ctx, requestID, []byte(now.Format(timeFormat)), 0); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func host(o Options) string { return o.Bucket + "." + o.Endpoint }

func scope(o Options) string {
	return o.Date.Format(dateFormat) + "/" + o.Region + "/" + service + "/aws4_request"
}

// CanonicalQuery arma los parámetros X-Amz-* ordenados y codificados.
func CanonicalQuery(o Options) string {
	params := map[string]string{
		"X-Amz-Algorithm":     string(keystore.AlgAWS4),
		"X-Amz-Credential":    o.AccessKeyID + "/" + scope(o),
		"X-Amz-Date":          o.Date.Format(timeFormat),
		"X-Amz-Expires":       strconv.FormatInt(int64(o.Expires/time.Second), 10),
		"X-Amz-SignedHeaders": "host",
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, escape(k)+"="+escape(params[k]))
	}
	return strings.Join(parts, "&")
}

// CanonicalRequest: method, path, query, headers, signed headers, payload hash.
func CanonicalRequest(o Options, query string) string {
	return strings.Join([]string{
		o.Method,
		"/" + escapePath(o.Key),
		query,
		"host:" + host(o),
		"",
		"host",
		unsignedPayload,
	}, "\n")
}

// StringToSign es el payload que firma la clave AWS4 del keystore.
func StringToSign(o Options, canonicalRequest string) string {
	sum := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{
		string(keystore.AlgAWS4),
		o.Date.Format(timeFormat),
		scope(o),
		hex.EncodeToString(sum[:]),
	}, "\n")
}

// escape es el URI encoding de SigV4: sólo los no reservados quedan literales.
func escape(s string) string {
	const hexUpper = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexUpper[c>>4])
		b.WriteByte(hexUpper[c&15])
	}
	return b.String()
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = escape(s)
	}
	return strings.Join(segs, "/")
}
