package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HeaderRequester se acepta sólo con auth deshabilitado (dev).
const HeaderRequester = "X-Requester-Identity"

// AuthConfig controla cómo se obtiene la identidad del requester.
type AuthConfig struct {
	Enabled  bool
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// WithRequester valida Authorization: Bearer <JWT HS256> y guarda el sub como
// requester. Con auth deshabilitado toma X-Requester-Identity si viene.
func WithRequester(cfg AuthConfig) Middleware {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (any, error) { return cfg.Secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				if id := strings.TrimSpace(r.Header.Get(HeaderRequester)); id != "" {
					r = r.WithContext(withRequester(r.Context(), id))
				}
				next.ServeHTTP(w, r)
				return
			}

			ah := strings.TrimSpace(r.Header.Get("Authorization"))
			if len(ah) < 7 || !strings.EqualFold(ah[:7], "bearer ") {
				w.Header().Set("WWW-Authenticate", `Bearer realm="signer", error="invalid_token"`)
				WriteError(w, ErrTokenMissing)
				return
			}
			var claims jwt.RegisteredClaims
			if _, err := parser.ParseWithClaims(strings.TrimSpace(ah[7:]), &claims, keyFunc); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="signer", error="invalid_token"`)
				WriteError(w, ErrTokenInvalid.WithCause(err))
				return
			}
			if claims.Subject == "" {
				WriteError(w, ErrRequesterMissing)
				return
			}
			next.ServeHTTP(w, r.WithContext(withRequester(r.Context(), claims.Subject)))
		})
	}
}
