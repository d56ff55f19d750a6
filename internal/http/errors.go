package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dropDatabas3/signer/internal/dispatcher"
	"github.com/dropDatabas3/signer/internal/signer"
)

// AppError es un error con código y status HTTP. El Err original queda para logs.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// NewError crea un AppError base.
func NewError(status int, code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// WithDetail devuelve una copia con detalle.
func (e *AppError) WithDetail(detail string) *AppError {
	c := *e
	c.Detail = detail
	return &c
}

// WithCause devuelve una copia con la causa.
func (e *AppError) WithCause(err error) *AppError {
	c := *e
	c.Err = err
	return &c
}

var (
	ErrInvalidJSON      = NewError(http.StatusBadRequest, "invalid_json", "json inválido")
	ErrContentType      = NewError(http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type debe ser application/json")
	ErrBodyTooLarge     = NewError(http.StatusRequestEntityTooLarge, "body_too_large", "el body supera el máximo permitido")
	ErrBadRequest       = NewError(http.StatusBadRequest, "invalid_request", "request inválido")
	ErrTokenMissing     = NewError(http.StatusUnauthorized, "token_missing", "falta bearer token")
	ErrTokenInvalid     = NewError(http.StatusUnauthorized, "token_invalid", "bearer token inválido")
	ErrRequesterMissing = NewError(http.StatusUnauthorized, "requester_missing", "no se pudo determinar el requester")
	ErrNotFound         = NewError(http.StatusNotFound, "not_found", "recurso no encontrado")
	ErrUnavailable      = NewError(http.StatusServiceUnavailable, "unavailable", "servicio no disponible")
	ErrInternal         = NewError(http.StatusInternalServerError, "internal_error", "error interno")
)

// FromError convierte cualquier error en AppError (500 si no lo era).
func FromError(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return ErrInternal.WithCause(err)
}

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteError escribe el error como JSON. Nunca expone la causa.
func WriteError(w http.ResponseWriter, err error) {
	ae := FromError(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(ae.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Code:      ae.Code,
		Message:   ae.Message,
		Detail:    ae.Detail,
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

// WriteJSON: respuesta JSON estándar.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON valida Content-Type, limita el body a max bytes y decodifica.
// Campos desconocidos se ignoran.
func ReadJSON(w http.ResponseWriter, r *http.Request, v any, max int64) error {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/json") {
		return ErrContentType
	}
	r.Body = http.MaxBytesReader(w, r.Body, max)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ErrBodyTooLarge
		}
		return ErrInvalidJSON.WithCause(err)
	}
	return nil
}

// StatusFor mapea una respuesta del dispatcher a status HTTP.
func StatusFor(resp dispatcher.Response) int {
	switch {
	case resp.OK():
		return http.StatusOK
	case resp.Denied:
		return http.StatusForbidden
	}
	switch signer.Kind(resp.ErrorKind) {
	case signer.KindInvalidRequest:
		return http.StatusBadRequest
	case signer.KindTimeout:
		return http.StatusGatewayTimeout
	case signer.KindBackendUnavailable, signer.KindAuditUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeResponse escribe la respuesta del dispatcher tal cual la codificó.
func writeResponse(w http.ResponseWriter, resp dispatcher.Response) {
	if resp.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(StatusFor(resp))
	_, _ = w.Write(resp.Encode())
}
