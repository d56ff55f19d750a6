package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - HTTP
// =================================================================================

// RequestID crea un campo para el ID del request (también el id de idempotencia).
func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

// Method crea un campo para el método HTTP.
func Method(v string) zap.Field {
	return zap.String("method", v)
}

// Path crea un campo para el path del request.
func Path(v string) zap.Field {
	return zap.String("path", v)
}

// Status crea un campo para el status code HTTP.
func Status(v int) zap.Field {
	return zap.Int("status", v)
}

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// ClientIP crea un campo para la IP del cliente.
func ClientIP(v string) zap.Field {
	return zap.String("client_ip", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - FIRMA
// =================================================================================

// KeyID crea un campo para el id de la clave. Nunca loguear material de la clave.
func KeyID(v string) zap.Field {
	return zap.String("key_id", v)
}

// Requester crea un campo para la identidad del solicitante.
func Requester(v string) zap.Field {
	return zap.String("requester", v)
}

// Algorithm crea un campo para el algoritmo de firma.
func Algorithm(v string) zap.Field {
	return zap.String("algorithm", v)
}

// Decision crea un campo para el resultado (granted, denied, failed).
func Decision(v string) zap.Field {
	return zap.String("decision", v)
}

// Reason crea un campo para el motivo de denegación o el tipo de error.
func Reason(v string) zap.Field {
	return zap.String("reason", v)
}

// Rules crea un campo con las reglas de policy evaluadas.
func Rules(v []string) zap.Field {
	return zap.Strings("applied_rules", v)
}

// Attempt crea un campo para el número de intento contra el backend.
func Attempt(v int) zap.Field {
	return zap.Int("attempt", v)
}

// Digest crea un campo para un digest hex (payload o resultado).
func Digest(name, v string) zap.Field {
	return zap.String(name, v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Driver crea un campo para el backend configurado (memory, file, postgres, bolt, redis).
func Driver(v string) zap.Field {
	return zap.String("driver", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Bool crea un campo bool genérico.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}

// Any crea un campo genérico para cualquier tipo.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
}
