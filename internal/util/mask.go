// Package util tiene helpers chicos sin dependencias del dominio.
package util

import (
	"net/url"
	"strings"
)

// MaskDSN oculta la password de un DSN de postgres para poder loguearlo.
// Acepta la forma URL (postgres://u:p@h/db) y la forma key=value.
func MaskDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ""
	}
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "xxxxx"
		}
		return u.Redacted()
	}
	parts := strings.Fields(dsn)
	for i, p := range parts {
		if k, _, ok := strings.Cut(p, "="); ok && strings.EqualFold(k, "password") {
			parts[i] = k + "=xxxxx"
		}
	}
	return strings.Join(parts, " ")
}
