package signer

import "time"

// RetryPolicy acota los reintentos ante BackendUnavailable.
type RetryPolicy struct {
	// MaxAttempts incluye el primer intento. <= 0 se trata como 1.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy: 4 intentos, 50ms, 100ms, 200ms entre ellos.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff es la espera después del intento número attempt (1-based):
// min(BaseDelay·2^(attempt-1), MaxDelay). Función pura.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	max := p.MaxDelay
	if max <= 0 {
		max = p.BaseDelay
	}
	shift := attempt - 1
	if shift >= 62 {
		return max
	}
	d := p.BaseDelay << shift
	// overflow: el shift dio la vuelta
	if d <= 0 || d>>shift != p.BaseDelay || d > max {
		return max
	}
	return d
}
