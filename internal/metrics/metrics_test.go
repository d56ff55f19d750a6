package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/signer/internal/dispatcher"
	"github.com/dropDatabas3/signer/internal/keystore"
	"github.com/dropDatabas3/signer/internal/signer"
)

var (
	_ signer.Observer     = (*Signer)(nil)
	_ dispatcher.Observer = (*Signer)(nil)
)

func TestSigner_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewSigner(reg)
	require.NoError(t, err)

	m.Outcome(signer.StatusGranted, "")
	m.Outcome(signer.StatusDenied, signer.KindRevoked)
	m.Outcome(signer.StatusDenied, signer.KindRevoked)
	m.BackendCall(keystore.AlgEd25519, time.Millisecond, nil)
	m.BackendCall(keystore.AlgEd25519, time.Millisecond, errors.New("boom"))
	m.Retry(keystore.AlgP256)
	m.AuditFailure("kafka")
	m.Replayed()
	m.Rejected("payload empty")
	m.TimedOut()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("granted", "none")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("denied", "revoked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("ECDSA-P256")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditFailures.WithLabelValues("kafka")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replays))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timeouts))
	assert.Equal(t, 1, testutil.CollectAndCount(m.backendErrors))

	// registrar dos veces en el mismo registry no falla
	_, err = NewSigner(reg)
	assert.NoError(t, err)
}
