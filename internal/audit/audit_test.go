package audit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type downStore struct{ *MemoryStore }

func (downStore) Append(context.Context, Record) error { return errors.New("disk full") }

type failingMirror struct{ calls int }

func (m *failingMirror) Append(context.Context, Record) error {
	m.calls++
	return errors.New("broker not reachable")
}

func sampleRecord(reqID, keyID string, d Decision) Record {
	return Record{
		RecordID:      uuid.NewString(),
		RequestID:     reqID,
		KeyID:         keyID,
		Requester:     "u1",
		Algorithm:     "Ed25519",
		Decision:      d,
		AppliedRules:  []string{"key_status", "algorithm_match"},
		PayloadDigest: "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	}
}

func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	ids := make([]string, 5)
	for i := range ids {
		rec := sampleRecord(fmt.Sprintf("r%d", i), "k1", DecisionGranted)
		ids[i] = rec.RecordID
		rec.Timestamp = time.Unix(1_700_000_000+int64(i), 0).UTC()
		require.NoError(t, s.Append(ctx, rec))
	}
	require.NoError(t, s.Append(ctx, sampleRecord("r-other", "k2", DecisionDenied)))

	got, err := s.ByRequestID(ctx, "r3")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ids[3], got[0].RecordID)
	assert.Equal(t, []string{"key_status", "algorithm_match"}, got[0].AppliedRules)
	assert.True(t, got[0].Timestamp.Equal(time.Unix(1_700_000_003, 0)))

	recent, err := s.ByKeyID(ctx, "k1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "r3", recent[0].RequestID)
	assert.Equal(t, "r4", recent[1].RequestID)

	none, err := s.ByRequestID(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)

	// "k1" no debe matchear el índice de "k10"
	require.NoError(t, s.Append(ctx, sampleRecord("r-k10", "k10", DecisionGranted)))
	all, err := s.ByKeyID(ctx, "k1", 100)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestBoltStore_Contract(t *testing.T) {
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer s.Close()
	storeContract(t, s)
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), sampleRecord("r1", "k1", DecisionFailed)))
	require.NoError(t, s.Close())

	s2, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.ByRequestID(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, DecisionFailed, got[0].Decision)
}

func TestLog_AssignsIDAndTimestamp(t *testing.T) {
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	l := NewLog(NewMemoryStore(), WithClock(func() time.Time { return fixed }), WithLogger(zap.NewNop()))

	rec, err := l.Record(context.Background(), sampleRecord("r1", "k1", DecisionGranted))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.RecordID)
	assert.Equal(t, fixed, rec.Timestamp)

	got, err := l.ByRequestID(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.RecordID, got[0].RecordID)
}

func TestLog_WriteErrorIsUnavailable(t *testing.T) {
	var failed []string
	l := NewLog(downStore{NewMemoryStore()}, WithLogger(zap.NewNop()), WithFailureHook(func(s string) { failed = append(failed, s) }))

	_, err := l.Record(context.Background(), sampleRecord("r1", "k1", DecisionGranted))
	require.Error(t, err)
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "r1", we.RequestID)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, []string{"memory"}, failed)
}

func TestLog_MirrorFailureDoesNotFailRecord(t *testing.T) {
	m := &failingMirror{}
	store := NewMemoryStore()
	l := NewLog(store, WithMirror(m), WithLogger(zap.NewNop()))

	_, err := l.Record(context.Background(), sampleRecord("r1", "k1", DecisionGranted))
	require.NoError(t, err)
	assert.Equal(t, 1, m.calls)
	assert.Equal(t, 1, store.Len())
}
