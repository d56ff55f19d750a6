package keystore

import (
	"context"
	"testing"
)

func TestStore_CorruptedSlotPanics(t *testing.T) {
	s := New(NewMemorySource())
	sh := s.shardFor("k1")
	sh.m["k1"] = &entry{handle: KeyHandle{ID: "k9", Algorithm: AlgEd25519, Status: StatusActive}}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on corrupted handle table")
		}
	}()
	_, _ = s.SignWith(context.Background(), "k1", []byte("x"))
}

func TestShardFor_Stable(t *testing.T) {
	s := New(NewMemorySource())
	if s.shardFor("abc") != s.shardFor("abc") {
		t.Fatalf("shardFor must be deterministic")
	}
}
