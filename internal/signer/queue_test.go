package signer

import (
	"sync"
	"testing"
	"time"
)

func waitDepth(t *testing.T, q *keyQueue, key string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for q.depth(key) != want {
		if time.Now().After(deadline) {
			t.Fatalf("depth(%s) = %d, want %d", key, q.depth(key), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestKeyQueue_FIFO(t *testing.T) {
	q := newKeyQueue()
	release := q.acquire("k1")

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel := q.acquire("k1")
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			rel()
		}(i)
		// cada goroutine entra a la cola antes de lanzar la siguiente
		waitDepth(t, q, "k1", i+1)
	}
	release()
	wg.Wait()

	for i, v := range order {
		if v != i+1 {
			t.Fatalf("order = %v, want 1..5", order)
		}
	}
	if d := q.depth("k1"); d != 0 {
		t.Fatalf("lane not reclaimed, depth %d", d)
	}
}

func TestKeyQueue_IndependentKeys(t *testing.T) {
	q := newKeyQueue()
	r1 := q.acquire("a")
	done := make(chan struct{})
	go func() {
		r := q.acquire("b")
		r()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("key b blocked behind key a")
	}
	r1()
	r1() // idempotente
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{40, time.Second},
		{100, time.Second},
	}
	for _, tc := range cases {
		if got := p.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
	if got := (RetryPolicy{}).Backoff(3); got != 0 {
		t.Errorf("zero policy backoff = %v", got)
	}
	if got := (RetryPolicy{}).attempts(); got != 1 {
		t.Errorf("zero policy attempts = %d", got)
	}
}
