package rate

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memShards = 32

// MemoryLimiter implementa Limiter con sliding window en memoria (un proceso).
// Los buckets se reparten en shards por hash de la key para que claves no
// relacionadas no compitan por el mismo lock.
type MemoryLimiter struct {
	shards [memShards]*memShard
	now    func() time.Time
}

type memShard struct {
	mu      sync.Mutex
	buckets map[string]*slidingWindow
}

// slidingWindow guarda los timestamps de los hits dentro de la ventana.
type slidingWindow struct {
	timestamps []time.Time
	window     time.Duration
}

func NewMemoryLimiter() *MemoryLimiter {
	return NewMemoryLimiterWithClock(time.Now)
}

// NewMemoryLimiterWithClock permite fijar el reloj en tests.
func NewMemoryLimiterWithClock(now func() time.Time) *MemoryLimiter {
	m := &MemoryLimiter{now: now}
	for i := range m.shards {
		m.shards[i] = &memShard{buckets: make(map[string]*slidingWindow)}
	}
	return m
}

func (m *MemoryLimiter) shardFor(key string) *memShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%memShards]
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := m.now()
	sw := sh.buckets[key]
	if sw == nil {
		sw = &slidingWindow{window: window}
		sh.buckets[key] = sw
	}
	sw.window = window
	sw.cleanup(now)

	count := len(sw.timestamps)
	if count+1 <= limit {
		sw.timestamps = append(sw.timestamps, now)
		return Result{
			Allowed:     true,
			Remaining:   int64(limit - len(sw.timestamps)),
			CurrentHits: int64(len(sw.timestamps)),
		}, nil
	}
	res := Result{Allowed: false, CurrentHits: int64(count)}
	if count > 0 {
		res.RetryAfter = sw.timestamps[0].Add(window).Sub(now)
	}
	return res, nil
}

// Sweep elimina buckets sin hits vivos. Devuelve cuántos borró.
func (m *MemoryLimiter) Sweep() int {
	now := m.now()
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, sw := range sh.buckets {
			sw.cleanup(now)
			if len(sw.timestamps) == 0 {
				delete(sh.buckets, k)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// RunSweeper llama Sweep cada interval hasta que ctx termine.
func (m *MemoryLimiter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// cleanup quita los timestamps fuera de la ventana.
func (sw *slidingWindow) cleanup(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}
