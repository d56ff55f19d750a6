// Package rate contiene los contadores de rate limit que consulta la policy.
// Cada llamada a Allow es atómica por key: dos evaluaciones concurrentes sobre
// el mismo par clave/requester nunca consumen el mismo cupo.
package rate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	rdb "github.com/redis/go-redis/v9"
)

type Result struct {
	Allowed     bool
	Remaining   int64
	RetryAfter  time.Duration
	CurrentHits int64
}

// Limiter cuenta un hit para key y decide contra limit/window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// RedisLimiter: fixed window sencillo (INCR + EXPIRE NX en la misma tx).
// Compartido entre réplicas del signer.
type RedisLimiter struct {
	Client rdb.UniversalClient
	Prefix string
}

func NewRedisLimiter(client rdb.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "signer:rl:"
	}
	return &RedisLimiter{Client: client, Prefix: prefix}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now().UTC()
	winStart := now.Truncate(window)
	redisKey := fmt.Sprintf("%s%s:%d", l.Prefix, strings.ReplaceAll(key, " ", "_"), winStart.UnixMilli())

	pipe := l.Client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	// NX: sólo el primer hit fija la expiración de la ventana
	pipe.ExpireNX(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, err
	}

	hits := incr.Val()
	max := int64(limit)
	res := Result{Allowed: hits <= max, CurrentHits: hits}
	if rem := max - hits; rem > 0 {
		res.Remaining = rem
	}
	if !res.Allowed {
		// Retry after: resto de la ventana
		res.RetryAfter = winStart.Add(window).Sub(now)
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Duration(math.Ceil(window.Seconds())) * time.Second
		}
	}
	return res, nil
}
