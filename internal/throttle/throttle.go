// Package throttle limits repeated login attempts per identity. The Redis limiter shares
// counters between replicas; the local one is for single-process and development setups.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"
)

// Config bounds attempts per key within a window.
type Config struct {
	MaxAttempts int
	Window      time.Duration
}

// DefaultConfig allows 10 attempts per 15 minutes.
func DefaultConfig() Config {
	return Config{MaxAttempts: 10, Window: 15 * time.Minute}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	return c
}

// Redis is a fixed-window counter stored under prefix:key.
type Redis struct {
	client *redis.Client
	cfg    Config
	prefix string
}

// NewRedis wraps a client. An empty prefix defaults to "login".
func NewRedis(client *redis.Client, cfg Config, prefix string) *Redis {
	if prefix == "" {
		prefix = "login"
	}
	return &Redis{client: client, cfg: cfg.normalized(), prefix: prefix}
}

func (r *Redis) key(k string) string { return fmt.Sprintf("%s:%s", r.prefix, k) }

// Allow counts the attempt and reports whether it is within the limit. The window starts
// at the first attempt and is not extended by later ones. The counter is created with its
// TTL and incremented in one MULTI/EXEC, so a key never exists without an expiry.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := r.key(key)
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, redisKey, 0, r.cfg.Window)
		incr = pipe.Incr(ctx, redisKey)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis incr: %w", err)
	}
	return incr.Val() <= int64(r.cfg.MaxAttempts), nil
}

// Reset clears the counter after a successful login.
func (r *Redis) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// Ping checks the backend for readiness probes.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Local keeps one token bucket per key refilling MaxAttempts per Window.
type Local struct {
	mu       sync.Mutex
	cfg      Config
	limiters map[string]*localEntry
	now      func() time.Time
	maxKeys  int
}

type localEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewLocal builds an in-process limiter.
func NewLocal(cfg Config) *Local {
	return &Local{
		cfg:      cfg.normalized(),
		limiters: make(map[string]*localEntry),
		now:      time.Now,
		maxKeys:  10000,
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.maxKeys {
			l.sweep(now)
		}
		every := l.cfg.Window / time.Duration(l.cfg.MaxAttempts)
		e = &localEntry{limiter: rate.NewLimiter(rate.Every(every), l.cfg.MaxAttempts)}
		l.limiters[key] = e
	}
	e.seen = now
	return e.limiter.AllowN(now, 1), nil
}

func (l *Local) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
	return nil
}

// sweep drops buckets idle for a full window; they would be full again anyway.
func (l *Local) sweep(now time.Time) {
	for k, e := range l.limiters {
		if now.Sub(e.seen) >= l.cfg.Window {
			delete(l.limiters, k)
		}
	}
}
