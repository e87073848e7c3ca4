// Package ratelimit gates API traffic per tenant on three axes: a sliding
// request-rate window, a concurrent-session counter, and the monthly usage
// quota.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is a per-key sliding-window counter. Allow records the event and
// reports whether it stayed within limit.
type Window interface {
	Allow(ctx context.Context, key string, limit int, span time.Duration) (bool, error)
	Sweep(ctx context.Context, span time.Duration)
}

// MemoryWindow keeps timestamps per key in process memory. Suitable for a
// single instance; multi-instance deployments use RedisWindow.
type MemoryWindow struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	now     func() time.Time
}

func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{entries: make(map[string][]time.Time), now: time.Now}
}

func (w *MemoryWindow) Allow(ctx context.Context, key string, limit int, span time.Duration) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-span)

	kept := w.entries[key][:0]
	for _, ts := range w.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= limit {
		w.entries[key] = kept
		return false, nil
	}
	w.entries[key] = append(kept, now)
	return true, nil
}

// Sweep trims expired timestamps and drops empty keys so idle tenants do
// not pin memory.
func (w *MemoryWindow) Sweep(ctx context.Context, span time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-span)
	for key, stamps := range w.entries {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(w.entries, key)
			continue
		}
		w.entries[key] = kept
	}
}

// RedisWindow implements the sliding window on a Redis sorted set scored by
// unix nanos, shared across instances.
type RedisWindow struct {
	client *redis.Client
}

func NewRedisWindow(client *redis.Client) *RedisWindow {
	return &RedisWindow{client: client}
}

func (w *RedisWindow) Allow(ctx context.Context, key string, limit int, span time.Duration) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-span).UnixNano()
	rkey := "ratelimit:" + key

	pipe := w.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(cutoff, 10))
	countCmd := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate window: %w", err)
	}
	if int(countCmd.Val()) >= limit {
		return false, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	pipe = w.client.TxPipeline()
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, rkey, span+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate window: %w", err)
	}
	return true, nil
}

// Sweep is a no-op for Redis; key TTLs handle cleanup.
func (w *RedisWindow) Sweep(ctx context.Context, span time.Duration) {}

// StartSweeper trims the window store every interval until ctx is
// cancelled.
func StartSweeper(ctx context.Context, w Window, span, interval time.Duration, logger *slog.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Sweep(ctx, span)
				logger.Debug("rate window sweep completed")
			}
		}
	}()
}
