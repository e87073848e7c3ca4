package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrRateLimited is returned when the per-minute request window is
	// full.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTooManySessions is returned when the tenant is at its concurrent
	// session cap.
	ErrTooManySessions = errors.New("concurrent session limit exceeded")
)

// QuotaConsumer is the slice of QuotaManager the gate needs.
type QuotaConsumer interface {
	Consume(ctx context.Context, tenantID string) error
}

// Gate is the admission control for verification sessions. A session must
// pass the rate window, the concurrency cap and the monthly quota before it
// starts; Leave must be called exactly once per successful Enter.
type Gate struct {
	window Window
	quota  QuotaConsumer
	logger *slog.Logger

	maxConcurrent int
	ratePerMinute int

	mu     sync.Mutex
	active map[string]int
}

func NewGate(window Window, quota QuotaConsumer, maxConcurrent, ratePerMinute int, logger *slog.Logger) *Gate {
	return &Gate{
		window:        window,
		quota:         quota,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		ratePerMinute: ratePerMinute,
		active:        make(map[string]int),
	}
}

// AllowRequest applies only the sliding-window rate limit. Used by the
// HTTP middleware for plain API calls.
func (g *Gate) AllowRequest(ctx context.Context, tenantID string) error {
	ok, err := g.window.Allow(ctx, tenantID, g.ratePerMinute, time.Minute)
	if err != nil {
		// A broken window backend must not take the API down.
		g.logger.Warn("rate window unavailable, allowing request", "tenant_id", tenantID, "error", err)
		return nil
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}

// Enter admits a new verification session, consuming one quota unit and one
// concurrency slot. On error nothing is held.
func (g *Gate) Enter(ctx context.Context, tenantID string) error {
	if err := g.AllowRequest(ctx, tenantID); err != nil {
		return err
	}

	g.mu.Lock()
	if g.active[tenantID] >= g.maxConcurrent {
		current := g.active[tenantID]
		g.mu.Unlock()
		g.logger.Warn("concurrent session limit exceeded",
			"tenant_id", tenantID, "active", current, "limit", g.maxConcurrent)
		return ErrTooManySessions
	}
	g.active[tenantID]++
	g.mu.Unlock()

	if err := g.quota.Consume(ctx, tenantID); err != nil {
		g.release(tenantID)
		if errors.Is(err, ErrQuotaExhausted) {
			return err
		}
		return fmt.Errorf("quota: %w", err)
	}
	return nil
}

// Leave releases the concurrency slot taken by Enter.
func (g *Gate) Leave(tenantID string) {
	g.release(tenantID)
}

func (g *Gate) release(tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[tenantID] > 0 {
		g.active[tenantID]--
	}
	if g.active[tenantID] == 0 {
		delete(g.active, tenantID)
	}
}

// Active returns the tenant's current concurrent session count.
func (g *Gate) Active(tenantID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[tenantID]
}
