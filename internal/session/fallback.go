package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// FallbackStore wraps a primary store and absorbs its write failures into a
// process-local map so an active verification can finish while the database
// is down. Records living only in the map carry Fallback=true and are lost
// on restart; reads check the primary first.
type FallbackStore struct {
	primary Store
	logger  *slog.Logger

	mu    sync.Mutex
	local map[string]*Session
}

func NewFallbackStore(primary Store, logger *slog.Logger) *FallbackStore {
	return &FallbackStore{
		primary: primary,
		logger:  logger,
		local:   make(map[string]*Session),
	}
}

func (f *FallbackStore) Create(ctx context.Context, s *Session) error {
	if err := f.primary.Create(ctx, s); err != nil {
		f.logger.Warn("session create falling back to memory", "session_id", s.ID, "error", err)
		cp := *s
		cp.Fallback = true
		f.mu.Lock()
		f.local[s.ID] = &cp
		f.mu.Unlock()
	}
	return nil
}

func (f *FallbackStore) Get(ctx context.Context, tenantID, id string) (*Session, error) {
	s, err := f.primary.Get(ctx, tenantID, id)
	if err == nil {
		return s, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.local[id]; ok && s.TenantID == tenantID {
		cp := *s
		return &cp, nil
	}
	return nil, err
}

func (f *FallbackStore) GetByID(ctx context.Context, id string) (*Session, error) {
	s, err := f.primary.GetByID(ctx, id)
	if err == nil {
		return s, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.local[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, err
}

func (f *FallbackStore) SetState(ctx context.Context, tenantID, id string, to State) error {
	err := f.primary.SetState(ctx, tenantID, id, to)
	if err == nil || errors.Is(err, ErrBadTransition) {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.local[id]
	if !ok || s.TenantID != tenantID {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		// Primary write failed for a session we have never seen; adopt it
		// so the in-flight verification can proceed.
		f.logger.Warn("session state falling back to memory", "session_id", id, "error", err)
		f.local[id] = &Session{ID: id, TenantID: tenantID, State: to, Fallback: true}
		return nil
	}
	if !ValidTransition(s.State, to) {
		return ErrBadTransition
	}
	s.State = to
	return nil
}

func (f *FallbackStore) ExtendExpiry(ctx context.Context, tenantID, id string, by time.Duration) error {
	err := f.primary.ExtendExpiry(ctx, tenantID, id, by)
	if err == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.local[id]; ok && s.TenantID == tenantID {
		s.ExpiresAt = time.Now().Add(by)
		return nil
	}
	return err
}

func (f *FallbackStore) SetResults(ctx context.Context, tenantID, id string, r Results) error {
	err := f.primary.SetResults(ctx, tenantID, id, r)
	if err == nil {
		return nil
	}
	f.logger.Warn("session results falling back to memory", "session_id", id, "error", err)
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.local[id]
	if !ok || s.TenantID != tenantID {
		s = &Session{ID: id, TenantID: tenantID, Fallback: true}
		f.local[id] = s
	}
	now := time.Now()
	s.State = StateComplete
	s.Tier1Score = &r.Tier1Score
	s.Tier2Score = r.Tier2Score
	s.TrustScore = &r.TrustScore
	s.Verdict = &r.Verdict
	s.Correlation = &r.Correlation
	s.CompletedAt = &now
	return nil
}

func (f *FallbackStore) SetArtifactKeys(ctx context.Context, tenantID, id, videoKey, imuKey, flowKey string) error {
	err := f.primary.SetArtifactKeys(ctx, tenantID, id, videoKey, imuKey, flowKey)
	if err == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.local[id]; ok && s.TenantID == tenantID {
		s.VideoKey, s.IMUKey, s.FlowKey = &videoKey, &imuKey, &flowKey
		return nil
	}
	return err
}

func (f *FallbackStore) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]Session, error) {
	return f.primary.ListByTenant(ctx, tenantID, limit, offset)
}

func (f *FallbackStore) ReapExpired(ctx context.Context) (int, error) {
	n, err := f.primary.ReapExpired(ctx)

	reaped := 0
	now := time.Now()
	f.mu.Lock()
	for id, s := range f.local {
		if !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now) && s.State != StateComplete && s.State != StateFailed {
			delete(f.local, id)
			reaped++
		}
	}
	f.mu.Unlock()

	return n + reaped, err
}
