package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in a map. Used when the service runs without
// a database (local development) and as the base store in tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, tenantID, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) SetState(ctx context.Context, tenantID, id string, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID {
		return ErrNotFound
	}
	if !ValidTransition(s.State, to) {
		return ErrBadTransition
	}
	s.State = to
	return nil
}

func (m *MemoryStore) ExtendExpiry(ctx context.Context, tenantID, id string, by time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID {
		return ErrNotFound
	}
	if s.State == StateComplete || s.State == StateFailed {
		return ErrNotFound
	}
	s.ExpiresAt = time.Now().Add(by)
	return nil
}

func (m *MemoryStore) SetResults(ctx context.Context, tenantID, id string, r Results) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID || s.State != StateAnalyzing {
		return ErrNotFound
	}
	now := time.Now()
	s.State = StateComplete
	s.Tier1Score = &r.Tier1Score
	s.Tier2Score = r.Tier2Score
	s.TrustScore = &r.TrustScore
	s.Verdict = &r.Verdict
	s.Reasoning = &r.Reasoning
	s.Correlation = &r.Correlation
	s.CompletedAt = &now
	return nil
}

func (m *MemoryStore) SetArtifactKeys(ctx context.Context, tenantID, id, videoKey, imuKey, flowKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID {
		return ErrNotFound
	}
	s.VideoKey, s.IMUKey, s.FlowKey = &videoKey, &imuKey, &flowKey
	return nil
}

func (m *MemoryStore) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.TenantID == tenantID {
			out = append(out, *s)
		}
	}
	// Newest first.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ReapExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(now) && s.State != StateComplete && s.State != StateFailed {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}
