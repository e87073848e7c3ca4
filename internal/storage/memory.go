package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemorySink holds artifacts in a map. Used in development without a
// storage backend and by tests.
type MemorySink struct {
	mu      sync.Mutex
	objects map[string][]byte
	// Fail forces every upload to error, exercising degraded paths.
	Fail          bool
	AllowDegraded bool
}

func NewMemorySink() *MemorySink {
	return &MemorySink{objects: make(map[string][]byte), AllowDegraded: true}
}

func (m *MemorySink) PutVideo(ctx context.Context, tenantID, sessionID string, data []byte) (string, error) {
	return m.put(VideoKey(tenantID, sessionID), data)
}

func (m *MemorySink) PutIMU(ctx context.Context, tenantID, sessionID string, data []byte) (string, error) {
	return m.put(IMUKey(tenantID, sessionID), data)
}

func (m *MemorySink) PutFlow(ctx context.Context, tenantID, sessionID string, data []byte) (string, error) {
	return m.put(FlowKey(tenantID, sessionID), data)
}

func (m *MemorySink) PutLogo(ctx context.Context, tenantID string, data []byte, contentType string) (string, error) {
	return m.put(fmt.Sprintf("%s/branding/logo", tenantID), data)
}

func (m *MemorySink) put(key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		if m.AllowDegraded {
			return DegradedPrefix + key, nil
		}
		return "", fmt.Errorf("upload %s: sink unavailable", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return key, nil
}

func (m *MemorySink) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if IsDegraded(key) {
		return "", fmt.Errorf("artifact %s was not persisted", key)
	}
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("artifact %s not found", key)
	}
	return fmt.Sprintf("memory://%s?expires=%d", key, time.Now().Add(ttl).Unix()), nil
}

func (m *MemorySink) ScheduleDelete(ctx context.Context, key string, retentionDays int) error {
	return nil
}

// Object returns a stored artifact, for test assertions.
func (m *MemorySink) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}
