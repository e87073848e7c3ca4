package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veraproof/backend/internal/branding"
)

// Both sinks must carry the full artifact surface, including the logo
// uploads consumed by the branding layer.
var (
	_ ArtifactSink      = (*MemorySink)(nil)
	_ ArtifactSink      = (*SupabaseSink)(nil)
	_ branding.LogoSink = (*MemorySink)(nil)
	_ branding.LogoSink = (*SupabaseSink)(nil)
)

func TestMemorySinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemorySink()

	key, err := m.PutVideo(ctx, "t1", "s1", []byte("chunk"))
	require.NoError(t, err)
	assert.Equal(t, "t1/sessions/s1/video.webm", key)

	url, err := m.SignedURL(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Contains(t, url, key)

	_, err = m.SignedURL(ctx, "t1/sessions/s1/missing.json", time.Hour)
	assert.Error(t, err)
}

func TestMemorySinkDegradedMode(t *testing.T) {
	ctx := context.Background()
	m := NewMemorySink()
	m.Fail = true

	key, err := m.PutIMU(ctx, "t1", "s1", []byte("[]"))
	require.NoError(t, err)
	assert.True(t, IsDegraded(key))

	// Degraded keys never resolve to a URL.
	_, err = m.SignedURL(ctx, key, time.Hour)
	assert.Error(t, err)

	m.AllowDegraded = false
	_, err = m.PutIMU(ctx, "t1", "s1", []byte("[]"))
	assert.Error(t, err)
}
