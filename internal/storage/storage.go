// Package storage persists session artifacts (video, IMU trace, optical
// flow series) in object storage and manages their retention. Storage
// outages degrade gracefully: uploads return a synthetic key so the
// verification outcome is never blocked on the artifact path.
package storage

import (
	"context"
	"fmt"
	"time"
)

// DegradedPrefix marks keys for artifacts that were dropped because the
// storage backend was unreachable at upload time.
const DegradedPrefix = "degraded://"

// ArtifactSink stores and signs session artifacts. PutLogo serves the
// branding layer; all sinks carry it so the wiring stays uniform.
type ArtifactSink interface {
	PutVideo(ctx context.Context, tenantID, sessionID string, data []byte) (string, error)
	PutIMU(ctx context.Context, tenantID, sessionID string, data []byte) (string, error)
	PutFlow(ctx context.Context, tenantID, sessionID string, data []byte) (string, error)
	PutLogo(ctx context.Context, tenantID string, data []byte, contentType string) (string, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	ScheduleDelete(ctx context.Context, key string, retentionDays int) error
}

// VideoKey returns the canonical object key for a session's video artifact.
func VideoKey(tenantID, sessionID string) string {
	return fmt.Sprintf("%s/sessions/%s/video.webm", tenantID, sessionID)
}

// IMUKey returns the canonical object key for a session's IMU trace.
func IMUKey(tenantID, sessionID string) string {
	return fmt.Sprintf("%s/sessions/%s/imu_data.json", tenantID, sessionID)
}

// FlowKey returns the canonical object key for a session's optical flow
// series.
func FlowKey(tenantID, sessionID string) string {
	return fmt.Sprintf("%s/sessions/%s/optical_flow.json", tenantID, sessionID)
}

// IsDegraded reports whether a key is a synthetic placeholder rather than a
// real object reference.
func IsDegraded(key string) bool {
	return len(key) >= len(DegradedPrefix) && key[:len(DegradedPrefix)] == DegradedPrefix
}
