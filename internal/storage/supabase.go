package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	storage_go "github.com/supabase-community/storage-go"
	supabase "github.com/supabase-community/supabase-go"

	"github.com/veraproof/backend/internal/database"
)

// SupabaseSink stores artifacts in a Supabase Storage bucket. Retention is
// tracked in the artifact_retention table and enforced by the reaper.
type SupabaseSink struct {
	storage       *storage_go.Client
	db            *database.Client
	bucket        string
	allowDegraded bool
	logger        *slog.Logger
}

func NewSupabaseSink(url, serviceKey, bucket string, db *database.Client, allowDegraded bool, logger *slog.Logger) (*SupabaseSink, error) {
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}
	return &SupabaseSink{
		storage:       client.Storage,
		db:            db,
		bucket:        bucket,
		allowDegraded: allowDegraded,
		logger:        logger,
	}, nil
}

func (s *SupabaseSink) PutVideo(ctx context.Context, tenantID, sessionID string, data []byte) (string, error) {
	return s.put(ctx, VideoKey(tenantID, sessionID), data, "video/webm")
}

func (s *SupabaseSink) PutIMU(ctx context.Context, tenantID, sessionID string, data []byte) (string, error) {
	return s.put(ctx, IMUKey(tenantID, sessionID), data, "application/json")
}

func (s *SupabaseSink) PutFlow(ctx context.Context, tenantID, sessionID string, data []byte) (string, error) {
	return s.put(ctx, FlowKey(tenantID, sessionID), data, "application/json")
}

// PutLogo stores a tenant branding logo. Unlike session artifacts, logo
// uploads fail hard: there is no degraded mode for dashboard writes.
func (s *SupabaseSink) PutLogo(ctx context.Context, tenantID string, data []byte, contentType string) (string, error) {
	ext := map[string]string{
		"image/png":     ".png",
		"image/jpeg":    ".jpg",
		"image/svg+xml": ".svg",
	}[contentType]
	key := fmt.Sprintf("%s/branding/logo%s", tenantID, ext)
	_, err := s.storage.UploadFile(s.bucket, key, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload logo: %w", err)
	}
	return key, nil
}

func (s *SupabaseSink) put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.storage.UploadFile(s.bucket, key, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
	})
	if err != nil {
		if !s.allowDegraded {
			return "", fmt.Errorf("upload %s: %w", key, err)
		}
		s.logger.Warn("artifact upload failed, continuing degraded",
			"key", key, "size", len(data), "error", err)
		return DegradedPrefix + key, nil
	}
	return key, nil
}

func (s *SupabaseSink) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if IsDegraded(key) {
		return "", fmt.Errorf("artifact %s was not persisted", key)
	}
	resp, err := s.storage.CreateSignedUrl(s.bucket, key, int(ttl.Seconds()))
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", key, err)
	}
	return resp.SignedURL, nil
}

func (s *SupabaseSink) ScheduleDelete(ctx context.Context, key string, retentionDays int) error {
	if IsDegraded(key) {
		return nil
	}
	deleteAfter := time.Now().AddDate(0, 0, retentionDays)
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO artifact_retention (object_key, delete_after)
		VALUES ($1, $2)
		ON CONFLICT (object_key) DO UPDATE SET delete_after = EXCLUDED.delete_after`,
		key, deleteAfter)
	if err != nil {
		return fmt.Errorf("schedule delete %s: %w", key, err)
	}
	return nil
}

// ReapExpired removes artifacts whose retention window has passed, then
// clears their retention rows. Returns the number of objects removed.
func (s *SupabaseSink) ReapExpired(ctx context.Context) (int, error) {
	var keys []string
	err := s.db.DB().SelectContext(ctx, &keys, `
		SELECT object_key FROM artifact_retention WHERE delete_after < now() LIMIT 500`)
	if err != nil {
		return 0, fmt.Errorf("list due artifacts: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	if _, err := s.storage.RemoveFile(s.bucket, keys); err != nil {
		return 0, fmt.Errorf("remove artifacts: %w", err)
	}

	if _, err := s.db.DB().ExecContext(ctx, `
		DELETE FROM artifact_retention WHERE delete_after < now()`); err != nil {
		return len(keys), fmt.Errorf("clear retention rows: %w", err)
	}
	return len(keys), nil
}

// StartRetentionReaper sweeps due artifacts on the given interval until ctx
// is cancelled.
func (s *SupabaseSink) StartRetentionReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.ReapExpired(ctx)
				if err != nil {
					s.logger.Warn("artifact retention sweep failed", "error", err)
					continue
				}
				if n > 0 {
					s.logger.Info("expired artifacts removed", "count", n)
				}
			}
		}
	}()
}
