package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/veraproof/backend/internal/database"
)

// PostgresStore persists sessions in the sessions table. All tenant-scoped
// operations run through database.Client.WithTenant so RLS backs up the
// explicit tenant_id predicates.
type PostgresStore struct {
	client *database.Client
	logger *slog.Logger
}

func NewPostgresStore(client *database.Client, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{client: client, logger: logger}
}

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	return s.client.WithTenant(ctx, sess.TenantID, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, tenant_id, state, user_reference, metadata, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sess.ID, sess.TenantID, sess.State, sess.UserReference, sess.Metadata,
			sess.ExpiresAt, sess.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (*Session, error) {
	var sess Session
	err := s.client.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &sess, `
			SELECT * FROM sessions WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.client.DB().GetContext(ctx, &sess, `
		SELECT * FROM sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) SetState(ctx context.Context, tenantID, id string, to State) error {
	return s.client.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		var current State
		err := tx.GetContext(ctx, &current, `
			SELECT state FROM sessions WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if !ValidTransition(current, to) {
			return fmt.Errorf("%w: %s -> %s", ErrBadTransition, current, to)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET state = $1 WHERE id = $2 AND tenant_id = $3`, to, id, tenantID)
		if err != nil {
			return fmt.Errorf("update state: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ExtendExpiry(ctx context.Context, tenantID, id string, by time.Duration) error {
	return s.client.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET expires_at = now() + $1 * interval '1 second'
			WHERE id = $2 AND tenant_id = $3 AND state NOT IN ('complete', 'failed')`,
			int(by.Seconds()), id, tenantID)
		if err != nil {
			return fmt.Errorf("extend expiry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) SetResults(ctx context.Context, tenantID, id string, r Results) error {
	return s.client.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET state = 'complete', tier1_score = $1, tier2_score = $2, trust_score = $3,
			    verdict = $4, reasoning = $5, correlation = $6, completed_at = now()
			WHERE id = $7 AND tenant_id = $8 AND state = 'analyzing'`,
			r.Tier1Score, r.Tier2Score, r.TrustScore, r.Verdict, r.Reasoning, r.Correlation, id, tenantID)
		if err != nil {
			return fmt.Errorf("set results: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) SetArtifactKeys(ctx context.Context, tenantID, id, videoKey, imuKey, flowKey string) error {
	return s.client.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET video_key = $1, imu_key = $2, flow_key = $3
			WHERE id = $4 AND tenant_id = $5`,
			videoKey, imuKey, flowKey, id, tenantID)
		if err != nil {
			return fmt.Errorf("set artifact keys: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []Session
	err := s.client.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &out, `
			SELECT * FROM sessions WHERE tenant_id = $1
			ORDER BY created_at DESC LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// ReapExpired deletes sessions past their expiry that never reached a
// terminal state. Runs tenant-unscoped from the background reaper.
func (s *PostgresStore) ReapExpired(ctx context.Context) (int, error) {
	res, err := s.client.DB().ExecContext(ctx, `
		DELETE FROM sessions
		WHERE expires_at < now() AND state NOT IN ('complete', 'failed')`)
	if err != nil {
		return 0, fmt.Errorf("reap expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// StartReaper deletes expired sessions on the given interval until ctx is
// cancelled.
func StartReaper(ctx context.Context, store Store, interval time.Duration, logger *slog.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.ReapExpired(ctx)
				if err != nil {
					logger.Warn("session reaper failed", "error", err)
					continue
				}
				if n > 0 {
					logger.Info("reaped expired sessions", "count", n)
				}
			}
		}
	}()
}
