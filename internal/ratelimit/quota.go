package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veraproof/backend/internal/database"
)

// ErrQuotaExhausted is returned when a tenant's monthly verification quota
// is used up.
var ErrQuotaExhausted = errors.New("monthly quota exhausted")

// QuotaAlert is emitted when consuming a unit crosses an alert threshold.
type QuotaAlert struct {
	TenantID   string
	Percentage int
	Usage      int
	Quota      int
}

// AlertFunc receives threshold-crossing events. Must not block.
type AlertFunc func(QuotaAlert)

// QuotaManager consumes monthly quota units atomically and emits alerts
// when usage crosses 80% and 100%. FailOpen controls what happens for
// tenants missing from the database: development allows them, production
// rejects.
type QuotaManager struct {
	db       *database.Client
	failOpen bool
	onAlert  AlertFunc
	logger   *slog.Logger
}

func NewQuotaManager(db *database.Client, failOpen bool, onAlert AlertFunc, logger *slog.Logger) *QuotaManager {
	if onAlert == nil {
		onAlert = func(QuotaAlert) {}
	}
	return &QuotaManager{db: db, failOpen: failOpen, onAlert: onAlert, logger: logger}
}

// Check reports whether the tenant has remaining quota without consuming
// any.
func (q *QuotaManager) Check(ctx context.Context, tenantID string) (bool, error) {
	var row struct {
		Quota int `db:"monthly_quota"`
		Usage int `db:"current_usage"`
	}
	err := q.db.DB().GetContext(ctx, &row, `
		SELECT monthly_quota, current_usage FROM tenants WHERE id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		if q.failOpen {
			q.logger.Warn("tenant missing from database, quota check failing open", "tenant_id", tenantID)
			return true, nil
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("quota check: %w", err)
	}
	return row.Usage < row.Quota, nil
}

// Consume atomically takes one quota unit. The increment and read happen in
// a single statement so concurrent consumers cannot overshoot by racing the
// check. Crossing detection compares before/after so each threshold fires
// exactly once per cycle.
func (q *QuotaManager) Consume(ctx context.Context, tenantID string) error {
	var row struct {
		Usage int `db:"current_usage"`
		Quota int `db:"monthly_quota"`
	}
	err := q.db.DB().GetContext(ctx, &row, `
		UPDATE tenants SET current_usage = current_usage + 1
		WHERE id = $1 AND current_usage < monthly_quota
		RETURNING current_usage, monthly_quota`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the tenant is unknown or the quota is already spent.
		var exists bool
		if err := q.db.DB().GetContext(ctx, &exists, `
			SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)`, tenantID); err != nil {
			return fmt.Errorf("quota consume: %w", err)
		}
		if !exists {
			if q.failOpen {
				q.logger.Warn("tenant missing from database, quota consume skipped", "tenant_id", tenantID)
				return nil
			}
			return ErrQuotaExhausted
		}
		return ErrQuotaExhausted
	}
	if err != nil {
		return fmt.Errorf("quota consume: %w", err)
	}

	before := (row.Usage - 1) * 100 / row.Quota
	after := row.Usage * 100 / row.Quota
	// Highest crossed threshold wins so a single unit never fires twice.
	for _, threshold := range []int{100, 80} {
		if before < threshold && after >= threshold {
			q.onAlert(QuotaAlert{
				TenantID:   tenantID,
				Percentage: threshold,
				Usage:      row.Usage,
				Quota:      row.Quota,
			})
			break
		}
	}
	return nil
}

// ResetExpiredCycles zeroes usage and rolls the billing cycle forward for
// tenants whose cycle has ended. Runs from the monthly reset job.
func (q *QuotaManager) ResetExpiredCycles(ctx context.Context) (int, error) {
	res, err := q.db.DB().ExecContext(ctx, `
		UPDATE tenants
		SET current_usage = 0,
		    billing_cycle_start = now(),
		    billing_cycle_end = now() + interval '30 days'
		WHERE billing_cycle_end <= now()`)
	if err != nil {
		return 0, fmt.Errorf("quota reset: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// StartResetJob checks for expired billing cycles on the given interval.
func (q *QuotaManager) StartResetJob(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := q.ResetExpiredCycles(ctx)
				if err != nil {
					q.logger.Warn("quota reset failed", "error", err)
					continue
				}
				if n > 0 {
					q.logger.Info("monthly quotas reset", "tenants", n)
				}
			}
		}
	}()
}
