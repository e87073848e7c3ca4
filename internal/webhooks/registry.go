package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/veraproof/backend/internal/database"
)

// Endpoint is a registered partner webhook.
type Endpoint struct {
	ID              string         `db:"id" json:"webhook_id"`
	TenantID        string         `db:"tenant_id" json:"tenant_id"`
	URL             string         `db:"url" json:"url"`
	Secret          string         `db:"secret" json:"-"`
	Events          pq.StringArray `db:"events" json:"events"`
	Enabled         bool           `db:"enabled" json:"enabled"`
	SuccessCount    int            `db:"success_count" json:"success_count"`
	FailureCount    int            `db:"failure_count" json:"failure_count"`
	LastTriggeredAt *time.Time     `db:"last_triggered_at" json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}

// DeliveryLog is one delivery attempt record.
type DeliveryLog struct {
	ID         string    `db:"id" json:"log_id"`
	WebhookID  string    `db:"webhook_id" json:"webhook_id"`
	Event      string    `db:"event" json:"event"`
	Attempt    int       `db:"attempt" json:"attempt"`
	StatusCode *int      `db:"status_code" json:"status_code,omitempty"`
	Error      *string   `db:"error" json:"error,omitempty"`
	Delivered  bool      `db:"delivered" json:"delivered"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Matches reports whether the endpoint subscribes to the event. An empty
// filter matches everything.
func (e *Endpoint) Matches(event string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, ev := range e.Events {
		if ev == event || ev == "*" {
			return true
		}
	}
	return false
}

// Registry is the webhooks table access layer.
type Registry struct {
	db     *database.Client
	logger *slog.Logger
}

func NewRegistry(db *database.Client, logger *slog.Logger) *Registry {
	return &Registry{db: db, logger: logger}
}

// Register stores a new endpoint for the tenant.
func (r *Registry) Register(ctx context.Context, tenantID, url, secret string, events []string) (*Endpoint, error) {
	ep := &Endpoint{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		URL:       url,
		Secret:    secret,
		Events:    events,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	err := r.db.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO webhooks (id, tenant_id, url, secret, events, enabled, created_at)
			VALUES ($1, $2, $3, $4, $5, true, $6)`,
			ep.ID, ep.TenantID, ep.URL, ep.Secret, ep.Events, ep.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("register webhook: %w", err)
	}
	r.logger.Info("webhook registered", "tenant_id", tenantID, "webhook_id", ep.ID, "url", url)
	return ep, nil
}

// List returns the tenant's endpoints.
func (r *Registry) List(ctx context.Context, tenantID string) ([]Endpoint, error) {
	var eps []Endpoint
	err := r.db.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &eps, `
			SELECT * FROM webhooks WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	})
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return eps, nil
}

// Delete removes an endpoint.
func (r *Registry) Delete(ctx context.Context, tenantID, webhookID string) error {
	var deleted bool
	err := r.db.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM webhooks WHERE id = $1 AND tenant_id = $2`, webhookID, tenantID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if !deleted {
		return fmt.Errorf("webhook %s not found", webhookID)
	}
	return nil
}

// EnabledFor returns the tenant's enabled endpoints subscribed to event.
func (r *Registry) EnabledFor(ctx context.Context, tenantID, event string) ([]Endpoint, error) {
	var eps []Endpoint
	err := r.db.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &eps, `
			SELECT * FROM webhooks WHERE tenant_id = $1 AND enabled = true`, tenantID)
	})
	if err != nil {
		return nil, fmt.Errorf("load webhooks: %w", err)
	}
	matched := eps[:0]
	for _, ep := range eps {
		if ep.Matches(event) {
			matched = append(matched, ep)
		}
	}
	return matched, nil
}

// RecordAttempt logs one delivery attempt and updates the endpoint's
// counters on final outcomes.
func (r *Registry) RecordAttempt(ctx context.Context, log DeliveryLog, final bool) {
	if _, err := r.db.DB().ExecContext(ctx, `
		INSERT INTO webhook_logs (id, webhook_id, event, attempt, status_code, error, delivered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		uuid.NewString(), log.WebhookID, log.Event, log.Attempt, log.StatusCode, log.Error, log.Delivered); err != nil {
		r.logger.Warn("failed to record webhook attempt", "webhook_id", log.WebhookID, "error", err)
	}

	if !final {
		return
	}
	var stmt string
	if log.Delivered {
		stmt = `UPDATE webhooks SET success_count = success_count + 1, last_triggered_at = now() WHERE id = $1`
	} else {
		stmt = `UPDATE webhooks SET failure_count = failure_count + 1, last_triggered_at = now() WHERE id = $1`
	}
	if _, err := r.db.DB().ExecContext(ctx, stmt, log.WebhookID); err != nil {
		r.logger.Warn("failed to update webhook counters", "webhook_id", log.WebhookID, "error", err)
	}
}

// Logs returns recent delivery attempts for the tenant's endpoints.
func (r *Registry) Logs(ctx context.Context, tenantID string, limit int) ([]DeliveryLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var logs []DeliveryLog
	err := r.db.DB().SelectContext(ctx, &logs, `
		SELECT l.* FROM webhook_logs l
		JOIN webhooks w ON w.id = l.webhook_id
		WHERE w.tenant_id = $1
		ORDER BY l.created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook logs: %w", err)
	}
	return logs, nil
}
