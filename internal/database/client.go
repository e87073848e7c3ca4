// Package database wraps the Postgres connection and the tenant-scoped
// transaction helper. Every tenant-owned table is protected by row-level
// security keyed on the app.current_tenant session variable; WithTenant
// sets it transaction-locally so a forgotten WHERE clause cannot leak
// rows across tenants.
package database

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Client struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Connect opens a pooled connection and verifies it with a ping.
func Connect(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Client{db: db, logger: logger}, nil
}

// NewClient wraps an existing handle. Used by tests with sqlmock.
func NewClient(db *sqlx.DB, logger *slog.Logger) *Client {
	return &Client{db: db, logger: logger}
}

func (c *Client) DB() *sqlx.DB { return c.db }

func (c *Client) Close() error { return c.db.Close() }

func (c *Client) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

// WithTenant runs fn inside a transaction with app.current_tenant set for
// the transaction's lifetime, activating the RLS policies.
func (c *Client) WithTenant(ctx context.Context, tenantID string, fn func(*sqlx.Tx) error) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_tenant', $1, true)`, tenantID); err != nil {
		tx.Rollback()
		return fmt.Errorf("set tenant context: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// JSONMap stores arbitrary JSON objects in jsonb columns.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("jsonmap: unsupported source type %T", src)
	}
	return json.Unmarshal(b, m)
}
