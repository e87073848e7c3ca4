package database

import (
	"context"
	"fmt"
)

// schema is applied at boot. Statements are idempotent so a restart against
// an initialized database is a no-op. RLS policies key on the
// app.current_tenant session variable set by Client.WithTenant.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		plan TEXT NOT NULL DEFAULT 'sandbox',
		monthly_quota INTEGER NOT NULL DEFAULT 100,
		current_usage INTEGER NOT NULL DEFAULT 0,
		billing_cycle_start TIMESTAMPTZ NOT NULL DEFAULT now(),
		billing_cycle_end TIMESTAMPTZ NOT NULL DEFAULT now() + interval '30 days',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'admin',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		key_digest TEXT NOT NULL UNIQUE,
		key_prefix TEXT NOT NULL,
		name TEXT NOT NULL,
		environment TEXT NOT NULL DEFAULT 'sandbox',
		revoked BOOLEAN NOT NULL DEFAULT false,
		last_used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		state TEXT NOT NULL DEFAULT 'idle',
		user_reference TEXT,
		metadata JSONB NOT NULL DEFAULT '{}',
		tier1_score INTEGER,
		tier2_score INTEGER,
		trust_score INTEGER,
		verdict TEXT,
		reasoning TEXT,
		correlation DOUBLE PRECISION,
		video_key TEXT,
		imu_key TEXT,
		flow_key TEXT,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_tenant_created ON sessions (tenant_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS branding_configs (
		tenant_id UUID PRIMARY KEY REFERENCES tenants(id) ON DELETE CASCADE,
		primary_color TEXT NOT NULL DEFAULT '#1E40AF',
		secondary_color TEXT NOT NULL DEFAULT '#3B82F6',
		accent_color TEXT NOT NULL DEFAULT '#10B981',
		logo_key TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS webhooks (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		secret TEXT NOT NULL,
		events TEXT[] NOT NULL DEFAULT '{}',
		enabled BOOLEAN NOT NULL DEFAULT true,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_triggered_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_logs (
		id UUID PRIMARY KEY,
		webhook_id UUID NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
		event TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status_code INTEGER,
		error TEXT,
		delivered BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS artifact_retention (
		object_key TEXT PRIMARY KEY,
		delete_after TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE sessions ENABLE ROW LEVEL SECURITY`,
	`DO $$ BEGIN
		CREATE POLICY sessions_tenant_isolation ON sessions
			USING (tenant_id = current_setting('app.current_tenant', true)::uuid);
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`ALTER TABLE webhooks ENABLE ROW LEVEL SECURITY`,
	`DO $$ BEGIN
		CREATE POLICY webhooks_tenant_isolation ON webhooks
			USING (tenant_id = current_setting('app.current_tenant', true)::uuid);
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`ALTER TABLE branding_configs ENABLE ROW LEVEL SECURITY`,
	`DO $$ BEGIN
		CREATE POLICY branding_tenant_isolation ON branding_configs
			USING (tenant_id = current_setting('app.current_tenant', true)::uuid);
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
}

// Bootstrap applies the schema. Callers treat failure as non-fatal so the
// service can still come up against a pre-provisioned database where the
// role lacks DDL rights.
func (c *Client) Bootstrap(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
