// Package branding stores per-tenant verification UI theming: colors and
// an optional logo. The active config is pushed to the capture client over
// the WebSocket on connect.
package branding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/veraproof/backend/internal/database"
)

// Default palette applied to tenants without a stored config.
const (
	DefaultPrimaryColor   = "#1E40AF"
	DefaultSecondaryColor = "#3B82F6"
	DefaultAccentColor    = "#10B981"
)

// MaxLogoBytes caps logo uploads at 2 MB.
const MaxLogoBytes = 2 * 1024 * 1024

var (
	ErrInvalidColor    = errors.New("invalid color: must be a #RRGGBB hex value")
	ErrLogoTooLarge    = errors.New("logo exceeds 2MB limit")
	ErrBadLogoType     = errors.New("logo must be PNG, JPEG or SVG")
	hexColorPattern    = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
	allowedLogoFormats = map[string]string{
		"image/png":     ".png",
		"image/jpeg":    ".jpg",
		"image/svg+xml": ".svg",
	}
)

type Config struct {
	TenantID       string     `db:"tenant_id" json:"tenant_id"`
	PrimaryColor   string     `db:"primary_color" json:"primary_color"`
	SecondaryColor string     `db:"secondary_color" json:"secondary_color"`
	AccentColor    string     `db:"accent_color" json:"accent_color"`
	LogoKey        *string    `db:"logo_key" json:"logo_key,omitempty"`
	UpdatedAt      *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// LogoSink stores logo images. Satisfied by the artifact storage layer.
type LogoSink interface {
	PutLogo(ctx context.Context, tenantID string, data []byte, contentType string) (string, error)
}

// Manager is the branding_configs access layer.
type Manager struct {
	db     *database.Client
	logos  LogoSink
	logger *slog.Logger
}

func NewManager(db *database.Client, logos LogoSink, logger *slog.Logger) *Manager {
	return &Manager{db: db, logos: logos, logger: logger}
}

// Get returns the tenant's config, or the defaults when none is stored.
func (m *Manager) Get(ctx context.Context, tenantID string) (*Config, error) {
	var cfg Config
	err := m.db.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &cfg, `
			SELECT * FROM branding_configs WHERE tenant_id = $1`, tenantID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return defaultConfig(tenantID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get branding: %w", err)
	}
	return &cfg, nil
}

// UpdateColors validates and stores the palette, creating the row if
// needed.
func (m *Manager) UpdateColors(ctx context.Context, tenantID, primary, secondary, accent string) (*Config, error) {
	for _, c := range []string{primary, secondary, accent} {
		if !hexColorPattern.MatchString(c) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidColor, c)
		}
	}
	err := m.db.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO branding_configs (tenant_id, primary_color, secondary_color, accent_color, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (tenant_id) DO UPDATE SET
				primary_color = EXCLUDED.primary_color,
				secondary_color = EXCLUDED.secondary_color,
				accent_color = EXCLUDED.accent_color,
				updated_at = now()`,
			tenantID, primary, secondary, accent)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update branding: %w", err)
	}
	m.logger.Info("branding colors updated", "tenant_id", tenantID)
	return m.Get(ctx, tenantID)
}

// UploadLogo validates size and format, stores the image and records its
// key.
func (m *Manager) UploadLogo(ctx context.Context, tenantID string, data []byte, contentType string) (*Config, error) {
	if len(data) > MaxLogoBytes {
		return nil, ErrLogoTooLarge
	}
	if _, ok := allowedLogoFormats[contentType]; !ok {
		return nil, fmt.Errorf("%w: got %q", ErrBadLogoType, contentType)
	}

	key, err := m.logos.PutLogo(ctx, tenantID, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("store logo: %w", err)
	}

	err = m.db.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO branding_configs (tenant_id, logo_key, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (tenant_id) DO UPDATE SET logo_key = EXCLUDED.logo_key, updated_at = now()`,
			tenantID, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record logo: %w", err)
	}
	m.logger.Info("branding logo uploaded", "tenant_id", tenantID, "key", key, "size", len(data))
	return m.Get(ctx, tenantID)
}

// Reset restores the default palette and drops the logo reference.
func (m *Manager) Reset(ctx context.Context, tenantID string) (*Config, error) {
	err := m.db.WithTenant(ctx, tenantID, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM branding_configs WHERE tenant_id = $1`, tenantID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reset branding: %w", err)
	}
	return defaultConfig(tenantID), nil
}

func defaultConfig(tenantID string) *Config {
	return &Config{
		TenantID:       tenantID,
		PrimaryColor:   DefaultPrimaryColor,
		SecondaryColor: DefaultSecondaryColor,
		AccentColor:    DefaultAccentColor,
	}
}
