package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/veraproof/backend/internal/database"
)

var (
	ErrInvalidAPIKey = errors.New("invalid or revoked API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

// keyPattern is the partner-facing key format: vp_<env>_<32 hex chars>.
var keyPattern = regexp.MustCompile(`^vp_(sandbox|production)_[0-9a-f]{32}$`)

// APIKey is the stored key record. The key itself is only returned once at
// creation; the table holds its SHA-256 digest.
type APIKey struct {
	ID          string     `db:"id" json:"key_id"`
	TenantID    string     `db:"tenant_id" json:"tenant_id"`
	KeyDigest   string     `db:"key_digest" json:"-"`
	KeyPrefix   string     `db:"key_prefix" json:"key_prefix"`
	Name        string     `db:"name" json:"name"`
	Environment string     `db:"environment" json:"environment"`
	Revoked     bool       `db:"revoked" json:"revoked"`
	LastUsedAt  *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// CreatedKey carries the plaintext key back to the caller exactly once.
type CreatedKey struct {
	APIKey
	PlainKey string `json:"api_key"`
}

// APIKeyManager issues and validates partner keys against the api_keys
// table.
type APIKeyManager struct {
	db     *database.Client
	logger *slog.Logger
}

func NewAPIKeyManager(db *database.Client, logger *slog.Logger) *APIKeyManager {
	return &APIKeyManager{db: db, logger: logger}
}

func digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Generate mints a key for the tenant. environment must be sandbox or
// production.
func (m *APIKeyManager) Generate(ctx context.Context, tenantID, name, environment string) (*CreatedKey, error) {
	if environment != "sandbox" && environment != "production" {
		return nil, fmt.Errorf("invalid environment %q", environment)
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}
	plain := fmt.Sprintf("vp_%s_%s", environment, hex.EncodeToString(raw))

	key := APIKey{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		KeyDigest:   digest(plain),
		KeyPrefix:   plain[:len("vp_sandbox_")+4],
		Name:        name,
		Environment: environment,
		CreatedAt:   time.Now(),
	}
	if _, err := m.db.DB().ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, key_digest, key_prefix, name, environment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.TenantID, key.KeyDigest, key.KeyPrefix, key.Name, key.Environment, key.CreatedAt); err != nil {
		return nil, fmt.Errorf("store api key: %w", err)
	}

	m.logger.Info("api key generated", "tenant_id", tenantID, "key_id", key.ID, "environment", environment)
	return &CreatedKey{APIKey: key, PlainKey: plain}, nil
}

// Validate checks a presented key and returns (tenantID, environment).
// Format rejects are cheap and never touch the database.
func (m *APIKeyManager) Validate(ctx context.Context, key string) (string, string, error) {
	if !keyPattern.MatchString(key) {
		return "", "", ErrInvalidAPIKey
	}

	var rec APIKey
	err := m.db.DB().GetContext(ctx, &rec, `
		SELECT id, tenant_id, environment, revoked FROM api_keys WHERE key_digest = $1`, digest(key))
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrInvalidAPIKey
	}
	if err != nil {
		return "", "", fmt.Errorf("lookup api key: %w", err)
	}
	if rec.Revoked {
		return "", "", ErrInvalidAPIKey
	}

	if _, err := m.db.DB().ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = now() WHERE id = $1`, rec.ID); err != nil {
		m.logger.Warn("failed to touch api key", "key_id", rec.ID, "error", err)
	}
	return rec.TenantID, rec.Environment, nil
}

// List returns the tenant's keys, digests omitted.
func (m *APIKeyManager) List(ctx context.Context, tenantID string) ([]APIKey, error) {
	var keys []APIKey
	err := m.db.DB().SelectContext(ctx, &keys, `
		SELECT id, tenant_id, key_prefix, name, environment, revoked, last_used_at, created_at
		FROM api_keys WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// Revoke disables a key. Revocation is permanent.
func (m *APIKeyManager) Revoke(ctx context.Context, tenantID, keyID string) error {
	res, err := m.db.DB().ExecContext(ctx, `
		UPDATE api_keys SET revoked = true WHERE id = $1 AND tenant_id = $2`, keyID, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	m.logger.Info("api key revoked", "tenant_id", tenantID, "key_id", keyID)
	return nil
}
