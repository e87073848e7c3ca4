package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veraproof/backend/internal/database"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type User struct {
	ID       string `db:"id" json:"user_id"`
	TenantID string `db:"tenant_id" json:"tenant_id"`
	Email    string `db:"email" json:"email"`
	Role     string `db:"role" json:"role"`

	PasswordHash string `db:"password_hash" json:"-"`
}

// TokenPair is the login/refresh response body.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	User         *User  `json:"user,omitempty"`
}

// Manager handles signup, login and token refresh against the users and
// tenants tables.
type Manager struct {
	db     *database.Client
	tokens *TokenManager
	logger *slog.Logger
}

func NewManager(db *database.Client, tokens *TokenManager, logger *slog.Logger) *Manager {
	return &Manager{db: db, tokens: tokens, logger: logger}
}

// Signup creates a tenant on the Sandbox plan plus its admin user, and
// returns a logged-in token pair.
func (m *Manager) Signup(ctx context.Context, email, password, companyName string) (*TokenPair, error) {
	var exists bool
	if err := m.db.DB().GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`, email); err != nil {
		return nil, fmt.Errorf("check user: %w", err)
	}
	if exists {
		return nil, ErrUserExists
	}

	tenantID := uuid.NewString()
	userID := uuid.NewString()
	if companyName == "" {
		companyName = email
	}

	if _, err := m.db.DB().ExecContext(ctx, `
		INSERT INTO tenants (id, name, plan, monthly_quota, current_usage, billing_cycle_start, billing_cycle_end)
		VALUES ($1, $2, 'Sandbox', 100, 0, now(), now() + interval '30 days')`,
		tenantID, companyName); err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}

	if _, err := m.db.DB().ExecContext(ctx, `
		INSERT INTO users (id, tenant_id, email, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, 'admin', $5)`,
		userID, tenantID, email, HashPassword(password), time.Now()); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	m.logger.Info("tenant signed up", "tenant_id", tenantID, "email", email)

	user := &User{ID: userID, TenantID: tenantID, Email: email, Role: "admin"}
	return m.issuePair(user)
}

// Login verifies credentials and returns a token pair.
func (m *Manager) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	var user User
	err := m.db.DB().GetContext(ctx, &user, `
		SELECT id, tenant_id, email, password_hash, role FROM users WHERE email = $1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !VerifyPassword(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	user.PasswordHash = ""
	return m.issuePair(&user)
}

// Refresh exchanges a valid refresh token for a new access token.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := m.tokens.Verify(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, ErrInvalidToken
	}

	var user User
	err = m.db.DB().GetContext(ctx, &user, `
		SELECT id, tenant_id, email, role FROM users WHERE id = $1`, claims.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	access, err := m.tokens.CreateAccessToken(user.ID, user.TenantID, user.Email, user.Role)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, TokenType: "bearer"}, nil
}

// Logout validates the refresh token. Tokens are stateless so there is
// nothing server-side to revoke; clients drop their copy.
func (m *Manager) Logout(ctx context.Context, refreshToken string) error {
	_, err := m.tokens.Verify(refreshToken)
	return err
}

func (m *Manager) issuePair(user *User) (*TokenPair, error) {
	access, err := m.tokens.CreateAccessToken(user.ID, user.TenantID, user.Email, user.Role)
	if err != nil {
		return nil, err
	}
	refresh, err := m.tokens.CreateRefreshToken(user.ID, user.TenantID)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		User:         user,
	}, nil
}
