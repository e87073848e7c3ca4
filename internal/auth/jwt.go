package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes short-lived access tokens from long-lived
// refresh tokens.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the decoded JWT payload.
type Claims struct {
	UserID    string
	TenantID  string
	Email     string
	Role      string
	TokenType string
}

// TokenManager issues and verifies HS256 tokens.
type TokenManager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewTokenManager(secret string, accessTTL, refreshTTL time.Duration) *TokenManager {
	return &TokenManager{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (m *TokenManager) CreateAccessToken(userID, tenantID, email, role string) (string, error) {
	return m.sign(jwt.MapClaims{
		"user_id":   userID,
		"tenant_id": tenantID,
		"email":     email,
		"role":      role,
		"type":      TokenTypeAccess,
		"exp":       time.Now().Add(m.accessTTL).Unix(),
	})
}

func (m *TokenManager) CreateRefreshToken(userID, tenantID string) (string, error) {
	return m.sign(jwt.MapClaims{
		"user_id":   userID,
		"tenant_id": tenantID,
		"type":      TokenTypeRefresh,
		"exp":       time.Now().Add(m.refreshTTL).Unix(),
	})
}

func (m *TokenManager) sign(claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims. Expired,
// malformed or wrongly-signed tokens all yield ErrInvalidToken.
func (m *TokenManager) Verify(token string) (*Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	c := &Claims{}
	c.UserID, _ = mc["user_id"].(string)
	c.TenantID, _ = mc["tenant_id"].(string)
	c.Email, _ = mc["email"].(string)
	c.Role, _ = mc["role"].(string)
	c.TokenType, _ = mc["type"].(string)
	if c.UserID == "" || c.TenantID == "" {
		return nil, ErrInvalidToken
	}
	return c, nil
}
