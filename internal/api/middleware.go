package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/veraproof/backend/internal/auth"
)

type contextKey string

const (
	ctxTenantID    contextKey = "tenant_id"
	ctxClaims      contextKey = "claims"
	ctxEnvironment contextKey = "environment"
)

func tenantFrom(ctx context.Context) string {
	tid, _ := ctx.Value(ctxTenantID).(string)
	return tid
}

func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(ctxClaims).(*auth.Claims)
	return c
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

// requireAPIKey authenticates partner integrations with a vp_* key and
// injects the owning tenant into the request context.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKeys == nil {
			unavailable(w)
			return
		}
		key := bearerToken(r)
		if key == "" {
			key = r.Header.Get("X-API-Key")
		}
		if key == "" {
			writeError(w, auth.ErrInvalidAPIKey)
			return
		}
		tenantID, env, err := s.apiKeys.Validate(r.Context(), key)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxTenantID, tenantID)
		ctx = context.WithValue(ctx, ctxEnvironment, env)
		next(w, r.WithContext(ctx))
	}
}

// requireJWT authenticates dashboard users and injects both the claims and
// their tenant into the request context.
func (s *Server) requireJWT(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, auth.ErrInvalidToken)
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, err)
			return
		}
		if claims.TokenType != auth.TokenTypeAccess {
			writeError(w, auth.ErrInvalidToken)
			return
		}
		ctx := context.WithValue(r.Context(), ctxTenantID, claims.TenantID)
		ctx = context.WithValue(ctx, ctxClaims, claims)
		next(w, r.WithContext(ctx))
	}
}

// rateLimit applies the per-tenant sliding window after authentication.
func (s *Server) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := tenantFrom(r.Context())
		if tenantID != "" {
			if err := s.gate.AllowRequest(r.Context(), tenantID); err != nil {
				s.metrics.RateLimitRejects.WithLabelValues("rate").Inc()
				writeError(w, err)
				return
			}
		}
		next(w, r)
	}
}

// cors allows the dashboard and partner capture pages to call the API from
// the browser.
func (s *Server) cors(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.corsOrigins))
	wildcard := false
	for _, o := range s.corsOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (wildcard || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
