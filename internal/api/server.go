// Package api is the REST surface: partner session management, dashboard
// auth and configuration, and the verification WebSocket mount point.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veraproof/backend/internal/auth"
	"github.com/veraproof/backend/internal/branding"
	"github.com/veraproof/backend/internal/database"
	"github.com/veraproof/backend/internal/metrics"
	"github.com/veraproof/backend/internal/ratelimit"
	"github.com/veraproof/backend/internal/session"
	"github.com/veraproof/backend/internal/storage"
	"github.com/veraproof/backend/internal/verify"
	"github.com/veraproof/backend/internal/webhooks"
)

// Options carries the request-independent tunables of the REST layer.
type Options struct {
	SessionExpiration time.Duration
	SignedURLTTL      time.Duration
	VerificationURL   string
	CORSOrigins       []string
}

type Server struct {
	db       *database.Client
	store    session.Store
	sink     storage.ArtifactSink
	gate     *ratelimit.Gate
	quota    *ratelimit.QuotaManager
	users    *auth.Manager
	tokens   *auth.TokenManager
	apiKeys  *auth.APIKeyManager
	branding *branding.Manager
	registry *webhooks.Registry
	emitter  webhooks.Emitter
	verify   *verify.Handler
	billing  *Billing
	metrics  *metrics.Metrics
	logger   *slog.Logger

	sessionExpiration time.Duration
	signedURLTTL      time.Duration
	verificationURL   string
	corsOrigins       []string

	httpSrv *http.Server
}

func NewServer(
	db *database.Client,
	store session.Store,
	sink storage.ArtifactSink,
	gate *ratelimit.Gate,
	quota *ratelimit.QuotaManager,
	users *auth.Manager,
	tokens *auth.TokenManager,
	apiKeys *auth.APIKeyManager,
	brandingMgr *branding.Manager,
	registry *webhooks.Registry,
	emitter webhooks.Emitter,
	verifyHandler *verify.Handler,
	billing *Billing,
	m *metrics.Metrics,
	opts Options,
	logger *slog.Logger,
) *Server {
	return &Server{
		db:       db,
		store:    store,
		sink:     sink,
		gate:     gate,
		quota:    quota,
		users:    users,
		tokens:   tokens,
		apiKeys:  apiKeys,
		branding: brandingMgr,
		registry: registry,
		emitter:  emitter,
		verify:   verifyHandler,
		billing:  billing,
		metrics:  m,
		logger:   logger,

		sessionExpiration: opts.SessionExpiration,
		signedURLTTL:      opts.SignedURLTTL,
		verificationURL:   opts.VerificationURL,
		corsOrigins:       opts.CORSOrigins,
	}
}

// Handler is the CORS-wrapped route table. Preflight requests are answered
// before routing so they never hit a method mismatch.
func (s *Server) Handler() http.Handler {
	return s.cors(s.Router())
}

// Router assembles the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleRoot).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Capture client WebSocket. The session ID is the credential.
	v1.HandleFunc("/ws/verify/{session_id}", s.verify.ServeWS).Methods("GET")

	// Partner integration surface, API-key authenticated.
	v1.HandleFunc("/sessions/create", s.requireAPIKey(s.rateLimit(s.handleCreateSession))).Methods("POST")
	v1.HandleFunc("/sessions/{session_id}", s.requireAPIKey(s.rateLimit(s.handleGetSession))).Methods("GET")
	v1.HandleFunc("/sessions/{session_id}/results", s.requireAPIKey(s.rateLimit(s.handleSessionResults))).Methods("GET")
	v1.HandleFunc("/sessions/{session_id}/artifacts", s.requireAPIKey(s.rateLimit(s.handleSessionArtifacts))).Methods("GET")
	v1.HandleFunc("/sessions/{session_id}/video",
		s.requireAPIKey(s.rateLimit(s.handleSessionArtifact(func(sess *session.Session) *string { return sess.VideoKey })))).Methods("GET")
	v1.HandleFunc("/sessions/{session_id}/imu-data",
		s.requireAPIKey(s.rateLimit(s.handleSessionArtifact(func(sess *session.Session) *string { return sess.IMUKey })))).Methods("GET")
	v1.HandleFunc("/sessions/{session_id}/optical-flow",
		s.requireAPIKey(s.rateLimit(s.handleSessionArtifact(func(sess *session.Session) *string { return sess.FlowKey })))).Methods("GET")

	// Dashboard auth.
	v1.HandleFunc("/auth/signup", s.handleSignup).Methods("POST")
	v1.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	v1.HandleFunc("/auth/refresh", s.handleRefresh).Methods("POST")
	v1.HandleFunc("/auth/logout", s.handleLogout).Methods("POST")

	// Dashboard surface, JWT authenticated.
	v1.HandleFunc("/sessions", s.requireJWT(s.rateLimit(s.handleCreateSession))).Methods("POST")
	v1.HandleFunc("/dashboard/sessions", s.requireJWT(s.handleListSessions)).Methods("GET")
	v1.HandleFunc("/dashboard/sessions/{session_id}", s.requireJWT(s.handleGetSession)).Methods("GET")
	v1.HandleFunc("/dashboard/sessions/{session_id}/results", s.requireJWT(s.handleSessionResults)).Methods("GET")
	v1.HandleFunc("/dashboard/sessions/{session_id}/artifacts", s.requireJWT(s.handleSessionArtifacts)).Methods("GET")
	v1.HandleFunc("/dashboard/sessions/{session_id}/video",
		s.requireJWT(s.handleSessionArtifact(func(sess *session.Session) *string { return sess.VideoKey }))).Methods("GET")
	v1.HandleFunc("/dashboard/sessions/{session_id}/imu-data",
		s.requireJWT(s.handleSessionArtifact(func(sess *session.Session) *string { return sess.IMUKey }))).Methods("GET")
	v1.HandleFunc("/dashboard/sessions/{session_id}/optical-flow",
		s.requireJWT(s.handleSessionArtifact(func(sess *session.Session) *string { return sess.FlowKey }))).Methods("GET")

	v1.HandleFunc("/keys", s.requireJWT(s.handleListKeys)).Methods("GET")
	v1.HandleFunc("/keys", s.requireJWT(s.handleCreateKey)).Methods("POST")
	v1.HandleFunc("/keys/{key_id}", s.requireJWT(s.handleRevokeKey)).Methods("DELETE")

	v1.HandleFunc("/branding", s.requireJWT(s.handleGetBranding)).Methods("GET")
	v1.HandleFunc("/branding", s.requireJWT(s.handleUpdateBranding)).Methods("PUT")
	v1.HandleFunc("/branding/logo", s.requireJWT(s.handleUploadLogo)).Methods("POST")
	v1.HandleFunc("/branding", s.requireJWT(s.handleResetBranding)).Methods("DELETE")

	v1.HandleFunc("/billing/plans", s.handleListPlans).Methods("GET")
	v1.HandleFunc("/billing", s.requireJWT(s.handleBillingStatus)).Methods("GET")
	v1.HandleFunc("/billing/upgrade", s.requireJWT(s.handleUpgradePlan)).Methods("POST")

	v1.HandleFunc("/analytics/stats", s.requireJWT(s.handleAnalyticsStats)).Methods("GET")
	v1.HandleFunc("/analytics/usage", s.requireJWT(s.handleAnalyticsUsage)).Methods("GET")
	v1.HandleFunc("/analytics/trend", s.requireJWT(s.handleAnalyticsTrend)).Methods("GET")

	v1.HandleFunc("/webhooks", s.requireJWT(s.handleRegisterWebhook)).Methods("POST")
	v1.HandleFunc("/webhooks", s.requireJWT(s.handleListWebhooks)).Methods("GET")
	v1.HandleFunc("/webhooks/{webhook_id}", s.requireJWT(s.handleDeleteWebhook)).Methods("DELETE")
	v1.HandleFunc("/webhooks/logs", s.requireJWT(s.handleWebhookLogs)).Methods("GET")

	return r
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket sessions outlive any sane write timeout
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("api server listening", "addr", addr)
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "veraproof-api",
		"status":  "operational",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	deps := map[string]string{}
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			status = "degraded"
			deps["database"] = "unreachable"
		} else {
			deps["database"] = "ok"
		}
	} else {
		deps["database"] = "memory"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}
