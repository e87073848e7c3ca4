package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veraproof/backend/internal/auth"
	"github.com/veraproof/backend/internal/fusion"
	"github.com/veraproof/backend/internal/metrics"
	"github.com/veraproof/backend/internal/ratelimit"
	"github.com/veraproof/backend/internal/session"
	"github.com/veraproof/backend/internal/storage"
	"github.com/veraproof/backend/internal/verify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type allowQuota struct{}

func (allowQuota) Consume(ctx context.Context, tenantID string) error { return nil }

type apiEnv struct {
	store  *session.MemoryStore
	sink   *storage.MemorySink
	tokens *auth.TokenManager
	srv    *httptest.Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	logger := testLogger()
	store := session.NewMemoryStore()
	sink := storage.NewMemorySink()
	tokens := auth.NewTokenManager("test-secret", time.Hour, 24*time.Hour)
	gate := ratelimit.NewGate(ratelimit.NewMemoryWindow(), allowQuota{}, 10, 1000, logger)
	m := metrics.New(prometheus.NewRegistry())

	vh := verify.NewHandler(store, gate, sink, fusion.NewAnalyzer(0.85), nil,
		nil, nil, m, verify.Options{MinSamples: 10}, logger)

	s := NewServer(nil, store, sink, gate, nil, nil, tokens, nil, nil, nil, nil,
		vh, nil, m, Options{
			SessionExpiration: 15 * time.Minute,
			SignedURLTTL:      time.Hour,
			VerificationURL:   "https://verify.example.com/verify",
			CORSOrigins:       []string{"https://dashboard.example.com"},
		}, logger)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &apiEnv{store: store, sink: sink, tokens: tokens, srv: srv}
}

func (e *apiEnv) accessToken(t *testing.T, tenantID string) string {
	t.Helper()
	tok, err := e.tokens.CreateAccessToken("user-1", tenantID, "dev@example.com", "admin")
	require.NoError(t, err)
	return tok
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestCreateSessionAndFetch(t *testing.T) {
	env := newAPIEnv(t)
	token := env.accessToken(t, "tenant-1")

	resp := env.do(t, http.MethodPost, "/api/v1/sessions", token, map[string]interface{}{
		"user_reference": "customer-42",
		"metadata":       map[string]string{"flow": "onboarding"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created createSessionResponse
	decode(t, resp, &created)
	assert.NotEmpty(t, created.SessionID)
	assert.Equal(t, "idle", created.State)
	assert.Equal(t, "https://verify.example.com/verify/"+created.SessionID, created.VerificationURL)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), created.ExpiresAt, time.Minute)

	resp = env.do(t, http.MethodGet, "/api/v1/dashboard/sessions/"+created.SessionID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sess session.Session
	decode(t, resp, &sess)
	assert.Equal(t, created.SessionID, sess.ID)
	assert.Equal(t, "tenant-1", sess.TenantID)
	require.NotNil(t, sess.UserReference)
	assert.Equal(t, "customer-42", *sess.UserReference)
}

func TestSessionIsTenantScoped(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/sessions", env.accessToken(t, "tenant-1"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created createSessionResponse
	decode(t, resp, &created)

	resp = env.do(t, http.MethodGet, "/api/v1/dashboard/sessions/"+created.SessionID,
		env.accessToken(t, "tenant-2"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/sessions", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRefreshTokenRejectedAsAccess(t *testing.T) {
	env := newAPIEnv(t)

	refresh, err := env.tokens.CreateRefreshToken("user-1", "tenant-1")
	require.NoError(t, err)

	resp := env.do(t, http.MethodPost, "/api/v1/sessions", refresh, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownSessionReturns404(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.do(t, http.MethodGet, "/api/v1/dashboard/sessions/nope",
		env.accessToken(t, "tenant-1"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSessions(t *testing.T) {
	env := newAPIEnv(t)
	token := env.accessToken(t, "tenant-1")

	for i := 0; i < 3; i++ {
		resp := env.do(t, http.MethodPost, "/api/v1/sessions", token, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := env.do(t, http.MethodGet, "/api/v1/dashboard/sessions?limit=2", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Sessions []session.Session `json:"sessions"`
		Limit    int               `json:"limit"`
	}
	decode(t, resp, &out)
	assert.Len(t, out.Sessions, 2)
	assert.Equal(t, 2, out.Limit)
}

func TestSessionArtifactsOmitDegraded(t *testing.T) {
	env := newAPIEnv(t)
	token := env.accessToken(t, "tenant-1")

	imuKey, err := env.sink.PutIMU(context.Background(), "tenant-1", "s1", []byte("[]"))
	require.NoError(t, err)

	degraded := storage.DegradedPrefix + "tenant-1/sessions/s1/video.webm"
	sess := &session.Session{
		ID:        "s1",
		TenantID:  "tenant-1",
		State:     session.StateComplete,
		VideoKey:  &degraded,
		IMUKey:    &imuKey,
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}
	require.NoError(t, env.store.Create(context.Background(), sess))

	resp := env.do(t, http.MethodGet, "/api/v1/dashboard/sessions/s1/artifacts", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var urls artifactURLs
	decode(t, resp, &urls)
	assert.Nil(t, urls.VideoURL)
	require.NotNil(t, urls.IMUURL)
	assert.Contains(t, *urls.IMUURL, imuKey)
	assert.Nil(t, urls.FlowURL)
}

func TestSessionResultsEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	token := env.accessToken(t, "tenant-1")

	sess := &session.Session{
		ID:        "s2",
		TenantID:  "tenant-1",
		State:     session.StateAnalyzing,
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}
	require.NoError(t, env.store.Create(context.Background(), sess))

	// Before completion all scoring fields are null.
	resp := env.do(t, http.MethodGet, "/api/v1/dashboard/sessions/s2/results", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var partial sessionResults
	decode(t, resp, &partial)
	assert.Equal(t, "analyzing", partial.State)
	assert.Nil(t, partial.FinalTrustScore)
	assert.Nil(t, partial.Reasoning)

	tier2 := 70
	require.NoError(t, env.store.SetResults(context.Background(), "tenant-1", "s2", session.Results{
		Tier1Score:  45,
		Tier2Score:  &tier2,
		TrustScore:  55,
		Verdict:     "flagged_low_confidence",
		Reasoning:   "Combined analysis: weighted 60/40.",
		Correlation: 0.31,
	}))

	resp = env.do(t, http.MethodGet, "/api/v1/dashboard/sessions/s2/results", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out sessionResults
	decode(t, resp, &out)
	assert.Equal(t, "s2", out.SessionID)
	assert.Equal(t, "complete", out.State)
	require.NotNil(t, out.Tier1Score)
	assert.Equal(t, 45, *out.Tier1Score)
	require.NotNil(t, out.Tier2Score)
	assert.Equal(t, 70, *out.Tier2Score)
	require.NotNil(t, out.FinalTrustScore)
	assert.Equal(t, 55, *out.FinalTrustScore)
	require.NotNil(t, out.Reasoning)
	assert.Contains(t, *out.Reasoning, "weighted 60/40")
}

func TestPerArtifactEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	token := env.accessToken(t, "tenant-1")

	imuKey, err := env.sink.PutIMU(context.Background(), "tenant-1", "s3", []byte("[]"))
	require.NoError(t, err)

	degraded := storage.DegradedPrefix + "tenant-1/sessions/s3/video.webm"
	sess := &session.Session{
		ID:        "s3",
		TenantID:  "tenant-1",
		State:     session.StateComplete,
		VideoKey:  &degraded,
		IMUKey:    &imuKey,
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}
	require.NoError(t, env.store.Create(context.Background(), sess))

	resp := env.do(t, http.MethodGet, "/api/v1/dashboard/sessions/s3/imu-data", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	decode(t, resp, &out)
	assert.Contains(t, out["url"], imuKey)

	// A degraded artifact never reached storage.
	resp = env.do(t, http.MethodGet, "/api/v1/dashboard/sessions/s3/video", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// No flow key was ever recorded.
	resp = env.do(t, http.MethodGet, "/api/v1/dashboard/sessions/s3/optical-flow", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListPlansIsPublic(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/billing/plans", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Plans []Plan `json:"plans"`
	}
	decode(t, resp, &out)
	require.Len(t, out.Plans, 4)
	assert.Equal(t, "Sandbox", out.Plans[0].Name)
	assert.Equal(t, 0, out.Plans[0].PriceCents)
	assert.Equal(t, "Enterprise", out.Plans[3].Name)
	assert.Equal(t, 10000, out.Plans[3].MonthlyQuota)
}

func TestCORSPreflight(t *testing.T) {
	env := newAPIEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://dashboard.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	// Unknown origins get no CORS grant.
	req, err = http.NewRequest(http.MethodOptions, env.srv.URL+"/api/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealthWithoutDatabase(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	decode(t, resp, &out)
	assert.Equal(t, "healthy", out.Status)
	assert.Equal(t, "memory", out.Dependencies["database"])
}
