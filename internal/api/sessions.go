package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/veraproof/backend/internal/database"
	"github.com/veraproof/backend/internal/session"
	"github.com/veraproof/backend/internal/storage"
)

type createSessionRequest struct {
	UserReference *string                `json:"user_reference"`
	Metadata      map[string]interface{} `json:"metadata"`
}

type createSessionResponse struct {
	SessionID       string    `json:"session_id"`
	VerificationURL string    `json:"verification_url"`
	ExpiresAt       time.Time `json:"expires_at"`
	State           string    `json:"state"`
}

// handleCreateSession mints a verification session. Quota is consumed by
// the gate when the capture client actually connects, not here; creating a
// session that is never used costs nothing.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r.Context())

	var req createSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid request body")
			return
		}
	}

	// Reject up front when the monthly quota is already gone, so partners
	// see the failure at create time rather than on connect.
	if s.quota != nil {
		ok, err := s.quota.Check(r.Context(), tenantID)
		if err != nil {
			s.logger.Error("quota check failed", "tenant_id", tenantID, "error", err)
			writeError(w, err)
			return
		}
		if !ok {
			s.metrics.QuotaRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "monthly quota exhausted"})
			return
		}
	}

	sess := &session.Session{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		State:         session.StateIdle,
		UserReference: req.UserReference,
		Metadata:      database.JSONMap(req.Metadata),
		ExpiresAt:     time.Now().Add(s.sessionExpiration),
		CreatedAt:     time.Now(),
	}
	if err := s.store.Create(r.Context(), sess); err != nil {
		s.logger.Error("session create failed", "tenant_id", tenantID, "error", err)
		writeError(w, err)
		return
	}

	s.metrics.SessionsCreated.WithLabelValues(tenantID).Inc()
	s.logger.Info("session created", "session_id", sess.ID, "tenant_id", tenantID)

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:       sess.ID,
		VerificationURL: fmt.Sprintf("%s/%s", s.verificationURL, sess.ID),
		ExpiresAt:       sess.ExpiresAt,
		State:           string(sess.State),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r.Context())
	sessionID := mux.Vars(r)["session_id"]

	sess, err := s.store.Get(r.Context(), tenantID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r.Context())
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	sessions, err := s.store.ListByTenant(r.Context(), tenantID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"limit":    limit,
		"offset":   offset,
	})
}

type sessionResults struct {
	SessionID        string   `json:"session_id"`
	Tier1Score       *int     `json:"tier_1_score"`
	Tier2Score       *int     `json:"tier_2_score"`
	FinalTrustScore  *int     `json:"final_trust_score"`
	CorrelationValue *float64 `json:"correlation_value"`
	Reasoning        *string  `json:"reasoning"`
	State            string   `json:"state"`
}

// handleSessionResults returns only the scoring outcome; fields are null
// until the session completes.
func (s *Server) handleSessionResults(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r.Context())
	sessionID := mux.Vars(r)["session_id"]

	sess, err := s.store.Get(r.Context(), tenantID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResults{
		SessionID:        sess.ID,
		Tier1Score:       sess.Tier1Score,
		Tier2Score:       sess.Tier2Score,
		FinalTrustScore:  sess.TrustScore,
		CorrelationValue: sess.Correlation,
		Reasoning:        sess.Reasoning,
		State:            string(sess.State),
	})
}

type artifactURLs struct {
	VideoURL *string `json:"video_url,omitempty"`
	IMUURL   *string `json:"imu_url,omitempty"`
	FlowURL  *string `json:"flow_url,omitempty"`
}

// handleSessionArtifacts returns short-lived signed URLs for the stored
// capture artifacts. Degraded artifacts that never reached storage are
// omitted rather than erroring the whole response.
func (s *Server) handleSessionArtifacts(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r.Context())
	sessionID := mux.Vars(r)["session_id"]

	sess, err := s.store.Get(r.Context(), tenantID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	var urls artifactURLs
	urls.VideoURL = s.signKey(r, sess.VideoKey)
	urls.IMUURL = s.signKey(r, sess.IMUKey)
	urls.FlowURL = s.signKey(r, sess.FlowKey)
	writeJSON(w, http.StatusOK, urls)
}

// handleSessionArtifact serves a single artifact's signed URL. A degraded
// or missing artifact is a 404, matching an object that was never stored.
func (s *Server) handleSessionArtifact(pick func(*session.Session) *string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := tenantFrom(r.Context())
		sessionID := mux.Vars(r)["session_id"]

		sess, err := s.store.Get(r.Context(), tenantID, sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		url := s.signKey(r, pick(sess))
		if url == nil {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "artifact not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": *url})
	}
}

func (s *Server) signKey(r *http.Request, key *string) *string {
	if key == nil || *key == "" || storage.IsDegraded(*key) {
		return nil
	}
	url, err := s.sink.SignedURL(r.Context(), *key, s.signedURLTTL)
	if err != nil {
		s.logger.Warn("signed url failed", "key", *key, "error", err)
		return nil
	}
	return &url
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}
