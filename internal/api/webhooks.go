package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
)

type registerWebhookRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		unavailable(w)
		return
	}
	tenantID := tenantFrom(r.Context())

	var req registerWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		badRequest(w, "url must be a valid http(s) endpoint")
		return
	}

	// Generated secrets are returned once in this response.
	generated := false
	if req.Secret == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err != nil {
			writeError(w, err)
			return
		}
		req.Secret = "whsec_" + hex.EncodeToString(raw)
		generated = true
	}

	ep, err := s.registry.Register(r.Context(), tenantID, req.URL, req.Secret, req.Events)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{"webhook": ep}
	if generated {
		resp["secret"] = req.Secret
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		unavailable(w)
		return
	}
	eps, err := s.registry.List(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": eps})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		unavailable(w)
		return
	}
	tenantID := tenantFrom(r.Context())
	webhookID := mux.Vars(r)["webhook_id"]

	if err := s.registry.Delete(r.Context(), tenantID, webhookID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleWebhookLogs(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		unavailable(w)
		return
	}
	tenantID := tenantFrom(r.Context())
	limit := queryInt(r, "limit", 100)

	logs, err := s.registry.Logs(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}
