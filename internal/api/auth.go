package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

type signupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	CompanyName string `json:"company_name"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w)
		return
	}
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Email == "" || len(req.Password) < 8 {
		badRequest(w, "email and a password of at least 8 characters are required")
		return
	}

	pair, err := s.users.Signup(r.Context(), req.Email, req.Password, req.CompanyName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pair)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	pair, err := s.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w)
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	pair, err := s.users.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w)
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := s.users.Logout(r.Context(), req.RefreshToken); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

type createKeyRequest struct {
	Name        string `json:"name"`
	Environment string `json:"environment"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if s.apiKeys == nil {
		unavailable(w)
		return
	}
	tenantID := tenantFrom(r.Context())

	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Environment == "" {
		req.Environment = "sandbox"
	}
	if req.Environment != "sandbox" && req.Environment != "production" {
		badRequest(w, "environment must be sandbox or production")
		return
	}
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}

	key, err := s.apiKeys.Generate(r.Context(), tenantID, req.Name, req.Environment)
	if err != nil {
		writeError(w, err)
		return
	}
	// The plaintext key appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, key)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	if s.apiKeys == nil {
		unavailable(w)
		return
	}
	tenantID := tenantFrom(r.Context())
	keys, err := s.apiKeys.List(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if s.apiKeys == nil {
		unavailable(w)
		return
	}
	tenantID := tenantFrom(r.Context())
	keyID := mux.Vars(r)["key_id"]

	if err := s.apiKeys.Revoke(r.Context(), tenantID, keyID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
