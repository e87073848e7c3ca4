package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/veraproof/backend/internal/branding"
)

func (s *Server) handleGetBranding(w http.ResponseWriter, r *http.Request) {
	if s.branding == nil {
		unavailable(w)
		return
	}
	cfg, err := s.branding.Get(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type updateBrandingRequest struct {
	PrimaryColor   string `json:"primary_color"`
	SecondaryColor string `json:"secondary_color"`
	AccentColor    string `json:"accent_color"`
}

func (s *Server) handleUpdateBranding(w http.ResponseWriter, r *http.Request) {
	if s.branding == nil {
		unavailable(w)
		return
	}
	var req updateBrandingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	cfg, err := s.branding.UpdateColors(r.Context(), tenantFrom(r.Context()),
		req.PrimaryColor, req.SecondaryColor, req.AccentColor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleUploadLogo accepts the raw image body with its Content-Type header.
func (s *Server) handleUploadLogo(w http.ResponseWriter, r *http.Request) {
	if s.branding == nil {
		unavailable(w)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, branding.MaxLogoBytes+1))
	if err != nil {
		badRequest(w, "could not read upload")
		return
	}

	cfg, err := s.branding.UploadLogo(r.Context(), tenantFrom(r.Context()),
		data, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleResetBranding(w http.ResponseWriter, r *http.Request) {
	if s.branding == nil {
		unavailable(w)
		return
	}
	cfg, err := s.branding.Reset(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
