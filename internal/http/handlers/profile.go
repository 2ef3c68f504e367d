package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/keyfort/server/internal/middleware"
	"github.com/keyfort/server/internal/model"
	"github.com/keyfort/server/internal/repo"
)

// ProfileHandler handles the profile CRUD endpoints (protected).
type ProfileHandler struct {
	profiles repo.ProfileRepo
	log      *zap.Logger
}

// NewProfileHandler creates a new profile handler.
func NewProfileHandler(profiles repo.ProfileRepo, logger *zap.Logger) *ProfileHandler {
	return &ProfileHandler{profiles: profiles, log: logger}
}

type profileResponse struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Bio         string `json:"bio"`
	UpdatedAt   string `json:"updated_at"`
}

type profileRequest struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Bio         string `json:"bio"`
}

// HandleGet handles GET /profile.
func (h *ProfileHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	profile, err := h.profiles.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			respondError(w, http.StatusNotFound, "profile not found")
			return
		}
		h.log.Error("profile lookup failed", zap.String("user_id", userID.String()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "profile lookup failed")
		return
	}

	respond(w, http.StatusOK, "", toProfileResponse(profile))
}

// HandlePut handles PUT /profile (create or replace).
func (h *ProfileHandler) HandlePut(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	profile, err := h.profiles.Upsert(r.Context(), model.Profile{
		UserID:      userID,
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
		Bio:         req.Bio,
	})
	if err != nil {
		h.log.Error("profile upsert failed", zap.String("user_id", userID.String()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "profile update failed")
		return
	}

	respond(w, http.StatusOK, "profile_updated", toProfileResponse(profile))
}

func toProfileResponse(p model.Profile) profileResponse {
	return profileResponse{
		UserID:      p.UserID.String(),
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		Bio:         p.Bio,
		UpdatedAt:   p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
