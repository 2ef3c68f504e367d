package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/keyfort/server/internal/codestore"
	"github.com/keyfort/server/internal/seclog"
)

// AdminHandler exposes the support/testing escape hatches: PIN entry status,
// attempt resets, expiry extension, and security event queries.
type AdminHandler struct {
	pins   *codestore.Store
	events *seclog.Log
	log    *zap.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(pins *codestore.Store, events *seclog.Log, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{pins: pins, events: events, log: logger}
}

// HandlePinStatus handles GET /admin/pin/{userID}/status.
func (h *AdminHandler) HandlePinStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	respond(w, http.StatusOK, "", h.pins.Status(userID))
}

// HandlePinReset handles POST /admin/pin/{userID}/reset.
func (h *AdminHandler) HandlePinReset(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	reset := h.pins.ResetAttempts(userID)
	if reset {
		h.log.Info("pin attempts reset", zap.String("user_id", userID))
	}
	respond(w, http.StatusOK, "", map[string]bool{"reset": reset})
}

type extendRequest struct {
	Minutes int `json:"minutes"`
}

// HandlePinExtend handles POST /admin/pin/{userID}/extend.
func (h *AdminHandler) HandlePinExtend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Minutes <= 0 {
		respondError(w, http.StatusBadRequest, "minutes must be a positive integer")
		return
	}

	userID := chi.URLParam(r, "userID")
	extended := h.pins.ExtendExpiration(userID, time.Duration(req.Minutes)*time.Minute)
	if extended {
		h.log.Info("pin expiration extended",
			zap.String("user_id", userID), zap.Int("minutes", req.Minutes))
	}
	respond(w, http.StatusOK, "", map[string]bool{"extended": extended})
}

// HandleEvents handles GET /admin/events?subject=&hours=.
func (h *AdminHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	filter := seclog.Filter{Subject: r.URL.Query().Get("subject")}
	if hours := r.URL.Query().Get("hours"); hours != "" {
		n, err := strconv.Atoi(hours)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		filter.Within = time.Duration(n) * time.Hour
	}

	events := h.events.Query(filter)
	respond(w, http.StatusOK, "", map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}
