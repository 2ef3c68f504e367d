package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/keyfort/server/internal/auth"
	"github.com/keyfort/server/internal/codestore"
	"github.com/keyfort/server/internal/middleware"
	"github.com/keyfort/server/internal/repo"
)

// AuthHandler handles the login, PIN, and recovery endpoints.
type AuthHandler struct {
	service       *auth.Service
	log           *zap.Logger
	debugCodes    bool
	loginLimiter  *middleware.RateLimiter
	unlockLimiter *middleware.RateLimiter
}

// NewAuthHandler creates a new auth handler. debugCodes controls whether
// generated PINs/unlock codes are echoed in responses (no out-of-band
// delivery channel exists).
func NewAuthHandler(service *auth.Service, logger *zap.Logger, debugCodes bool) *AuthHandler {
	// per-IP limits: 10 logins and 5 unlock requests per 10 minutes
	return &AuthHandler{
		service:       service,
		log:           logger,
		debugCodes:    debugCodes,
		loginLimiter:  middleware.NewRateLimiter(10*time.Minute, 10),
		unlockLimiter: middleware.NewRateLimiter(10*time.Minute, 5),
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginData struct {
	UserID   string `json:"user_id"`
	DebugPin string `json:"debug_pin,omitempty"`
}

// HandleLogin handles POST /auth/login (credentials step).
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	if !h.loginLimiter.Allow(middleware.IPKey(r)) {
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	challenge, err := h.service.ValidateCredentials(r.Context(), req.Email, req.Password, middleware.ClientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.log.Error("credential validation failed", zap.String("email", maskEmail(req.Email)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}

	data := loginData{UserID: challenge.UserID.String()}
	if h.debugCodes {
		data.DebugPin = challenge.Pin
	}
	respond(w, http.StatusOK, "pin_issued", data)
}

type pinRequest struct {
	UserID string `json:"user_id"`
	Pin    string `json:"pin"`
}

type sessionData struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        userResponse `json:"user"`
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// HandlePin handles POST /auth/pin (PIN step; mints the session on success).
func (h *AuthHandler) HandlePin(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Pin = strings.TrimSpace(req.Pin)
	if req.UserID == "" || req.Pin == "" {
		respondError(w, http.StatusBadRequest, "user_id and pin are required")
		return
	}

	res, token, user, err := h.service.ValidatePin(r.Context(), req.UserID, req.Pin, middleware.ClientIP(r), r.UserAgent())
	if err != nil {
		h.log.Error("pin validation failed", zap.String("user_id", req.UserID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "pin validation failed")
		return
	}
	if !res.Valid {
		h.respondCodeFailure(w, res, "invalid or expired pin")
		return
	}

	respond(w, http.StatusOK, "authenticated", sessionData{
		AccessToken: token,
		TokenType:   "bearer",
		User:        userResponse{ID: user.ID.String(), Email: user.Email},
	})
}

type unlockRequest struct {
	Email string `json:"email"`
}

type unlockData struct {
	DebugCode string `json:"debug_code,omitempty"`
}

// HandleUnlockRequest handles POST /auth/unlock/request. The response is
// identical whether or not the account exists.
func (h *AuthHandler) HandleUnlockRequest(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		respondError(w, http.StatusBadRequest, "email is required")
		return
	}

	if !h.unlockLimiter.Allow(middleware.IPKey(r)) {
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	code, err := h.service.RequestUnlock(r.Context(), req.Email, middleware.ClientIP(r), r.UserAgent())
	if err != nil {
		h.log.Error("unlock request failed", zap.String("email", maskEmail(req.Email)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unlock request failed")
		return
	}

	var data interface{}
	if h.debugCodes && code != "" {
		data = unlockData{DebugCode: code}
	}
	respond(w, http.StatusOK, "unlock_code_sent", data)
}

type unlockConfirmRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// HandleUnlockConfirm handles POST /auth/unlock/confirm.
func (h *AuthHandler) HandleUnlockConfirm(w http.ResponseWriter, r *http.Request) {
	var req unlockConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Code = strings.TrimSpace(req.Code)
	if req.Email == "" || req.Code == "" {
		respondError(w, http.StatusBadRequest, "email and code are required")
		return
	}

	res := h.service.UnlockAccount(r.Context(), req.Email, req.Code, middleware.ClientIP(r), r.UserAgent())
	if !res.Valid {
		h.respondCodeFailure(w, res, "invalid or expired code")
		return
	}
	respond(w, http.StatusOK, "account_unlocked", nil)
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleRegister handles POST /auth/register.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		respondError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(req.Password) < 8 {
		respondError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	user, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicateEmail) {
			respondError(w, http.StatusConflict, "email already registered")
			return
		}
		h.log.Error("registration failed", zap.String("email", maskEmail(req.Email)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	respond(w, http.StatusCreated, "registered", userResponse{
		ID:    user.ID.String(),
		Email: user.Email,
	})
}

// HandleMe handles GET /me (protected).
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok || user == nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respond(w, http.StatusOK, "", userResponse{
		ID:    user.ID.String(),
		Email: user.Email,
	})
}

// respondCodeFailure maps a failed codestore result onto the HTTP contract:
// 429 while locked, 401 otherwise. The result carries the remaining-attempt
// count and lockout timestamp; reasons stay in the event log.
func (h *AuthHandler) respondCodeFailure(w http.ResponseWriter, res codestore.Result, message string) {
	status := http.StatusUnauthorized
	if res.Reason == codestore.ReasonLocked || res.LockedUntil != nil {
		status = http.StatusTooManyRequests
		message = "account temporarily locked"
	}
	respond(w, status, message, struct {
		AttemptsRemaining int        `json:"attempts_remaining"`
		LockedUntil       *time.Time `json:"locked_until,omitempty"`
	}{
		AttemptsRemaining: res.AttemptsRemaining,
		LockedUntil:       res.LockedUntil,
	})
}
