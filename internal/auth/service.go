package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyfort/server/internal/codestore"
	"github.com/keyfort/server/internal/model"
	"github.com/keyfort/server/internal/repo"
	"github.com/keyfort/server/internal/seclog"
)

// ErrInvalidCredentials is the single failure returned for any credential
// problem (unknown email, wrong password, inactive account) so callers
// cannot enumerate accounts. The real reason goes to the event log only.
var ErrInvalidCredentials = errors.New("invalid credentials")

// LoginChallenge is the result of a successful credentials step. The PIN is
// returned to the caller directly; there is no out-of-band delivery channel.
type LoginChallenge struct {
	UserID uuid.UUID
	Pin    string
}

// Service orchestrates the multi-step login and account recovery flows over
// the code stores, the event log, and the user repository.
type Service struct {
	users        repo.UserRepo
	pins         *codestore.Store
	unlocks      *codestore.Store
	events       *seclog.Log
	jwt          *JWTService
	pinPolicy    codestore.Policy
	unlockPolicy codestore.Policy
	log          *zap.Logger
}

// NewService creates a new auth service. pins is keyed by user ID, unlocks
// by lower-cased email.
func NewService(
	users repo.UserRepo,
	pins, unlocks *codestore.Store,
	events *seclog.Log,
	jwtService *JWTService,
	pinPolicy, unlockPolicy codestore.Policy,
	logger *zap.Logger,
) *Service {
	return &Service{
		users:        users,
		pins:         pins,
		unlocks:      unlocks,
		events:       events,
		jwt:          jwtService,
		pinPolicy:    pinPolicy,
		unlockPolicy: unlockPolicy,
		log:          logger,
	}
}

// ValidateCredentials is step one of the login flow. On success it issues a
// short-lived login PIN keyed by the user ID and returns it with the user ID.
func (s *Service) ValidateCredentials(ctx context.Context, email, password, ip, userAgent string) (*LoginChallenge, error) {
	email = normalizeEmail(email)
	s.events.Record(seclog.Event{
		Type: seclog.EventLoginAttempt, Email: email, IP: ip, UserAgent: userAgent,
	})

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.recordLoginFailure("", email, ip, userAgent, "unknown_email")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("look up user: %w", err)
	}

	userID := user.ID.String()
	if !user.Active {
		s.recordLoginFailure(userID, email, ip, userAgent, "inactive_account")
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.recordLoginFailure(userID, email, ip, userAgent, "bad_password")
		return nil, ErrInvalidCredentials
	}

	pin, err := s.pins.Issue(userID, s.pinPolicy)
	if err != nil {
		return nil, fmt.Errorf("issue login pin: %w", err)
	}

	s.events.Record(seclog.Event{
		Type: seclog.EventLoginSuccess, UserID: userID, Email: email, IP: ip, UserAgent: userAgent,
	})
	s.noteSuspicious(userID, email, ip, userAgent)

	return &LoginChallenge{UserID: user.ID, Pin: pin}, nil
}

// ValidatePin is step two. A valid PIN consumes the entry and mints the
// session token; failures are reported through the codestore result, never
// as errors.
func (s *Service) ValidatePin(ctx context.Context, userID, code, ip, userAgent string) (codestore.Result, string, *model.User, error) {
	s.events.Record(seclog.Event{
		Type: seclog.EventPinAttempt, UserID: userID, IP: ip, UserAgent: userAgent,
	})

	res := s.pins.Validate(userID, code)
	if !res.Valid {
		s.events.Record(seclog.Event{
			Type: seclog.EventPinFailure, UserID: userID, IP: ip, UserAgent: userAgent,
			Details: map[string]any{
				"reason":             string(res.Reason),
				"attempts_remaining": res.AttemptsRemaining,
			},
		})
		if justLocked(res) {
			s.events.Record(seclog.Event{
				Type: seclog.EventAccountLocked, UserID: userID, IP: ip, UserAgent: userAgent,
				Details: map[string]any{"locked_until": res.LockedUntil},
			})
			s.log.Warn("account locked after repeated pin failures",
				zap.String("user_id", userID))
		}
		s.noteSuspicious(userID, "", ip, userAgent)
		return res, "", nil, nil
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return codestore.Result{Reason: codestore.ReasonNotFound}, "", nil, fmt.Errorf("load user after pin validation: %w", err)
	}

	s.events.Record(seclog.Event{
		Type: seclog.EventPinSuccess, UserID: userID, Email: user.Email, IP: ip, UserAgent: userAgent,
	})

	token, err := s.jwt.SignAccessToken(user.ID, user.Email)
	if err != nil {
		return res, "", nil, fmt.Errorf("sign access token: %w", err)
	}
	return res, token, &user, nil
}

// RequestUnlock issues an unlock code keyed by email. Unknown emails succeed
// silently with an empty code so the response never leaks account existence.
func (s *Service) RequestUnlock(ctx context.Context, email, ip, userAgent string) (string, error) {
	email = normalizeEmail(email)

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("look up account: %w", err)
	}

	code, err := s.unlocks.Issue(email, s.unlockPolicy)
	if err != nil {
		return "", fmt.Errorf("issue unlock code: %w", err)
	}
	s.log.Info("unlock code issued", zap.String("user_id", user.ID.String()))
	return code, nil
}

// UnlockAccount validates an unlock code and, on success, clears any login
// PIN lockout for the account.
func (s *Service) UnlockAccount(ctx context.Context, email, code, ip, userAgent string) codestore.Result {
	email = normalizeEmail(email)
	s.events.Record(seclog.Event{
		Type: seclog.EventPinAttempt, Email: email, IP: ip, UserAgent: userAgent,
		Details: map[string]any{"flow": "unlock"},
	})

	res := s.unlocks.Validate(email, code)
	if !res.Valid {
		s.events.Record(seclog.Event{
			Type: seclog.EventPinFailure, Email: email, IP: ip, UserAgent: userAgent,
			Details: map[string]any{"flow": "unlock", "reason": string(res.Reason)},
		})
		if justLocked(res) {
			s.events.Record(seclog.Event{
				Type: seclog.EventAccountLocked, Email: email, IP: ip, UserAgent: userAgent,
				Details: map[string]any{"flow": "unlock", "locked_until": res.LockedUntil},
			})
		}
		s.noteSuspicious("", email, ip, userAgent)
		return res
	}

	s.events.Record(seclog.Event{
		Type: seclog.EventPinSuccess, Email: email, IP: ip, UserAgent: userAgent,
		Details: map[string]any{"flow": "unlock"},
	})

	if user, err := s.users.GetByEmail(ctx, email); err == nil {
		if s.pins.ResetAttempts(user.ID.String()) {
			s.log.Info("login pin lockout cleared", zap.String("user_id", user.ID.String()))
		}
	}
	return res
}

// Register creates a new active account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, email, password string) (*model.User, error) {
	email = normalizeEmail(email)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.users.Create(ctx, email, string(hash))
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// noteSuspicious runs the anomaly heuristics for the subject and records a
// suspicious_activity event when a rule fires. Advisory only: nothing is
// blocked here.
func (s *Service) noteSuspicious(userID, email, ip, userAgent string) {
	subject := userID
	if subject == "" {
		subject = email
	}
	signal := s.events.DetectSuspicious(subject)
	if signal == nil {
		return
	}
	s.events.Record(seclog.Event{
		Type: seclog.EventSuspiciousActivity, UserID: userID, Email: email, IP: ip, UserAgent: userAgent,
		Details: map[string]any{"rule": signal.Rule, "count": signal.Count},
	})
	s.log.Warn("suspicious activity detected",
		zap.String("rule", signal.Rule),
		zap.Int("count", signal.Count),
		zap.String("user_id", userID))
}

// recordLoginFailure logs the internal reason and re-checks the anomaly
// heuristics. The reason never reaches the caller.
func (s *Service) recordLoginFailure(userID, email, ip, userAgent, reason string) {
	s.events.Record(seclog.Event{
		Type: seclog.EventLoginFailure, UserID: userID, Email: email, IP: ip, UserAgent: userAgent,
		Details: map[string]any{"reason": reason},
	})
	s.noteSuspicious(userID, email, ip, userAgent)
}

func justLocked(res codestore.Result) bool {
	return res.Reason == codestore.ReasonMismatch && res.LockedUntil != nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
