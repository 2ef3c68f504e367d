package codestore

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

const (
	digitCharset = "0123456789"
	alnumCharset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// Policy controls how a code is generated and how long it lives.
type Policy struct {
	Length       int
	TTL          time.Duration
	MaxAttempts  int
	Alphanumeric bool
}

// Reason classifies why a validation attempt did not succeed.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonNotFound Reason = "not_found"
	ReasonExpired  Reason = "expired"
	ReasonLocked   Reason = "locked"
	ReasonMismatch Reason = "mismatch"
)

// Result is the structured outcome of a validation attempt. Logical misses
// (no entry, expired, locked, wrong code) are reported here, never as errors.
type Result struct {
	Valid             bool       `json:"valid"`
	AttemptsRemaining int        `json:"attempts_remaining"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	Reason            Reason     `json:"reason,omitempty"`
}

// Status describes the current state of an entry. Used by support and
// testing flows; not defended against misuse.
type Status struct {
	HasEntry          bool `json:"has_entry"`
	IsExpired         bool `json:"is_expired"`
	IsLocked          bool `json:"is_locked"`
	AttemptsRemaining int  `json:"attempts_remaining"`
}

type entry struct {
	code        string
	createdAt   time.Time
	expiresAt   time.Time
	attempts    int
	maxAttempts int
	lockedUntil *time.Time
}

// Store keeps short-lived one-time codes in a process-local map.
//
// State is ephemeral: a restart discards all entries, and nothing is shared
// between processes, so attempt and lockout counting is only accurate for a
// single-instance deployment.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	lockout time.Duration
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store. lockout is how long an entry stays locked after the
// attempt ceiling is reached.
func New(lockout time.Duration, opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		lockout: lockout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue generates a random code under the given policy and stores it for the
// key, replacing any prior entry. The code is returned to the caller, who is
// responsible for delivery.
func (s *Store) Issue(key string, p Policy) (string, error) {
	code, err := generateCode(p.Length, p.Alphanumeric)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	now := s.now()
	s.entries[key] = &entry{
		code:        code,
		createdAt:   now,
		expiresAt:   now.Add(p.TTL),
		maxAttempts: p.MaxAttempts,
	}
	return code, nil
}

// Validate checks a submitted code against the stored entry for the key.
// A matching code consumes the entry (one-time use). A mismatch at the
// attempt ceiling locks the entry for the configured lockout duration.
func (s *Store) Validate(key, submitted string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.validateLocked(key, submitted)
	s.sweepLocked()
	return res
}

func (s *Store) validateLocked(key, submitted string) Result {
	e, ok := s.entries[key]
	if !ok {
		return Result{Reason: ReasonNotFound}
	}

	now := s.now()
	if now.After(e.expiresAt) {
		delete(s.entries, key)
		return Result{Reason: ReasonExpired}
	}
	if e.lockedUntil != nil && now.Before(*e.lockedUntil) {
		return Result{Reason: ReasonLocked, LockedUntil: e.lockedUntil}
	}

	e.attempts++
	remaining := e.maxAttempts - e.attempts
	if remaining < 0 {
		remaining = 0
	}

	if constantTimeEqual(submitted, e.code) {
		delete(s.entries, key)
		return Result{Valid: true, AttemptsRemaining: remaining}
	}

	res := Result{Reason: ReasonMismatch, AttemptsRemaining: remaining}
	if e.attempts >= e.maxAttempts {
		lockedUntil := now.Add(s.lockout)
		e.lockedUntil = &lockedUntil
		res.LockedUntil = e.lockedUntil
		res.AttemptsRemaining = 0
	}
	return res
}

// CleanupExpired removes every entry past its expiry and returns how many
// were removed. Runs on a schedule and opportunistically on Issue/Validate;
// the read-time expiry check in Validate is the correctness guarantee.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked()
}

func (s *Store) sweepLocked() int {
	now := s.now()
	removed := 0
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// ResetAttempts clears the attempt count and any lockout for the key.
// Returns false if no live entry exists.
func (s *Store) ResetAttempts(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || s.now().After(e.expiresAt) {
		return false
	}
	e.attempts = 0
	e.lockedUntil = nil
	return true
}

// ExtendExpiration pushes the entry's expiry forward by d. Returns false if
// no live entry exists.
func (s *Store) ExtendExpiration(key string, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || s.now().After(e.expiresAt) {
		return false
	}
	e.expiresAt = e.expiresAt.Add(d)
	return true
}

// Status reports the state of the entry for the key.
func (s *Store) Status(key string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Status{}
	}

	now := s.now()
	st := Status{
		HasEntry:          true,
		IsExpired:         now.After(e.expiresAt),
		AttemptsRemaining: e.maxAttempts - e.attempts,
	}
	if st.AttemptsRemaining < 0 {
		st.AttemptsRemaining = 0
	}
	if e.lockedUntil != nil && now.Before(*e.lockedUntil) {
		st.IsLocked = true
	}
	return st
}

// generateCode returns a random code of the requested length drawn from the
// digit or alphanumeric charset, using rejection sampling to avoid modulo
// bias.
func generateCode(length int, alphanumeric bool) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("code length must be positive, got %d", length)
	}
	charset := digitCharset
	if alphanumeric {
		charset = alnumCharset
	}

	// Largest multiple of len(charset) below 256; bytes at or above it are
	// rejected so every charset index is equally likely.
	limit := byte(256 - 256%len(charset))

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, charset[int(b)%len(charset)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// constantTimeEqual compares two codes without short-circuiting on the first
// differing byte, to avoid a timing side-channel.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var result int
	for i := 0; i < len(a); i++ {
		result |= int(a[i]) ^ int(b[i])
	}
	return result == 0
}
