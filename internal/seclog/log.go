package seclog

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a security-relevant occurrence.
type EventType string

const (
	EventLoginAttempt       EventType = "login_attempt"
	EventLoginSuccess       EventType = "login_success"
	EventLoginFailure       EventType = "login_failure"
	EventPinAttempt         EventType = "pin_attempt"
	EventPinSuccess         EventType = "pin_success"
	EventPinFailure         EventType = "pin_failure"
	EventAccountLocked      EventType = "account_locked"
	EventSuspiciousActivity EventType = "suspicious_activity"
)

// Event is an immutable record of a security-relevant occurrence. Subject
// fields (UserID, Email, IP, UserAgent) are optional free text.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"user_id,omitempty"`
	Email     string         `json:"email,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Filter selects events for Query.
type Filter struct {
	// Subject matches the event's user ID or email. Empty matches all.
	Subject string
	// Within limits results to events at most this old. Zero means the full
	// retention window.
	Within time.Duration
}

// Signal describes which anomaly rule fired and the observed count.
type Signal struct {
	Rule  string `json:"rule"`
	Count int    `json:"count"`
}

const (
	// RuleMultipleIPs fires when a subject's events in the retention window
	// span more than the configured number of distinct IP addresses.
	RuleMultipleIPs = "multiple_ips"
	// RuleRapidFailures fires when a subject accumulates more than the
	// configured number of login failures in the trailing hour.
	RuleRapidFailures = "rapid_failures"
)

// Options configures a Log. Zero fields fall back to the defaults the
// heuristics were tuned with (24h retention, 3 IPs, 10 failures/hour).
type Options struct {
	Retention          time.Duration
	MaxDistinctIPs     int
	MaxFailuresPerHour int
	Clock              func() time.Time
}

// Log is an append-only, bounded-retention, in-memory record of security
// events. Like the code store it is process-local and best-effort: a restart
// discards everything.
type Log struct {
	mu   sync.Mutex
	opts Options

	// append-only within the retention window; trimmed on every Record
	events []Event
}

// New creates a Log.
func New(opts Options) *Log {
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.MaxDistinctIPs <= 0 {
		opts.MaxDistinctIPs = 3
	}
	if opts.MaxFailuresPerHour <= 0 {
		opts.MaxFailuresPerHour = 10
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Log{opts: opts}
}

// Record appends the event, stamping its ID and timestamp, then trims
// anything older than the retention window before returning. Trimming inline
// keeps memory bounded without a dedicated background goroutine.
func (l *Log) Record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.opts.Clock()
	}
	l.events = append(l.events, e)
	l.trimLocked()
}

// Query returns events matching the filter in insertion order.
func (l *Log) Query(f Filter) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	within := f.Within
	if within <= 0 || within > l.opts.Retention {
		within = l.opts.Retention
	}
	cutoff := l.opts.Clock().Add(-within)

	var out []Event
	for _, e := range l.events {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if f.Subject != "" && !matchesSubject(e, f.Subject) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// DetectSuspicious runs the anomaly heuristics over the subject's events in
// the retention window and returns the first rule that fires, or nil. The
// result is advisory; callers decide whether to act on it.
func (l *Log) DetectSuspicious(subject string) *Signal {
	if subject == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.opts.Clock()
	windowCutoff := now.Add(-l.opts.Retention)
	hourCutoff := now.Add(-time.Hour)

	ips := make(map[string]struct{})
	recentFailures := 0
	for _, e := range l.events {
		if e.Timestamp.Before(windowCutoff) || !matchesSubject(e, subject) {
			continue
		}
		if e.IP != "" {
			ips[e.IP] = struct{}{}
		}
		if e.Type == EventLoginFailure && !e.Timestamp.Before(hourCutoff) {
			recentFailures++
		}
	}

	if len(ips) > l.opts.MaxDistinctIPs {
		return &Signal{Rule: RuleMultipleIPs, Count: len(ips)}
	}
	if recentFailures > l.opts.MaxFailuresPerHour {
		return &Signal{Rule: RuleRapidFailures, Count: recentFailures}
	}
	return nil
}

// CleanupExpired trims events past the retention window and returns how many
// were dropped. Record already trims inline; this exists for the scheduled
// sweep so a quiet log does not pin stale events.
func (l *Log) CleanupExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trimLocked()
}

func (l *Log) trimLocked() int {
	cutoff := l.opts.Clock().Add(-l.opts.Retention)

	// events are appended in time order, so find the first one to keep
	keep := len(l.events)
	for i, e := range l.events {
		if !e.Timestamp.Before(cutoff) {
			keep = i
			break
		}
	}
	if keep == 0 {
		return 0
	}
	trimmed := keep
	l.events = append([]Event(nil), l.events[keep:]...)
	return trimmed
}

func matchesSubject(e Event, subject string) bool {
	return e.UserID == subject || e.Email == subject
}
