package seclog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog() (*Log, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(Options{Clock: func() time.Time { return now }})
	return l, &now
}

func TestRecord_stampsIDAndTimestamp(t *testing.T) {
	l, now := newTestLog()

	l.Record(Event{Type: EventLoginSuccess, UserID: "u1"})

	events := l.Query(Filter{Subject: "u1"})
	require.Len(t, events, 1)
	assert.NotEqual(t, events[0].ID.String(), "00000000-0000-0000-0000-000000000000")
	assert.Equal(t, *now, events[0].Timestamp)
}

func TestRecord_trimsPastRetention(t *testing.T) {
	l, now := newTestLog()

	l.Record(Event{Type: EventLoginFailure, UserID: "u1"})
	*now = now.Add(25 * time.Hour)
	l.Record(Event{Type: EventLoginFailure, UserID: "u1"})

	events := l.Query(Filter{Subject: "u1"})
	require.Len(t, events, 1, "events older than 24h must be purged")
	assert.Equal(t, *now, events[0].Timestamp)
}

func TestQuery_filtersBySubjectAndWindow(t *testing.T) {
	l, now := newTestLog()

	l.Record(Event{Type: EventLoginFailure, UserID: "u1"})
	l.Record(Event{Type: EventLoginFailure, Email: "a@example.com"})
	*now = now.Add(2 * time.Hour)
	l.Record(Event{Type: EventLoginSuccess, UserID: "u1"})

	assert.Len(t, l.Query(Filter{Subject: "u1"}), 2)
	assert.Len(t, l.Query(Filter{Subject: "a@example.com"}), 1)
	assert.Len(t, l.Query(Filter{Subject: "u1", Within: time.Hour}), 1)
	assert.Len(t, l.Query(Filter{}), 3)
}

func TestQuery_insertionOrder(t *testing.T) {
	l, now := newTestLog()

	for i := 0; i < 5; i++ {
		l.Record(Event{Type: EventPinAttempt, UserID: "u1", Details: map[string]any{"seq": i}})
		*now = now.Add(time.Minute)
	}

	events := l.Query(Filter{Subject: "u1"})
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, i, e.Details["seq"])
	}
}

func TestDetectSuspicious_rapidFailures(t *testing.T) {
	l, _ := newTestLog()

	for i := 0; i < 11; i++ {
		l.Record(Event{Type: EventLoginFailure, UserID: "u1", IP: "10.0.0.1"})
	}

	signal := l.DetectSuspicious("u1")
	require.NotNil(t, signal)
	assert.Equal(t, RuleRapidFailures, signal.Rule)
	assert.Equal(t, 11, signal.Count)
}

func TestDetectSuspicious_belowThresholdsIsNil(t *testing.T) {
	l, _ := newTestLog()

	// exactly 10 failures from exactly 3 IPs: neither rule fires
	for i := 0; i < 10; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i%3)
		l.Record(Event{Type: EventLoginFailure, UserID: "u1", IP: ip})
	}

	assert.Nil(t, l.DetectSuspicious("u1"))
	assert.Nil(t, l.DetectSuspicious("someone-else"))
	assert.Nil(t, l.DetectSuspicious(""))
}

func TestDetectSuspicious_multipleIPs(t *testing.T) {
	l, _ := newTestLog()

	for i := 0; i < 4; i++ {
		l.Record(Event{Type: EventLoginAttempt, UserID: "u1", IP: fmt.Sprintf("10.0.%d.1", i)})
	}

	signal := l.DetectSuspicious("u1")
	require.NotNil(t, signal)
	assert.Equal(t, RuleMultipleIPs, signal.Rule)
	assert.Equal(t, 4, signal.Count)
}

func TestDetectSuspicious_oldFailuresOutsideTrailingHour(t *testing.T) {
	l, now := newTestLog()

	for i := 0; i < 11; i++ {
		l.Record(Event{Type: EventLoginFailure, UserID: "u1", IP: "10.0.0.1"})
	}
	*now = now.Add(2 * time.Hour)

	assert.Nil(t, l.DetectSuspicious("u1"), "failures older than an hour must not count as rapid")
}

func TestCleanupExpired(t *testing.T) {
	l, now := newTestLog()

	l.Record(Event{Type: EventLoginAttempt, UserID: "u1"})
	l.Record(Event{Type: EventLoginAttempt, UserID: "u1"})
	*now = now.Add(25 * time.Hour)

	assert.Equal(t, 2, l.CleanupExpired())
	assert.Empty(t, l.Query(Filter{Subject: "u1"}))
}
