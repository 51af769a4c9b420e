// Package report records scam reports produced when a call is flagged or
// force-ended, and optionally publishes them to Kafka.
package report

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/callguard/internal/risk"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/session"
)

// Reasons a report was filed.
const (
	ReasonWarning        = "warning"
	ReasonAutoDisconnect = "auto_disconnect"
	ReasonUser           = "user"
)

var ErrInvalidReport = errors.New("report: invalid report")

// Report is one stored scam report as exchanged over the HTTP API.
// Timestamp is milliseconds since the Unix epoch.
type Report struct {
	ID          string  `json:"id"`
	PhoneNumber string  `json:"phoneNumber"`
	Timestamp   int64   `json:"timestamp"`
	ScamType    string  `json:"scamType"`
	Confidence  float64 `json:"confidence"`
	Transcript  string  `json:"transcript"`
	Reason      string  `json:"reason,omitempty"`
}

func (r Report) Validate() error {
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be within [0, 1]", ErrInvalidReport)
	}
	if strings.TrimSpace(r.ScamType) == "" {
		return fmt.Errorf("%w: scamType is required", ErrInvalidReport)
	}
	return nil
}

// FromResult builds a report for a scored transcript chunk. Confidence is the
// accumulated score scaled to [0, 1].
func FromResult(number string, res session.Result, now time.Time) Report {
	reason := ReasonWarning
	if res.Forced {
		reason = ReasonAutoDisconnect
	}
	category := res.Category
	if category == "" {
		category = risk.CategoryNone
	}
	return Report{
		ID:          uuid.NewString(),
		PhoneNumber: number,
		Timestamp:   now.UnixMilli(),
		ScamType:    string(category),
		Confidence:  float64(res.Score) / float64(risk.MaxScore),
		Transcript:  res.Transcript,
		Reason:      reason,
	}
}

// Log is a bounded in-memory report history. Once full, the oldest report is
// evicted.
type Log struct {
	mu    sync.Mutex
	limit int
	items []Report
	now   func() time.Time
}

const DefaultLogLimit = 1000

func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return &Log{limit: limit, now: time.Now}
}

// Append stores r, filling in ID and Timestamp when unset, and returns the
// stored copy.
func (l *Log) Append(r Report) Report {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp == 0 {
		r.Timestamp = l.now().UnixMilli()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) >= l.limit {
		copy(l.items, l.items[1:])
		l.items = l.items[:len(l.items)-1]
	}
	l.items = append(l.items, r)
	return r
}

// List returns reports newest first, at most limit of them (limit <= 0 means
// all).
func (l *Log) List(limit int) []Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Report, 0, n)
	for i := len(l.items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.items[i])
	}
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
