// Package session implements the per-call lifecycle state machine
// (idle -> ringing -> active -> ended -> idle) and feeds the transcript of an
// active call into the risk accumulator.
//
// A Machine is driven synchronously by one goroutine; it is not safe for
// concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/callguard/internal/risk"
)

var ErrNoFlagStore = errors.New("session: no flagged number store configured")

type Config struct {
	Lexicon *risk.Lexicon
	Flagged FlaggedNumberSet
	// Observer receives a snapshot after every transition and every scored
	// chunk.
	Observer func(Snapshot)
	Logger   *slog.Logger
	Now      func() time.Time
}

// Result describes what one transcript chunk did to the session.
type Result struct {
	// Discarded is set when the session was not active.
	Discarded bool
	Delta     int
	// Score is the accumulated score after this chunk, before any reset caused
	// by a forced end.
	Score   int
	Matched []string
	// Warning is set on the one chunk that crossed risk.WarningThreshold.
	Warning bool
	// Forced is set when the chunk pushed the score to
	// risk.AutoDisconnectThreshold and the call was ended.
	Forced     bool
	Category   risk.Category
	Transcript string
}

type Machine struct {
	lexicon  *risk.Lexicon
	flagged  FlaggedNumberSet
	observer func(Snapshot)
	log      *slog.Logger
	now      func() time.Time

	state     State
	number    string
	startedAt time.Time
	score     int
	warned    bool
	matched   map[string]struct{}
	reason    EndReason
	lines     []string
}

func NewMachine(cfg Config) *Machine {
	m := &Machine{
		lexicon:  cfg.Lexicon,
		flagged:  cfg.Flagged,
		observer: cfg.Observer,
		log:      cfg.Logger,
		now:      cfg.Now,
		matched:  make(map[string]struct{}),
	}
	if m.lexicon == nil {
		m.lexicon = risk.DefaultLexicon()
	}
	if m.flagged == nil {
		m.flagged = noFlags{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Snapshot() Snapshot {
	keys := make([]string, 0, len(m.matched))
	for k := range m.matched {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Snapshot{
		State:           m.state,
		StateName:       m.state.String(),
		Number:          m.number,
		StartedAt:       m.startedAt,
		RiskScore:       m.score,
		WarningIssued:   m.warned,
		MatchedKeywords: keys,
		EndReason:       m.reason,
	}
}

// CallStart moves an idle session to ringing unless number is flagged.
func (m *Machine) CallStart(ctx context.Context, number string) (Outcome, error) {
	if m.state != StateIdle {
		return OutcomeRejected, fmt.Errorf("%w: call start in state %s", ErrInvalidTransition, m.state)
	}

	number = strings.TrimSpace(number)
	if number != "" {
		flagged, err := m.flagged.Contains(ctx, number)
		if err != nil {
			m.log.Warn("flagged number lookup failed", "number", number, "err", err)
			return OutcomeFailed, fmt.Errorf("check flagged number: %w", err)
		}
		if flagged {
			m.log.Info("call blocked: number flagged", "number", number)
			m.number = number
			m.emit()
			return OutcomeNumberFlagged, nil
		}
	}

	m.number = number
	m.state = StateRinging
	m.log.Debug("session ringing", "number", number)
	m.emit()
	return OutcomeRinging, nil
}

// LocalAnswerReady is raised once the local side produced its answer.
func (m *Machine) LocalAnswerReady() error { return m.activate("local_answer_ready") }

// RemoteOfferReceived is raised when the peer's offer arrives while ringing.
func (m *Machine) RemoteOfferReceived() error { return m.activate("remote_offer_received") }

// RemoteAnswerReceived is raised on the calling side when the peer answered.
func (m *Machine) RemoteAnswerReceived() error { return m.activate("remote_answer_received") }

func (m *Machine) activate(event string) error {
	if m.state != StateRinging {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, event, m.state)
	}
	m.state = StateActive
	m.startedAt = m.now()
	m.log.Info("session active", "event", event, "number", m.number)
	m.emit()
	return nil
}

// CallEnd is the user's hang-up intent.
func (m *Machine) CallEnd() error {
	if m.state != StateRinging && m.state != StateActive {
		return fmt.Errorf("%w: call end in state %s", ErrInvalidTransition, m.state)
	}
	m.end(EndReasonUser)
	return nil
}

// TransportError ends any in-progress call. It is a no-op when idle or
// already ended.
func (m *Machine) TransportError(err error) {
	if m.state != StateRinging && m.state != StateActive {
		return
	}
	m.log.Warn("session ended by transport error", "err", err)
	m.end(EndReasonTransportError)
}

// Reset returns an ended session to idle for the next call.
func (m *Machine) Reset() error {
	switch m.state {
	case StateIdle:
		return nil
	case StateEnded:
	default:
		return fmt.Errorf("%w: reset in state %s", ErrInvalidTransition, m.state)
	}
	m.state = StateIdle
	m.number = ""
	m.startedAt = time.Time{}
	m.reason = EndReasonNone
	m.clearRisk()
	m.emit()
	return nil
}

// Transcript scores one chunk of locally produced transcript text. Chunks
// outside an active call are discarded.
func (m *Machine) Transcript(chunk string) Result {
	if m.state != StateActive {
		m.log.Debug("transcript chunk discarded", "state", m.state.String())
		return Result{Discarded: true}
	}

	m.lines = append(m.lines, chunk)
	delta, matched := m.lexicon.Score(chunk)
	for _, k := range matched {
		m.matched[k] = struct{}{}
	}
	before := m.score
	m.score = risk.Accumulate(m.score, delta)

	res := Result{
		Delta:      delta,
		Score:      m.score,
		Matched:    matched,
		Category:   m.lexicon.Classify(m.Snapshot().MatchedKeywords),
		Transcript: strings.Join(m.lines, " "),
	}

	if m.score >= risk.WarningThreshold && !m.warned {
		m.warned = true
		res.Warning = true
		m.log.Warn("risk warning", "score", m.score, "previous", before, "category", res.Category)
	}

	if m.score >= risk.AutoDisconnectThreshold {
		res.Forced = true
		m.log.Warn("risk auto-disconnect", "score", m.score, "category", res.Category)
		m.end(EndReasonForced)
		return res
	}

	m.emit()
	return res
}

// FlagNumber adds the current (or most recent) number to the flagged set.
func (m *Machine) FlagNumber(ctx context.Context) error {
	if m.number == "" {
		return ErrNoNumber
	}
	if err := m.flagged.Add(ctx, m.number); err != nil {
		return fmt.Errorf("flag number: %w", err)
	}
	m.log.Info("number flagged", "number", m.number)
	return nil
}

func (m *Machine) end(reason EndReason) {
	m.state = StateEnded
	m.reason = reason
	m.clearRisk()
	m.log.Info("session ended", "reason", string(reason), "number", m.number)
	m.emit()
}

func (m *Machine) clearRisk() {
	m.score = 0
	m.warned = false
	m.matched = make(map[string]struct{})
	m.lines = nil
}

func (m *Machine) emit() {
	if m.observer != nil {
		m.observer(m.Snapshot())
	}
}

type noFlags struct{}

func (noFlags) Contains(context.Context, string) (bool, error) { return false, nil }
func (noFlags) Add(context.Context, string) error              { return ErrNoFlagStore }
