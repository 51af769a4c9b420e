package session

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/callguard/internal/risk"
)

type fakeFlags struct {
	numbers map[string]bool
	err     error
}

func (f *fakeFlags) Contains(_ context.Context, number string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.numbers[number], nil
}

func (f *fakeFlags) Add(_ context.Context, number string) error {
	if f.numbers == nil {
		f.numbers = make(map[string]bool)
	}
	f.numbers[number] = true
	return nil
}

type recorder struct {
	snaps []Snapshot
}

func (r *recorder) observe(s Snapshot) { r.snaps = append(r.snaps, s) }

func (r *recorder) states() []State {
	out := make([]State, 0, len(r.snaps))
	for _, s := range r.snaps {
		out = append(out, s.State)
	}
	return out
}

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMachine(t *testing.T, entries []risk.Entry, flags *fakeFlags) (*Machine, *recorder) {
	t.Helper()
	lx, err := risk.NewLexicon(entries, nil)
	if err != nil {
		t.Fatalf("NewLexicon: %v", err)
	}
	if flags == nil {
		flags = &fakeFlags{}
	}
	rec := &recorder{}
	m := NewMachine(Config{
		Lexicon:  lx,
		Flagged:  flags,
		Observer: rec.observe,
		Now:      func() time.Time { return testStart },
	})
	return m, rec
}

func activate(t *testing.T, m *Machine) {
	t.Helper()
	out, err := m.CallStart(context.Background(), "5550100")
	if err != nil || out != OutcomeRinging {
		t.Fatalf("CallStart=%q,%v want ringing", out, err)
	}
	if err := m.RemoteAnswerReceived(); err != nil {
		t.Fatalf("RemoteAnswerReceived: %v", err)
	}
}

func TestMachine_Lifecycle(t *testing.T) {
	m, rec := newTestMachine(t, []risk.Entry{{Keyword: "otp", Weight: 20}}, nil)

	activate(t, m)
	snap := m.Snapshot()
	if snap.State != StateActive {
		t.Fatalf("state=%s, want active", snap.State)
	}
	if !snap.StartedAt.Equal(testStart) {
		t.Fatalf("startedAt=%v, want %v", snap.StartedAt, testStart)
	}

	if err := m.CallEnd(); err != nil {
		t.Fatalf("CallEnd: %v", err)
	}
	if m.Snapshot().EndReason != EndReasonUser {
		t.Fatalf("endReason=%q, want user", m.Snapshot().EndReason)
	}
	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	want := []State{StateRinging, StateActive, StateEnded, StateIdle}
	got := rec.states()
	if len(got) != len(want) {
		t.Fatalf("states=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states=%v, want %v", got, want)
		}
	}
}

func TestMachine_LocalAnswerOrRemoteOfferActivate(t *testing.T) {
	for name, fire := range map[string]func(*Machine) error{
		"local answer": (*Machine).LocalAnswerReady,
		"remote offer": (*Machine).RemoteOfferReceived,
	} {
		t.Run(name, func(t *testing.T) {
			m, _ := newTestMachine(t, nil, nil)
			if err := fire(m); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("event while idle: err=%v, want ErrInvalidTransition", err)
			}
			if _, err := m.CallStart(context.Background(), ""); err != nil {
				t.Fatalf("CallStart: %v", err)
			}
			if err := fire(m); err != nil {
				t.Fatalf("event while ringing: %v", err)
			}
			if m.State() != StateActive {
				t.Fatalf("state=%s, want active", m.State())
			}
		})
	}
}

func TestMachine_FlaggedNumberNeverRings(t *testing.T) {
	flags := &fakeFlags{numbers: map[string]bool{"5550100": true}}
	m, rec := newTestMachine(t, nil, flags)

	out, err := m.CallStart(context.Background(), "5550100")
	if err != nil {
		t.Fatalf("CallStart: %v", err)
	}
	if out != OutcomeNumberFlagged {
		t.Fatalf("outcome=%q, want %q", out, OutcomeNumberFlagged)
	}
	if m.State() != StateIdle {
		t.Fatalf("state=%s, want idle", m.State())
	}
	for _, s := range rec.snaps {
		if s.State == StateRinging {
			t.Fatalf("flagged number reached ringing")
		}
	}
}

func TestMachine_FlagLookupFailureIsNotFlagged(t *testing.T) {
	m, _ := newTestMachine(t, nil, &fakeFlags{err: errors.New("disk gone")})

	out, err := m.CallStart(context.Background(), "5550100")
	if err == nil || out != OutcomeFailed {
		t.Fatalf("CallStart=%q,%v want failed with error", out, err)
	}
	if m.State() != StateIdle {
		t.Fatalf("state=%s, want idle", m.State())
	}
}

func TestMachine_CallStartRejectedWhenBusy(t *testing.T) {
	m, _ := newTestMachine(t, nil, nil)
	activate(t, m)

	out, err := m.CallStart(context.Background(), "5550111")
	if out != OutcomeRejected || !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("CallStart=%q,%v want rejected", out, err)
	}
}

func TestMachine_ScenarioBelowWarning(t *testing.T) {
	m, _ := newTestMachine(t, []risk.Entry{{Keyword: "otp", Weight: 20}, {Keyword: "bank", Weight: 15}}, nil)
	activate(t, m)

	if r := m.Transcript("urgent otp request"); r.Delta != 20 {
		t.Fatalf("delta=%d, want 20", r.Delta)
	}
	if r := m.Transcript("please visit your bank"); r.Delta != 15 || r.Score != 35 || r.Warning {
		t.Fatalf("result=%+v, want delta 15 score 35 no warning", r)
	}
	snap := m.Snapshot()
	if snap.RiskScore != 35 || snap.WarningIssued {
		t.Fatalf("snapshot=%+v, want score 35 without warning", snap)
	}
	if len(snap.MatchedKeywords) != 2 || snap.MatchedKeywords[0] != "bank" || snap.MatchedKeywords[1] != "otp" {
		t.Fatalf("matched=%v, want [bank otp]", snap.MatchedKeywords)
	}
}

func TestMachine_WarningFiresOnce(t *testing.T) {
	m, _ := newTestMachine(t, []risk.Entry{
		{Keyword: "alpha", Weight: 30},
		{Keyword: "beta", Weight: 22},
		{Keyword: "gamma", Weight: 1},
	}, nil)
	activate(t, m)

	if r := m.Transcript("alpha"); r.Warning {
		t.Fatalf("warning at score %d", r.Score)
	}
	r := m.Transcript("beta")
	if !r.Warning || r.Score != 52 {
		t.Fatalf("result=%+v, want warning at 52", r)
	}
	if m.State() != StateActive || !m.Snapshot().WarningIssued {
		t.Fatalf("snapshot=%+v, want active with warning issued", m.Snapshot())
	}

	r = m.Transcript("beta again")
	if r.Warning {
		t.Fatalf("warning re-fired at score %d", r.Score)
	}
	if r.Score != 74 || m.State() != StateActive {
		t.Fatalf("score=%d state=%s, want 74 active", r.Score, m.State())
	}

	r = m.Transcript("gamma")
	if !r.Forced || m.State() != StateEnded {
		t.Fatalf("result=%+v state=%s, want forced end at 75", r, m.State())
	}
}

func TestMachine_AutoDisconnect(t *testing.T) {
	m, rec := newTestMachine(t, []risk.Entry{{Keyword: "gift card", Weight: 40}, {Keyword: "wire", Weight: 40}}, nil)
	activate(t, m)

	m.Transcript("buy a gift card")
	r := m.Transcript("then wire the money")
	if !r.Forced || !r.Warning {
		t.Fatalf("result=%+v, want warning and forced", r)
	}
	if r.Score != 80 {
		t.Fatalf("score=%d, want 80", r.Score)
	}
	if r.Transcript != "buy a gift card then wire the money" {
		t.Fatalf("transcript=%q", r.Transcript)
	}

	snap := m.Snapshot()
	if snap.State != StateEnded || snap.EndReason != EndReasonForced {
		t.Fatalf("snapshot=%+v, want ended/forced", snap)
	}
	if snap.RiskScore != 0 || snap.WarningIssued || len(snap.MatchedKeywords) != 0 {
		t.Fatalf("snapshot=%+v, want risk fields cleared", snap)
	}
	last := rec.snaps[len(rec.snaps)-1]
	if last.State != StateEnded || last.EndReason != EndReasonForced {
		t.Fatalf("last observed snapshot=%+v, want ended/forced", last)
	}

	if r := m.Transcript("gift card"); !r.Discarded {
		t.Fatalf("chunk after end was scored: %+v", r)
	}
}

func TestMachine_ChunksOutsideActiveAreDiscarded(t *testing.T) {
	m, rec := newTestMachine(t, []risk.Entry{{Keyword: "otp", Weight: 20}}, nil)

	if r := m.Transcript("otp"); !r.Discarded {
		t.Fatalf("idle chunk scored: %+v", r)
	}
	if _, err := m.CallStart(context.Background(), ""); err != nil {
		t.Fatalf("CallStart: %v", err)
	}
	if r := m.Transcript("otp"); !r.Discarded {
		t.Fatalf("ringing chunk scored: %+v", r)
	}
	if n := len(rec.snaps); n != 1 {
		t.Fatalf("observer called %d times, want 1", n)
	}
}

func TestMachine_TransportErrorEndsCall(t *testing.T) {
	m, _ := newTestMachine(t, []risk.Entry{{Keyword: "otp", Weight: 20}}, nil)

	m.TransportError(errors.New("ignored while idle"))
	if m.State() != StateIdle {
		t.Fatalf("state=%s, want idle", m.State())
	}

	activate(t, m)
	m.Transcript("otp")
	m.TransportError(errors.New("socket closed"))
	snap := m.Snapshot()
	if snap.State != StateEnded || snap.EndReason != EndReasonTransportError || snap.RiskScore != 0 {
		t.Fatalf("snapshot=%+v, want ended/transport_error with score reset", snap)
	}
}

func TestMachine_ResetStartsFreshSession(t *testing.T) {
	m, _ := newTestMachine(t, []risk.Entry{{Keyword: "alpha", Weight: 60}}, nil)
	activate(t, m)
	if r := m.Transcript("alpha"); !r.Warning {
		t.Fatalf("expected warning")
	}
	if err := m.Reset(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Reset while active: err=%v", err)
	}
	if err := m.CallEnd(); err != nil {
		t.Fatalf("CallEnd: %v", err)
	}
	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	activate(t, m)
	if r := m.Transcript("alpha"); !r.Warning || r.Score != 60 {
		t.Fatalf("fresh session result=%+v, want warning at 60", r)
	}
}

func TestMachine_FlagNumber(t *testing.T) {
	flags := &fakeFlags{}
	m, _ := newTestMachine(t, nil, flags)

	if err := m.FlagNumber(context.Background()); !errors.Is(err, ErrNoNumber) {
		t.Fatalf("FlagNumber without number: err=%v", err)
	}
	activate(t, m)
	if err := m.FlagNumber(context.Background()); err != nil {
		t.Fatalf("FlagNumber: %v", err)
	}
	if err := m.CallEnd(); err != nil {
		t.Fatalf("CallEnd: %v", err)
	}
	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	out, err := m.CallStart(context.Background(), "5550100")
	if err != nil || out != OutcomeNumberFlagged {
		t.Fatalf("CallStart after flag=%q,%v want number_flagged", out, err)
	}
}

func TestMachine_ScoreMonotonicAndBounded(t *testing.T) {
	words := []risk.Entry{
		{Keyword: "otp", Weight: 20},
		{Keyword: "bank", Weight: 15},
		{Keyword: "urgent", Weight: 5},
		{Keyword: "card", Weight: 3},
	}
	vocab := []string{"otp", "bank", "urgent", "card", "hello", "weather", "thanks"}
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		m, _ := newTestMachine(t, words, nil)
		activate(t, m)

		prev := 0
		warnings := 0
		for i := 0; i < 20 && m.State() == StateActive; i++ {
			chunk := vocab[rng.Intn(len(vocab))] + " " + vocab[rng.Intn(len(vocab))]
			r := m.Transcript(chunk)
			if r.Score < prev || r.Score > risk.MaxScore {
				t.Fatalf("trial %d: score went %d -> %d", trial, prev, r.Score)
			}
			if r.Warning {
				warnings++
			}
			prev = r.Score
		}
		if warnings > 1 {
			t.Fatalf("trial %d: warning fired %d times", trial, warnings)
		}
	}
}
