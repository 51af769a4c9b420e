package session

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a call.
type State int

const (
	StateIdle State = iota
	StateRinging
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// EndReason records why a call reached StateEnded.
type EndReason string

const (
	EndReasonNone           EndReason = ""
	EndReasonUser           EndReason = "user"
	EndReasonForced         EndReason = "forced"
	EndReasonTransportError EndReason = "transport_error"
)

// Outcome is the result of a CallStart intent.
type Outcome string

const (
	OutcomeRinging Outcome = "ringing"
	// OutcomeNumberFlagged is a policy decision, not a failure: the number is
	// in the flagged set and the call never rings.
	OutcomeNumberFlagged Outcome = "number_flagged"
	// OutcomeFailed means the flagged-number lookup itself failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeRejected means the machine was not Idle.
	OutcomeRejected Outcome = "rejected"
)

var (
	ErrInvalidTransition = errors.New("session: invalid transition")
	ErrNoNumber          = errors.New("session: no number to flag")
)

// FlaggedNumberSet is the injected store of numbers previously reported as
// suspicious.
type FlaggedNumberSet interface {
	Contains(ctx context.Context, number string) (bool, error)
	Add(ctx context.Context, number string) error
}

// Snapshot is a copy of the session state handed to renderers after every
// transition.
type Snapshot struct {
	State           State     `json:"-"`
	StateName       string    `json:"state"`
	Number          string    `json:"number,omitempty"`
	StartedAt       time.Time `json:"startedAt,omitzero"`
	RiskScore       int       `json:"riskScore"`
	WarningIssued   bool      `json:"warningIssued"`
	MatchedKeywords []string  `json:"matchedKeywords"`
	EndReason       EndReason `json:"endReason,omitempty"`
}
