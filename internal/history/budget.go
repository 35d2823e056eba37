package history

import (
	"github.com/agentica/agentica-server/pkg/protocol"
)

// Budget holds the configured token and round limits for an agent.
// Nil fields are unbounded. MaxPerRound may be nil while MaxRounds is set;
// in that combination each round is capped only by the remaining
// per-invocation budget (or by the provider when that too is nil).
type Budget struct {
	MaxPerInvocation *int
	MaxPerRound      *int
	MaxRounds        *int
}

// Tracker enforces a Budget across the rounds of one invocation.
// It is reset between invocations.
type Tracker struct {
	budget    Budget
	remaining *int
	rounds    int
}

// NewTracker starts tracking against the given budget.
func NewTracker(budget Budget) *Tracker {
	t := &Tracker{budget: budget}
	t.Reset()
	return t
}

// Reset clears per-invocation counters: the remaining completion budget and
// the round count.
func (t *Tracker) Reset() {
	t.rounds = 0
	if t.budget.MaxPerInvocation != nil {
		v := *t.budget.MaxPerInvocation
		t.remaining = &v
	} else {
		t.remaining = nil
	}
}

// StartRound counts a new inference round. Returns MaxRoundsError when the
// round budget is exhausted.
func (t *Tracker) StartRound() error {
	if t.budget.MaxRounds != nil && t.rounds >= *t.budget.MaxRounds {
		return protocol.NewError(protocol.ErrMaxRounds,
			"invocation exceeded %d rounds", *t.budget.MaxRounds)
	}
	t.rounds++
	return nil
}

// Rounds returns the number of rounds started in this invocation.
func (t *Tracker) Rounds() int {
	return t.rounds
}

// NextCap returns the effective max-tokens cap for the next inference call:
// min(per-round cap, remaining completion budget). ok is false when both are
// unset, meaning the call is bounded only by the provider. Returns
// MaxTokensError when the completion budget is already exhausted.
func (t *Tracker) NextCap() (cap int, ok bool, err error) {
	if t.remaining != nil && *t.remaining <= 0 {
		return 0, false, protocol.NewError(protocol.ErrMaxTokens,
			"invocation completion budget exhausted")
	}

	switch {
	case t.budget.MaxPerRound != nil && t.remaining != nil:
		if *t.budget.MaxPerRound < *t.remaining {
			return *t.budget.MaxPerRound, true, nil
		}
		return *t.remaining, true, nil
	case t.budget.MaxPerRound != nil:
		return *t.budget.MaxPerRound, true, nil
	case t.remaining != nil:
		return *t.remaining, true, nil
	default:
		return 0, false, nil
	}
}

// Charge subtracts a completed inference's reported completion tokens from
// the remaining budget.
func (t *Tracker) Charge(usage *Usage) {
	if usage == nil || t.remaining == nil {
		return
	}
	*t.remaining -= usage.CompletionTokens
}

// Remaining returns the remaining completion budget, or nil when unbounded.
func (t *Tracker) Remaining() *int {
	if t.remaining == nil {
		return nil
	}
	v := *t.remaining
	return &v
}
