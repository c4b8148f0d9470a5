// Package fulfillment tracks each engaged client through payment,
// credential collection, implementation, QA and the final notification.
package fulfillment

import (
	"errors"
	"fmt"
	"slices"
)

type State string

const (
	Engaged             State = "ENGAGED"
	AwaitingPayment     State = "AWAITING_PAYMENT"
	PaymentReceived     State = "PAYMENT_RECEIVED"
	AwaitingCredentials State = "AWAITING_CREDENTIALS"
	CredentialsReceived State = "CREDENTIALS_RECEIVED"
	Implementing        State = "IMPLEMENTING"
	AwaitingQA          State = "AWAITING_QA"
	QAApproved          State = "QA_APPROVED"
	Notified            State = "NOTIFIED"
	Abandoned           State = "ABANDONED"
)

// sequence is the only forward path through the states.
var sequence = []State{
	Engaged, AwaitingPayment, PaymentReceived, AwaitingCredentials,
	CredentialsReceived, Implementing, AwaitingQA, QAApproved, Notified,
}

var (
	ErrStateConflict     = errors.New("state conflict")
	ErrInvalidTransition = errors.New("invalid transition")
)

// StateConflictError reports that a case was not in the state a transition
// expected, typically because a duplicate event already moved it.
type StateConflictError struct {
	CaseID   string
	Expected State
	Actual   State
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("case %s is %s, expected %s", e.CaseID, e.Actual, e.Expected)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// ParseState validates s as a known state name.
func ParseState(s string) (State, error) {
	st := State(s)
	if st == Abandoned || slices.Contains(sequence, st) {
		return st, nil
	}
	return "", fmt.Errorf("unknown state %q", s)
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Notified || s == Abandoned
}

// Next returns the state that follows s on the forward path.
func (s State) Next() (State, bool) {
	i := slices.Index(sequence, s)
	if i < 0 || i == len(sequence)-1 {
		return "", false
	}
	return sequence[i+1], true
}

// CanAdvance reports whether from -> to is allowed: one step forward, or to
// ABANDONED from any non-terminal state.
func CanAdvance(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Abandoned {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

// TerminalStates lists the states a case never leaves.
func TerminalStates() []State {
	return []State{Notified, Abandoned}
}

// States lists every state in forward order, ABANDONED last.
func States() []State {
	return append(slices.Clone(sequence), Abandoned)
}
