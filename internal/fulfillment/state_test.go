package fulfillment

import (
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCanAdvance(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Engaged, AwaitingPayment, true},
		{AwaitingQA, QAApproved, true},
		{QAApproved, Notified, true},
		{Engaged, PaymentReceived, false},
		{AwaitingPayment, Engaged, false},
		{Implementing, Abandoned, true},
		{Engaged, Abandoned, true},
		{Notified, Abandoned, false},
		{Abandoned, Engaged, false},
		{Abandoned, Abandoned, false},
		{Engaged, Engaged, false},
	}
	for _, tt := range tests {
		if got := CanAdvance(tt.from, tt.to); got != tt.want {
			t.Errorf("CanAdvance(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseState(t *testing.T) {
	for _, st := range States() {
		if got, err := ParseState(string(st)); err != nil || got != st {
			t.Errorf("ParseState(%s) = %s, %v", st, got, err)
		}
	}
	if _, err := ParseState("CANCELLED"); err == nil {
		t.Error("ParseState accepted an unknown state")
	}
}

func TestTransitionsAreMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	all := States()
	properties.Property("allowed transitions never move backward or leave a terminal state", prop.ForAll(
		func(i, j int) bool {
			from, to := all[i], all[j]
			if !CanAdvance(from, to) {
				return true
			}
			if from.Terminal() {
				return false
			}
			if to == Abandoned {
				return true
			}
			return slices.Index(all, to) == slices.Index(all, from)+1
		},
		gen.IntRange(0, len(all)-1),
		gen.IntRange(0, len(all)-1),
	))

	properties.TestingRun(t)
}
