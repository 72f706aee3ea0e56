package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTransactionType(t *testing.T) {
	for _, tt := range AllTransactionTypes {
		got, err := ParseTransactionType(string(tt))
		require.NoError(t, err)
		assert.Equal(t, tt, got)
	}

	_, err := ParseTransactionType("Redeem")
	assert.Error(t, err)
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{in: "", want: PriorityNormal},
		{in: "fastest", want: PriorityFastest},
		{in: "fast", want: PriorityFast},
		{in: "normal", want: PriorityNormal},
		{in: "slow", want: PrioritySlow},
		{in: "urgent", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSettlementStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusSettled))
	assert.True(t, StatusPending.CanTransitionTo(StatusCancelled))
	assert.False(t, StatusSettled.CanTransitionTo(StatusPending))
	assert.False(t, StatusSettled.CanTransitionTo(StatusCancelled))
	assert.False(t, StatusCancelled.CanTransitionTo(StatusSettled))
	assert.False(t, StatusPending.CanTransitionTo(StatusPending))
	assert.Equal(t, "cancelled", StatusCancelled.String())
}

func TestRoundStateMachine(t *testing.T) {
	assert.True(t, RoundIdle.CanTransitionTo(RoundRequested))
	assert.True(t, RoundRequested.CanTransitionTo(RoundAwaitingResponse))
	assert.True(t, RoundAwaitingResponse.CanTransitionTo(RoundCommitted))
	assert.True(t, RoundAwaitingResponse.CanTransitionTo(RoundFailed))

	assert.False(t, RoundIdle.CanTransitionTo(RoundCommitted))
	assert.False(t, RoundCommitted.CanTransitionTo(RoundFailed))
	assert.False(t, RoundFailed.CanTransitionTo(RoundRequested))
	assert.True(t, RoundCommitted.Terminal())
	assert.True(t, RoundFailed.Terminal())
}

func TestSettledIsFinal_Property(t *testing.T) {
	properties := gopter.NewProperties(nil)

	statuses := []interface{}{StatusPending, StatusSettled, StatusCancelled}

	properties.Property("no status leaves settled", prop.ForAll(
		func(next SettlementStatus) bool {
			return !StatusSettled.CanTransitionTo(next)
		},
		gen.OneConstOf(statuses...).Map(func(v interface{}) SettlementStatus {
			return v.(SettlementStatus)
		}),
	))

	properties.TestingRun(t)
}
