package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriorityRoundTrip(t *testing.T) {
	for _, p := range []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow} {
		parsed, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
}

func TestParsePriorityUnknown(t *testing.T) {
	_, err := ParsePriority("asap")
	assert.Error(t, err)
}

func TestPromoteStopsAtUrgent(t *testing.T) {
	assert.Equal(t, PriorityNormal, PriorityLow.Promote())
	assert.Equal(t, PriorityHigh, PriorityNormal.Promote())
	assert.Equal(t, PriorityUrgent, PriorityHigh.Promote())
	assert.Equal(t, PriorityUrgent, PriorityUrgent.Promote())
}

func TestPriorityOrderingMatchesDispatch(t *testing.T) {
	// Lower value is served first.
	assert.Less(t, int(PriorityUrgent), int(PriorityHigh))
	assert.Less(t, int(PriorityHigh), int(PriorityNormal))
	assert.Less(t, int(PriorityNormal), int(PriorityLow))
}
