package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tokenflow.evalgo.org/token"
)

func TestPrioritiseDropsExpired(t *testing.T) {
	now := time.Now()
	tok := &token.Envelope{SequenceID: 1_010_000, NotAfter: now}
	p := Prioritise(ActionAdmit, tok, now)
	assert.Equal(t, int64(DropCostKey), p.CostKey)
}

func TestPrioritiseOrdersBySequenceID(t *testing.T) {
	now := time.Now()
	low := Prioritise(ActionAdmit, &token.Envelope{SequenceID: 1_010_000}, now)
	high := Prioritise(ActionAdmit, &token.Envelope{SequenceID: 1_020_000}, now)
	assert.True(t, low.Less(high))
}

func TestPrioritiseSameSequenceEarlierArrivalWins(t *testing.T) {
	base := time.Now().Truncate(time.Second)
	earlier := Prioritise(ActionAdmit, &token.Envelope{SequenceID: 1_010_000}, base.Add(10*time.Millisecond))
	later := Prioritise(ActionAdmit, &token.Envelope{SequenceID: 1_010_000}, base.Add(500*time.Millisecond))
	assert.True(t, earlier.Less(later))
}
