package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenflow.evalgo.org/orchestrator"
)

func TestRecordOutcomePublishesExchangeAndBody(t *testing.T) {
	dialer, ch := NewMockAMQPDialer()
	pub, err := NewWithDialer(Config{AMQPURL: "amqp://ignored"}, dialer)
	require.NoError(t, err)
	defer pub.Close()

	assert.Equal(t, "tokenflow.lifecycle", ch.DeclaredExchange)

	outcome := orchestrator.TokenOutcome{
		SequenceID: 1_010_000, ServiceName: "pricing", OperationName: "quote",
		Phase: orchestrator.PhasePublished, Reason: "fan_out=1", At: time.Now(),
	}
	require.NoError(t, pub.RecordOutcome(context.Background(), outcome))

	require.Len(t, ch.PublishedBodies, 1)
	assert.Equal(t, "token.outcome", ch.PublishedKeys[0])

	var got TokenLifecycleEvent
	require.NoError(t, json.Unmarshal(ch.PublishedBodies[0], &got))
	assert.Equal(t, int64(1_010_000), got.SequenceID)
	assert.Equal(t, "PUBLISHED", got.Phase)
}

func TestRecordOutcomePropagatesPublishError(t *testing.T) {
	dialer, ch := NewMockAMQPDialer()
	pub, err := NewWithDialer(Config{}, dialer)
	require.NoError(t, err)
	defer pub.Close()

	ch.PublishErr = assert.AnError
	err = pub.RecordOutcome(context.Background(), orchestrator.TokenOutcome{SequenceID: 1})
	assert.Error(t, err)
}

func TestNewWithDialerPropagatesDialError(t *testing.T) {
	dialer := NewMockAMQPDialerWithDialError(assert.AnError)
	_, err := NewWithDialer(Config{}, dialer)
	assert.Error(t, err)
}
