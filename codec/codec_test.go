package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenflow.evalgo.org/errs"
	"tokenflow.evalgo.org/token"
)

func sampleEnvelope() *token.Envelope {
	return &token.Envelope{
		SequenceID:      1_010_000,
		RuleBaseVersion: "v001",
		ServiceName:     "pricing",
		OperationName:   "quote",
		Payload:         map[string]interface{}{"amount": 42.0},
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	c := New(DefaultConfig())
	env := sampleEnvelope()

	data, err := c.Marshal(env)
	require.NoError(t, err)

	out, err := c.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, env.SequenceID, out.SequenceID)
	assert.Equal(t, env.RuleBaseVersion, out.RuleBaseVersion)
	assert.Equal(t, env.ServiceName, out.ServiceName)
	assert.Equal(t, 42.0, out.Payload["amount"])
}

func TestMarshalUnmarshalRoundTripWithCompression(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compress = true
	c := New(cfg)
	env := sampleEnvelope()

	data, err := c.Marshal(env)
	require.NoError(t, err)

	out, err := c.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, env.SequenceID, out.SequenceID)
}

func TestUnmarshalMalformedDrops(t *testing.T) {
	c := New(DefaultConfig())
	_, err := c.Unmarshal([]byte("not xml at all"))
	assert.ErrorIs(t, err, errs.ErrMalformedToken)
}

func TestChunkAndReassembleRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxWireLength = 256
	c := New(cfg)
	env := sampleEnvelope()
	env.Payload["blob"] = make([]byte, 2000)

	data, err := c.Marshal(env)
	require.NoError(t, err)

	chunks, err := c.Chunk(data, "pricing", "quote")
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	var out *token.Envelope
	var complete bool
	now := time.Now()
	for _, ch := range chunks {
		out, complete, err = c.Reassemble(ch, now)
		require.NoError(t, err)
	}
	assert.True(t, complete)
	require.NotNil(t, out)
	assert.Equal(t, env.SequenceID, out.SequenceID)
}

func TestChunkFitsInSingleDatagram(t *testing.T) {
	c := New(DefaultConfig())
	env := sampleEnvelope()
	data, err := c.Marshal(env)
	require.NoError(t, err)

	chunks, err := c.Chunk(data, "pricing", "quote")
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
	assert.Equal(t, 1, chunks[0].TotalChunks)
}

func TestSweepStaleDropsAgedFragments(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkTTL = time.Millisecond
	c := New(cfg)

	chunk := Chunk{ChunkIndex: 0, TotalChunks: 2, CorrelationID: "abc", ChunkData: "AA=="}
	_, complete, err := c.Reassemble(chunk, time.Now())
	require.NoError(t, err)
	assert.False(t, complete)

	dropped := c.SweepStale(time.Now().Add(time.Second))
	assert.Contains(t, dropped, "abc")
}
