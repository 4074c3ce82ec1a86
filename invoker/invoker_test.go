package invoker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenflow.evalgo.org/errs"
	"tokenflow.evalgo.org/token"
)

func TestInvokeDispatchesByArity(t *testing.T) {
	reg := NewRegistry()
	reg.Register("pricing", "quote", 2, HandlerFunc(func(ctx context.Context, payloads []map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"sum": payloads[0]["x"].(float64) + payloads[1]["x"].(float64)}, nil
	}))

	inv := New(reg)
	tok := &token.Envelope{SequenceID: 1_010_000, ServiceName: "pricing", OperationName: "quote"}

	result, err := inv.Invoke(context.Background(), tok, []map[string]interface{}{
		{"x": 1.0}, {"x": 2.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 3.0, result["sum"])
	assert.False(t, tok.ServiceStartTime.IsZero())
	assert.False(t, tok.ServiceEndTime.IsZero())
}

func TestInvokeNoHandlerRegistered(t *testing.T) {
	inv := New(NewRegistry())
	tok := &token.Envelope{ServiceName: "missing", OperationName: "op"}
	_, err := inv.Invoke(context.Background(), tok, []map[string]interface{}{{}})
	assert.ErrorIs(t, err, errs.ErrNoHandler)
}

func TestInvokeWrapsHandlerFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register("pricing", "quote", 1, HandlerFunc(func(ctx context.Context, payloads []map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	}))
	inv := New(reg)
	tok := &token.Envelope{ServiceName: "pricing", OperationName: "quote"}

	_, err := inv.Invoke(context.Background(), tok, []map[string]interface{}{{}})
	assert.ErrorIs(t, err, errs.ErrInvocationFailed)
}
