package orchestrator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenflow.evalgo.org/codec"
	"tokenflow.evalgo.org/forkjoin"
	"tokenflow.evalgo.org/invoker"
	"tokenflow.evalgo.org/publisher"
	"tokenflow.evalgo.org/ruleengine"
	"tokenflow.evalgo.org/rulestore"
	"tokenflow.evalgo.org/token"
)

const passThroughRule = `<ControlNodeRules service="pricing" operation="quote" version="v001" arity="1">
  <guard></guard>
  <routes><target service="fulfillment" operation="ship" channel="ch1" port="0"/></routes>
</ControlNodeRules>`

const noRouteRule = `<ControlNodeRules service="pricing" operation="quote" version="v001" arity="1">
  <guard></guard>
</ControlNodeRules>`

const rejectingRule = `<ControlNodeRules service="pricing" operation="quote" version="v001" arity="1">
  <guard><condition field="approved" op="eq" value="true"/></guard>
</ControlNodeRules>`

const joinRule = `<ControlNodeRules service="pricing" operation="merge" version="v001" arity="2">
  <guard></guard>
</ControlNodeRules>`

func openStore(t *testing.T, rule string, service, operation, version string) *rulestore.Store {
	t.Helper()
	store, err := rulestore.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Stage(version, operation, service, []byte(rule)))
	store.Commit(version)
	return store
}

func newTestOrchestrator(t *testing.T, store *rulestore.Store, reg *invoker.Registry) *Orchestrator {
	t.Helper()

	pub, err := publisher.New(publisher.DefaultConfig(), publisher.NewStaticResolver(), codec.New(codec.DefaultConfig()))
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })

	return New(Config{MaxQueue: 10, PoolSize: 1, MaxGuardRetries: 2}, Dependencies{
		Codec:     codec.New(codec.DefaultConfig()),
		Store:     store,
		Engine:    ruleengine.New(),
		Joins:     forkjoin.NewRegistry(),
		Invoker:   invoker.New(reg),
		Publisher: pub,
	})
}

func TestRunPublishesWithNoRouteTargets(t *testing.T) {
	store := openStore(t, noRouteRule, "pricing", "quote", "v001")
	reg := invoker.NewRegistry()
	reg.Register("pricing", "quote", 1, invoker.HandlerFunc(func(ctx context.Context, payloads []map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"price": 42.0}, nil
	}))
	o := newTestOrchestrator(t, store, reg)

	tok := &token.Envelope{SequenceID: 1_010_000, RuleBaseVersion: "v001", ServiceName: "pricing", OperationName: "quote", Payload: map[string]interface{}{"x": 1.0}}
	outcome := o.run(context.Background(), tok, time.Now())

	assert.Equal(t, PhasePublished, outcome.Phase)
	assert.Equal(t, "fan_out=0", outcome.Reason)
}

func TestRunDropsExpiredToken(t *testing.T) {
	store := openStore(t, noRouteRule, "pricing", "quote", "v001")
	o := newTestOrchestrator(t, store, invoker.NewRegistry())

	tok := &token.Envelope{SequenceID: 1_010_000, RuleBaseVersion: "v001", ServiceName: "pricing", OperationName: "quote", NotAfter: time.Now().Add(-time.Second)}
	outcome := o.run(context.Background(), tok, time.Now())

	assert.Equal(t, PhaseDropped, outcome.Phase)
	assert.Contains(t, outcome.Reason, "expired")
}

func TestRunDropsUncommittedVersion(t *testing.T) {
	store := openStore(t, noRouteRule, "pricing", "quote", "v001")
	o := newTestOrchestrator(t, store, invoker.NewRegistry())

	tok := &token.Envelope{SequenceID: 2_010_000, RuleBaseVersion: "v002", ServiceName: "pricing", OperationName: "quote"}
	outcome := o.run(context.Background(), tok, time.Now())

	assert.Equal(t, PhaseDropped, outcome.Phase)
}

func TestRunDropsOnGuardRejection(t *testing.T) {
	store := openStore(t, rejectingRule, "pricing", "quote", "v001")
	o := newTestOrchestrator(t, store, invoker.NewRegistry())

	tok := &token.Envelope{SequenceID: 1_010_000, RuleBaseVersion: "v001", ServiceName: "pricing", OperationName: "quote", Payload: map[string]interface{}{"approved": false}}
	outcome := o.run(context.Background(), tok, time.Now())

	assert.Equal(t, PhaseDropped, outcome.Phase)
	assert.Contains(t, outcome.Reason, "guard rejected")
}

func TestRunPublishesSingleTargetOverRealSocket(t *testing.T) {
	store := openStore(t, passThroughRule, "pricing", "quote", "v001")
	reg := invoker.NewRegistry()
	reg.Register("pricing", "quote", 1, invoker.HandlerFunc(func(ctx context.Context, payloads []map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"price": 10.0}, nil
	}))

	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()
	localPort := listener.LocalAddr().(*net.UDPAddr).Port
	// passThroughRule routes to channel index 0, so the resolved base port
	// alone must account for the listener's (OS-assigned) port.
	basePort := localPort - publisher.TokenListenerPortBase

	resolver := publisher.NewStaticResolver()
	resolver.Register("ch1", net.IPv4(127, 0, 0, 1), basePort)
	pub, err := publisher.New(publisher.DefaultConfig(), resolver, codec.New(codec.DefaultConfig()))
	require.NoError(t, err)
	defer pub.Close()

	o := New(Config{MaxQueue: 10, PoolSize: 1}, Dependencies{
		Codec: codec.New(codec.DefaultConfig()), Store: store, Engine: ruleengine.New(),
		Joins: forkjoin.NewRegistry(), Invoker: invoker.New(reg), Publisher: pub,
	})

	tok := &token.Envelope{SequenceID: 1_010_000, RuleBaseVersion: "v001", ServiceName: "pricing", OperationName: "quote", Payload: map[string]interface{}{"x": 1.0}}

	outcome := o.run(context.Background(), tok, time.Now())
	assert.Equal(t, PhasePublished, outcome.Phase)

	listener.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	n, err := listener.Read(buf)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestRunJoinWaitsThenSurvivorPublishes(t *testing.T) {
	store := openStore(t, joinRule, "pricing", "merge", "v001")
	reg := invoker.NewRegistry()
	reg.Register("pricing", "merge", 2, invoker.HandlerFunc(func(ctx context.Context, payloads []map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"merged": len(payloads)}, nil
	}))
	o := newTestOrchestrator(t, store, reg)

	parent := int64(1_010_000)
	child1 := token.ForkChildID(parent, 1)
	child2 := token.ForkChildID(parent, 2)

	tok1 := &token.Envelope{SequenceID: child1, RuleBaseVersion: "v001", ServiceName: "pricing", OperationName: "merge", Payload: map[string]interface{}{"a": 1.0}}
	outcome1 := o.run(context.Background(), tok1, time.Now())
	assert.Equal(t, PhaseJoinWaiting, outcome1.Phase)

	tok2 := &token.Envelope{SequenceID: child2, RuleBaseVersion: "v001", ServiceName: "pricing", OperationName: "merge", Payload: map[string]interface{}{"b": 2.0}}
	outcome2 := o.run(context.Background(), tok2, time.Now())
	assert.Equal(t, PhasePublished, outcome2.Phase)
	assert.Equal(t, parent, tok2.SequenceID, "survivor inherits the parent sequence id")
}

func TestAdmitRejectsQueueFullForNonJoinArrival(t *testing.T) {
	store := openStore(t, noRouteRule, "pricing", "quote", "v001")
	o := newTestOrchestrator(t, store, invoker.NewRegistry())
	o.cfg.MaxQueue = 1
	o.reactor = NewReactor(1)

	now := time.Now()
	require.NoError(t, o.Admit(&token.Envelope{SequenceID: 1_010_000, ServiceName: "pricing", OperationName: "quote", RuleBaseVersion: "v001"}, now))
	err := o.Admit(&token.Envelope{SequenceID: 1_020_000, ServiceName: "pricing", OperationName: "quote", RuleBaseVersion: "v001"}, now)
	assert.Error(t, err)
}
