package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"tokenflow.evalgo.org/codec"
	"tokenflow.evalgo.org/common"
	"tokenflow.evalgo.org/errs"
	"tokenflow.evalgo.org/enricher"
	"tokenflow.evalgo.org/forkjoin"
	"tokenflow.evalgo.org/invoker"
	"tokenflow.evalgo.org/metrics"
	"tokenflow.evalgo.org/publisher"
	"tokenflow.evalgo.org/ruleengine"
	"tokenflow.evalgo.org/rulestore"
	"tokenflow.evalgo.org/scheduler"
	"tokenflow.evalgo.org/statemanager"
	"tokenflow.evalgo.org/token"
)

// MonitorSink records terminal token outcomes for observability. It is
// optional and fire-and-forget: a failure to record never affects
// routing. The monitor package implements this against a message
// broker; nil disables emission entirely.
type MonitorSink interface {
	RecordOutcome(ctx context.Context, outcome TokenOutcome) error
}

// TokenOutcome is one terminal event for a token's pass through this
// place.
type TokenOutcome struct {
	SequenceID    int64
	ServiceName   string
	OperationName string
	Phase         Phase
	Reason        string
	At            time.Time

	// Err is the underlying error for a dropped token, nil for a
	// published or silently-filtered one. It never leaves this process -
	// MonitorSink implementations only see the string Reason.
	Err error
}

// Config configures an Orchestrator.
type Config struct {
	// LocalService, if non-empty, is the service name this node hosts.
	// A token addressed to any other service is dropped on receipt as a
	// service mismatch (spec §4.11) - a defensive filter against
	// misrouted or broadcast ingress.
	LocalService string

	MaxQueue        int
	PoolSize        int
	MaxGuardRetries int

	// MonitorIncomingEvents mirrors loaderSettings.xml's
	// MonitorSettings.monitorIncomingEvents: when false, no outcomes are
	// ever emitted regardless of whether a MonitorSink is wired in.
	MonitorIncomingEvents bool
}

// DefaultConfig returns the spec's stated defaults (§5, §6).
func DefaultConfig() Config {
	return Config{
		MaxQueue:              1000,
		PoolSize:              2,
		MaxGuardRetries:       8,
		MonitorIncomingEvents: true,
	}
}

// Orchestrator is the coordinator described in spec §4.11: not itself a
// dedicated thread, but the state machine each pool worker runs once
// per dequeued token.
type Orchestrator struct {
	cfg Config

	codec     *codec.Codec
	store     *rulestore.Store
	engine    ruleengine.Engine
	joins     *forkjoin.Registry
	invoker   *invoker.Invoker
	publisher *publisher.Publisher

	reactor      *Reactor
	joinPayloads *joinPayloadCache
	phases       *phaseTracker
	ops          *statemanager.Manager
	monitor      MonitorSink
	metrics      metrics.Counters

	log *common.ContextLogger

	stop chan struct{}
}

// Dependencies bundles the collaborators an Orchestrator wires together.
// Monitor and Metrics may both be nil.
type Dependencies struct {
	Codec     *codec.Codec
	Store     *rulestore.Store
	Engine    ruleengine.Engine
	Joins     *forkjoin.Registry
	Invoker   *invoker.Invoker
	Publisher *publisher.Publisher
	Monitor   MonitorSink
	Metrics   metrics.Counters
}

// New builds an Orchestrator ready to Start.
func New(cfg Config, deps Dependencies) *Orchestrator {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultConfig().MaxQueue
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultConfig().PoolSize
	}
	if cfg.MaxGuardRetries <= 0 {
		cfg.MaxGuardRetries = DefaultConfig().MaxGuardRetries
	}

	return &Orchestrator{
		cfg:          cfg,
		codec:        deps.Codec,
		store:        deps.Store,
		engine:       deps.Engine,
		joins:        deps.Joins,
		invoker:      deps.Invoker,
		publisher:    deps.Publisher,
		reactor:      NewReactor(cfg.MaxQueue),
		joinPayloads: newJoinPayloadCache(),
		phases:       newPhaseTracker(),
		ops:          statemanager.New(statemanager.Config{ServiceName: cfg.LocalService}),
		monitor:      deps.Monitor,
		metrics:      deps.Metrics,
		log:          common.ServiceLogger("orchestrator", ""),
		stop:         make(chan struct{}),
	}
}

// Start launches cfg.PoolSize workers draining the reactor. It returns
// immediately; call Shutdown to stop the pool.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.cfg.PoolSize; i++ {
		go o.runWorker(ctx, i)
	}
}

// Shutdown closes the reactor, unblocking all workers.
func (o *Orchestrator) Shutdown() {
	close(o.stop)
	o.reactor.Close()
}

// ListenAndServe opens the node's token-ingress UDP socket and admits
// every datagram received until ctx is canceled, mirroring
// rulehandler.Handler.ListenAndServe's bind/read-loop shape for the
// sibling rule-install listener.
func (o *Orchestrator) ListenAndServe(ctx context.Context, addr *net.UDPAddr) error {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("orchestrator: listen: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.log.WithError(err).Warn("token ingress read failed")
			continue
		}
		if err := o.AdmitDatagram(append([]byte(nil), buf[:n]...), time.Now()); err != nil {
			o.log.WithError(err).Warn("token admission failed")
		}
	}
}

// QueueDepth reports the EventReactor's current queue length, for the
// admin API's read-only /queue/stats route.
func (o *Orchestrator) QueueDepth() int {
	return o.reactor.Len()
}

// OperationStats returns the in-flight operation bookkeeping this
// Orchestrator tracks via statemanager, for the admin API.
func (o *Orchestrator) OperationStats() *statemanager.OperationStats {
	return o.ops.GetStats()
}

// CommittedVersions returns the RuleStore's committed rule base
// versions, for the admin API's /rulestore/versions route.
func (o *Orchestrator) CommittedVersions() []string {
	return o.store.CommittedVersions()
}

// PhaseSnapshot returns the current tracked phase of an in-flight token,
// if any, for admin introspection.
func (o *Orchestrator) PhaseSnapshot(sequenceID int64) (tokenState, bool) {
	return o.phases.snapshot(sequenceID)
}

// OpenJoinCount reports the number of fork/join rendezvous currently
// awaiting siblings, for the admin API's /forkjoin/stats route.
func (o *Orchestrator) OpenJoinCount() int {
	return o.joins.OpenCount()
}

func (o *Orchestrator) runWorker(ctx context.Context, id int) {
	for {
		tok, ok := o.reactor.Dequeue()
		if !ok {
			return
		}
		select {
		case <-o.stop:
			return
		default:
		}
		o.processToken(ctx, tok, time.Now())
	}
}

// AdmitDatagram decodes a received UDP datagram and admits the
// resulting token into the priority queue. A chunk envelope (a JSON
// object) is fed to the codec's reassembly buffer instead, and the
// token is admitted once its last fragment has arrived.
func (o *Orchestrator) AdmitDatagram(data []byte, arrivedAt time.Time) error {
	if len(data) > 0 && data[0] == '{' {
		chunk, err := codec.DecodeChunk(data)
		if err != nil {
			return err
		}
		tok, complete, err := o.codec.Reassemble(chunk, arrivedAt)
		if err != nil || !complete {
			return err
		}
		return o.Admit(tok, arrivedAt)
	}
	tok, err := o.codec.Unmarshal(data)
	if err != nil {
		return err
	}
	return o.Admit(tok, arrivedAt)
}

// Admit enqueues an already-decoded token. Whether the arrival is
// treated as ordinary or join-in-progress is determined here so the
// reactor's capacity check can bypass for partial rendezvous, per
// spec §4.3. Every fork child (non-zero branch offset) is treated as
// join-in-progress; whether a sibling is already registered at a join
// node is not checked.
func (o *Orchestrator) Admit(tok *token.Envelope, arrivedAt time.Time) error {
	action := scheduler.ActionAdmit
	joinInProgress := false
	if token.IsChild(tok.SequenceID) {
		action = scheduler.ActionJoinWait
		joinInProgress = true
	}
	return o.reactor.Admit(tok, action, arrivedAt, joinInProgress)
}

// processToken runs the full RECEIVED -> {PUBLISHED|DROPPED} state
// machine described in spec §4.11 for one token.
func (o *Orchestrator) processToken(ctx context.Context, tok *token.Envelope, arrivedAt time.Time) {
	o.phases.start(tok.SequenceID)
	defer o.phases.finish(tok.SequenceID)
	o.ops.StartOperation(fmt.Sprintf("%d", tok.SequenceID), tok.OperationName, map[string]interface{}{
		"service": tok.ServiceName,
	})

	outcome := o.run(ctx, tok, arrivedAt)
	o.ops.CompleteOperation(fmt.Sprintf("%d", tok.SequenceID), outcome.Err)
	o.emit(ctx, outcome)
}

func (o *Orchestrator) run(ctx context.Context, tok *token.Envelope, arrivedAt time.Time) TokenOutcome {
	// trackingID stays fixed at the arriving sequence id even if tok's own
	// SequenceID later mutates (join survivor inherits the parent id) -
	// phaseTracker.start was keyed on the id the token arrived with.
	trackingID := tok.SequenceID

	if tok.IsExpired(arrivedAt) {
		return o.drop(tok, PhaseReceived, "token expired", errs.ErrExpired)
	}
	if !o.store.IsCommitted(tok.RuleBaseVersion) {
		return o.drop(tok, PhaseReceived, "rule base version not committed", errs.ErrUncommittedVersion)
	}
	if o.cfg.LocalService != "" && tok.ServiceName != o.cfg.LocalService {
		return o.dropSilent(tok, PhaseReceived, "service mismatch")
	}
	o.transition(trackingID, PhaseAdmitted, "admitted")

	var (
		bundle   *ruleengine.Bundle
		payloads []map[string]interface{}
	)
	guardRetries := 0

	for {
		b, ok := o.store.Lookup(tok.RuleBaseVersion, tok.OperationName, tok.ServiceName)
		if !ok {
			return o.drop(tok, PhaseAdmitted, "no rule bundle for service/operation", errs.ErrServiceMismatch)
		}
		bundle = b

		arity := o.engine.RequiredArity(bundle)
		if arity <= 1 {
			o.transition(trackingID, PhaseSingle, "single-arity hop")
			payloads = []map[string]interface{}{enricher.Ingress(tok)}
		} else {
			o.transition(trackingID, PhaseJoinWaiting, "awaiting join siblings")
			joined, state := o.admitJoin(tok, arity)
			switch state {
			case joinPending:
				return TokenOutcome{SequenceID: tok.SequenceID, ServiceName: tok.ServiceName, OperationName: tok.OperationName, Phase: PhaseJoinWaiting, At: time.Now()}
			case joinConsumed:
				return o.dropSilent(tok, PhaseJoinWaiting, "consumed: not join survivor")
			}
			payloads = joined
		}

		o.transition(trackingID, PhaseGuarded, "evaluating guard")
		if o.engine.Guard(tok, bundle) {
			break
		}

		if bundle.Retry == nil || guardRetries >= o.cfg.MaxGuardRetries {
			return o.drop(tok, PhaseGuarded, "guard rejected with no usable retry edge", errs.ErrGuardRejected)
		}
		guardRetries++
		tok.ServiceName = bundle.Retry.Service
		tok.OperationName = bundle.Retry.Operation
		o.transition(trackingID, PhaseAdmitted, "retry edge re-admission")
	}

	o.transition(trackingID, PhaseInvoked, "invoking business handler")
	result, err := o.invoker.Invoke(ctx, tok, payloads)
	if err != nil {
		// spec §7: business invocation failure builds a synthetic error
		// result and keeps routing, it does not abort the token.
		result = map[string]interface{}{"error": err.Error(), "status": "ERROR"}
	}

	o.transition(trackingID, PhaseEnriched, "enriching result")
	tok.Payload = enricher.Egress(tok, result)

	targets := o.engine.Route(tok, bundle)
	switch len(targets) {
	case 0:
		return o.published(tok, 0)
	case 1:
		if pubErr := o.publisher.Publish(ctx, tok, targets[0]); pubErr != nil {
			return o.drop(tok, PhaseEnriched, "publish failed", pubErr)
		}
		return o.published(tok, 1)
	default:
		failures := o.publisher.PublishFork(ctx, tok, targets)
		if len(failures) == len(targets) {
			return o.drop(tok, PhaseEnriched, "fork publish failed for all children", failures[0])
		}
		return o.published(tok, len(targets)-len(failures))
	}
}

// transition best-effort records a phase change for introspection. A
// rejected transition (stale/unknown sequence id) is logged at debug
// and never affects routing - the tracker is a side observer, not a
// gate.
func (o *Orchestrator) transition(sequenceID int64, target Phase, reason string) {
	if err := o.phases.transition(sequenceID, target, reason); err != nil {
		o.log.WithError(err).Debug("phase tracker transition rejected")
	}
}

type joinState int

const (
	joinPending joinState = iota
	joinConsumed
	joinSurvivor
)

// admitJoin registers tok's arrival at its join node and, once the
// cohort is complete and tok is the chosen survivor, returns the
// ordered clean payloads collected from every sibling.
func (o *Orchestrator) admitJoin(tok *token.Envelope, arity int) ([]map[string]interface{}, joinState) {
	joinNodeID := tok.ServiceName + "/" + tok.OperationName
	parentID := token.ParentID(tok.SequenceID)

	o.joinPayloads.store(joinNodeID, parentID, tok.SequenceID, enricher.Ingress(tok))

	arrival := o.joins.RegisterArrival(joinNodeID, parentID, tok.SequenceID, arity, tok.NotAfter)
	if !arrival.IsComplete {
		return nil, joinPending
	}
	if arrival.Survivor != tok.SequenceID {
		return nil, joinConsumed
	}

	arrived, ok := o.joins.TakeCompleted(joinNodeID, parentID)
	if !ok {
		return nil, joinConsumed
	}

	tok.SequenceID = parentID
	return o.joinPayloads.take(joinNodeID, parentID, arrived), joinSurvivor
}

func (o *Orchestrator) drop(tok *token.Envelope, phase Phase, reason string, err error) TokenOutcome {
	o.log.WithFields(map[string]interface{}{
		"sequence_id": tok.SequenceID,
		"service":     tok.ServiceName,
		"operation":   tok.OperationName,
		"phase":       string(phase),
	}).WithError(err).Warn(reason)
	return TokenOutcome{
		SequenceID: tok.SequenceID, ServiceName: tok.ServiceName, OperationName: tok.OperationName,
		Phase: PhaseDropped, Reason: reason, At: time.Now(), Err: err,
	}
}

// dropSilent records a normal routing filter (non-survivor consumption,
// service mismatch) without an error-level log line - spec §7 treats
// these as expected filtering, not faults.
func (o *Orchestrator) dropSilent(tok *token.Envelope, phase Phase, reason string) TokenOutcome {
	return TokenOutcome{
		SequenceID: tok.SequenceID, ServiceName: tok.ServiceName, OperationName: tok.OperationName,
		Phase: PhaseDropped, Reason: reason, At: time.Now(),
	}
}

func (o *Orchestrator) published(tok *token.Envelope, fanOut int) TokenOutcome {
	return TokenOutcome{
		SequenceID: tok.SequenceID, ServiceName: tok.ServiceName, OperationName: tok.OperationName,
		Phase: PhasePublished, Reason: fmt.Sprintf("fan_out=%d", fanOut), At: time.Now(),
	}
}

// emit reports a terminal outcome to the monitor, skipping admin
// version tokens (invariant I5) and respecting MonitorIncomingEvents.
// A single retry makes the emission resilient to a transient send
// failure without letting a lost monitor event affect routing - the
// token has already reached its terminal phase by the time this runs.
func (o *Orchestrator) emit(ctx context.Context, outcome TokenOutcome) {
	if token.IsAdmin(outcome.SequenceID) {
		return
	}
	o.countOutcome(ctx, outcome)

	if o.monitor == nil || !o.cfg.MonitorIncomingEvents {
		return
	}
	go func() {
		if err := o.monitor.RecordOutcome(ctx, outcome); err != nil {
			if err := o.monitor.RecordOutcome(ctx, outcome); err != nil {
				o.log.WithError(err).Warn("monitor emission failed after retry, outcome not recorded")
			}
		}
	}()
}

// counterForError maps the taxonomy in spec.md §7 onto a metrics
// counter name.
var counterForError = map[error]string{
	errs.ErrMalformedToken:     metrics.MalformedToken,
	errs.ErrUncommittedVersion: metrics.UncommittedVersion,
	errs.ErrServiceMismatch:    metrics.ServiceMismatch,
	errs.ErrExpired:            metrics.Expired,
	errs.ErrQueueFull:          metrics.QueueFull,
	errs.ErrGuardRejected:      metrics.GuardRejected,
	errs.ErrInvocationFailed:   metrics.InvocationFailed,
	errs.ErrJoinTimeout:        metrics.JoinTimeout,
	errs.ErrPublishFailed:      metrics.PublishFailed,
}

// countOutcome increments the node-scoped counter matching outcome, if
// any applies. Counters are a pure observer: a missing metrics backend
// or an unmapped reason is silently skipped, never an error.
func (o *Orchestrator) countOutcome(ctx context.Context, outcome TokenOutcome) {
	if o.metrics == nil {
		return
	}
	if outcome.Phase == PhasePublished {
		o.metrics.Incr(ctx, metrics.Published)
		return
	}
	for sentinel, name := range counterForError {
		if errors.Is(outcome.Err, sentinel) {
			o.metrics.Incr(ctx, name)
			return
		}
	}
}
