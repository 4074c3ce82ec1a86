package orchestrator

import (
	"fmt"
	"sync"
	"time"
)

// Phase is one state of a token's journey through a single place, per
// spec §4.11: RECEIVED -> ADMITTED -> {SINGLE|JOIN_WAITING} -> GUARDED
// -> INVOKED -> ENRICHED -> PUBLISHED|DROPPED.
type Phase string

const (
	PhaseReceived    Phase = "RECEIVED"
	PhaseAdmitted    Phase = "ADMITTED"
	PhaseSingle      Phase = "SINGLE"
	PhaseJoinWaiting Phase = "JOIN_WAITING"
	PhaseGuarded     Phase = "GUARDED"
	PhaseInvoked     Phase = "INVOKED"
	PhaseEnriched    Phase = "ENRICHED"
	PhasePublished   Phase = "PUBLISHED"
	PhaseDropped     Phase = "DROPPED"
)

// IsTerminal reports whether a phase ends a token's journey through this
// place - no further transition is expected.
func (p Phase) IsTerminal() bool {
	return p == PhasePublished || p == PhaseDropped
}

// ValidTransitions enumerates the legal phase transitions, adapted from
// the original workflow-pause/resume lifecycle down to the single-pass
// shape a token actually goes through: there is no pause/resume here,
// a token is owned by exactly one worker from dequeue to publish.
var ValidTransitions = map[Phase][]Phase{
	PhaseReceived:    {PhaseAdmitted, PhaseDropped},
	PhaseAdmitted:    {PhaseSingle, PhaseJoinWaiting, PhaseDropped},
	PhaseJoinWaiting: {PhaseGuarded, PhaseDropped},
	PhaseSingle:      {PhaseGuarded, PhaseDropped},
	PhaseGuarded:     {PhaseInvoked, PhaseAdmitted, PhaseDropped},
	PhaseInvoked:     {PhaseEnriched, PhaseDropped},
	PhaseEnriched:    {PhasePublished, PhaseDropped},
}

// CanTransitionTo reports whether moving from p to target is legal.
func (p Phase) CanTransitionTo(target Phase) bool {
	for _, valid := range ValidTransitions[p] {
		if valid == target {
			return true
		}
	}
	return false
}

// tokenState is the in-flight bookkeeping entry for one token currently
// owned by a worker, kept purely for admin introspection.
type tokenState struct {
	SequenceID int64
	Phase      Phase
	ChangedAt  time.Time
	Reason     string
}

// phaseTracker records the current phase of every token a worker is
// actively processing. Unlike the teacher's long-running PhaseManager,
// there is no pause/resume here - a token's tracked lifetime is exactly
// one dequeue-to-publish pass, so the tracker exists purely for admin
// introspection.
type phaseTracker struct {
	mu     sync.RWMutex
	states map[int64]*tokenState
}

func newPhaseTracker() *phaseTracker {
	return &phaseTracker{states: make(map[int64]*tokenState)}
}

func (t *phaseTracker) start(sequenceID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[sequenceID] = &tokenState{SequenceID: sequenceID, Phase: PhaseReceived, ChangedAt: time.Now()}
}

func (t *phaseTracker) transition(sequenceID int64, target Phase, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[sequenceID]
	if !ok {
		return fmt.Errorf("orchestrator: no tracked state for sequence id %d", sequenceID)
	}
	if !st.Phase.CanTransitionTo(target) {
		return fmt.Errorf("orchestrator: invalid transition %s -> %s for sequence id %d", st.Phase, target, sequenceID)
	}
	st.Phase = target
	st.ChangedAt = time.Now()
	st.Reason = reason
	return nil
}

func (t *phaseTracker) finish(sequenceID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, sequenceID)
}

func (t *phaseTracker) snapshot(sequenceID int64) (tokenState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[sequenceID]
	if !ok {
		return tokenState{}, false
	}
	return *st, true
}
