// Package sink records terminal token outcomes (PUBLISHED/DROPPED) to an
// external analysis database (spec.md §1, "out of scope... contract
// only"). Writes are push-only, best-effort, and never read back by the
// core: the orchestrator does not depend on this sink for recovery
// (Non-goal: no durable token persistence for crash recovery).
package sink

import (
	"context"
	"time"
)

// TokenOutcome is the terminal-event shape recorded here, independent
// of the orchestrator package so the sink has no import-time dependency
// on routing internals.
type TokenOutcome struct {
	SequenceID    int64
	ServiceName   string
	OperationName string
	Phase         string
	Reason        string
	OccurredAt    time.Time
}

// Recorder persists a terminal outcome to an external store.
type Recorder interface {
	RecordOutcome(ctx context.Context, outcome TokenOutcome) error
	Close() error
}
