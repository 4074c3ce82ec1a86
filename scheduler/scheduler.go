// Package scheduler computes the priority key under which a token is
// admitted to an EventReactor queue. It is a pure function with no
// state and no blocking: the Orchestrator calls it once per admission
// decision and enqueues (or drops) based on the result.
package scheduler

import (
	"time"

	"tokenflow.evalgo.org/token"
)

// Action is the admission action under consideration.
type Action int

const (
	// ActionAdmit is a normal single-hop or fork-join admission.
	ActionAdmit Action = iota
	// ActionJoinWait is admission of a token already known to be
	// waiting on join siblings.
	ActionJoinWait
)

// DropCostKey is the sentinel CostKey value signalling that the token
// must be dropped rather than enqueued.
const DropCostKey = -1

// Priority is the computed ordering key for a token's place in the
// EventReactor's priority queue.
type Priority struct {
	CostKey    int64
	SequenceID int64
}

// Less orders priorities the way the EventReactor's queue does: lower
// CostKey first, then lower SequenceID. A CostKey of DropCostKey always
// compares as worst (it is filtered out before enqueue, not ordered).
func (p Priority) Less(o Priority) bool {
	if p.CostKey != o.CostKey {
		if p.CostKey == DropCostKey {
			return false
		}
		if o.CostKey == DropCostKey {
			return true
		}
		return p.CostKey < o.CostKey
	}
	return p.SequenceID < o.SequenceID
}

// Prioritise computes the ordering key for admitting tok under action,
// given arrival time arrivedAt. It never blocks and never mutates tok.
//
// CostKey combines the sequence id with the sub-second arrival offset so
// that tokens sharing a sequence id preserve arrival order (earlier
// arrival wins), while tokens with differing sequence ids are ordered by
// id. An expired token always yields DropCostKey regardless of action.
func Prioritise(action Action, tok *token.Envelope, arrivedAt time.Time) Priority {
	if tok.IsExpired(arrivedAt) {
		return Priority{CostKey: DropCostKey, SequenceID: tok.SequenceID}
	}

	arrivalOffsetMs := arrivedAt.UnixMilli() % 1000
	costKey := tok.SequenceID*1000 + arrivalOffsetMs

	return Priority{CostKey: costKey, SequenceID: tok.SequenceID}
}
