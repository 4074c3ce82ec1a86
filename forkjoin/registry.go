// Package forkjoin tracks fork/join rendezvous state: which siblings of
// a forked token have arrived at a given join node, and which one of
// them is the survivor that continues past the join. Bookkeeping is
// in-process and keyed purely off sequence-id arithmetic; there is no
// external persistence (a crash loses in-flight joins, per spec
// non-goals on durable token persistence).
package forkjoin

import (
	"sync"
	"time"

	"tokenflow.evalgo.org/token"
)

// joinKey identifies one fork/join rendezvous: a specific join node
// waiting on the children of a specific parent token.
type joinKey struct {
	JoinNodeID string
	ParentID   int64
}

// entry is the mutable state of one in-progress rendezvous.
type entry struct {
	arrived  map[int64]struct{}
	required int
	notAfter time.Time
	survivor int64 // 0 until a survivor has been chosen
}

// Registry tracks fork/join rendezvous state across concurrently
// in-flight workflow instances. All rendezvous share one mutex, so
// unrelated joins do contend on it; no per-joinKey locking is done.
type Registry struct {
	mu      sync.Mutex
	entries map[joinKey]*entry
}

// NewRegistry returns an empty fork/join registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[joinKey]*entry)}
}

// IsChild reports whether id is a fork child (non-zero branch offset).
func IsChild(id int64) bool { return token.IsChild(id) }

// ParentOf returns the parent sequence id of id.
func ParentOf(id int64) int64 { return token.ParentID(id) }

// Arrival is the result of registering one sibling's arrival at a join
// node.
type Arrival struct {
	Arrived    map[int64]struct{}
	Required   int
	IsComplete bool
	// Survivor is the sequence id of the sibling chosen to continue past
	// the join, valid only once IsComplete is true. Exactly one caller
	// observing the completing arrival receives itself as Survivor; all
	// others (of the same completed set) must be dropped as consumed.
	Survivor int64
}

// RegisterArrival records that sibling arrived at joinNodeID for the
// cohort rooted at parentID, which requires `required` total arrivals.
// notAfter is the deadline for this rendezvous; the registry tracks the
// minimum notAfter seen across all registered siblings.
//
// The caller whose RegisterArrival call observes the cohort reach
// `required` arrivals for the first time is the sole survivor (invariant
// I3: at most one JOIN completion per (parent, joinNode) emits a
// survivor). That caller should route the token onward under the
// parent's sequence id; any other caller, including later duplicate
// arrivals of the same sibling, must drop its token as consumed.
func (r *Registry) RegisterArrival(joinNodeID string, parentID, sibling int64, required int, notAfter time.Time) Arrival {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := joinKey{JoinNodeID: joinNodeID, ParentID: parentID}
	e, ok := r.entries[key]
	if !ok {
		e = &entry{arrived: make(map[int64]struct{}), required: required, notAfter: notAfter}
		r.entries[key] = e
	}
	if notAfter.Before(e.notAfter) || e.notAfter.IsZero() {
		e.notAfter = notAfter
	}

	_, alreadyArrived := e.arrived[sibling]
	if !alreadyArrived {
		e.arrived[sibling] = struct{}{}
	}

	complete := len(e.arrived) >= e.required

	result := Arrival{
		Arrived:    copySet(e.arrived),
		Required:   e.required,
		IsComplete: complete,
	}

	if complete && e.survivor == 0 {
		e.survivor = sibling
		result.Survivor = sibling
	} else if complete {
		result.Survivor = e.survivor
	}

	return result
}

// TakeCompleted atomically removes and returns the arrival set for a
// completed rendezvous, if one exists and is complete. Subsequent calls
// for the same key return ok=false: the bookkeeping is consumed exactly
// once.
func (r *Registry) TakeCompleted(joinNodeID string, parentID int64) (arrived map[int64]struct{}, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := joinKey{JoinNodeID: joinNodeID, ParentID: parentID}
	e, exists := r.entries[key]
	if !exists || len(e.arrived) < e.required {
		return nil, false
	}
	delete(r.entries, key)
	return e.arrived, true
}

// ReapExpired removes any rendezvous whose notAfter has passed as of
// now, returning the join keys removed so the caller can emit expiry
// events for each waiting sibling (spec §7: join timeout expires all
// partial siblings). This is the supplemental sweep that bounds the
// registry's memory growth for joins that never complete.
func (r *Registry) ReapExpired(now time.Time) []ExpiredJoin {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []ExpiredJoin
	for key, e := range r.entries {
		if e.notAfter.IsZero() || now.Before(e.notAfter) {
			continue
		}
		expired = append(expired, ExpiredJoin{
			JoinNodeID: key.JoinNodeID,
			ParentID:   key.ParentID,
			Arrived:    copySet(e.arrived),
		})
		delete(r.entries, key)
	}
	return expired
}

// ExpiredJoin describes a rendezvous reaped for having missed its
// deadline.
type ExpiredJoin struct {
	JoinNodeID string
	ParentID   int64
	Arrived    map[int64]struct{}
}

// OpenCount reports the number of rendezvous currently awaiting
// siblings, for admin introspection.
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func copySet(in map[int64]struct{}) map[int64]struct{} {
	out := make(map[int64]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
