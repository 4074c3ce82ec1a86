// Package orchestrator wires the core token-routing components -
// RuleStore, RuleEngine, ForkJoinRegistry, Invoker, Enricher, and
// Publisher - into the per-token state machine described in spec §4.11,
// fed by a bounded priority queue (the EventReactor) and drained by a
// worker pool.
package orchestrator

import (
	"container/heap"
	"sync"
	"time"

	"tokenflow.evalgo.org/errs"
	"tokenflow.evalgo.org/scheduler"
	"tokenflow.evalgo.org/token"
)

// reactorItem is one queued token plus its computed admission priority
// and an insertion sequence used to break ties deterministically.
type reactorItem struct {
	tok      *token.Envelope
	priority scheduler.Priority
	seq      uint64
}

type itemHeap []*reactorItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority.CostKey != h[j].priority.CostKey {
		return h[i].priority.CostKey < h[j].priority.CostKey
	}
	if h[i].priority.SequenceID != h[j].priority.SequenceID {
		return h[i].priority.SequenceID < h[j].priority.SequenceID
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*reactorItem)) }

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Reactor is the EventReactor: a bounded, priority-ordered queue of
// admitted tokens. Capacity is enforced at admission time, except for
// tokens that are part of an in-progress join - those bypass the
// capacity check so a partial rendezvous is never deadlocked behind a
// full queue (spec §4.3).
type Reactor struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    itemHeap
	maxQueue int
	nextSeq  uint64
	closed   bool
}

// NewReactor returns an empty reactor with the given capacity.
func NewReactor(maxQueue int) *Reactor {
	r := &Reactor{maxQueue: maxQueue}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Admit computes tok's priority key and enqueues it, unless the token is
// already expired (dropped, ErrExpired) or the queue is at capacity and
// this is not a join-in-progress arrival (dropped, ErrQueueFull).
func (r *Reactor) Admit(tok *token.Envelope, action scheduler.Action, arrivedAt time.Time, joinInProgress bool) error {
	priority := scheduler.Prioritise(action, tok, arrivedAt)
	if priority.CostKey == scheduler.DropCostKey {
		return errs.ErrExpired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errs.ErrQueueFull
	}
	if len(r.items) >= r.maxQueue && !joinInProgress {
		return errs.ErrQueueFull
	}

	r.nextSeq++
	heap.Push(&r.items, &reactorItem{tok: tok, priority: priority, seq: r.nextSeq})
	r.cond.Signal()
	return nil
}

// Dequeue blocks until a token is available or the reactor is closed,
// in which case ok is false.
func (r *Reactor) Dequeue() (tok *token.Envelope, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.items) == 0 && !r.closed {
		r.cond.Wait()
	}
	if len(r.items) == 0 {
		return nil, false
	}
	it := heap.Pop(&r.items).(*reactorItem)
	return it.tok, true
}

// Len reports the current queue depth.
func (r *Reactor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Close unblocks all waiting Dequeue callers; further Admit calls fail
// with ErrQueueFull.
func (r *Reactor) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cond.Broadcast()
}
