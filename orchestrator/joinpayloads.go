package orchestrator

import (
	"sort"
	"sync"
)

// joinPayloadKey identifies one fork/join rendezvous, mirroring
// forkjoin's internal key shape without depending on its unexported
// type.
type joinPayloadKey struct {
	JoinNodeID string
	ParentID   int64
}

// joinPayloadCache accumulates each sibling's clean ingress payload
// until the join completes, per spec §4.5 ("the survivor ... accumulates
// business payloads from all siblings via the Invoker contract"). This
// lives in the orchestrator rather than in forkjoin.Registry: the
// registry tracks only arrival bookkeeping (who showed up), this cache
// tracks what they brought.
type joinPayloadCache struct {
	mu       sync.Mutex
	payloads map[joinPayloadKey]map[int64]map[string]interface{}
}

func newJoinPayloadCache() *joinPayloadCache {
	return &joinPayloadCache{payloads: make(map[joinPayloadKey]map[int64]map[string]interface{})}
}

func (c *joinPayloadCache) store(joinNodeID string, parentID, sibling int64, payload map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := joinPayloadKey{JoinNodeID: joinNodeID, ParentID: parentID}
	m, ok := c.payloads[key]
	if !ok {
		m = make(map[int64]map[string]interface{})
		c.payloads[key] = m
	}
	m[sibling] = payload
}

// take removes and returns the cached payloads for arrived sibling ids,
// ordered by ascending sequence id so the Invoker sees a deterministic
// argument order regardless of arrival order.
func (c *joinPayloadCache) take(joinNodeID string, parentID int64, arrived map[int64]struct{}) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := joinPayloadKey{JoinNodeID: joinNodeID, ParentID: parentID}
	m := c.payloads[key]
	delete(c.payloads, key)

	ids := make([]int64, 0, len(arrived))
	for id := range arrived {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		if p, ok := m[id]; ok {
			out = append(out, p)
		} else {
			out = append(out, map[string]interface{}{})
		}
	}
	return out
}
