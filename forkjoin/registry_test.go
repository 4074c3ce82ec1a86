package forkjoin

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExactlyOneSurvivor(t *testing.T) {
	reg := NewRegistry()
	notAfter := time.Now().Add(time.Minute)
	parent := int64(1_010_000)

	var wg sync.WaitGroup
	survivors := make(chan int64, 3)
	for k := int64(1); k <= 3; k++ {
		k := k
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := reg.RegisterArrival("joinA", parent, parent+k, 3, notAfter)
			if res.IsComplete {
				survivors <- res.Survivor
			}
		}()
	}
	wg.Wait()
	close(survivors)

	var all []int64
	for s := range survivors {
		all = append(all, s)
	}
	assert.NotEmpty(t, all)
	first := all[0]
	for _, s := range all {
		assert.Equal(t, first, s, "all completing callers must agree on the same survivor")
	}
}

func TestRegisterArrivalIdempotentForDuplicateSibling(t *testing.T) {
	reg := NewRegistry()
	notAfter := time.Now().Add(time.Minute)
	parent := int64(2_010_000)

	r1 := reg.RegisterArrival("joinB", parent, parent+1, 2, notAfter)
	assert.False(t, r1.IsComplete)

	r2 := reg.RegisterArrival("joinB", parent, parent+1, 2, notAfter)
	assert.False(t, r2.IsComplete, "duplicate sibling arrival should not advance completion")
	assert.Len(t, r2.Arrived, 1)
}

func TestTakeCompletedConsumesOnce(t *testing.T) {
	reg := NewRegistry()
	notAfter := time.Now().Add(time.Minute)
	parent := int64(3_010_000)

	reg.RegisterArrival("joinC", parent, parent+1, 2, notAfter)
	reg.RegisterArrival("joinC", parent, parent+2, 2, notAfter)

	arrived, ok := reg.TakeCompleted("joinC", parent)
	assert.True(t, ok)
	assert.Len(t, arrived, 2)

	_, ok2 := reg.TakeCompleted("joinC", parent)
	assert.False(t, ok2, "a completed rendezvous must be consumed exactly once")
}

func TestReapExpiredRemovesStaleJoins(t *testing.T) {
	reg := NewRegistry()
	past := time.Now().Add(-time.Minute)
	parent := int64(4_010_000)

	reg.RegisterArrival("joinD", parent, parent+1, 2, past)

	expired := reg.ReapExpired(time.Now())
	assert.Len(t, expired, 1)
	assert.Equal(t, "joinD", expired[0].JoinNodeID)

	_, ok := reg.TakeCompleted("joinD", parent)
	assert.False(t, ok)
}
