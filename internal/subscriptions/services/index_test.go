package services

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexAddAndLookup(t *testing.T) {
	idx := NewEntityIndex()
	idx.Add("sub-a", []int64{30000142, 30000144})
	idx.Add("sub-b", []int64{30000142})

	assert.ElementsMatch(t, []string{"sub-a", "sub-b"}, idx.Lookup(30000142))
	assert.ElementsMatch(t, []string{"sub-a"}, idx.Lookup(30000144))
	assert.Empty(t, idx.Lookup(30000999))
}

func TestIndexLookupManyDeduplicates(t *testing.T) {
	idx := NewEntityIndex()
	idx.Add("sub-a", []int64{1, 2, 3})
	idx.Add("sub-b", []int64{3})

	got := idx.LookupMany([]int64{1, 2, 3, 3, 99})
	assert.ElementsMatch(t, []string{"sub-a", "sub-b"}, got)
}

func TestIndexUpdateAppliesDifference(t *testing.T) {
	idx := NewEntityIndex()
	idx.Add("sub-a", []int64{1, 2, 3})

	idx.Update("sub-a", []int64{2, 3, 4})

	assert.Empty(t, idx.Lookup(1))
	assert.ElementsMatch(t, []string{"sub-a"}, idx.Lookup(2))
	assert.ElementsMatch(t, []string{"sub-a"}, idx.Lookup(4))
	assert.ElementsMatch(t, []int64{2, 3, 4}, idx.Entities("sub-a"))
}

func TestIndexUpdateToEmptyRemoves(t *testing.T) {
	idx := NewEntityIndex()
	idx.Add("sub-a", []int64{1, 2})

	idx.Update("sub-a", nil)

	assert.Empty(t, idx.Lookup(1))
	assert.Empty(t, idx.Entities("sub-a"))
	_, subs := idx.Size()
	assert.Zero(t, subs)
}

func TestIndexRemoveKeepsOthers(t *testing.T) {
	idx := NewEntityIndex()
	idx.Add("sub-a", []int64{1, 2})
	idx.Add("sub-b", []int64{2})

	idx.Remove("sub-a")

	assert.Empty(t, idx.Lookup(1))
	assert.ElementsMatch(t, []string{"sub-b"}, idx.Lookup(2))
}

// Forward and reverse sides must stay consistent under concurrent
// lifecycles of distinct subscriptions.
func TestIndexConcurrentLifecycles(t *testing.T) {
	idx := NewEntityIndex()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := fmt.Sprintf("sub-%d", g)
			entities := []int64{int64(g), int64(g + 100)}
			for i := 0; i < 200; i++ {
				idx.Add(id, entities)
				idx.Update(id, []int64{int64(g + 200)})
				idx.Lookup(int64(g))
				idx.Remove(id)
			}
		}(g)
	}
	wg.Wait()

	entities, subs := idx.Size()
	assert.Zero(t, subs)
	assert.Zero(t, idx.Sweep())
	assert.Zero(t, entities)
}

func TestIndexSweepDropsEmptyBuckets(t *testing.T) {
	idx := NewEntityIndex()
	idx.Add("sub-a", []int64{1, 2, 3})
	idx.Remove("sub-a")

	// Remove already prunes; Sweep is the safety net and must be a no-op
	// on a consistent index.
	assert.Zero(t, idx.Sweep())
}
