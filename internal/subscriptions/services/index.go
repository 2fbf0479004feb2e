package services

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EntityIndex is a forward/reverse index pair between entity IDs (systems
// or characters) and subscription IDs. The two sides stay consistent under
// a single lock: forward holds a subscription under an entity exactly when
// reverse holds that entity under the subscription.
type EntityIndex struct {
	mu      sync.RWMutex
	forward map[int64]map[string]struct{}
	reverse map[string][]int64
}

// NewEntityIndex creates an empty index pair.
func NewEntityIndex() *EntityIndex {
	return &EntityIndex{
		forward: make(map[int64]map[string]struct{}),
		reverse: make(map[string][]int64),
	}
}

// Add registers a subscription under each entity ID.
func (i *EntityIndex) Add(subscriptionID string, entityIDs []int64) {
	if len(entityIDs) == 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, e := range entityIDs {
		bucket, ok := i.forward[e]
		if !ok {
			bucket = make(map[string]struct{})
			i.forward[e] = bucket
		}
		bucket[subscriptionID] = struct{}{}
	}
	i.reverse[subscriptionID] = append([]int64(nil), entityIDs...)
}

// Update replaces a subscription's entity set, applying only the symmetric
// difference to the forward side. An empty new set removes the subscription
// from the index entirely.
func (i *EntityIndex) Update(subscriptionID string, newEntityIDs []int64) {
	i.mu.Lock()
	defer i.mu.Unlock()

	old := i.reverse[subscriptionID]
	oldSet := make(map[int64]struct{}, len(old))
	for _, e := range old {
		oldSet[e] = struct{}{}
	}
	newSet := make(map[int64]struct{}, len(newEntityIDs))
	for _, e := range newEntityIDs {
		newSet[e] = struct{}{}
	}

	for e := range oldSet {
		if _, keep := newSet[e]; keep {
			continue
		}
		if bucket, ok := i.forward[e]; ok {
			delete(bucket, subscriptionID)
			if len(bucket) == 0 {
				delete(i.forward, e)
			}
		}
	}
	for e := range newSet {
		if _, had := oldSet[e]; had {
			continue
		}
		bucket, ok := i.forward[e]
		if !ok {
			bucket = make(map[string]struct{})
			i.forward[e] = bucket
		}
		bucket[subscriptionID] = struct{}{}
	}

	if len(newEntityIDs) == 0 {
		delete(i.reverse, subscriptionID)
		return
	}
	i.reverse[subscriptionID] = append([]int64(nil), newEntityIDs...)
}

// Remove drops a subscription from both sides.
func (i *EntityIndex) Remove(subscriptionID string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, e := range i.reverse[subscriptionID] {
		if bucket, ok := i.forward[e]; ok {
			delete(bucket, subscriptionID)
			if len(bucket) == 0 {
				delete(i.forward, e)
			}
		}
	}
	delete(i.reverse, subscriptionID)
}

// Lookup returns the subscriptions registered under an entity ID.
func (i *EntityIndex) Lookup(entityID int64) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	bucket := i.forward[entityID]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]string, 0, len(bucket))
	for id := range bucket {
		out = append(out, id)
	}
	return out
}

// LookupMany returns the deduplicated union of lookups over entity IDs.
func (i *EntityIndex) LookupMany(entityIDs []int64) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, e := range entityIDs {
		for id := range i.forward[e] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Entities returns a copy of a subscription's registered entity IDs.
func (i *EntityIndex) Entities(subscriptionID string) []int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]int64(nil), i.reverse[subscriptionID]...)
}

// Sweep removes empty forward buckets and returns how many were dropped.
func (i *EntityIndex) Sweep() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	removed := 0
	for e, bucket := range i.forward {
		if len(bucket) == 0 {
			delete(i.forward, e)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on the given interval until the context ends.
func (i *EntityIndex) StartSweeper(ctx context.Context, interval time.Duration, name string) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := i.Sweep(); removed > 0 {
					slog.Debug("Index sweep removed empty buckets", "index", name, "removed", removed)
				}
			}
		}
	}()
}

// Size returns the number of indexed entities and subscriptions.
func (i *EntityIndex) Size() (entities, subscriptions int) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.forward), len(i.reverse)
}
