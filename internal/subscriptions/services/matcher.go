package services

import (
	"sort"
	"sync"

	killmodels "wanderer-kills/internal/killmails/models"
)

// Matcher evaluates killmails against the subscription indexes. A killmail
// matches a subscription when its system is subscribed, any involved
// character is subscribed, or the subscription is a wildcard.
type Matcher struct {
	systems    *EntityIndex
	characters *EntityIndex

	mu       sync.RWMutex
	wildcard map[string]struct{}
}

// NewMatcher creates a matcher over fresh indexes.
func NewMatcher() *Matcher {
	return &Matcher{
		systems:    NewEntityIndex(),
		characters: NewEntityIndex(),
		wildcard:   make(map[string]struct{}),
	}
}

// Systems exposes the system index for registration and sweeping.
func (m *Matcher) Systems() *EntityIndex {
	return m.systems
}

// Characters exposes the character index for registration and sweeping.
func (m *Matcher) Characters() *EntityIndex {
	return m.characters
}

// SetWildcard marks or unmarks a subscription as matching everything.
func (m *Matcher) SetWildcard(subscriptionID string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.wildcard[subscriptionID] = struct{}{}
	} else {
		delete(m.wildcard, subscriptionID)
	}
}

// Match returns the IDs of subscriptions interested in a kill in the given
// system involving the given characters, sorted for deterministic delivery.
func (m *Matcher) Match(systemID int64, characterIDs []int64) []string {
	seen := make(map[string]struct{})

	for _, id := range m.systems.Lookup(systemID) {
		seen[id] = struct{}{}
	}
	for _, id := range m.characters.LookupMany(characterIDs) {
		seen[id] = struct{}{}
	}

	m.mu.RLock()
	for id := range m.wildcard {
		seen[id] = struct{}{}
	}
	m.mu.RUnlock()

	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MatchKillmail matches using the killmail's system and involved characters.
func (m *Matcher) MatchKillmail(km *killmodels.Killmail) []string {
	return m.Match(km.SolarSystemID, km.CharacterIDs())
}

// BatchFilter groups killmails by the subscriptions they match. Killmails
// matching nothing are absent from the result.
func (m *Matcher) BatchFilter(kms []*killmodels.Killmail) map[string][]*killmodels.Killmail {
	out := make(map[string][]*killmodels.Killmail)
	for _, km := range kms {
		for _, id := range m.MatchKillmail(km) {
			out[id] = append(out[id], km)
		}
	}
	return out
}
