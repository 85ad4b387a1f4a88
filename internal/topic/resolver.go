// Package topic keeps a stable conversation identity across topic renames.
//
// Each stream carries an alias map from a renamed-topic key to the canonical
// key it replaced. Resolving any key through its alias chain always lands on
// the key of the original conversation, however many times it was renamed.
package topic

import (
	"strings"
	"sync"
)

// Key normalizes a display topic into the form used for alias lookups and
// session identity. Renames that only change case or whitespace resolve to the
// same key.
func Key(display string) string {
	return strings.ToLower(strings.TrimSpace(display))
}

// Resolver maps renamed topic keys back to their canonical form, per stream.
type Resolver struct {
	mu      sync.Mutex
	aliases map[string]map[string]string // stream -> key -> key it replaced
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{aliases: make(map[string]map[string]string)}
}

// Resolve walks alias hops from key to the canonical key, rewriting every
// traversed hop to point directly at the result (path compression) so repeat
// lookups are O(1). Cycles terminate defensively at the revisited key.
func (r *Resolver) Resolve(stream, key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(stream, key)
}

// RecordRename registers that topic fromKey was renamed to toKey within
// stream. Both keys are resolved to their current canonical forms first; if
// those coincide the rename is a no-op and false is returned. Otherwise the
// canonical form of toKey is aliased to the canonical form of fromKey,
// preserving the original conversation's identity.
func (r *Resolver) RecordRename(stream, fromKey, toKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonFrom := r.resolveLocked(stream, fromKey)
	canonTo := r.resolveLocked(stream, toKey)
	if canonFrom == canonTo {
		return false
	}

	m := r.aliases[stream]
	if m == nil {
		m = make(map[string]string)
		r.aliases[stream] = m
	}
	m[canonTo] = canonFrom
	return true
}

func (r *Resolver) resolveLocked(stream, key string) string {
	m := r.aliases[stream]
	if m == nil {
		return key
	}

	seen := map[string]bool{key: true}
	var hops []string
	cur := key
	for {
		next, ok := m[cur]
		if !ok {
			break
		}
		if seen[next] {
			// Defensive: a cycle should be unreachable, but terminate anyway.
			break
		}
		seen[next] = true
		hops = append(hops, cur)
		cur = next
	}

	for _, hop := range hops {
		m[hop] = cur
	}
	return cur
}

// HopCount returns the number of alias hops between key and its canonical
// form, for tests asserting path compression.
func (r *Resolver) HopCount(stream, key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.aliases[stream]
	count := 0
	cur := key
	for {
		next, ok := m[cur]
		if !ok {
			return count
		}
		count++
		cur = next
		if count > len(m) {
			return count
		}
	}
}
