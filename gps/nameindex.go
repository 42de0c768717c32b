package gps

import (
	"sync"

	radix "github.com/armon/go-radix"
)

// nameIndex is a typed, concurrency-safe wrapper over a radix tree mapping
// canonical package names to NameIds. It generalizes the teacher's
// deducerTrie pattern (a mutex-guarded *radix.Tree keyed by import path) to
// package names keyed by their lexical structure, which makes prefix
// lookups (e.g. "every name starting with django-") cheap for the batch
// CLI's diagnostics without a second full table scan.
type nameIndex struct {
	mu sync.RWMutex
	t  *radix.Tree
}

func newNameIndex(names map[NameId]string) *nameIndex {
	idx := &nameIndex{t: radix.New()}
	for id, name := range names {
		idx.t.Insert(name, id)
	}
	return idx
}

// Lookup returns the NameId for an exact canonical name match.
func (idx *nameIndex) Lookup(name string) (NameId, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	v, ok := idx.t.Get(name)
	if !ok {
		return 0, false
	}
	return v.(NameId), true
}

// WithPrefix returns every (name, NameId) pair whose name starts with
// prefix, as an unordered map.
func (idx *nameIndex) WithPrefix(prefix string) map[string]NameId {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]NameId)
	idx.t.WalkPrefix(prefix, func(s string, v interface{}) bool {
		out[s] = v.(NameId)
		return false
	})
	return out
}

// Len returns the number of names indexed.
func (idx *nameIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.t.Len()
}
