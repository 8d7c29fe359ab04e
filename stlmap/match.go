package stlmap

import (
	"github.com/tombergan/coremap/rbtree"
)

// Match consumes seq and returns the entries whose formatted key equals key
// exactly, along with the number of entries visited. A multimap may return
// more than one entry. If the traversal fails, Match returns the entries
// matched so far and the error.
func Match(seq *rbtree.Sequence[uint64, Entry], key string) ([]Entry, uint64, error) {
	var matches []Entry
	for _, e := range seq.All() {
		if e.Key == key {
			matches = append(matches, e)
		}
	}
	return matches, seq.Produced(), seq.Err()
}

// Find is a shorthand for Match over all of m's entries.
func (m *Map) Find(key string) ([]Entry, uint64, error) {
	return Match(m.Entries(), key)
}
