package rbtree

import (
	"fmt"
	"iter"
)

// DecodeFunc converts the node at the given ordinal (0-based position in key
// order) into an entry.
type DecodeFunc[N comparable, E any] func(ordinal uint64, n N) (E, error)

// Sequence produces exactly count entries in ascending key order, starting at
// a given node and advancing with Cursor.Successor. The count is authoritative:
// the sequence ends after count entries even if the tree has more nodes, and
// the cursor never advances past the count-th node.
//
// A Sequence is forward-only and cannot be restarted. Use it like a
// bufio.Scanner:
//
//	for seq.Next() {
//		e := seq.Entry()
//		...
//	}
//	if err := seq.Err(); err != nil {
//		...
//	}
type Sequence[N comparable, E any] struct {
	cursor Cursor[N]
	decode DecodeFunc[N, E]
	count  uint64

	node     N      // node for the next entry
	produced uint64 // entries produced so far
	entry    E
	err      error
}

// NewSequence returns a sequence over count nodes beginning at start.
func NewSequence[N comparable, E any](c Cursor[N], start N, count uint64, decode DecodeFunc[N, E]) *Sequence[N, E] {
	return &Sequence[N, E]{
		cursor: c,
		decode: decode,
		count:  count,
		node:   start,
	}
}

// Len returns the declared number of entries.
func (s *Sequence[N, E]) Len() uint64 {
	return s.count
}

// Produced returns the number of entries produced so far.
func (s *Sequence[N, E]) Produced() uint64 {
	return s.produced
}

// Next advances to the next entry. It returns false at the end of the sequence
// or after an error, which Err reports.
func (s *Sequence[N, E]) Next() bool {
	if s.err != nil || s.produced >= s.count {
		return false
	}
	if s.produced > 0 {
		next, err := s.cursor.Successor(s.node)
		if err != nil {
			s.err = fmt.Errorf("advancing past entry %d: %w", s.produced-1, err)
			return false
		}
		s.node = next
	}
	var null N
	if s.node == null {
		s.err = fmt.Errorf("entry %d of %d: %w", s.produced, s.count, ErrNilNode)
		return false
	}
	e, err := s.decode(s.produced, s.node)
	if err != nil {
		s.err = fmt.Errorf("decoding entry %d: %w", s.produced, err)
		return false
	}
	s.entry = e
	s.produced++
	return true
}

// Entry returns the entry produced by the last successful call to Next.
func (s *Sequence[N, E]) Entry() E {
	return s.entry
}

// Node returns the node that produced the current entry.
func (s *Sequence[N, E]) Node() N {
	return s.node
}

// Err returns the first error encountered, if any.
func (s *Sequence[N, E]) Err() error {
	return s.err
}

// All returns an iterator over the remaining (ordinal, entry) pairs.
// Iteration stops early on error; check Err afterwards.
func (s *Sequence[N, E]) All() iter.Seq2[uint64, E] {
	return func(yield func(uint64, E) bool) {
		for s.Next() {
			if !yield(s.produced-1, s.entry) {
				return
			}
		}
	}
}
