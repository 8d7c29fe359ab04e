// Package rbtree walks red-black trees that live in memory the caller does not
// own, such as the heap of a program in a core file.
//
// Nodes are opaque handles of any comparable type N. The zero value of N is the
// null link. All structural reads go through a Links implementation, so a tree
// can be walked over raw target memory, over a live process snapshot, or over
// plain Go values in tests.
//
// The walk follows libc++'s __tree_min and __tree_next exactly. The tree's end
// node (the parent of the root, whose left child is the root) acts as the
// sentinel: Successor of the maximum node returns it. Callers should not compare
// against the sentinel to stop iterating; Sequence uses an element count instead.
//
// Nothing here detects cycles. A corrupted tree whose left or parent links form
// a loop makes Minimum or Successor run forever.
package rbtree

import (
	"errors"
	"fmt"
)

// ErrNilNode is returned when a cursor operation is given the null node.
var ErrNilNode = errors.New("rbtree: nil node")

// Links reads the structural links of a node. Implementations must return the
// zero value of N for a null link. An error aborts the current operation.
type Links[N comparable] interface {
	Left(n N) (N, error)
	Right(n N) (N, error)
	Parent(n N) (N, error)
}

// Cursor computes minimum and in-order successor nodes. It holds no state
// beyond its Links and is safe to copy.
type Cursor[N comparable] struct {
	links Links[N]
}

// NewCursor returns a cursor that reads links through l.
func NewCursor[N comparable](l Links[N]) Cursor[N] {
	return Cursor[N]{links: l}
}

// Minimum returns the leftmost node of the subtree rooted at n.
func (c Cursor[N]) Minimum(n N) (N, error) {
	var null N
	if n == null {
		return null, ErrNilNode
	}
	for {
		left, err := c.links.Left(n)
		if err != nil {
			return null, fmt.Errorf("reading left link of %v: %w", n, err)
		}
		if left == null {
			return n, nil
		}
		n = left
	}
}

// Successor returns the node that follows n in key order. For the maximum
// node it returns the tree's end node.
func (c Cursor[N]) Successor(n N) (N, error) {
	var null N
	if n == null {
		return null, ErrNilNode
	}
	right, err := c.links.Right(n)
	if err != nil {
		return null, fmt.Errorf("reading right link of %v: %w", n, err)
	}
	if right != null {
		return c.Minimum(right)
	}
	for {
		isLeft, parent, err := c.isLeftChild(n)
		if err != nil {
			return null, err
		}
		if isLeft {
			return parent, nil
		}
		n = parent
	}
}

// isLeftChild reports whether n == n.parent.left and also returns n.parent.
func (c Cursor[N]) isLeftChild(n N) (bool, N, error) {
	var null N
	parent, err := c.links.Parent(n)
	if err != nil {
		return false, null, fmt.Errorf("reading parent link of %v: %w", n, err)
	}
	if parent == null {
		// Only the end node has no parent, and the climb stops before it.
		return false, null, fmt.Errorf("node %v has no parent: %w", n, ErrNilNode)
	}
	left, err := c.links.Left(parent)
	if err != nil {
		return false, null, fmt.Errorf("reading left link of %v: %w", parent, err)
	}
	return left == n, parent, nil
}
