package stlmap

import (
	"errors"
	"fmt"
	"io"

	"github.com/xlab/treeprint"
)

// ErrTooManyNodes is returned by Shape when the tree reachable from the root
// has more nodes than the container's size.
var ErrTooManyNodes = errors.New("tree has more nodes than its size")

// Shape writes the physical shape of the tree to w, one node per line.
// At most Size() nodes are printed; a corrupted tree with cycles or extra
// nodes yields ErrTooManyNodes after the printed prefix.
func (m *Map) Shape(w io.Writer) error {
	root, err := m.Root()
	if err != nil {
		return fmt.Errorf("reading root: %w", err)
	}
	tree := treeprint.NewWithRoot(fmt.Sprintf("end node 0x%x (size %d)", m.end, m.size))
	budget := m.size
	l := m.links()

	var walk func(parent treeprint.Tree, meta string, n uint64) error
	walk = func(parent treeprint.Tree, meta string, n uint64) error {
		if n == 0 {
			return nil
		}
		if budget == 0 {
			parent.AddMetaNode(meta, "...")
			return ErrTooManyNodes
		}
		budget--
		label, err := m.nodeLabel(n)
		if err != nil {
			parent.AddMetaNode(meta, fmt.Sprintf("0x%x: %v", n, err))
			return err
		}
		left, err := l.Left(n)
		if err != nil {
			return err
		}
		right, err := l.Right(n)
		if err != nil {
			return err
		}
		if left == 0 && right == 0 {
			parent.AddMetaNode(meta, label)
			return nil
		}
		branch := parent.AddMetaBranch(meta, label)
		if err := walk(branch, "L", left); err != nil {
			return err
		}
		return walk(branch, "R", right)
	}

	walkErr := walk(tree, "root", root)
	if _, err := io.WriteString(w, tree.String()); err != nil {
		return err
	}
	return walkErr
}

func (m *Map) nodeLabel(n uint64) (string, error) {
	e, err := m.decode(0, n)
	if err != nil {
		return "", err
	}
	color := "red"
	if black, err := m.isBlack(n); err != nil {
		return "", err
	} else if black {
		color = "black"
	}
	if m.IsSet() {
		return fmt.Sprintf("0x%x %s [%s]", n, color, e.Key), nil
	}
	return fmt.Sprintf("0x%x %s [%s] = [%s]", n, color, e.Key, e.Value), nil
}

func (m *Map) isBlack(n uint64) (bool, error) {
	off, err := m.target.FieldOffset(m.node, "__is_black_")
	if err != nil {
		return false, err
	}
	x, err := m.target.ReadUintAt(n+off, 1)
	return x != 0, err
}
