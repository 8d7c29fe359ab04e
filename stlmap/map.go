// Package stlmap reconstructs libc++ std::map, std::multimap, std::set, and
// std::multiset containers from target memory.
//
// All four containers hold a std::__1::__tree. The tree's end node lives
// inside the container object: its __left_ link is the root, and the root's
// __parent_ link points back to it. __begin_node_ points to the leftmost
// node, or to the end node if the tree is empty. Entries are produced in key
// order starting from __begin_node_ and are bounded by the stored size, so
// the end node is never decoded.
package stlmap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tombergan/coremap/corefile"
	"github.com/tombergan/coremap/rbtree"
)

// ErrTypeMismatch is returned when a value does not have the layout of a
// libc++ tree container.
var ErrTypeMismatch = errors.New("not a libc++ tree container")

// TypeResolver looks up types and field layouts by name.
type TypeResolver interface {
	ResolveType(name string) (corefile.Type, error)
	TypesWithPrefix(prefix string) []corefile.Type
	FieldOffset(t corefile.Type, field string) (uint64, error)
}

// MemoryReader reads target memory.
type MemoryReader interface {
	ReadUintAt(addr uint64, size int) (uint64, error)
	Value(addr uint64, t corefile.Type) (corefile.Value, error)
}

// Target is implemented by *corefile.Program.
type Target interface {
	TypeResolver
	MemoryReader
}

// Entry is one element of a container, in key order.
type Entry struct {
	Ordinal uint64 // position in key order
	Node    uint64 // address of the tree node
	Key     string // formatted key
	Value   string // formatted mapped value, or "" for sets

	KeyValue  corefile.Value
	ElemValue corefile.Value // zero for sets
}

// Map is a reconstructed container. It reads target memory lazily; the
// target must not be closed while the Map is in use.
type Map struct {
	target   Target
	tree     corefile.Value
	node     *corefile.StructType
	keyType  corefile.Type
	elemType corefile.Type // nil for sets
	ptrSize  int

	begin uint64 // leftmost node, or end if empty
	end   uint64 // end node, inside the container
	size  uint64

	leftOff, rightOff, parentOff uint64
	keyOff, elemOff              uint64
}

// Open reconstructs the container held in v, which may be the container
// itself, its __tree_ member, or a pointer or reference to either. Fails
// with an error wrapping ErrTypeMismatch if the layout is not recognized.
func Open(v corefile.Value, t Target) (*Map, error) {
	if pt, ok := v.Type.(*corefile.PtrType); ok {
		if _, ok := pt.Elem.(*corefile.StructType); !ok {
			return nil, fmt.Errorf("%s: %w", v.Type, ErrTypeMismatch)
		}
		dv, err := v.Deref()
		if err != nil {
			return nil, fmt.Errorf("dereferencing %s: %w", v.Type, err)
		}
		v = dv
	}
	if _, ok := v.Type.(*corefile.StructType); !ok {
		return nil, fmt.Errorf("%s is not a struct: %w", v.Type, ErrTypeMismatch)
	}
	if v.Addr == 0 {
		return nil, fmt.Errorf("%s is not in target memory: %w", v.Type, ErrTypeMismatch)
	}

	m := &Map{target: t, tree: v}
	isSet, known := containerKind(v.Type.Name())
	if v.HasField("__tree_") {
		tv, err := v.FieldByName("__tree_")
		if err != nil {
			return nil, err
		}
		m.tree = tv
	}
	treeType, ok := m.tree.Type.(*corefile.StructType)
	if !ok || !m.tree.HasField("__begin_node_") {
		return nil, fmt.Errorf("%s has no __tree_.__begin_node_: %w", v.Type, ErrTypeMismatch)
	}

	beginVal, err := m.tree.FieldByName("__begin_node_")
	if err != nil {
		return nil, err
	}
	beginType, ok := beginVal.Type.(*corefile.PtrType)
	if !ok {
		return nil, fmt.Errorf("%s.__begin_node_ has type %s: %w", treeType, beginVal.Type, ErrTypeMismatch)
	}
	m.ptrSize = int(beginType.Size())
	m.begin = beginVal.ReadUint()

	if m.end, err = m.findEndNode(treeType); err != nil {
		return nil, err
	}
	if m.size, err = m.readSize(); err != nil {
		return nil, err
	}
	if m.node, err = resolveNodeType(t, treeType, beginType); err != nil {
		return nil, err
	}
	if !known {
		isSet = !holdsPairs(m.node)
	}
	if err := m.resolveOffsets(isSet); err != nil {
		return nil, err
	}
	corefile.Logf(1, "stlmap: %s: begin=0x%x end=0x%x size=%d node=%s", v.Type, m.begin, m.end, m.size, m.node)
	return m, nil
}

// containerKind reports whether name is a set or a map container. known is
// false for any other type, such as a bare __tree.
func containerKind(name string) (isSet, known bool) {
	switch {
	case strings.HasPrefix(name, "set<"), strings.HasPrefix(name, "multiset<"):
		return true, true
	case strings.HasPrefix(name, "map<"), strings.HasPrefix(name, "multimap<"):
		return false, true
	}
	return false, false
}

// holdsPairs reports whether the tree's nodes store map entries. Maps wrap
// each entry in a __value_type, or in a pair<const K, V> in releases that
// predate __value_type. A set of pairs stores the pair type itself.
func holdsPairs(node *corefile.StructType) bool {
	f, ok := node.FieldByName("__value_")
	if !ok {
		return false
	}
	name := f.Type.Name()
	return strings.HasPrefix(name, "__value_type<") || strings.HasPrefix(name, "pair<const ")
}

// findEndNode returns the address of the end node. Newer libc++ stores it
// in __end_node_; older releases store it as the first element of the
// __compressed_pair __pair1_, which is at offset zero of the pair.
func (m *Map) findEndNode(treeType *corefile.StructType) (uint64, error) {
	for _, path := range []string{"__end_node_", "__pair1_"} {
		if off, err := m.target.FieldOffset(treeType, path); err == nil {
			return m.tree.Addr + off, nil
		}
	}
	return 0, fmt.Errorf("%s has no end node: %w", treeType, ErrTypeMismatch)
}

func (m *Map) readSize() (uint64, error) {
	for _, path := range []string{"__size_", "__pair3_.__value_", "__pair3_.__first_"} {
		if fv, err := m.tree.FieldByName(path); err == nil {
			return fv.ReadUint(), nil
		}
	}
	return 0, fmt.Errorf("%s has no size member: %w", m.tree.Type, ErrTypeMismatch)
}

// resolveNodeType finds the type of the tree's storage nodes. __begin_node_
// usually points to the end node type, which has only a __left_ link.
func resolveNodeType(t TypeResolver, treeType *corefile.StructType, beginType *corefile.PtrType) (*corefile.StructType, error) {
	if st, ok := beginType.Elem.(*corefile.StructType); ok {
		if _, ok := st.FieldByName("__value_"); ok {
			return st, nil
		}
	}

	if nt, err := t.ResolveType(treeType.String() + "::__node_pointer"); err == nil {
		if pt, ok := nt.(*corefile.PtrType); ok {
			if st, ok := pt.Elem.(*corefile.StructType); ok && hasValue(st) {
				return st, nil
			}
		}
	}

	vt, ok := treeType.TemplateParam("_Tp")
	if !ok {
		return nil, fmt.Errorf("cannot find the node type of %s: %w", treeType, ErrTypeMismatch)
	}
	prefix := "__tree_node<"
	if scope := treeType.Scope(); scope != "" {
		prefix = scope + "::" + prefix
	}
	for _, cand := range t.TypesWithPrefix(prefix) {
		st, ok := cand.(*corefile.StructType)
		if !ok {
			continue
		}
		f, ok := st.FieldByName("__value_")
		if ok && (f.Type == vt || f.Type.String() == vt.String()) {
			return st, nil
		}
	}
	return nil, fmt.Errorf("no %s... type holds a %s: %w", prefix, vt, ErrTypeMismatch)
}

func hasValue(st *corefile.StructType) bool {
	_, ok := st.FieldByName("__value_")
	return ok
}

func (m *Map) resolveOffsets(isSet bool) error {
	var err error
	offset := func(path string) uint64 {
		if err != nil {
			return 0
		}
		var off uint64
		off, err = m.target.FieldOffset(m.node, path)
		return off
	}
	m.leftOff = offset("__left_")
	m.rightOff = offset("__right_")
	m.parentOff = offset("__parent_")
	valueOff := offset("__value_")
	if err != nil {
		return fmt.Errorf("node type %s: %w: %w", m.node, ErrTypeMismatch, err)
	}
	valueField, _ := m.node.FieldByName("__value_")
	valueType := valueField.Type

	if !isSet {
		for _, prefix := range []string{"__cc.", "__cc_.", ""} {
			koff, kerr := m.target.FieldOffset(valueType, prefix+"first")
			eoff, eerr := m.target.FieldOffset(valueType, prefix+"second")
			if kerr != nil || eerr != nil {
				continue
			}
			m.keyOff = valueOff + koff
			m.elemOff = valueOff + eoff
			m.keyType = fieldType(valueType, prefix+"first")
			m.elemType = fieldType(valueType, prefix+"second")
			return nil
		}
	}
	m.keyOff = valueOff
	m.keyType = valueType
	return nil
}

// fieldType follows a dotted path of struct fields.
func fieldType(t corefile.Type, path string) corefile.Type {
	for _, name := range strings.Split(path, ".") {
		st, ok := t.(*corefile.StructType)
		if !ok {
			return nil
		}
		f, ok := st.FieldByName(name)
		if !ok {
			return nil
		}
		t = f.Type
	}
	return t
}

// Size returns the number of entries the container declares.
func (m *Map) Size() uint64 { return m.size }

// Begin returns the leftmost node, or the end node if the tree is empty.
func (m *Map) Begin() uint64 { return m.begin }

// EndNode returns the address of the end node.
func (m *Map) EndNode() uint64 { return m.end }

// Root returns the root node, or 0 for an empty tree.
func (m *Map) Root() (uint64, error) {
	return m.target.ReadUintAt(m.end+m.leftOff, m.ptrSize)
}

// NodeType returns the storage node type.
func (m *Map) NodeType() *corefile.StructType { return m.node }

// IsSet reports whether entries have no mapped value.
func (m *Map) IsSet() bool { return m.elemType == nil }

// Entries returns a sequence over the container's entries in key order.
// Each call starts a new traversal.
func (m *Map) Entries() *rbtree.Sequence[uint64, Entry] {
	return rbtree.NewSequence(rbtree.NewCursor[uint64](m.links()), m.begin, m.size, m.decode)
}

func (m *Map) decode(ordinal uint64, node uint64) (Entry, error) {
	e := Entry{Ordinal: ordinal, Node: node}
	kv, err := m.target.Value(node+m.keyOff, m.keyType)
	if err != nil {
		return Entry{}, fmt.Errorf("key of node 0x%x: %w", node, err)
	}
	e.KeyValue = kv
	e.Key = corefile.FormatValue(kv)
	if m.elemType != nil {
		ev, err := m.target.Value(node+m.elemOff, m.elemType)
		if err != nil {
			return Entry{}, fmt.Errorf("value of node 0x%x: %w", node, err)
		}
		e.ElemValue = ev
		e.Value = corefile.FormatValue(ev)
	}
	return e, nil
}

func (m *Map) links() nodeLinks {
	return nodeLinks{m: m}
}

// nodeLinks reads node links from target memory.
type nodeLinks struct {
	m *Map
}

func (l nodeLinks) read(n, off uint64) (uint64, error) {
	return l.m.target.ReadUintAt(n+off, l.m.ptrSize)
}

func (l nodeLinks) Left(n uint64) (uint64, error)   { return l.read(n, l.m.leftOff) }
func (l nodeLinks) Right(n uint64) (uint64, error)  { return l.read(n, l.m.rightOff) }
func (l nodeLinks) Parent(n uint64) (uint64, error) { return l.read(n, l.m.parentOff) }
