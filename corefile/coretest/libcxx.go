package coretest

import (
	"fmt"

	"github.com/tombergan/coremap/corefile"
)

// Layout selects how a libc++ __tree stores its end node and size.
type Layout int

const (
	// LayoutPair stores the end node in __pair1_ and the size in
	// __pair3_.__value_, both __compressed_pair members.
	LayoutPair Layout = iota

	// LayoutPairFirst is LayoutPair with the size in __pair3_.__first_,
	// as in older releases.
	LayoutPairFirst

	// LayoutFlat has plain __end_node_ and __size_ members, as in libc++ 19.
	LayoutFlat
)

// MapOptions configures DefineMapTypes.
type MapOptions struct {
	Layout Layout

	// Set defines std::set<Key>: the node value is the key itself.
	Set bool

	// DirectNodePointers makes __begin_node_ a pointer to the storage node
	// type. By default it points to the end node type, which has no
	// __value_ member, as in libc++.
	DirectNodePointers bool

	// NodePointerTypedef defines the "<tree>::__node_pointer" typedef.
	NodePointerTypedef bool

	// OmitValueTypeParam leaves the tree's _Tp template parameter unbound.
	OmitValueTypeParam bool
}

// MapTypes are the types of one std::map or std::set instantiation.
type MapTypes struct {
	Program *corefile.Program
	Options MapOptions

	Key   corefile.Type
	Elem  corefile.Type // nil for sets
	Value corefile.Type // type of the node's __value_ member

	Map      *corefile.StructType
	Tree     *corefile.StructType
	EndNode  *corefile.StructType
	NodeBase *corefile.StructType
	Node     *corefile.StructType
}

const (
	nodeBaseName = "std::__1::__tree_node_base<void *>"
	endNodeName  = "std::__1::__tree_end_node<std::__1::__tree_node_base<void *> *>"
)

// DefineMapTypes defines the libc++ types of std::map<key, elem> (or
// std::set<key>) in p. The node base types are shared by all maps.
func DefineMapTypes(p *corefile.Program, key, elem corefile.Type, opts MapOptions) *MapTypes {
	ps := uint64(p.Arch.PointerSize)
	mt := &MapTypes{Program: p, Options: opts, Key: key}
	if !opts.Set {
		mt.Elem = elem
	}
	mt.NodeBase, mt.EndNode = defineNodeBase(p)

	if opts.Set {
		mt.Value = key
	} else {
		secondOff := alignUp(key.Size(), alignOf(p, elem))
		pair := p.DefineStructType(fmt.Sprintf("std::__1::pair<const %s, %s>", key, elem),
			alignUp(secondOff+elem.Size(), max(alignOf(p, key), alignOf(p, elem))),
			func(*corefile.StructType) []corefile.StructField {
				return []corefile.StructField{
					{Name: "first", Type: key, Offset: 0},
					{Name: "second", Type: elem, Offset: secondOff},
				}
			})
		ccName := "__cc"
		if opts.Layout == LayoutFlat {
			ccName = "__cc_"
		}
		mt.Value = p.DefineStructType(fmt.Sprintf("std::__1::__value_type<%s, %s>", key, elem), pair.Size(),
			func(*corefile.StructType) []corefile.StructField {
				return []corefile.StructField{{Name: ccName, Type: pair, Offset: 0}}
			})
	}

	valueOff := alignUp(mt.NodeBase.Size(), alignOf(p, mt.Value))
	mt.Node = p.DefineStructType(fmt.Sprintf("std::__1::__tree_node<%s, void *>", mt.Value),
		alignUp(valueOff+mt.Value.Size(), ps),
		func(*corefile.StructType) []corefile.StructField {
			return []corefile.StructField{
				{Name: nodeBaseName, Type: mt.NodeBase, Offset: 0, Base: true},
				{Name: "__value_", Type: mt.Value, Offset: valueOff},
			}
		})
	mt.Node.SetTemplateParam("_Tp", mt.Value)

	sizeT := sizeType(p)
	beginType := corefile.Type(p.MakePtrType(mt.EndNode))
	if opts.DirectNodePointers {
		beginType = p.MakePtrType(mt.Node)
	}
	treeName := fmt.Sprintf("std::__1::__tree<%s, std::__1::less<%s>, std::__1::allocator<%s> >", mt.Value, key, mt.Value)
	mt.Tree = p.DefineStructType(treeName, 3*ps, func(*corefile.StructType) []corefile.StructField {
		fields := []corefile.StructField{{Name: "__begin_node_", Type: beginType, Offset: 0}}
		switch opts.Layout {
		case LayoutFlat:
			fields = append(fields,
				corefile.StructField{Name: "__end_node_", Type: mt.EndNode, Offset: ps},
				corefile.StructField{Name: "__size_", Type: sizeT, Offset: 2 * ps})
		default:
			sizeName := "__value_"
			if opts.Layout == LayoutPairFirst {
				sizeName = "__first_"
			}
			fields = append(fields,
				corefile.StructField{Name: "__pair1_", Type: compressedPair(p, mt.EndNode, "__value_"), Offset: ps},
				corefile.StructField{Name: "__pair3_", Type: compressedPair(p, sizeT, sizeName), Offset: 2 * ps})
		}
		return fields
	})
	if !opts.OmitValueTypeParam {
		mt.Tree.SetTemplateParam("_Tp", mt.Value)
	}
	if opts.NodePointerTypedef {
		p.DefineType(treeName+"::__node_pointer", p.MakePtrType(mt.Node))
	}

	var mapName string
	if opts.Set {
		mapName = fmt.Sprintf("std::__1::set<%s, std::__1::less<%s>, std::__1::allocator<%s> >", key, key, key)
	} else {
		mapName = fmt.Sprintf("std::__1::map<%s, %s, std::__1::less<%s>, std::__1::allocator<std::__1::pair<const %s, %s> > >",
			key, elem, key, key, elem)
	}
	mt.Map = p.DefineStructType(mapName, mt.Tree.Size(), func(*corefile.StructType) []corefile.StructField {
		return []corefile.StructField{{Name: "__tree_", Type: mt.Tree, Offset: 0}}
	})
	return mt
}

// defineNodeBase defines the node base and end node types once per program.
func defineNodeBase(p *corefile.Program) (nodeBase, endNode *corefile.StructType) {
	if nb, ok := p.FindType(nodeBaseName).(*corefile.StructType); ok {
		return nb, p.FindType(endNodeName).(*corefile.StructType)
	}
	ps := uint64(p.Arch.PointerSize)
	nodeBase = p.DefineStructType(nodeBaseName, 4*ps, func(self *corefile.StructType) []corefile.StructField {
		endNode = p.DefineStructType(endNodeName, ps, func(*corefile.StructType) []corefile.StructField {
			return []corefile.StructField{{Name: "__left_", Type: p.MakePtrType(self), Offset: 0}}
		})
		return []corefile.StructField{
			{Name: endNodeName, Type: endNode, Offset: 0, Base: true},
			{Name: "__right_", Type: p.MakePtrType(self), Offset: ps},
			{Name: "__parent_", Type: p.MakePtrType(endNode), Offset: 2 * ps},
			{Name: "__is_black_", Type: p.MakeNumericType(corefile.NumericBool), Offset: 3 * ps},
		}
	})
	return nodeBase, endNode
}

// compressedPair defines a __compressed_pair whose first element, named
// elemName, is inherited from a __compressed_pair_elem base at offset 0.
func compressedPair(p *corefile.Program, first corefile.Type, elemName string) *corefile.StructType {
	elem := p.DefineStructType(fmt.Sprintf("std::__1::__compressed_pair_elem<%s, 0, false>", first), first.Size(),
		func(*corefile.StructType) []corefile.StructField {
			return []corefile.StructField{{Name: elemName, Type: first, Offset: 0}}
		})
	return p.DefineStructType(fmt.Sprintf("std::__1::__compressed_pair<%s>", first), first.Size(),
		func(*corefile.StructType) []corefile.StructField {
			return []corefile.StructField{{Name: elem.String(), Type: elem, Offset: 0, Base: true}}
		})
}

func sizeType(p *corefile.Program) corefile.Type {
	if t := p.FindType("unsigned long"); t != nil {
		return t
	}
	if p.Arch.PointerSize == 4 {
		return p.DefineNumericType("unsigned long", corefile.NumericUint32)
	}
	return p.DefineNumericType("unsigned long", corefile.NumericUint64)
}

func alignOf(p *corefile.Program, t corefile.Type) uint64 {
	ps := uint64(p.Arch.PointerSize)
	switch t := t.(type) {
	case *corefile.NumericType, *corefile.PtrType, *corefile.EnumType:
		return min(t.Size(), ps)
	case *corefile.ArrayType:
		return alignOf(p, t.Elem)
	}
	return ps
}

func alignUp(x, align uint64) uint64 {
	if align == 0 {
		return x
	}
	return (x + align - 1) / align * align
}

// MapTree describes a map written by Build.
type MapTree struct {
	Addr    uint64   // address of the std::map object
	EndNode uint64   // address of the end node inside the map
	Root    uint64   // root node, or 0 if empty
	Nodes   []uint64 // node addresses in key order
}

// Shape selects the physical shape of a tree written by Build. Any shape
// with the same in-order sequence describes the same map.
type Shape int

const (
	Balanced   Shape = iota
	RightChain       // every node is the right child of its predecessor
	LeftChain        // every node is the left child of its successor
)

// Build writes a map with n entries to mem and returns its addresses.
// put is called for each entry in key order with the addresses of its key
// and mapped value (0 for sets) so the caller can fill them in.
func (mt *MapTypes) Build(mem *Memory, n int, shape Shape, put func(k int, keyAddr, elemAddr uint64)) *MapTree {
	t := &MapTree{Addr: mem.AllocType(mt.Map)}
	endOff := mt.mustOffset(mt.Map, mt.endNodePath())
	t.EndNode = t.Addr + endOff

	for k := 0; k < n; k++ {
		t.Nodes = append(t.Nodes, mem.AllocType(mt.Node))
	}
	var link func(lo, hi int, parent uint64) uint64
	link = func(lo, hi int, parent uint64) uint64 {
		if lo >= hi {
			return 0
		}
		var mid int
		switch shape {
		case RightChain:
			mid = lo
		case LeftChain:
			mid = hi - 1
		default:
			mid = lo + (hi-lo)/2
		}
		node := t.Nodes[mid]
		mem.PutField(node, mt.Node, "__parent_", parent)
		mem.PutField(node, mt.Node, "__left_", link(lo, mid, node))
		mem.PutField(node, mt.Node, "__right_", link(mid+1, hi, node))
		mem.PutField(node, mt.Node, "__is_black_", 1)
		return node
	}
	t.Root = link(0, n, t.EndNode)

	begin := t.EndNode
	if n > 0 {
		begin = t.Nodes[0]
	}
	mem.PutField(t.Addr, mt.Map, "__tree_.__begin_node_", begin)
	mem.PutPtr(t.EndNode, t.Root)
	mem.PutField(t.Addr, mt.Map, mt.sizePath(), uint64(n))

	for k, node := range t.Nodes {
		elem := uint64(0)
		if mt.Elem != nil {
			elem = mt.ElemAddr(node)
		}
		put(k, mt.KeyAddr(node), elem)
	}
	return t
}

// KeyAddr returns the address of the key stored in node.
func (mt *MapTypes) KeyAddr(node uint64) uint64 {
	if mt.Options.Set {
		return node + mt.mustOffset(mt.Node, "__value_")
	}
	return node + mt.mustOffset(mt.Node, "__value_."+mt.ccName()+".first")
}

// ElemAddr returns the address of the mapped value stored in node.
// Panics for sets.
func (mt *MapTypes) ElemAddr(node uint64) uint64 {
	if mt.Options.Set {
		panic("coretest: sets have no mapped values")
	}
	return node + mt.mustOffset(mt.Node, "__value_."+mt.ccName()+".second")
}

func (mt *MapTypes) ccName() string {
	if mt.Options.Layout == LayoutFlat {
		return "__cc_"
	}
	return "__cc"
}

func (mt *MapTypes) endNodePath() string {
	if mt.Options.Layout == LayoutFlat {
		return "__tree_.__end_node_"
	}
	return "__tree_.__pair1_"
}

func (mt *MapTypes) sizePath() string {
	switch mt.Options.Layout {
	case LayoutFlat:
		return "__tree_.__size_"
	case LayoutPairFirst:
		return "__tree_.__pair3_.__first_"
	}
	return "__tree_.__pair3_.__value_"
}

func (mt *MapTypes) mustOffset(t corefile.Type, path string) uint64 {
	off, err := mt.Program.FieldOffset(t, path)
	if err != nil {
		panic(fmt.Sprintf("coretest: %v", err))
	}
	return off
}
