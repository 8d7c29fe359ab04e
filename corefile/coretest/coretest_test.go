package coretest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombergan/coremap/corefile"
)

func TestBuildLinksTree(t *testing.T) {
	for _, layout := range []Layout{LayoutPair, LayoutPairFirst, LayoutFlat} {
		p := corefile.NewProgram(corefile.ArchAMD64)
		intType := p.DefineNumericType("int", corefile.NumericInt32)
		mt := DefineMapTypes(p, intType, intType, MapOptions{Layout: layout})
		mem := NewMemory(p.Arch, 0x10000)
		tree := mt.Build(mem, 5, Balanced, func(k int, keyAddr, elemAddr uint64) {
			mem.PutUint(keyAddr, 4, uint64(k))
			mem.PutUint(elemAddr, 4, uint64(k*10))
		})
		require.NoError(t, mem.MapInto(p))
		require.NoError(t, p.DefineGlobal("m", tree.Addr, mt.Map))

		v, err := p.Eval("m")
		require.NoError(t, err)
		begin, err := v.ReadUintFieldByName("__tree_.__begin_node_")
		require.NoError(t, err)
		require.Equal(t, tree.Nodes[0], begin)

		root, err := p.ReadUintAt(tree.EndNode, 8)
		require.NoError(t, err)
		require.Equal(t, tree.Root, root)
		require.Equal(t, tree.Nodes[2], root)

		parent, err := p.ReadUintAt(root+16, 8)
		require.NoError(t, err)
		require.Equal(t, tree.EndNode, parent)

		elem, err := p.ReadUintAt(mt.ElemAddr(tree.Nodes[3]), 4)
		require.NoError(t, err)
		require.Equal(t, uint64(30), elem)
	}
}

func TestBuildEmpty(t *testing.T) {
	p := corefile.NewProgram(corefile.ArchAMD64)
	intType := p.DefineNumericType("int", corefile.NumericInt32)
	mt := DefineMapTypes(p, intType, nil, MapOptions{Set: true})
	mem := NewMemory(p.Arch, 0x10000)
	tree := mt.Build(mem, 0, Balanced, func(int, uint64, uint64) {
		t.Fatal("put called for an empty map")
	})
	require.NoError(t, mem.MapInto(p))
	require.Zero(t, tree.Root)

	v, err := p.Value(tree.Addr, mt.Map)
	require.NoError(t, err)
	begin, err := v.ReadUintFieldByName("__tree_.__begin_node_")
	require.NoError(t, err)
	require.Equal(t, tree.EndNode, begin)
}

func TestWriteBacktrace(t *testing.T) {
	p := corefile.NewProgram(corefile.ArchAMD64)
	bt := DefineBacktraceHeader(p, "BacktraceHeader", FramesPointer, 0)
	mem := NewMemory(p.Arch, 0x20000)
	addr := WriteBacktrace(mem, bt, FramesPointer, 2, []uint64{0x401000, 0x401100})
	require.NoError(t, mem.MapInto(p))

	v, err := p.Eval("*(BacktraceHeader *)0x20000")
	require.NoError(t, err)
	require.Equal(t, addr, v.Addr)
	n, err := v.FieldByName("num_frames")
	require.NoError(t, err)
	require.Equal(t, int64(2), n.ReadInt())
	frames, err := v.FieldByName("frames")
	require.NoError(t, err)
	f1, err := frames.Index(1)
	require.NoError(t, err)
	require.Equal(t, uint64(0x401100), f1.ReadUint())
}
