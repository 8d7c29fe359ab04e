package corefile

import (
	"debug/dwarf"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFieldByNamePromotesBaseFields(t *testing.T) {
	p := NewProgram(ArchAMD64)
	ptr := p.MakePtrType(p.MakeVoidType())
	inner := p.DefineStructType("Inner", 8, func(*StructType) []StructField {
		return []StructField{{Name: "__left_", Type: ptr, Offset: 0}}
	})
	middle := p.DefineStructType("Middle", 16, func(*StructType) []StructField {
		return []StructField{
			{Name: "Inner", Type: inner, Offset: 0, Base: true},
			{Name: "__right_", Type: ptr, Offset: 8},
		}
	})
	outer := p.DefineStructType("Outer", 32, func(*StructType) []StructField {
		return []StructField{
			{Name: "Middle", Type: middle, Offset: 8, Base: true},
			{Name: "__value_", Type: ptr, Offset: 24},
		}
	})

	tests := []struct {
		name    string
		want    uint64
		wantErr bool
	}{
		{"__value_", 24, false},
		{"__right_", 16, false},
		{"__left_", 8, false},
		{"Middle", 0, true}, // base subobjects are not named fields
		{"nosuch", 0, true},
	}
	for _, test := range tests {
		off, err := p.FieldOffset(outer, test.name)
		if test.wantErr {
			require.ErrorIs(t, err, ErrNoField, test.name)
			continue
		}
		require.NoError(t, err, test.name)
		require.Equal(t, test.want, off, test.name)
	}

	// Pointers are dereferenced once.
	off, err := p.FieldOffset(p.MakePtrType(outer), "__left_")
	require.NoError(t, err)
	require.Equal(t, uint64(8), off)
}

func TestFieldOffsetDottedPath(t *testing.T) {
	p := NewProgram(ArchAMD64)
	intType := p.DefineNumericType("int", NumericInt32)
	pair := p.DefineStructType("std::__1::pair<const int, int>", 8, func(*StructType) []StructField {
		return []StructField{
			{Name: "first", Type: intType, Offset: 0},
			{Name: "second", Type: intType, Offset: 4},
		}
	})
	vt := p.DefineStructType("std::__1::__value_type<int, int>", 8, func(*StructType) []StructField {
		return []StructField{{Name: "__cc", Type: pair, Offset: 0}}
	})
	node := p.DefineStructType("Node", 40, func(*StructType) []StructField {
		return []StructField{{Name: "__value_", Type: vt, Offset: 32}}
	})
	off, err := p.FieldOffset(node, "__value_.__cc.second")
	require.NoError(t, err)
	require.Equal(t, uint64(36), off)

	_, err = p.FieldOffset(node, "__value_.__cc_.second")
	require.ErrorIs(t, err, ErrNoField)
	_, err = p.FieldOffset(node, "__value_.__cc.second.x")
	require.ErrorIs(t, err, ErrNoField)
}

func TestResolveType(t *testing.T) {
	p := NewProgram(ArchAMD64)
	rec := p.DefineStructType("ns::Rec", 8, nil)

	tests := []struct {
		name string
		want Type
	}{
		{"ns::Rec", rec},
		{"struct ns::Rec", rec},
		{"const ns::Rec", rec},
		{"ns::Rec const", rec},
		{"ns::Rec *", p.MakePtrType(rec)},
		{"ns::Rec*", p.MakePtrType(rec)},
		{"ns::Rec **", p.MakePtrType(p.MakePtrType(rec))},
		{"ns::Rec &", p.MakeRefType(rec)},
		{"void *", p.MakePtrType(p.MakeVoidType())},
	}
	for _, test := range tests {
		got, err := p.ResolveType(test.name)
		require.NoError(t, err, test.name)
		require.Same(t, test.want, got, test.name)
	}

	_, err := p.ResolveType("ns::Missing")
	require.ErrorIs(t, err, ErrNoSymbol)
	_, err = p.ResolveType("  ")
	require.ErrorIs(t, err, ErrNoSymbol)
}

func TestTemplateParam(t *testing.T) {
	p := NewProgram(ArchAMD64)
	intType := p.DefineNumericType("int", NumericInt32)
	tree := p.DefineStructType("std::__1::__tree<int>", 24, nil)
	_, ok := tree.TemplateParam("_Tp")
	require.False(t, ok)

	tree.SetTemplateParam("_Tp", intType)
	got, ok := tree.TemplateParam("_Tp")
	require.True(t, ok)
	require.Same(t, Type(intType), got)

	resolved := 0
	tree.params = append(tree.params, templateParam{name: "_Alloc", resolve: func() (Type, error) {
		resolved++
		return intType, nil
	}})
	for k := 0; k < 2; k++ {
		got, ok = tree.TemplateParam("_Alloc")
		require.True(t, ok)
		require.Same(t, Type(intType), got)
	}
	require.Equal(t, 1, resolved)
}

func TestTypeStrings(t *testing.T) {
	p := NewProgram(ArchAMD64)
	rec := p.DefineStructType("std::__1::pair<int, int>", 8, nil)
	require.Equal(t, "std::__1", rec.Scope())
	require.Equal(t, "pair<int, int>", rec.Name())
	require.Equal(t, "std::__1::pair<int, int> *", p.MakePtrType(rec).String())
	require.Equal(t, "std::__1::pair<int, int> &", p.MakeRefType(rec).String())
	require.Equal(t, "char [4]", p.MakeArrayType(p.MakeNumericType(NumericChar), 4).String())
	require.Equal(t, "void", p.MakeVoidType().String())
}

func TestMemberOffset(t *testing.T) {
	entry := func(val interface{}) *dwarf.Entry {
		e := &dwarf.Entry{Tag: dwarf.TagMember}
		if val != nil {
			e.Field = []dwarf.Field{{Attr: dwarf.AttrDataMemberLoc, Val: val}}
		}
		return e
	}
	tests := []struct {
		val    interface{}
		want   uint64
		wantOK bool
	}{
		{nil, 0, true},
		{int64(16), 16, true},
		{[]byte{0x23, 0x08}, 8, true},
		{[]byte{0x23, 0x90, 0x01}, 144, true},
		{[]byte{0x23, 0x80}, 0, false}, // truncated
		{[]byte{0x10, 0x08}, 0, false}, // DW_OP_constu
		{"bogus", 0, false},
	}
	for _, test := range tests {
		got, ok := memberOffset(entry(test.val))
		require.Equal(t, test.wantOK, ok, "%v", test.val)
		require.Equal(t, test.want, got, "%v", test.val)
	}
}
