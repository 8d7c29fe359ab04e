package corefile_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombergan/coremap/corefile"
	"github.com/tombergan/coremap/corefile/coretest"
)

func TestFormatValue(t *testing.T) {
	p := corefile.NewProgram(corefile.ArchAMD64)
	intType := p.DefineNumericType("int", corefile.NumericInt32)
	charType := p.MakeNumericType(corefile.NumericChar)
	boolType := p.MakeNumericType(corefile.NumericBool)
	doubleType := p.MakeNumericType(corefile.NumericFloat64)
	voidPtr := p.MakePtrType(p.MakeVoidType())
	base := p.DefineStructType("Base", 4, func(*corefile.StructType) []corefile.StructField {
		return []corefile.StructField{{Name: "id", Type: intType, Offset: 0}}
	})
	derived := p.DefineStructType("Derived", 16, func(*corefile.StructType) []corefile.StructField {
		return []corefile.StructField{
			{Name: "Base", Type: base, Offset: 0, Base: true},
			{Name: "neg", Type: intType, Offset: 4},
			{Name: "p", Type: voidPtr, Offset: 8},
		}
	})

	mem := coretest.NewMemory(p.Arch, 0x1000)
	str := mem.Alloc(6, 1)
	mem.PutBytes(str, []byte("hi\n\"x\x00"))
	d := mem.AllocType(derived)
	mem.PutField(d, derived, "id", 5)
	mem.PutField(d, derived, "neg", uint64(0xfffffffe))
	mem.PutField(d, derived, "p", 0xdeadbeef)
	arr := mem.Alloc(12, 4)
	for k := uint64(0); k < 3; k++ {
		mem.PutUint(arr+4*k, 4, k+1)
	}
	chars := mem.Alloc(8, 1)
	mem.PutBytes(chars, []byte("abc\x00zzzz"))
	strPtr := mem.Alloc(8, 8)
	mem.PutPtr(strPtr, str)
	nullPtr := mem.Alloc(8, 8)
	flag := mem.Alloc(1, 1)
	mem.PutUint(flag, 1, 1)
	ch := mem.Alloc(1, 1)
	mem.PutUint(ch, 1, 'a')
	dbl := mem.Alloc(8, 8)
	mem.PutUint(dbl, 8, 0x3ff8000000000000) // 1.5
	require.NoError(t, mem.MapInto(p))

	tests := []struct {
		name string
		addr uint64
		typ  corefile.Type
		want string
	}{
		{"struct", d, derived, "{<Base> = {id = 5}, neg = -2, p = 0xdeadbeef}"},
		{"int array", arr, p.MakeArrayType(intType, 3), "{1, 2, 3}"},
		{"char array", chars, p.MakeArrayType(charType, 8), `"abc"`},
		{"char pointer", strPtr, p.MakePtrType(charType), `0x1000 "hi\n\"x"`},
		{"null pointer", nullPtr, p.MakePtrType(charType), "0x0"},
		{"bool", flag, boolType, "true"},
		{"char", ch, charType, "97 'a'"},
		{"double", dbl, doubleType, "1.5"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			v, err := p.Value(test.addr, test.typ)
			require.NoError(t, err)
			require.Equal(t, test.want, corefile.FormatValue(v))
		})
	}
}

func TestFormatSynthesized(t *testing.T) {
	p := corefile.NewProgram(corefile.ArchAMD64)
	v, err := p.Eval("7")
	require.NoError(t, err)
	require.Equal(t, "7", corefile.FormatValue(v))

	v, err = p.Eval("(void *)0x10")
	require.NoError(t, err)
	require.Equal(t, "0x10", corefile.FormatValue(v))
}
