package corefile

import (
	"testing"
)

func TestVarSet(t *testing.T) {
	inserts := []struct {
		scope, name string
		addr, size  uint64
		want        bool
	}{
		{"p", "a", 20, 8, true},
		{"p", "b", 30, 8, true},
		{"p", "c", 10, 8, true},
		{"p", "d", 8, 2, true},
		{"p", "e", 6, 3, false},
		{"p", "f", 12, 4, false},
		{"p", "g", 17, 2, false},
		{"p", "h", 22, 4, false},
		{"p", "i", 32, 4, false},
		{"p", "a", 50, 4, false},
		{"q", "a", 50, 4, true},
		{"", "top", 60, 4, true},
	}

	var vs VarSet
	for _, test := range inserts {
		v := Var{
			Name:  test.name,
			Scope: test.scope,
			Value: Value{
				Type:  &NumericType{baseType: baseType{size: test.size}},
				Addr:  test.addr,
				Bytes: make([]byte, test.size),
			},
		}
		got := vs.insert(v) == nil
		if got != test.want {
			t.Errorf("insert(addr=%v, size=%v)=%v want %v", test.addr, test.size, got, test.want)
		}
	}

	nameLookups := []struct {
		fullname string
		want     bool
		wantAddr uint64
	}{
		{"p::a", true, 20},
		{"p::c", true, 10},
		{"q::a", true, 50},
		{"top", true, 60},
		{"p::x", false, 0},
		{"z::a", false, 0},
		{"a", false, 0},
	}

	for _, test := range nameLookups {
		gotV, got := vs.FindName(test.fullname)
		if got != test.want || (got && gotV.Value.Addr != test.wantAddr) {
			t.Errorf("FindName(%q)=%v,%v want %v,%v", test.fullname, gotV.Value.Addr, got, test.wantAddr, test.want)
		}
	}

	if got := vs.FindShortName("a"); len(got) != 2 {
		t.Errorf("FindShortName(a) found %d vars, want 2", len(got))
	}
	if got := vs.FindShortName("top"); len(got) != 1 || got[0].FullName() != "top" {
		t.Errorf("FindShortName(top)=%v", got)
	}

	addrLookups := []struct {
		addr     uint64
		want     bool
		wantAddr uint64
	}{
		{20, true, 20},
		{24, true, 20},
		{27, true, 20},
		{28, false, 9},
		{8, true, 8},
		{5, false, 0},
		{49, false, 0},
		{53, true, 50},
		{54, false, 0},
	}

	for _, test := range addrLookups {
		gotV, got := vs.FindAddr(test.addr)
		if got != test.want || (got && gotV.Value.Addr != test.wantAddr) {
			t.Errorf("FindAddr(%v)=%v,%v want %v,%v", test.addr, gotV.Value.Addr, got, test.wantAddr, test.want)
		}
	}
}

func TestDescribeAddr(t *testing.T) {
	p := NewProgram(ArchAMD64)
	intType := p.DefineNumericType("int", NumericInt32)
	longType := p.DefineNumericType("long", NumericInt64)
	inner := p.DefineStructType("ns::Inner", 16, func(*StructType) []StructField {
		return []StructField{
			{Name: "x", Type: longType, Offset: 0},
			{Name: "y", Type: longType, Offset: 8},
		}
	})
	outer := p.DefineStructType("ns::Outer", 24, func(*StructType) []StructField {
		return []StructField{
			{Name: "a", Type: intType, Offset: 0},
			{Name: "in", Type: inner, Offset: 8},
		}
	})
	if err := p.MapMemory(0x1000, make([]byte, 0x100)); err != nil {
		t.Fatal(err)
	}
	if err := p.DefineGlobal("ns::g", 0x1000, outer); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		addr   uint64
		want   string
		wantOK bool
	}{
		{0x1000, "ns::g", true},
		{0x1002, "ns::g.a+2", true},
		{0x1004, "ns::g+4", true},
		{0x1008, "ns::g.in", true},
		{0x1010, "ns::g.in.y", true},
		{0x1013, "ns::g.in.y+3", true},
		{0x1018, "", false},
		{0xfff, "", false},
	}
	for _, test := range tests {
		got, ok := p.DescribeAddr(test.addr)
		if got != test.want || ok != test.wantOK {
			t.Errorf("DescribeAddr(0x%x)=%q,%v want %q,%v", test.addr, got, ok, test.want, test.wantOK)
		}
	}
}
