package corefile

import (
	"encoding/binary"
	"testing"
)

func TestSplitScopeName(t *testing.T) {
	tests := []struct {
		fullname  string
		wantScope string
		wantName  string
	}{
		{"m", "", "m"},
		{"ns::m", "ns", "m"},
		{"a::b::c", "a::b", "c"},
		{"std::__1::map<int, ns::T>", "std::__1", "map<int, ns::T>"},
		{"Foo<a::b>::s_map", "Foo<a::b>", "s_map"},
		{"ns::f(a::b)", "ns", "f(a::b)"},
		{"(anonymous namespace)::m", "(anonymous namespace)", "m"},
	}

	for _, test := range tests {
		if gotScope, gotName := splitScopeName(test.fullname); gotScope != test.wantScope || gotName != test.wantName {
			t.Errorf("splitScopeName(%q)=%q,%q want %q,%q", test.fullname, gotScope, gotName, test.wantScope, test.wantName)
		}
	}
}

func TestParseAuxv(t *testing.T) {
	auxv := make([]byte, 8*8)
	put := func(k int, tag, val uint64) {
		binary.LittleEndian.PutUint64(auxv[16*k:], tag)
		binary.LittleEndian.PutUint64(auxv[16*k+8:], val)
	}
	put(0, 6, 4096)             // AT_PAGESZ
	put(1, auxvATEntry, 0x1040) // AT_ENTRY
	put(2, 0, 0)                // AT_NULL
	put(3, 7, 0xdead)           // after AT_NULL, ignored

	if got, ok := parseAuxv(ArchAMD64, auxv, auxvATEntry); !ok || got != 0x1040 {
		t.Errorf("parseAuxv(AT_ENTRY)=0x%x,%v want 0x1040,true", got, ok)
	}
	if _, ok := parseAuxv(ArchAMD64, auxv, 7); ok {
		t.Errorf("parseAuxv found a tag after AT_NULL")
	}
	if _, ok := parseAuxv(ArchAMD64, auxv[:12], 6); ok {
		t.Errorf("parseAuxv read a truncated entry")
	}
}

func TestExecPathFromPsinfo(t *testing.T) {
	var fname [16]byte
	var psargs [80]byte
	copy(fname[:], "server")
	copy(psargs[:], "/nonexistent/bin/server --port 80")
	// The path in psargs does not exist, so Fname is used.
	if got := execPathFromPsinfo(fname[:], psargs[:]); got != "server" {
		t.Errorf("execPathFromPsinfo=%q want %q", got, "server")
	}
	copy(psargs[:], "/bin/sh\x00")
	if got := execPathFromPsinfo(fname[:], psargs[:]); got != "/bin/sh" {
		t.Errorf("execPathFromPsinfo=%q want %q", got, "/bin/sh")
	}
}
