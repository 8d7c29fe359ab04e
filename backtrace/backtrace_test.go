package backtrace

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombergan/coremap/corefile"
	"github.com/tombergan/coremap/corefile/coretest"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0x123", 0x123, false},
		{"0X1f", 0x1f, false},
		{"  0x10 ", 0x10, false},
		{"291", 291, false},
		{"deadbeef", 0xdeadbeef, false},
		{"(BacktraceHeader *) 0x7f00", 0x7f00, false},
		{"", 0, true},
		{"0xzz", 0, true},
		{"-1", 0, true},
	}
	for _, test := range tests {
		got, err := ParseAddress(test.in)
		if test.wantErr {
			require.ErrorIs(t, err, ErrBadAddress, test.in)
			continue
		}
		require.NoError(t, err, test.in)
		require.Equal(t, test.want, got, test.in)
	}
}

// recordProgram defines functions f at 0x401000 and g at 0x402000.
func recordProgram(t *testing.T, layout coretest.FramesLayout, capacity uint64) (*corefile.Program, *coretest.Memory, *corefile.StructType) {
	t.Helper()
	p := corefile.NewProgram(corefile.ArchAMD64)
	p.DefineSymbol("f()", 0x401000, 0x100)
	p.DefineSymbol("ns::g(int)", 0x402000, 0x100)
	st := coretest.DefineBacktraceHeader(p, DefaultRecordType, layout, capacity)
	return p, coretest.NewMemory(p.Arch, 0x10000), st
}

func TestDecodeLayouts(t *testing.T) {
	frames := []uint64{0x401010, 0x402020, 0x999}
	want := "0x401010 is in f().\n" +
		"0x402020 is in ns::g(int).\n" +
		"0x999: no symbol information\n"
	layouts := map[string]struct {
		layout   coretest.FramesLayout
		capacity uint64
	}{
		"inline":  {coretest.FramesInline, 8},
		"trailer": {coretest.FramesTrailer, 0},
		"pointer": {coretest.FramesPointer, 0},
		// num_frames exceeds the declared capacity.
		"short inline": {coretest.FramesInline, 1},
	}
	for name, l := range layouts {
		t.Run(name, func(t *testing.T) {
			p, mem, st := recordProgram(t, l.layout, l.capacity)
			var addr uint64
			if l.layout == coretest.FramesInline && l.capacity < uint64(len(frames)) {
				addr = coretest.WriteBacktrace(mem, st, l.layout, int32(len(frames)), frames[:l.capacity])
				for _, pc := range frames[l.capacity:] {
					mem.PutPtr(mem.Alloc(8, 8), pc)
				}
			} else {
				addr = coretest.WriteBacktrace(mem, st, l.layout, int32(len(frames)), frames)
			}
			require.NoError(t, mem.MapInto(p))

			got, err := NewDecoder(p).Frames(addr)
			require.NoError(t, err)
			require.Equal(t, frames, got)

			var buf bytes.Buffer
			require.NoError(t, NewDecoder(p).Decode(&buf, addr))
			require.Equal(t, want, buf.String())
		})
	}
}

func TestDecodeReadsExactlyNumFrames(t *testing.T) {
	p, mem, st := recordProgram(t, coretest.FramesInline, 4)
	addr := coretest.WriteBacktrace(mem, st, coretest.FramesInline, 2, []uint64{0x401000, 0x402000, 0x401050, 0x401060})
	require.NoError(t, mem.MapInto(p))

	var buf bytes.Buffer
	require.NoError(t, NewDecoder(p).Decode(&buf, addr))
	require.Equal(t, 2, strings.Count(buf.String(), "\n"))
}

func TestDecodeNoFrames(t *testing.T) {
	for _, n := range []int32{0, -3} {
		p, mem, st := recordProgram(t, coretest.FramesPointer, 0)
		// A null frames pointer is never read when there are no frames.
		addr := coretest.WriteBacktrace(mem, st, coretest.FramesPointer, n, nil)
		require.NoError(t, mem.MapInto(p))

		var buf bytes.Buffer
		require.NoError(t, NewDecoder(p).Decode(&buf, addr), "num_frames=%d", n)
		require.Empty(t, buf.String())
	}
}

func TestDecodeErrors(t *testing.T) {
	p, mem, st := recordProgram(t, coretest.FramesPointer, 0)
	nullFrames := coretest.WriteBacktrace(mem, st, coretest.FramesPointer, 2, nil)
	require.NoError(t, mem.MapInto(p))
	d := NewDecoder(p)

	_, err := d.Frames(nullFrames)
	require.ErrorIs(t, err, corefile.ErrNil)

	_, err = d.Frames(0)
	require.ErrorIs(t, err, corefile.ErrNil)

	_, err = d.Frames(0x900000)
	require.ErrorIs(t, err, corefile.ErrOutOfBounds)

	d.RecordType = "NoSuchRecord"
	_, err = d.Frames(nullFrames)
	require.ErrorIs(t, err, corefile.ErrNoSymbol)

	d.RecordType = "int"
	_, err = d.Frames(nullFrames)
	require.ErrorIs(t, err, ErrBadRecord)
}

func TestDecodePartialFrames(t *testing.T) {
	p, mem, st := recordProgram(t, coretest.FramesInline, 2)
	addr := coretest.WriteBacktrace(mem, st, coretest.FramesInline, 2, []uint64{0x401000, 0x402000})
	// num_frames runs off the end of mapped memory.
	avail := (mem.End() - addr - 8) / 8
	mem.PutUint(addr, 4, avail+1)
	require.NoError(t, mem.MapInto(p))

	var buf bytes.Buffer
	err := NewDecoder(p).Decode(&buf, addr)
	require.ErrorIs(t, err, corefile.ErrOutOfBounds)
	require.True(t, strings.HasPrefix(buf.String(), "0x401000 is in f().\n0x402000 is in ns::g(int).\n"))
}

func TestDecodeGarbageNumFrames(t *testing.T) {
	p, mem, st := recordProgram(t, coretest.FramesTrailer, 0)
	// The record is the last thing in memory, so frame 3 is unmapped.
	addr := coretest.WriteBacktrace(mem, st, coretest.FramesTrailer, 0x7fffffff, []uint64{0x401000, 0x402000, 0x999})
	require.NoError(t, mem.MapInto(p))

	var buf bytes.Buffer
	err := NewDecoder(p).Decode(&buf, addr)
	require.ErrorIs(t, err, corefile.ErrOutOfBounds)
	require.Contains(t, err.Error(), "frame 3 of 2147483647")
	require.Equal(t, "0x401000 is in f().\n0x402000 is in ns::g(int).\n0x999: no symbol information\n", buf.String())
}

func TestDecodeWideNumFrames(t *testing.T) {
	p := corefile.NewProgram(corefile.ArchAMD64)
	p.DefineSymbol("f()", 0x401000, 0x100)
	long := p.DefineNumericType("long", corefile.NumericInt64)
	voidPtr := p.MakePtrType(p.MakeVoidType())
	p.DefineStructType("WideHeader", 8, func(*corefile.StructType) []corefile.StructField {
		return []corefile.StructField{
			{Name: "num_frames", Type: long, Offset: 0},
			{Name: "frames", Type: p.MakeArrayType(voidPtr, 0), Offset: 8},
		}
	})
	mem := coretest.NewMemory(p.Arch, 0x10000)
	addr := mem.Alloc(16, 8)
	mem.PutUint(addr, 8, 1<<62)
	mem.PutPtr(addr+8, 0x401008)
	require.NoError(t, mem.MapInto(p))

	d := NewDecoder(p)
	d.RecordType = "WideHeader"
	frames, err := d.Frames(addr)
	require.ErrorIs(t, err, corefile.ErrOutOfBounds)
	require.Equal(t, []uint64{0x401008}, frames)
}

func TestDecodeValue(t *testing.T) {
	p, mem, st := recordProgram(t, coretest.FramesInline, 1)
	addr := coretest.WriteBacktrace(mem, st, coretest.FramesInline, 1, []uint64{0x401004})
	ptr := mem.Alloc(8, 8)
	mem.PutPtr(ptr, addr)
	require.NoError(t, mem.MapInto(p))
	d := NewDecoder(p)

	pv, err := p.Value(ptr, p.MakePtrType(st))
	require.NoError(t, err)
	sv, err := p.Value(addr, st)
	require.NoError(t, err)
	iv, err := p.Eval(fmt.Sprintf("%d", addr))
	require.NoError(t, err)

	for _, v := range []corefile.Value{pv, sv, iv} {
		var buf bytes.Buffer
		require.NoError(t, d.DecodeValue(&buf, v), v.Type.String())
		require.Equal(t, "0x401004 is in f().\n", buf.String())
	}
}

type fakeSymbolizer map[uint64]*corefile.PCInfo

func (s fakeSymbolizer) PCInfo(pc uint64) (*corefile.PCInfo, error) {
	if info, ok := s[pc]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("pc 0x%x: %w", pc, corefile.ErrNoSymbol)
}

func TestRenderSource(t *testing.T) {
	dir := t.TempDir()
	var src strings.Builder
	for n := 1; n <= 10; n++ {
		fmt.Fprintf(&src, "line %d\n", n)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "a.cc"), []byte(src.String()), 0o644))

	syms := fakeSymbolizer{
		0x10: {PC: 0x10, File: "src/a.cc", Line: 5, Func: &corefile.FuncInfo{Name: "f()"}},
		0x20: {PC: 0x20, File: "/build/src/a.cc", Line: 1, Func: &corefile.FuncInfo{Name: "g()"}},
		0x30: {PC: 0x30, File: "src/a.cc", Line: 40, Func: &corefile.FuncInfo{Name: "h()"}},
		0x40: {PC: 0x40, File: "missing.cc", Line: 7, Func: &corefile.FuncInfo{Name: "k()"}},
	}
	tests := []struct {
		pc      uint64
		context int
		want    string
	}{
		{0x10, 0, "0x10 is in f() (src/a.cc:5).\n5\tline 5\n"},
		{0x10, 1, "0x10 is in f() (src/a.cc:5).\n4\tline 4\n5\tline 5\n6\tline 6\n"},
		{0x10, -1, "0x10 is in f() (src/a.cc:5).\n"},
		{0x20, 2, "0x20 is in g() (/build/src/a.cc:1).\n1\tline 1\n2\tline 2\n3\tline 3\n"},
		{0x30, 0, "0x30 is in h() (src/a.cc:40).\nLine number 40 out of range; \"src/a.cc\" has 10 lines.\n"},
		{0x40, 0, "0x40 is in k() (missing.cc:7).\n7\tin missing.cc\n"},
		{0x50, 3, "0x50: no symbol information\n"},
	}
	for _, test := range tests {
		r := &Renderer{Symbolizer: syms, Context: test.context, SourceDir: filepath.Join(dir, "src")}
		if test.pc == 0x10 || test.pc == 0x30 {
			r.SourceDir = dir
		}
		var buf bytes.Buffer
		require.NoError(t, r.Render(&buf, test.pc))
		require.Equal(t, test.want, buf.String(), "pc 0x%x context %d", test.pc, test.context)
	}
}
