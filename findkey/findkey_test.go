package findkey

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombergan/coremap/corefile"
	"github.com/tombergan/coremap/corefile/coretest"
	"github.com/tombergan/coremap/shell"
	"github.com/tombergan/coremap/stlmap"
)

type fixture struct {
	p       *corefile.Program
	sh      *shell.Shell
	out     *bytes.Buffer
	errOut  *bytes.Buffer
	records []uint64
	tree    *coretest.MapTree
}

// newFixture builds
//
//	std::map<void*, BacktraceHeader*> m;  // keys 0x100, 0x200, 0x300
//	std::set<int> s;                      // 1, 2
//
// where the record for key 0x200 has no frames and the others have two.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := corefile.NewProgram(corefile.ArchAMD64)
	p.DefineSymbol("alloc()", 0x401000, 0x100)
	p.DefineSymbol("ns::caller(int)", 0x402000, 0x100)
	voidPtr := p.MakePtrType(p.MakeVoidType())
	bt := coretest.DefineBacktraceHeader(p, "BacktraceHeader", coretest.FramesInline, 4)
	mt := coretest.DefineMapTypes(p, voidPtr, p.MakePtrType(bt), coretest.MapOptions{})
	intType := p.FindType("int")
	st := coretest.DefineMapTypes(p, intType, nil, coretest.MapOptions{Set: true})

	mem := coretest.NewMemory(p.Arch, 0x10000)
	f := &fixture{p: p}
	for k := 0; k < 3; k++ {
		var frames []uint64
		if k != 1 {
			frames = []uint64{0x401010 + uint64(k), 0x402020}
		}
		f.records = append(f.records, coretest.WriteBacktrace(mem, bt, coretest.FramesInline, int32(len(frames)), frames))
	}
	f.tree = mt.Build(mem, 3, coretest.Balanced, func(k int, keyAddr, elemAddr uint64) {
		mem.PutPtr(keyAddr, uint64(0x100*(k+1)))
		mem.PutPtr(elemAddr, f.records[k])
	})
	set := st.Build(mem, 2, coretest.Balanced, func(k int, keyAddr, _ uint64) {
		mem.PutUint(keyAddr, 4, uint64(k+1))
	})
	require.NoError(t, mem.MapInto(p))
	require.NoError(t, p.DefineGlobal("m", f.tree.Addr, mt.Map))
	require.NoError(t, p.DefineGlobal("s", set.Addr, st.Map))

	f.out, f.errOut = &bytes.Buffer{}, &bytes.Buffer{}
	f.sh = shell.New(f.out, f.errOut)
	require.NoError(t, New(p, Options{Context: -1}).Register(f.sh))
	return f
}

func (f *fixture) exec(t *testing.T, line string) error {
	t.Helper()
	f.out.Reset()
	f.errOut.Reset()
	return f.sh.Exec(line)
}

func TestFindKey(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.exec(t, "findkey -c m -k 0x300"))
	want := fmt.Sprintf("[0x300] = [0x%x]\n", f.records[2]) +
		"0x401012 is in alloc().\n" +
		"0x402020 is in ns::caller(int).\n" +
		"\n" +
		"Total 1 pairs.\n"
	require.Equal(t, want, f.out.String())
	require.Empty(t, f.errOut.String())
}

func TestFindKeyNoFrames(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.exec(t, "findkey --container=m --key=0x200"))
	want := fmt.Sprintf("[0x200] = [0x%x]\n\nTotal 1 pairs.\n", f.records[1])
	require.Equal(t, want, f.out.String())
}

func TestFindKeyMissing(t *testing.T) {
	f := newFixture(t)
	for _, key := range []string{"0x400", "256", "0x100 "} {
		require.NoError(t, f.exec(t, fmt.Sprintf("findkey -c m -k %q", key)))
		require.Equal(t, fmt.Sprintf("There is no key = %s\n", key), f.out.String())
	}
}

func TestFindKeyBadRecord(t *testing.T) {
	// Decoding fails for every match, but matches are still reported.
	f := newFixture(t)
	var out, errOut bytes.Buffer
	sh := shell.New(&out, &errOut)
	require.NoError(t, New(f.p, Options{RecordType: "NoSuchRecord"}).Register(sh))
	require.NoError(t, sh.Exec("findkey -c m -k 0x100"))
	require.Equal(t, fmt.Sprintf("[0x100] = [0x%x]\n\nTotal 1 pairs.\n", f.records[0]), out.String())
	require.Contains(t, errOut.String(), "NoSuchRecord")
}

func TestFindKeySet(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.exec(t, "findkey -c s -k 2"))
	require.Equal(t, "[2]\nTotal 1 pairs.\n", f.out.String())
}

func TestFindKeyErrors(t *testing.T) {
	f := newFixture(t)
	usage := []string{
		"findkey",
		"findkey -c m",
		"findkey -k 0x100",
		"findkey -c m -k 0x100 extra",
		"findkey -c m -x 1",
		"findkey -c",
		"entries",
		"tree",
		"backtrace",
		"backtrace 1 2",
		"list",
		"print",
	}
	for _, line := range usage {
		err := f.exec(t, line)
		require.ErrorIs(t, err, ErrUsage, line)
		require.Contains(t, f.errOut.String(), "Usage:", line)
		require.Empty(t, f.out.String(), line)
	}

	require.ErrorIs(t, f.exec(t, "findkey -c nosuch -k 1"), corefile.ErrNoSymbol)
	require.ErrorIs(t, f.exec(t, "findkey -c m.__tree_.__pair3_ -k 1"), stlmap.ErrTypeMismatch)
}

func TestFindKeyHelp(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.exec(t, "findkey --help"))
	out := f.out.String()
	require.Contains(t, out, "findkey -c <container name> -k <key>")
	require.Contains(t, out, `"std::map<void*, BacktraceHeader*> m;"`)
	require.Contains(t, out, "findkey -c m -k 0x123")
}

func TestEntries(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.exec(t, "entries -c m"))
	want := fmt.Sprintf("[0x100] = [0x%x]\n[0x200] = [0x%x]\n[0x300] = [0x%x]\nTotal 3 entries.\n",
		f.records[0], f.records[1], f.records[2])
	require.Equal(t, want, f.out.String())

	require.NoError(t, f.exec(t, "entries -c m -n 1"))
	require.Equal(t, fmt.Sprintf("[0x100] = [0x%x]\nTotal 3 entries.\n", f.records[0]), f.out.String())

	require.NoError(t, f.exec(t, "entries -c '&s'"))
	require.Equal(t, "[1]\n[2]\nTotal 2 entries.\n", f.out.String())
}

func TestTree(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.exec(t, "tree -c m"))
	out := f.out.String()
	require.Contains(t, out, fmt.Sprintf("end node 0x%x (size 3)", f.tree.EndNode))
	require.Contains(t, out, "[0x200] = ")
	require.Equal(t, 4, strings.Count(out, "\n"))
}

func TestBacktraceAndList(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.exec(t, fmt.Sprintf("backtrace 0x%x", f.records[0])))
	require.Equal(t, "0x401010 is in alloc().\n0x402020 is in ns::caller(int).\n", f.out.String())

	require.NoError(t, f.exec(t, fmt.Sprintf("backtrace '*(BacktraceHeader *)0x%x'", f.records[2])))
	require.Equal(t, "0x401012 is in alloc().\n0x402020 is in ns::caller(int).\n", f.out.String())

	require.NoError(t, f.exec(t, "list 0x401005"))
	require.Equal(t, "0x401005 is in alloc().\n", f.out.String())

	require.NoError(t, f.exec(t, "list 0x10"))
	require.Equal(t, "0x10: no symbol information\n", f.out.String())

	require.NoError(t, f.exec(t, fmt.Sprintf("list '((BacktraceHeader *)0x%x)->frames[1]'", f.records[0])))
	require.Equal(t, "0x402020 is in ns::caller(int).\n", f.out.String())

	require.NoError(t, f.exec(t, "print m.__tree_.__pair3_.__value_"))
	require.Equal(t, "(unsigned long) 3\n", f.out.String())
}

func TestPrint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.exec(t, "print '&m'"))
	require.True(t, strings.HasSuffix(f.out.String(), fmt.Sprintf(" 0x%x <m>\n", f.tree.Addr)), f.out.String())

	require.NoError(t, f.exec(t, fmt.Sprintf("print '(int *)0x%x'", f.tree.Addr+8)))
	require.Contains(t, f.out.String(), fmt.Sprintf("0x%x <m.", f.tree.Addr+8))

	require.NoError(t, f.exec(t, "print '(int *)0x10'"))
	require.Equal(t, "(int *) 0x10\n", f.out.String())
}
