package corefile

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-delve/delve/pkg/dwarf/op"
	"github.com/ianlancetaylor/demangle"
)

// OpenProgramOptions configures OpenProgram and OpenProcess.
type OpenProgramOptions struct {
	// ExecutablePath is the executable that produced the target. If empty,
	// the path is taken from the core file's process info note, or from
	// /proc/PID/exe for live processes.
	ExecutablePath string
}

// OpenProgram loads a program from an ELF core file and its executable.
// The returned Program must be closed when no longer needed.
func OpenProgram(corePath string, opts *OpenProgramOptions) (*Program, error) {
	if opts == nil {
		opts = &OpenProgramOptions{}
	}
	corePath, err := filepath.Abs(corePath)
	if err != nil {
		return nil, err
	}
	coref, err := mmapOpen(corePath)
	if err != nil {
		return nil, err
	}
	lp := &loader{corePath: corePath}
	lp.filemaps = append(lp.filemaps, coref)
	if err := lp.readCore(coref); err != nil {
		lp.close()
		return nil, fmt.Errorf("reading core %s: %w", corePath, err)
	}

	execPath := opts.ExecutablePath
	if execPath == "" {
		execPath = lp.execPath
	}
	if execPath == "" {
		lp.close()
		return nil, fmt.Errorf("core %s does not name its executable; pass the executable path", corePath)
	}
	p, err := lp.finish(execPath)
	if err != nil {
		lp.close()
		return nil, err
	}
	return p, nil
}

// loader accumulates the pieces of a Program while files are read.
// Memory from the core (or live process) is inserted before the
// executable's, so the target's writable pages take precedence.
type loader struct {
	arch     Arch
	machine  elf.Machine
	corePath string
	pid      int
	execPath string // from the core notes or /proc
	entry    uint64 // AT_ENTRY, or 0 if unknown

	dataSegments dataSegments
	filemaps     []*mmapFile
}

func (lp *loader) close() {
	for _, f := range lp.filemaps {
		f.Close()
	}
}

func (lp *loader) insertDataSegment(addr, size uint64, source string, slice func(addr, size uint64) ([]byte, error)) error {
	return lp.dataSegments.insert(addr, size, func(a, sz uint64) (dataSegment, error) {
		data, err := slice(a, sz)
		if err != nil {
			return dataSegment{}, err
		}
		return dataSegment{addr: a, data: data, readable: true, source: source}, nil
	})
}

// finish loads the executable and builds the Program.
func (lp *loader) finish(execPath string) (*Program, error) {
	execf, err := mmapOpen(execPath)
	if err != nil {
		return nil, fmt.Errorf("opening executable: %w", err)
	}
	lp.filemaps = append(lp.filemaps, execf)
	ef, err := elf.NewFile(execf)
	if err != nil {
		return nil, fmt.Errorf("reading executable %s: %w", execPath, err)
	}

	p := NewProgram(lp.arch)
	p.ExecPath = execPath
	p.CorePath = lp.corePath
	p.PID = lp.pid
	if err := lp.readExec(p, execf, ef); err != nil {
		return nil, fmt.Errorf("reading executable %s: %w", execPath, err)
	}
	p.dataSegments = lp.dataSegments
	p.filemaps = lp.filemaps

	p.symbols = readELFSymbols(ef)
	logf("OpenProgram: %d ELF function symbols", len(p.symbols))

	d, err := ef.DWARF()
	if err != nil {
		// Stripped binaries still have memory and ELF symbols.
		logf("OpenProgram: no DWARF in %s: %v", execPath, err)
		return p, nil
	}
	idx, err := indexDWARF(d)
	if err != nil {
		return nil, fmt.Errorf("indexing DWARF: %w", err)
	}
	p.dwarf = d
	p.dwarfIndex = idx
	p.typeCache.dwarf = d
	p.typeCache.index = idx
	p.loadGlobals()
	return p, nil
}

// loadGlobals evaluates the location of each DWARF global variable.
// Variables that cannot be located or read are skipped.
func (p *Program) loadGlobals() {
	regs := op.NewDwarfRegisters(p.StaticBase, nil, p.Arch.ByteOrder, 0, 0, 0, 0)
	for _, g := range p.dwarfIndex.globals {
		addr, pieces, err := op.ExecuteStackProgram(*regs, g.loc, p.Arch.PointerSize, p.readMemory)
		if err != nil || len(pieces) > 0 || addr == 0 {
			verbosef("loadGlobals: skipping %s: addr=0x%x pieces=%d err=%v", g.name, addr, len(pieces), err)
			continue
		}
		dt, err := p.dwarf.Type(g.typeOff)
		if err != nil {
			verbosef("loadGlobals: type of %s: %v", g.name, err)
			continue
		}
		t, err := p.typeCache.addDWARF(dt)
		if err != nil {
			verbosef("loadGlobals: type of %s: %v", g.name, err)
			continue
		}
		if err := p.DefineGlobal(g.name, uint64(addr), t); err != nil {
			verbosef("loadGlobals: %v", err)
		}
	}
	logf("OpenProgram: loaded %d of %d globals", p.GlobalVars.Len(), len(p.dwarfIndex.globals))
}

// elfSymbol is a function symbol from the ELF symbol table.
type elfSymbol struct {
	name       string // demangled
	addr, size uint64 // not relocated
}

func readELFSymbols(f *elf.File) []elfSymbol {
	syms, err := f.Symbols()
	if err != nil {
		verbosef("ELF symbols: %v", err)
	}
	dsyms, err := f.DynamicSymbols()
	if err != nil {
		verbosef("ELF dynamic symbols: %v", err)
	}
	var out []elfSymbol
	for _, s := range append(syms, dsyms...) {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 {
			continue
		}
		out = append(out, elfSymbol{name: demangle.Filter(s.Name), addr: s.Value, size: s.Size})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].addr < out[k].addr })
	return out
}

// DefineSymbol adds a function symbol covering [addr, addr+size). Symbols
// from the executable's symbol table are loaded by OpenProgram; this is
// for programs built with NewProgram.
func (p *Program) DefineSymbol(name string, addr, size uint64) {
	k := sort.Search(len(p.symbols), func(k int) bool { return addr < p.symbols[k].addr })
	p.symbols = append(p.symbols, elfSymbol{})
	copy(p.symbols[k+1:], p.symbols[k:])
	p.symbols[k] = elfSymbol{name: name, addr: addr - p.StaticBase, size: size}
	p.pcCache.Purge()
}

// splitScopeName splits a qualified C++ name into its enclosing scope and
// its unqualified name. Separators inside template arguments and parameter
// lists do not count, e.g. "ns::f<a::b>" splits into "ns" and "f<a::b>".
func splitScopeName(fullname string) (scope, name string) {
	depth := 0
	split := -1
	for k := 0; k < len(fullname); k++ {
		switch fullname[k] {
		case '<', '(':
			depth++
		case '>', ')':
			if depth > 0 {
				depth--
			}
		case ':':
			if depth == 0 && k+1 < len(fullname) && fullname[k+1] == ':' {
				split = k
				k++
			}
		}
	}
	if split < 0 {
		return "", fullname
	}
	return fullname[:split], fullname[split+2:]
}

// archForMachine maps an ELF machine to an Arch.
func archForMachine(f *elf.File) (Arch, error) {
	switch f.Machine {
	case elf.EM_X86_64:
		return ArchAMD64, nil
	case elf.EM_386:
		if f.Class == elf.ELFCLASS64 {
			return ArchAMD64, nil
		}
		return Arch386, nil
	case elf.EM_AARCH64:
		return ArchARM64, nil
	default:
		return Arch{}, fmt.Errorf("unsupported ELF machine type %s", f.Machine)
	}
}

// parseAuxv scans an auxiliary vector for key.
func parseAuxv(a Arch, auxv []byte, key uint64) (uint64, bool) {
	n := a.PointerSize
	for k := 0; k+2*n <= len(auxv); k += 2 * n {
		tag := a.Uintptr(auxv[k : k+n])
		if tag == 0 {
			break
		}
		if tag == key {
			return a.Uintptr(auxv[k+n : k+2*n]), true
		}
	}
	return 0, false
}

// execPathFromPsinfo picks the executable path out of the process info
// note. Psargs holds the (truncated) command line, whose first word is
// usually a path; Fname is the bare command name.
func execPathFromPsinfo(fname, psargs []byte) string {
	cstr := func(b []byte) string {
		if k := strings.IndexByte(string(b), 0); k >= 0 {
			return string(b[:k])
		}
		return string(b)
	}
	if args := strings.Fields(cstr(psargs)); len(args) > 0 && strings.Contains(args[0], "/") {
		if _, err := os.Stat(args[0]); err == nil {
			return args[0]
		}
	}
	return cstr(fname)
}
