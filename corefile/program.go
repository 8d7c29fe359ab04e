package corefile

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNoSymbol is returned when a name or address has no symbol information.
var ErrNoSymbol = errors.New("no symbol information")

// pcCacheSize bounds the number of PCInfo results kept per Program.
const pcCacheSize = 4096

// Program describes the memory and debug information of a frozen target:
// a core file plus its executable, or a snapshot of a live process.
type Program struct {
	Arch       Arch
	ExecPath   string // executable that produced the target, if known
	CorePath   string // core file, or "" for live processes
	PID        int    // process ID, if known
	StaticBase uint64 // load bias of the executable (non-zero for PIE)

	// GlobalVars enumerates global variables in the program, including
	// static class members, indexed by fully-qualified name.
	GlobalVars *VarSet

	// Internal info.
	typeCache    typeCache    // for canonicalizing types
	dwarf        *dwarf.Data  // nil if the executable has no DWARF
	dwarfIndex   *dwarfIndex  // nil if dwarf is nil
	symbols      []elfSymbol  // sorted by addr, not relocated
	dataSegments dataSegments // virtual memory mappings
	filemaps     []*mmapFile  // dataSegments may point into one of these mmaps
	pcCache      *lru.Cache[uint64, *PCInfo]
}

// NewProgram returns an empty program with no memory, types, or symbols.
// Memory and types can be added with MapMemory, DefineStructType, and
// DefineGlobal. This is used to build targets by hand, e.g. in tests.
func NewProgram(arch Arch) *Program {
	p := &Program{
		Arch:       arch,
		GlobalVars: &VarSet{},
	}
	p.typeCache.initialize(p)
	p.pcCache, _ = lru.New[uint64, *PCInfo](pcCacheSize)
	return p
}

// Close releases the files that back the program's memory. Values read
// from the program must not be used after Close.
func (p *Program) Close() error {
	var errs []error
	for _, f := range p.filemaps {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.filemaps = nil
	p.dataSegments = nil
	return errors.Join(errs...)
}

// MapMemory makes data readable at [addr, addr+len(data)). Ranges that
// are already mapped keep their original contents.
func (p *Program) MapMemory(addr uint64, data []byte) error {
	return p.insertDataSegment(addr, uint64(len(data)), "memory", func(a, size uint64) ([]byte, error) {
		return data[a-addr : a-addr+size : a-addr+size], nil
	})
}

// insertDataSegment maps [addr, addr+size). slice returns the contents of
// any sub-range that is not yet mapped.
func (p *Program) insertDataSegment(addr, size uint64, source string, slice func(addr, size uint64) ([]byte, error)) error {
	return p.dataSegments.insert(addr, size, func(a, sz uint64) (dataSegment, error) {
		data, err := slice(a, sz)
		if err != nil {
			return dataSegment{}, err
		}
		return dataSegment{addr: a, data: data, readable: true, source: source}, nil
	})
}

// DefineGlobal adds a global variable of type t at addr.
func (p *Program) DefineGlobal(fullname string, addr uint64, t Type) error {
	v, err := p.Value(addr, t)
	if err != nil {
		return fmt.Errorf("global %s at 0x%x: %w", fullname, addr, err)
	}
	scope, name := splitScopeName(fullname)
	return p.GlobalVars.insert(Var{Name: name, Scope: scope, Value: v})
}

// ResolveType looks up a type by its C++ name. Leading cv-qualifiers and
// elaborated type specifiers ("struct", "class") are ignored, and trailing
// "*" and "&" build pointer and reference types. Returns an error wrapping
// ErrNoSymbol if the name is unknown.
func (p *Program) ResolveType(name string) (Type, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("empty type name: %w", ErrNoSymbol)
	}
	switch {
	case strings.HasSuffix(name, "*"):
		elem, err := p.ResolveType(strings.TrimSuffix(name, "*"))
		if err != nil {
			return nil, err
		}
		return p.MakePtrType(elem), nil
	case strings.HasSuffix(name, "&"):
		elem, err := p.ResolveType(strings.TrimRight(name, "&"))
		if err != nil {
			return nil, err
		}
		return p.MakeRefType(elem), nil
	case strings.HasSuffix(name, " const"), strings.HasSuffix(name, " volatile"):
		return p.ResolveType(name[:strings.LastIndexByte(name, ' ')])
	}
	for _, prefix := range []string{"const ", "volatile ", "struct ", "class ", "union ", "enum "} {
		if strings.HasPrefix(name, prefix) {
			return p.ResolveType(strings.TrimPrefix(name, prefix))
		}
	}
	if name == "void" {
		return p.MakeVoidType(), nil
	}

	if t := p.FindType(name); t != nil {
		return t, nil
	}
	if p.dwarfIndex != nil {
		refs := p.dwarfIndex.types[name]
		// Prefer a definition; fall back to a declaration.
		sort.SliceStable(refs, func(i, k int) bool { return !refs[i].decl && refs[k].decl })
		for _, ref := range refs {
			dt, err := p.dwarf.Type(ref.off)
			if err != nil {
				verbosef("ResolveType(%q): reading DWARF at 0x%x: %v", name, ref.off, err)
				continue
			}
			t, err := p.typeCache.addDWARF(dt)
			if err != nil {
				return nil, fmt.Errorf("type %s: %w", name, err)
			}
			if p.typeCache.nameCache[name] == nil {
				p.typeCache.nameCache[name] = t
			}
			return t, nil
		}
	}
	return nil, fmt.Errorf("type %q: %w", name, ErrNoSymbol)
}

// TypesWithPrefix returns all named types whose qualified name starts
// with prefix, sorted by name. Types that fail to convert are skipped.
func (p *Program) TypesWithPrefix(prefix string) []Type {
	names := make(map[string]bool)
	for name := range p.typeCache.nameCache {
		if strings.HasPrefix(name, prefix) {
			names[name] = true
		}
	}
	if p.dwarfIndex != nil {
		for name := range p.dwarfIndex.types {
			if strings.HasPrefix(name, prefix) {
				names[name] = true
			}
		}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	var out []Type
	seen := make(map[Type]bool)
	for _, name := range sorted {
		t, err := p.ResolveType(name)
		if err != nil {
			verbosef("TypesWithPrefix(%q): %v", prefix, err)
			continue
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// ErrNoField is returned by FieldOffset for unknown fields.
var ErrNoField = errors.New("no such field")

// FieldOffset returns the offset of the named field within t. The name may
// be a dotted path through nested structs, e.g. "__cc.first". Fields of base
// classes are found as well. If t is a pointer, its pointee is used.
func (p *Program) FieldOffset(t Type, field string) (uint64, error) {
	f, err := lookupField(t, field)
	if err != nil {
		return 0, err
	}
	return f.Offset, nil
}

// lookupField resolves a dotted field path, accumulating offsets.
func lookupField(t Type, path string) (StructField, error) {
	var out StructField
	cur := derefType(t)
	for k, name := range strings.Split(path, ".") {
		st, ok := cur.(*StructType)
		if !ok {
			return StructField{}, fmt.Errorf("%s is not a struct: %w", cur, ErrNoField)
		}
		f, ok := st.FieldByName(name)
		if !ok {
			return StructField{}, fmt.Errorf("%s has no field %q: %w", st, name, ErrNoField)
		}
		if k == 0 {
			out = f
		} else {
			out.Name += "." + f.Name
			out.Type = f.Type
			out.Offset += f.Offset
		}
		cur = f.Type
	}
	return out, nil
}

// ReadUintAt reads an unsigned integer of 1, 2, 4, or 8 bytes at addr.
func (p *Program) ReadUintAt(addr uint64, size int) (uint64, error) {
	if addr == 0 {
		return 0, ErrNil
	}
	var buf [8]byte
	if size <= 0 || size > len(buf) {
		return 0, fmt.Errorf("cannot read a %d-byte integer", size)
	}
	b := buf[:size]
	if err := p.dataSegments.read(addr, b); err != nil {
		return 0, err
	}
	return p.Arch.UintN(b)
}

// ReadBytes copies memory at [addr, addr+len(buf)).
func (p *Program) ReadBytes(addr uint64, buf []byte) error {
	if addr == 0 {
		return ErrNil
	}
	return p.dataSegments.read(addr, buf)
}

// readMemory adapts the program's memory to DWARF expression evaluation.
func (p *Program) readMemory(buf []byte, addr uint64) (int, error) {
	if err := p.dataSegments.read(addr, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// DescribeAddr names the global variable that contains addr, descending
// into struct fields while addr is inside one, e.g. "m", "m.__tree_.__pair1_"
// or "buf+12". Returns false if no global contains addr.
func (p *Program) DescribeAddr(addr uint64) (string, bool) {
	v, ok := p.GlobalVars.FindAddr(addr)
	if !ok {
		return "", false
	}
	name := v.FullName()
	off := addr - v.Value.Addr
	t := v.Value.Type
	for off != 0 {
		st, ok := t.(*StructType)
		if !ok {
			break
		}
		f, ok := st.FieldContainingOffset(off)
		if !ok {
			break
		}
		name += "." + f.Name
		off -= f.Offset
		t = f.Type
	}
	if off != 0 {
		name += fmt.Sprintf("+%d", off)
	}
	return name, true
}

// Var describes a global variable. A Var is simply a named value.
// Scope names the enclosing namespace or class (can be empty).
type Var struct {
	Name  string // unqualified name of the variable
	Scope string
	Value Value
}

// FullName returns the fully-qualified name of v.
func (v *Var) FullName() string {
	if v.Scope != "" {
		return v.Scope + "::" + v.Name
	}
	return v.Name
}

type sortVarByAddr []*Var

func (a sortVarByAddr) Len() int           { return len(a) }
func (a sortVarByAddr) Swap(i, k int)      { a[i], a[k] = a[k], a[i] }
func (a sortVarByAddr) Less(i, k int) bool { return a[i].Value.Addr < a[k].Value.Addr }

// VarSet describes a set of variables.
type VarSet struct {
	list  sortVarByAddr   // kept sorted
	names map[string]*Var // indexed by full name (including the scope)
	short map[string][]*Var
}

// Len returns the number of variables in the set.
func (vs *VarSet) Len() int {
	return len(vs.list)
}

// FindAddr looks up the variable that contains the given address.
func (vs *VarSet) FindAddr(addr uint64) (Var, bool) {
	// Binary search for an upper-bound, then check if the previous var contains addr.
	k := sort.Search(len(vs.list), func(k int) bool {
		return addr < vs.list[k].Value.Addr
	})
	k--
	if k >= 0 && vs.list[k].Value.ContainsAddress(addr) {
		return *vs.list[k], true
	}
	return Var{}, false
}

// FindName looks up the variable with the given fully-qualified name.
func (vs *VarSet) FindName(fullname string) (Var, bool) {
	if v := vs.names[fullname]; v != nil {
		return *v, true
	}
	return Var{}, false
}

// FindShortName looks up variables by unqualified name, e.g. "m" for
// "ns::m". It returns all candidates.
func (vs *VarSet) FindShortName(name string) []Var {
	var out []Var
	for _, v := range vs.short[name] {
		out = append(out, *v)
	}
	return out
}

// Names returns the full names of all variables, sorted.
func (vs *VarSet) Names() []string {
	out := make([]string, 0, len(vs.names))
	for name := range vs.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// insert adds v to the set.
// Returns an error if v overlaps any Var already in the set.
func (vs *VarSet) insert(v Var) error {
	reportConflict := func(old *Var) error {
		return fmt.Errorf("cannot insert %s (addr=0x%x, size=0x%x): conflicts with %s (addr=0x%x, size=0x%x)",
			v.FullName(), v.Value.Addr, v.Value.Size(),
			old.FullName(), old.Value.Addr, old.Value.Size())
	}

	if vs.names == nil {
		vs.names = make(map[string]*Var)
		vs.short = make(map[string][]*Var)
	}

	// Binary search for an upper-bound.
	k := sort.Search(len(vs.list), func(k int) bool {
		return v.Value.Addr < vs.list[k].Value.Addr
	})

	// Check for a conflict.
	if k < len(vs.list) && v.Value.Size() > 0 && vs.list[k].Value.ContainsAddress(v.Value.Addr+v.Value.Size()-1) {
		return reportConflict(vs.list[k])
	}
	if k > 0 && vs.list[k-1].Value.ContainsAddress(v.Value.Addr) {
		return reportConflict(vs.list[k-1])
	}
	if old, has := vs.names[v.FullName()]; has {
		return reportConflict(old)
	}

	// Insert before k.
	vs.list = append(vs.list[:k], append(sortVarByAddr{&v}, vs.list[k:]...)...)
	vs.names[v.FullName()] = &v
	vs.short[v.Name] = append(vs.short[v.Name], &v)

	if sanityChecks && !sort.IsSorted(vs.list) {
		for k, v := range vs.list {
			printf("vs.list[%v] = { addr:0x%x, size:0x%x }", k, v.Value.Addr, v.Value.Size())
		}
		panic(fmt.Sprintf("vars are not sorted after insert(0x%x, 0x%x)", v.Value.Addr, v.Value.Size()))
	}

	return nil
}
