package corefile

import (
	"fmt"
	"sort"
)

// PCInfo gives information about a program counter.
type PCInfo struct {
	PC   uint64    // program counter value
	File string    // path to the file containing the line that compiled to PC, or ""
	Line uint64    // line number in File that compiled to PC, or 0
	Func *FuncInfo // function that contains PC, or nil
}

// FuncInfo gives information about a function.
type FuncInfo struct {
	Name    string // demangled, e.g. "ns::Foo::bar(int)"
	EntryPC uint64
}

// String formats info like a debugger's "info line".
func (info *PCInfo) String() string {
	switch {
	case info.Func != nil && info.File != "":
		return fmt.Sprintf("0x%x is in %s (%s:%d).", info.PC, info.Func.Name, info.File, info.Line)
	case info.Func != nil:
		return fmt.Sprintf("0x%x is in %s.", info.PC, info.Func.Name)
	case info.File != "":
		return fmt.Sprintf("0x%x is at %s:%d.", info.PC, info.File, info.Line)
	}
	return fmt.Sprintf("0x%x: %v", info.PC, ErrNoSymbol)
}

// PCInfo returns information about the given program counter. The function
// comes from DWARF subprogram ranges, falling back to the ELF symbol table,
// and the line from the DWARF line table. Fails with an error wrapping
// ErrNoSymbol if neither is known.
func (p *Program) PCInfo(pc uint64) (*PCInfo, error) {
	if info, ok := p.pcCache.Get(pc); ok {
		if info == nil {
			return nil, fmt.Errorf("pc 0x%x: %w", pc, ErrNoSymbol)
		}
		return info, nil
	}
	info := p.lookupPC(pc)
	p.pcCache.Add(pc, info)
	if info == nil {
		return nil, fmt.Errorf("pc 0x%x: %w", pc, ErrNoSymbol)
	}
	return info, nil
}

func (p *Program) lookupPC(pc uint64) *PCInfo {
	if pc < p.StaticBase {
		return nil
	}
	rel := pc - p.StaticBase
	info := &PCInfo{PC: pc}

	if p.dwarfIndex != nil {
		if f, ok := p.dwarfIndex.findFunc(rel); ok {
			info.Func = &FuncInfo{Name: f.name, EntryPC: f.lowpc + p.StaticBase}
		}
		if cu, ok := p.dwarfIndex.findCU(rel); ok {
			file, line, err := lineForPC(p.dwarf, cu, rel)
			if err != nil {
				verbosef("PCInfo(0x%x): line table: %v", pc, err)
			} else {
				info.File, info.Line = file, line
			}
		}
	}
	if info.Func == nil {
		if s, ok := p.findSymbol(rel); ok {
			info.Func = &FuncInfo{Name: s.name, EntryPC: s.addr + p.StaticBase}
		}
	}
	if info.Func == nil && info.File == "" {
		return nil
	}
	return info
}

// findSymbol returns the ELF function symbol containing rel.
func (p *Program) findSymbol(rel uint64) (elfSymbol, bool) {
	k := sort.Search(len(p.symbols), func(k int) bool {
		return rel < p.symbols[k].addr
	})
	k--
	if k < 0 {
		return elfSymbol{}, false
	}
	s := p.symbols[k]
	// Some assembly symbols have no size; accept them up to the next symbol.
	if rel < s.addr+s.size || (s.size == 0 && k+1 < len(p.symbols)) {
		return s, true
	}
	return elfSymbol{}, false
}
