package corefile

import (
	"debug/dwarf"
	"fmt"
	"sort"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// dwarfIndex is a name index over a DWARF tree. C++ DWARF nests named
// entities inside namespace and class entries, so building qualified names
// requires a full walk. Types are indexed here and converted lazily.
type dwarfIndex struct {
	names   map[dwarf.Offset]string   // qualified name of every named type entry
	types   map[string][]dwarfTypeRef // qualified name -> type entries
	globals []dwarfGlobal
	funcs   []dwarfFunc // sorted by lowpc
	cus     []dwarfCU
}

type dwarfTypeRef struct {
	off  dwarf.Offset
	decl bool // DW_AT_declaration: incomplete
}

type dwarfGlobal struct {
	name    string // qualified
	typeOff dwarf.Offset
	loc     []byte // DWARF location expression
}

type dwarfFunc struct {
	lowpc, highpc uint64 // not relocated
	name          string
}

type dwarfCU struct {
	entry  *dwarf.Entry
	ranges [][2]uint64 // not relocated
}

func (cu *dwarfCU) contains(pc uint64) bool {
	for _, r := range cu.ranges {
		if r[0] <= pc && pc < r[1] {
			return true
		}
	}
	return false
}

// attrMIPSLinkageName is DW_AT_MIPS_linkage_name, emitted by older compilers.
const attrMIPSLinkageName dwarf.Attr = 0x2007

// anonymousNamespace is how C++ tools spell the scope of an unnamed namespace.
const anonymousNamespace = "(anonymous namespace)"

// indexDWARF walks all entries of d.
func indexDWARF(d *dwarf.Data) (*dwarfIndex, error) {
	idx := &dwarfIndex{
		names: make(map[dwarf.Offset]string),
		types: make(map[string][]dwarfTypeRef),
	}

	// Declarations that other entries refer to with DW_AT_specification
	// or DW_AT_abstract_origin.
	declNames := make(map[dwarf.Offset]string)
	declTypes := make(map[dwarf.Offset]dwarf.Offset)
	type pendingFunc struct {
		fn  int
		ref dwarf.Offset
	}
	var pendingFuncs []pendingFunc
	type pendingVar struct {
		g   int
		ref dwarf.Offset
	}
	var pendingVars []pendingVar

	var scopes []string // enclosing scope names; "" for non-scopes
	qualify := func(name string) string {
		var parts []string
		for _, s := range scopes {
			if s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(append(parts, name), "::")
	}

	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		if e.Tag == 0 {
			if len(scopes) > 0 {
				scopes = scopes[:len(scopes)-1]
			}
			continue
		}
		name, _ := e.Val(dwarf.AttrName).(string)

		switch e.Tag {
		case dwarf.TagCompileUnit, dwarf.TagPartialUnit:
			ranges, err := d.Ranges(e)
			if err != nil {
				verbosef("DWARF: ranges of compile unit %s: %v", name, err)
			}
			idx.cus = append(idx.cus, dwarfCU{entry: e, ranges: ranges})
			if e.Children {
				scopes = append(scopes, "")
			}
			continue

		case dwarf.TagNamespace:
			if name == "" {
				name = anonymousNamespace
			}
			if e.Children {
				scopes = append(scopes, name)
			}
			continue

		case dwarf.TagStructType, dwarf.TagClassType, dwarf.TagUnionType:
			decl, _ := e.Val(dwarf.AttrDeclaration).(bool)
			if name != "" {
				full := qualify(name)
				idx.names[e.Offset] = full
				idx.types[full] = append(idx.types[full], dwarfTypeRef{e.Offset, decl})
			}
			if e.Children {
				if name == "" {
					name = "(anonymous)"
				}
				scopes = append(scopes, name)
			}
			continue

		case dwarf.TagTypedef, dwarf.TagBaseType, dwarf.TagEnumerationType,
			dwarf.TagUnspecifiedType:
			if name != "" {
				full := qualify(name)
				idx.names[e.Offset] = full
				decl, _ := e.Val(dwarf.AttrDeclaration).(bool)
				idx.types[full] = append(idx.types[full], dwarfTypeRef{e.Offset, decl})
			}

		case dwarf.TagMember:
			// Static data members are declared inside the class and
			// defined at namespace scope with DW_AT_specification.
			if decl, _ := e.Val(dwarf.AttrDeclaration).(bool); decl && name != "" {
				declNames[e.Offset] = qualify(name)
				if t, ok := e.Val(dwarf.AttrType).(dwarf.Offset); ok {
					declTypes[e.Offset] = t
				}
			}

		case dwarf.TagVariable:
			full := ""
			if name != "" {
				full = qualify(name)
			}
			toff, hasType := e.Val(dwarf.AttrType).(dwarf.Offset)
			if decl, _ := e.Val(dwarf.AttrDeclaration).(bool); decl {
				declNames[e.Offset] = full
				if hasType {
					declTypes[e.Offset] = toff
				}
				break
			}
			loc, ok := e.Val(dwarf.AttrLocation).([]byte)
			if !ok || len(loc) == 0 {
				break
			}
			g := dwarfGlobal{name: full, typeOff: toff, loc: loc}
			idx.globals = append(idx.globals, g)
			if spec, ok := e.Val(dwarf.AttrSpecification).(dwarf.Offset); ok {
				pendingVars = append(pendingVars, pendingVar{len(idx.globals) - 1, spec})
			} else if !hasType || full == "" {
				idx.globals = idx.globals[:len(idx.globals)-1]
			}

		case dwarf.TagSubprogram:
			fname := funcName(e, qualify(name))
			if fname != "" {
				declNames[e.Offset] = fname
			}
			ranges, err := d.Ranges(e)
			if err != nil {
				verbosef("DWARF: ranges of func %s: %v", fname, err)
			}
			for _, rg := range ranges {
				idx.funcs = append(idx.funcs, dwarfFunc{lowpc: rg[0], highpc: rg[1], name: fname})
				if fname != "" {
					continue
				}
				ref, ok := e.Val(dwarf.AttrSpecification).(dwarf.Offset)
				if !ok {
					ref, ok = e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
				}
				if ok {
					pendingFuncs = append(pendingFuncs, pendingFunc{len(idx.funcs) - 1, ref})
				}
			}
			if e.Children {
				r.SkipChildren()
			}
			continue
		}

		if e.Children {
			r.SkipChildren()
		}
	}

	for _, pf := range pendingFuncs {
		idx.funcs[pf.fn].name = declNames[pf.ref]
	}
	for _, pv := range pendingVars {
		g := &idx.globals[pv.g]
		if g.name == "" {
			g.name = declNames[pv.ref]
		}
		if g.typeOff == 0 {
			g.typeOff = declTypes[pv.ref]
		}
	}
	kept := idx.globals[:0]
	for _, g := range idx.globals {
		if g.name != "" && g.typeOff != 0 {
			kept = append(kept, g)
		}
	}
	idx.globals = kept

	sort.SliceStable(idx.funcs, func(i, k int) bool { return idx.funcs[i].lowpc < idx.funcs[k].lowpc })
	logf("DWARF: indexed %d types, %d globals, %d funcs, %d compile units",
		len(idx.types), len(idx.globals), len(idx.funcs), len(idx.cus))
	return idx, nil
}

// funcName prefers the demangled linkage name, which includes parameter
// types, over the qualified DWARF name.
func funcName(e *dwarf.Entry, qualified string) string {
	linkage, _ := e.Val(dwarf.AttrLinkageName).(string)
	if linkage == "" {
		linkage, _ = e.Val(attrMIPSLinkageName).(string)
	}
	if linkage != "" {
		return demangle.Filter(linkage)
	}
	if strings.HasSuffix(qualified, "::") || qualified == "" {
		return ""
	}
	if name, _ := e.Val(dwarf.AttrName).(string); name == "" {
		return ""
	}
	return qualified
}

// findFunc returns the innermost function whose range contains pc.
func (idx *dwarfIndex) findFunc(pc uint64) (dwarfFunc, bool) {
	k := sort.Search(len(idx.funcs), func(k int) bool {
		return pc < idx.funcs[k].lowpc
	})
	// Ranges may nest, so look back a few entries.
	for i := k - 1; i >= 0 && i >= k-8; i-- {
		f := idx.funcs[i]
		if f.lowpc <= pc && pc < f.highpc && f.name != "" {
			return f, true
		}
	}
	return dwarfFunc{}, false
}

// findCU returns the compile unit whose ranges contain pc.
func (idx *dwarfIndex) findCU(pc uint64) (*dwarfCU, bool) {
	for k := range idx.cus {
		if idx.cus[k].contains(pc) {
			return &idx.cus[k], true
		}
	}
	return nil, false
}

// lineForPC looks up pc in the line table of its compile unit.
func lineForPC(d *dwarf.Data, cu *dwarfCU, pc uint64) (string, uint64, error) {
	lr, err := d.LineReader(cu.entry)
	if err != nil {
		return "", 0, err
	}
	if lr == nil {
		return "", 0, fmt.Errorf("compile unit at 0x%x has no line table", cu.entry.Offset)
	}
	var le dwarf.LineEntry
	if err := lr.SeekPC(pc, &le); err != nil {
		return "", 0, err
	}
	if le.File == nil {
		return "", uint64(le.Line), nil
	}
	return le.File.Name, uint64(le.Line), nil
}
