package corefile

import (
	"bytes"
	"debug/dwarf"
	"fmt"
	"sort"
	"strings"

	"github.com/go-delve/delve/pkg/dwarf/leb128"
	"github.com/go-delve/delve/pkg/dwarf/op"
)

// Type is the interface implemented by all types.
//
// Type values defined in the same Program are comparable with the == and !=
// operators. Named types are canonicalized by their qualified name, so a class
// that is defined in many compile units maps to a single Type. Typedefs and
// cv-qualifiers are transparent: they resolve to the underlying Type.
type Type interface {
	// Program returns the program that defined this type.
	Program() *Program

	// String prints the type as a C++ type name. For named types, this
	// includes the enclosing scope, e.g. "std::__1::pair<int, int>".
	String() string

	// Name is the name of the type within its scope, or "" for unnamed types.
	Name() string

	// Scope is the namespace or class that encloses a named type.
	Scope() string

	// Size in bytes of values of this type.
	Size() uint64

	// base returns the shared type info.
	base() *baseType
}

type baseType struct {
	program     *Program
	name, scope string // if named
	size        uint64
}

func (t *baseType) Program() *Program { return t.program }
func (t *baseType) Name() string      { return t.name }
func (t *baseType) Scope() string     { return t.scope }
func (t *baseType) Size() uint64      { return t.size }
func (t *baseType) base() *baseType   { return t }

func (t *baseType) String() string {
	if t.scope != "" {
		return t.scope + "::" + t.name
	}
	return t.name
}

// NumericKind gives the various kinds of numeric types.
type NumericKind string

const (
	NumericBool NumericKind = "bool"

	// NumericChar and NumericUchar are one-byte character types. They are
	// formatted as characters rather than as small integers.
	NumericChar  NumericKind = "char"
	NumericUchar NumericKind = "unsigned char"

	NumericUint8  NumericKind = "uint8"
	NumericUint16 NumericKind = "uint16"
	NumericUint32 NumericKind = "uint32"
	NumericUint64 NumericKind = "uint64"

	NumericInt8  NumericKind = "int8"
	NumericInt16 NumericKind = "int16"
	NumericInt32 NumericKind = "int32"
	NumericInt64 NumericKind = "int64"

	NumericFloat32    NumericKind = "float32"
	NumericFloat64    NumericKind = "float64"
	NumericComplex64  NumericKind = "complex64"
	NumericComplex128 NumericKind = "complex128"
)

// cNames gives the C spelling of unnamed numeric types.
var cNames = map[NumericKind]string{
	NumericBool:       "bool",
	NumericChar:       "char",
	NumericUchar:      "unsigned char",
	NumericUint8:      "uint8_t",
	NumericUint16:     "uint16_t",
	NumericUint32:     "uint32_t",
	NumericUint64:     "uint64_t",
	NumericInt8:       "int8_t",
	NumericInt16:      "int16_t",
	NumericInt32:      "int32_t",
	NumericInt64:      "int64_t",
	NumericFloat32:    "float",
	NumericFloat64:    "double",
	NumericComplex64:  "_Complex float",
	NumericComplex128: "_Complex double",
}

// NumericType is the type of booleans, characters, and all numbers.
type NumericType struct {
	baseType
	Kind NumericKind
}

func (t *NumericType) String() string {
	if t.Name() != "" {
		return t.baseType.String()
	}
	return cNames[t.Kind]
}

// Signed reports whether t is a signed integer or character type.
func (t *NumericType) Signed() bool {
	switch t.Kind {
	case NumericChar, NumericInt8, NumericInt16, NumericInt32, NumericInt64:
		return true
	}
	return false
}

// IsInteger reports whether t is an integer, character, or boolean type.
func (t *NumericType) IsInteger() bool {
	switch t.Kind {
	case NumericFloat32, NumericFloat64, NumericComplex64, NumericComplex128:
		return false
	}
	return true
}

func numericKindToSize(k NumericKind) uint64 {
	switch k {
	case NumericBool, NumericChar, NumericUchar, NumericUint8, NumericInt8:
		return 1
	case NumericUint16, NumericInt16:
		return 2
	case NumericUint32, NumericInt32, NumericFloat32:
		return 4
	case NumericUint64, NumericInt64, NumericFloat64, NumericComplex64:
		return 8
	case NumericComplex128:
		return 16
	default:
		panic(fmt.Errorf("bad NumericKind %q", k))
	}
}

// ArrayType is the type of arrays. Len is zero for flexible array members.
type ArrayType struct {
	baseType
	Elem Type
	Len  uint64 // number of elements
}

func (t *ArrayType) String() string {
	if t.Name() != "" {
		return t.baseType.String()
	}
	return fmt.Sprintf("%s [%d]", t.Elem, t.Len)
}

// PtrType is the type of pointers and C++ references.
type PtrType struct {
	baseType
	Elem Type
	Ref  bool // true for T& and T&&
}

func (t *PtrType) String() string {
	if t.Name() != "" {
		return t.baseType.String()
	}
	if t.Ref {
		return t.Elem.String() + " &"
	}
	return t.Elem.String() + " *"
}

// StructType is the type of structs, classes, and unions.
type StructType struct {
	baseType
	Kind       string        // "struct", "class", or "union"
	Fields     []StructField // sorted by offset; base class subobjects have Base set
	Incomplete bool          // declared but never defined

	params []templateParam
}

// StructField is a single field within a struct. A field with Base set is
// a base class subobject, named by the base class type.
type StructField struct {
	Name   string
	Type   Type
	Offset uint64
	Base   bool
}

type templateParam struct {
	name    string
	typ     Type
	resolve func() (Type, error) // resolves typ lazily
}

func (t *StructType) String() string {
	if t.Name() != "" {
		return t.baseType.String()
	}
	var buf bytes.Buffer
	buf.WriteString(t.Kind)
	buf.WriteString(" {")
	for _, f := range t.Fields {
		fmt.Fprintf(&buf, " %s %s;", f.Type, f.Name)
	}
	buf.WriteString(" }")
	return buf.String()
}

// FieldByName returns the field with the given name. Fields of base classes
// are promoted, with Offset relative to t. Never returns an unnamed field.
// Returns false if not found.
func (t *StructType) FieldByName(name string) (StructField, bool) {
	return t.fieldByName(name, 0)
}

func (t *StructType) fieldByName(name string, depth int) (StructField, bool) {
	if name == "" || depth > 32 {
		return StructField{}, false
	}
	for _, f := range t.Fields {
		if !f.Base && f.Name == name {
			return f, true
		}
	}
	for _, b := range t.Fields {
		if !b.Base {
			continue
		}
		bst, ok := b.Type.(*StructType)
		if !ok {
			continue
		}
		if f, ok := bst.fieldByName(name, depth+1); ok {
			f.Offset += b.Offset
			return f, true
		}
	}
	return StructField{}, false
}

// FieldContainingOffset returns the direct field that contains the given offset.
func (t *StructType) FieldContainingOffset(offset uint64) (StructField, bool) {
	for k := range t.Fields {
		f := &t.Fields[k]
		if f.Offset <= offset && offset < f.Offset+f.Type.Size() {
			return *f, true
		}
	}
	return StructField{}, false
}

// TemplateParam returns the type argument bound to the named template
// parameter, e.g. "_Tp". Returns false if t has no such parameter or the
// argument cannot be resolved.
func (t *StructType) TemplateParam(name string) (Type, bool) {
	for k := range t.params {
		p := &t.params[k]
		if p.name != name {
			continue
		}
		if p.typ == nil && p.resolve != nil {
			typ, err := p.resolve()
			if err != nil {
				verbosef("template param %s of %s: %v", name, t, err)
				return nil, false
			}
			p.typ, p.resolve = typ, nil
		}
		return p.typ, p.typ != nil
	}
	return nil, false
}

// SetTemplateParam binds a template type parameter of t.
func (t *StructType) SetTemplateParam(name string, typ Type) {
	for k := range t.params {
		if t.params[k].name == name {
			t.params[k] = templateParam{name: name, typ: typ}
			return
		}
	}
	t.params = append(t.params, templateParam{name: name, typ: typ})
}

type sortFieldByOffset []StructField

func (a sortFieldByOffset) Len() int           { return len(a) }
func (a sortFieldByOffset) Swap(i, k int)      { a[i], a[k] = a[k], a[i] }
func (a sortFieldByOffset) Less(i, k int) bool { return a[i].Offset < a[k].Offset }

type structFieldList []StructField

func (a structFieldList) String() string {
	var buf bytes.Buffer
	for _, f := range a {
		// Types are canonical, so %p identifies the field type.
		fmt.Fprintf(&buf, "%d: %s %p %v, ", f.Offset, f.Name, f.Type, f.Base)
	}
	return buf.String()
}

// EnumType is the type of enums.
type EnumType struct {
	baseType
	Values []EnumValue
}

// EnumValue is a single enumerator.
type EnumValue struct {
	Name string
	Val  int64
}

func (t *EnumType) String() string {
	if t.Name() != "" {
		return t.baseType.String()
	}
	return "enum {...}"
}

// Lookup returns the name of the enumerator with value x.
func (t *EnumType) Lookup(x int64) (string, bool) {
	for _, v := range t.Values {
		if v.Val == x {
			return v.Name, true
		}
	}
	return "", false
}

// FuncType represents a function. Only pointers to functions have values.
// Parameter and result types are not recorded.
type FuncType struct {
	baseType
}

func (t *FuncType) String() string {
	if t.Name() != "" {
		return t.baseType.String()
	}
	return "func"
}

// VoidType is the type void. It has size zero.
type VoidType struct {
	baseType
}

func (t *VoidType) String() string { return "void" }

// OpaqueType is a region of memory of known size whose layout is not
// understood, such as long double, __int128, or pointers to members.
type OpaqueType struct {
	baseType
}

func (t *OpaqueType) String() string {
	if t.Name() != "" {
		return t.baseType.String()
	}
	return fmt.Sprintf("$opaque<%d>", t.size)
}

// typeCache is used to canonicalize types.
// Types are converted from DWARF lazily: a type is added the first time
// a global variable, ResolveType, or another type refers to it.
type typeCache struct {
	program   *Program
	nameCache map[string]Type      // cache of named types, including typedef aliases
	anonCache map[interface{}]Type // cache of anonymous types

	// for DWARF conversions
	dwarf      *dwarf.Data
	index      *dwarfIndex
	dwarfCache map[dwarf.Offset]Type

	// for verbosef debugging during conversions
	depth int
}

func (tc *typeCache) initialize(p *Program) {
	tc.program = p
	tc.nameCache = make(map[string]Type)
	tc.anonCache = make(map[interface{}]Type)
	tc.dwarfCache = make(map[dwarf.Offset]Type)
}

func (tc *typeCache) verbosef(format string, args ...interface{}) {
	verbosef(strings.Repeat(" ", tc.depth)+format, args...)
}

// fullname != "" means add to nameCache.
// anonKey != nil means add to anonCache.
// Exactly one must be specified.
func (tc *typeCache) add(t Type, fullname string, anonKey interface{}) {
	if fullname != "" {
		if old := tc.nameCache[fullname]; old != nil && !isIncomplete(old) {
			tc.verbosef("WARNING: named type %s already exists as %T; overriding", fullname, old)
		}
		tc.nameCache[fullname] = t
	} else if anonKey != nil {
		if old := tc.anonCache[anonKey]; old != nil {
			tc.verbosef("WARNING: anonymous type with key %v already exists as %s (%T); overriding", anonKey, old, old)
		}
		tc.anonCache[anonKey] = t
	} else {
		panic("fullname and anonKey both nil")
	}
}

func isIncomplete(t Type) bool {
	st, ok := t.(*StructType)
	return ok && st.Incomplete
}

// qualifiedName returns the name of dt including its enclosing scopes.
func (tc *typeCache) qualifiedName(dt dwarf.Type) string {
	if tc.index != nil {
		if name, ok := tc.index.names[dt.Common().Offset]; ok {
			return name
		}
	}
	return dt.Common().Name
}

// addDWARF builds a Type for dt if it does not yet exist.
func (tc *typeCache) addDWARF(dt dwarf.Type) (Type, error) {
	off := dt.Common().Offset
	if t := tc.dwarfCache[off]; t != nil {
		return t, nil
	}
	tc.depth++
	defer func() { tc.depth-- }()
	tc.verbosef("convert (%s, %T, off=0x%x)", dt, dt, off)
	t, err := tc.convertDWARF(dt)
	if err != nil {
		return nil, err
	}
	tc.dwarfCache[off] = t
	tc.verbosef("converted (%s, %T) -> (%s, %T, sz=%d)", dt, dt, t, t, t.Size())
	return t, nil
}

func (tc *typeCache) convertDWARF(dt dwarf.Type) (Type, error) {
	off := dt.Common().Offset
	fullname := tc.qualifiedName(dt)

	// Named types defined in several compile units share one Type.
	reuse := func() Type {
		if fullname == "" {
			return nil
		}
		return tc.nameCache[fullname]
	}
	addNumeric := func(k NumericKind) (Type, error) {
		if size, expected := dt.Common().ByteSize, numericKindToSize(k); uint64(size) != expected {
			return nil, fmt.Errorf("wrong size %d for type %s, want %d", size, dt, expected)
		}
		if t, ok := reuse().(*NumericType); ok && t.Kind == k {
			return t, nil
		}
		t := &NumericType{}
		t.initialize(tc, fullname, k)
		return t, nil
	}
	addOpaque := func() (Type, error) {
		size := dt.Common().ByteSize
		if size < 0 {
			size = 0
		}
		if t, ok := reuse().(*OpaqueType); ok && t.size == uint64(size) {
			return t, nil
		}
		return tc.program.makeOpaqueType(fullname, uint64(size)), nil
	}

	switch dt := dt.(type) {
	// NumericTypes.

	case *dwarf.BoolType:
		return addNumeric(NumericBool)
	case *dwarf.CharType:
		return addNumeric(NumericChar)
	case *dwarf.UcharType:
		return addNumeric(NumericUchar)

	case *dwarf.IntType:
		switch dt.ByteSize {
		case 1:
			return addNumeric(NumericInt8)
		case 2:
			return addNumeric(NumericInt16)
		case 4:
			return addNumeric(NumericInt32)
		case 8:
			return addNumeric(NumericInt64)
		}
		return addOpaque()

	case *dwarf.UintType:
		switch dt.ByteSize {
		case 1:
			return addNumeric(NumericUint8)
		case 2:
			return addNumeric(NumericUint16)
		case 4:
			return addNumeric(NumericUint32)
		case 8:
			return addNumeric(NumericUint64)
		}
		return addOpaque()

	case *dwarf.AddrType:
		switch dt.ByteSize {
		case 4:
			return addNumeric(NumericUint32)
		case 8:
			return addNumeric(NumericUint64)
		}
		return addOpaque()

	case *dwarf.FloatType:
		switch dt.ByteSize {
		case 4:
			return addNumeric(NumericFloat32)
		case 8:
			return addNumeric(NumericFloat64)
		}
		return addOpaque()

	case *dwarf.ComplexType:
		switch dt.ByteSize {
		case 8:
			return addNumeric(NumericComplex64)
		case 16:
			return addNumeric(NumericComplex128)
		}
		return addOpaque()

	// Transparent types.

	case *dwarf.QualType:
		return tc.addDWARF(dt.Type)

	case *dwarf.TypedefType:
		t, err := tc.addDWARF(dt.Type)
		if err != nil {
			return nil, err
		}
		if fullname != "" && tc.nameCache[fullname] == nil {
			tc.nameCache[fullname] = t
		}
		return t, nil

	case *dwarf.VoidType:
		return tc.program.MakeVoidType(), nil

	// Composites.
	// We allocate each FooType before converting the subtypes so that
	// a subtype can have a circular reference back to the FooType.

	case *dwarf.PtrType:
		// Cycles always pass through a StructType, which is cached
		// before its fields are converted.
		elem, err := tc.addDWARF(dt.Type)
		if err != nil {
			return nil, err
		}
		if got, want := dt.ByteSize, int64(tc.program.Arch.PointerSize); got > 0 && got != want {
			return nil, fmt.Errorf("expected sizeof(PtrType %s)=%d, but DWARF says %d", dt, want, got)
		}
		return tc.program.MakePtrType(elem), nil

	case *dwarf.ArrayType:
		elem, err := tc.addDWARF(dt.Type)
		if err != nil {
			return nil, err
		}
		n := uint64(0)
		if dt.Count > 0 {
			n = uint64(dt.Count)
		}
		if dt.ByteSize > 0 && elem.Size() > 0 {
			if got, want := uint64(dt.ByteSize), n*elem.Size(); got != want {
				return nil, fmt.Errorf("expected sizeof(ArrayType %s)=%d, but DWARF says %d", dt, want, got)
			}
		}
		return tc.program.MakeArrayType(elem, n), nil

	case *dwarf.StructType:
		if dt.Incomplete {
			if def := tc.findDefinition(fullname); def != nil && def.Common().Offset != off {
				return tc.addDWARF(def)
			}
		}
		if old, ok := reuse().(*StructType); ok && (!old.Incomplete || dt.Incomplete) {
			return old, nil
		}
		t := &StructType{Kind: dt.Kind, Incomplete: dt.Incomplete}
		tc.dwarfCache[off] = t
		fields, params, err := tc.structMembers(off)
		if err != nil {
			delete(tc.dwarfCache, off)
			return nil, fmt.Errorf("struct %s: %w", fullname, err)
		}
		size := uint64(0)
		if dt.ByteSize > 0 {
			size = uint64(dt.ByteSize)
		}
		for _, f := range fields {
			if end := f.Offset + f.Type.Size(); end > size && f.Type.Size() > 0 {
				return nil, fmt.Errorf("field %s (offset=%d, size=%d) is outside of %s (size %d)",
					f.Name, f.Offset, f.Type.Size(), fullname, size)
			}
		}
		t.params = params
		t.initialize(tc, fullname, fields, size)
		return t, nil

	case *dwarf.EnumType:
		if t, ok := reuse().(*EnumType); ok {
			return t, nil
		}
		t := &EnumType{}
		for _, v := range dt.Val {
			t.Values = append(t.Values, EnumValue{Name: v.Name, Val: v.Val})
		}
		size := uint64(4)
		if dt.ByteSize > 0 {
			size = uint64(dt.ByteSize)
		}
		t.baseType.initialize(tc, fullname, size)
		if fullname != "" {
			tc.add(t, fullname, nil)
		}
		return t, nil

	case *dwarf.FuncType:
		t := &FuncType{}
		t.baseType.initialize(tc, "", 0)
		t.name = dt.String()
		return t, nil

	case *dwarf.UnsupportedType:
		switch dt.Tag {
		case dwarf.TagReferenceType, dwarf.TagRvalueReferenceType:
			e, err := tc.entryAt(off)
			if err != nil {
				return nil, err
			}
			elem, err := tc.typeAttr(e)
			if err != nil {
				return nil, err
			}
			return tc.program.MakeRefType(elem), nil
		}
		return addOpaque()

	case *dwarf.UnspecifiedType, *dwarf.DotDotDotType:
		return addOpaque()
	}

	return addOpaque()
}

// findDefinition returns the complete definition of a named type.
// Returns nil if there is none.
func (tc *typeCache) findDefinition(fullname string) dwarf.Type {
	if tc.index == nil || fullname == "" {
		return nil
	}
	for _, ref := range tc.index.types[fullname] {
		if ref.decl {
			continue
		}
		dt, err := tc.dwarf.Type(ref.off)
		if err != nil {
			verbosef("reading DWARF type %s at 0x%x: %v", fullname, ref.off, err)
			continue
		}
		return dt
	}
	return nil
}

// entryAt reads the DWARF entry at off.
func (tc *typeCache) entryAt(off dwarf.Offset) (*dwarf.Entry, error) {
	r := tc.dwarf.Reader()
	r.Seek(off)
	e, err := r.Next()
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("no DWARF entry at 0x%x", off)
	}
	return e, nil
}

// typeAttr converts the DW_AT_type of e. A missing attribute means void.
func (tc *typeCache) typeAttr(e *dwarf.Entry) (Type, error) {
	off, ok := e.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return tc.program.MakeVoidType(), nil
	}
	dt, err := tc.dwarf.Type(off)
	if err != nil {
		return nil, err
	}
	return tc.addDWARF(dt)
}

// structMembers reads the data members, base classes, and template parameters
// of the struct at off. debug/dwarf does not report base classes, and it
// reports static members as if they were at offset 0, so we walk the
// children ourselves.
func (tc *typeCache) structMembers(off dwarf.Offset) ([]StructField, []templateParam, error) {
	r := tc.dwarf.Reader()
	r.Seek(off)
	e, err := r.Next()
	if err != nil {
		return nil, nil, err
	}
	if e == nil || !e.Children {
		return nil, nil, nil
	}

	var fields []StructField
	var params []templateParam
	for {
		kid, err := r.Next()
		if err != nil {
			return nil, nil, err
		}
		if kid == nil || kid.Tag == 0 {
			break
		}
		switch kid.Tag {
		case dwarf.TagMember, dwarf.TagInheritance:
			if kid.Tag == dwarf.TagMember {
				if decl, _ := kid.Val(dwarf.AttrDeclaration).(bool); decl {
					break // static member
				}
				if kid.Val(dwarf.AttrBitSize) != nil || kid.Val(dwarf.AttrDataBitOffset) != nil {
					tc.verbosef("skipping bit field %v", kid.Val(dwarf.AttrName))
					break
				}
			}
			ft, err := tc.typeAttr(kid)
			if err != nil {
				return nil, nil, err
			}
			offset, ok := memberOffset(kid)
			if !ok {
				return nil, nil, fmt.Errorf("unsupported member location %v", kid.Val(dwarf.AttrDataMemberLoc))
			}
			name, _ := kid.Val(dwarf.AttrName).(string)
			f := StructField{Name: name, Type: ft, Offset: offset}
			if kid.Tag == dwarf.TagInheritance {
				f.Name = ft.String()
				f.Base = true
			}
			tc.verbosef("field %s at %d", f.Name, f.Offset)
			fields = append(fields, f)

		case dwarf.TagTemplateTypeParameter:
			name, _ := kid.Val(dwarf.AttrName).(string)
			toff, ok := kid.Val(dwarf.AttrType).(dwarf.Offset)
			if name == "" || !ok {
				break
			}
			params = append(params, templateParam{
				name: name,
				resolve: func() (Type, error) {
					dt, err := tc.dwarf.Type(toff)
					if err != nil {
						return nil, err
					}
					return tc.addDWARF(dt)
				},
			})
		}
		if kid.Children {
			r.SkipChildren()
		}
	}
	return fields, params, nil
}

// memberOffset decodes DW_AT_data_member_location. Unions omit it.
func memberOffset(e *dwarf.Entry) (uint64, bool) {
	switch loc := e.Val(dwarf.AttrDataMemberLoc).(type) {
	case nil:
		return 0, true
	case int64:
		return uint64(loc), true
	case []byte:
		// DW_OP_plus_uconst <uleb128>, as emitted by older compilers.
		if len(loc) >= 2 && loc[0] == byte(op.DW_OP_plus_uconst) && ulebTerminated(loc[1:]) {
			x, _ := leb128.DecodeUnsigned(bytes.NewReader(loc[1:]))
			return x, true
		}
	}
	return 0, false
}

// ulebTerminated reports whether b holds a complete ULEB128 number.
func ulebTerminated(b []byte) bool {
	for _, c := range b {
		if c&0x80 == 0 {
			return true
		}
	}
	return false
}

// FindType looks up the type with the given fully-qualified name among the
// types converted so far. Returns nil if the name is not found.
// ResolveType also searches types that have not been converted yet.
func (p *Program) FindType(fullname string) Type {
	return p.typeCache.nameCache[fullname]
}

// Type constructors.

// MakeNumericType constructs an unnamed numeric type.
func (p *Program) MakeNumericType(k NumericKind) *NumericType {
	if t := p.typeCache.anonCache[[2]interface{}{"NumericType", k}]; t != nil {
		return t.(*NumericType)
	}
	t := &NumericType{}
	t.initialize(&p.typeCache, "", k)
	return t
}

// MakeArrayType constructs an unnamed array type.
func (p *Program) MakeArrayType(elem Type, n uint64) *ArrayType {
	if t := p.typeCache.anonCache[[3]interface{}{"ArrayType", elem, n}]; t != nil {
		return t.(*ArrayType)
	}
	t := &ArrayType{}
	t.initialize(&p.typeCache, elem, n)
	return t
}

// MakePtrType contructs an unnamed pointer type.
func (p *Program) MakePtrType(elem Type) *PtrType {
	if t := p.typeCache.anonCache[[3]interface{}{"PtrType", elem, false}]; t != nil {
		return t.(*PtrType)
	}
	t := &PtrType{}
	t.initialize(&p.typeCache, elem, false)
	return t
}

// MakeRefType constructs an unnamed C++ reference type.
func (p *Program) MakeRefType(elem Type) *PtrType {
	if t := p.typeCache.anonCache[[3]interface{}{"PtrType", elem, true}]; t != nil {
		return t.(*PtrType)
	}
	t := &PtrType{}
	t.initialize(&p.typeCache, elem, true)
	return t
}

// MakeStructType contructs an unnamed struct type.
// If size==0, it is inferred automatically from fields (if any).
func (p *Program) MakeStructType(fields []StructField, size uint64) *StructType {
	if size == 0 {
		for _, f := range fields {
			if end := f.Offset + f.Type.Size(); end > size {
				size = end
			}
		}
	}
	sort.Sort(sortFieldByOffset(fields))
	if t := p.typeCache.anonCache[[3]interface{}{"StructType", size, structFieldList(fields).String()}]; t != nil {
		return t.(*StructType)
	}
	t := &StructType{Kind: "struct"}
	t.initialize(&p.typeCache, "", fields, size)
	return t
}

// MakeVoidType returns the void type.
func (p *Program) MakeVoidType() *VoidType {
	key := [1]interface{}{"VoidType"}
	if t := p.typeCache.anonCache[key]; t != nil {
		return t.(*VoidType)
	}
	t := &VoidType{}
	t.baseType.initialize(&p.typeCache, "", 0)
	t.name = "void"
	p.typeCache.add(t, "", key)
	return t
}

func (p *Program) makeOpaqueType(fullname string, size uint64) *OpaqueType {
	key := [2]interface{}{"OpaqueType", size}
	if fullname == "" {
		if t := p.typeCache.anonCache[key]; t != nil {
			return t.(*OpaqueType)
		}
	}
	t := &OpaqueType{}
	t.baseType.initialize(&p.typeCache, fullname, size)
	if fullname != "" {
		p.typeCache.add(t, fullname, nil)
	} else {
		p.typeCache.add(t, "", key)
	}
	return t
}

// DefineType makes t visible to FindType and ResolveType under name.
// This is used to build programs by hand, e.g. in tests.
func (p *Program) DefineType(name string, t Type) {
	p.typeCache.nameCache[name] = t
}

// DefineNumericType defines a named numeric type, such as "long".
func (p *Program) DefineNumericType(fullname string, k NumericKind) *NumericType {
	t := &NumericType{}
	t.initialize(&p.typeCache, fullname, k)
	return t
}

// DefineStructType defines a named struct. The fields callback receives
// the new type so that fields may point back to it.
func (p *Program) DefineStructType(fullname string, size uint64, fields func(self *StructType) []StructField) *StructType {
	t := &StructType{Kind: "struct"}
	var fs []StructField
	if fields != nil {
		fs = fields(t)
	}
	if size == 0 {
		for _, f := range fs {
			if end := f.Offset + f.Type.Size(); end > size {
				size = end
			}
		}
	}
	t.initialize(&p.typeCache, fullname, fs, size)
	return t
}

// Type initializers.

func (t *baseType) initialize(tc *typeCache, fullname string, size uint64) {
	t.program = tc.program
	t.size = size
	t.scope, t.name = splitScopeName(fullname)
}

func (t *NumericType) initialize(tc *typeCache, fullname string, k NumericKind) {
	t.Kind = k
	t.baseType.initialize(tc, fullname, numericKindToSize(k))
	tc.add(t, fullname, [2]interface{}{"NumericType", k})
}

func (t *ArrayType) initialize(tc *typeCache, elem Type, n uint64) {
	t.Elem = elem
	t.Len = n
	t.baseType.initialize(tc, "", n*elem.Size())
	tc.add(t, "", [3]interface{}{"ArrayType", elem, n})
}

func (t *PtrType) initialize(tc *typeCache, elem Type, ref bool) {
	t.Elem = elem
	t.Ref = ref
	t.baseType.initialize(tc, "", uint64(tc.program.Arch.PointerSize))
	tc.add(t, "", [3]interface{}{"PtrType", elem, ref})
}

func (t *StructType) initialize(tc *typeCache, fullname string, fields []StructField, size uint64) {
	sort.Stable(sortFieldByOffset(fields))
	if t.Kind == "" {
		t.Kind = "struct"
	}
	t.Fields = fields
	t.baseType.initialize(tc, fullname, size)
	if fullname != "" {
		tc.add(t, fullname, nil)
	} else {
		tc.add(t, "", [3]interface{}{"StructType", size, structFieldList(fields).String()})
	}
}

// derefType returns the pointee of a pointer or reference type, or t itself.
func derefType(t Type) Type {
	if pt, ok := t.(*PtrType); ok {
		return pt.Elem
	}
	return t
}
