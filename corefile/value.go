package corefile

import (
	"errors"
	"fmt"
)

// Errors commonly returned by Value methods.
var (
	ErrNil         = errors.New("nil pointer")
	ErrOutOfBounds = errors.New("access is out-of-bounds")
)

// Value describes a typed region of memory.
//
// Values produced by expression evaluation, such as the result of &x or an
// integer literal, live in no target memory. They have Addr == 0 and their
// Bytes are owned by the Value.
type Value struct {
	Type  Type
	Addr  uint64 // base address of Bytes, or 0
	Bytes []byte // raw bytes that define this value
}

// IsZero reports whether v is a zero value, i.e., if v.Bytes contains all zeros.
// For pointers, IsZero reports if v is nullptr.
func (v Value) IsZero() bool {
	for _, b := range v.Bytes {
		if b != 0 {
			return false
		}
	}
	return true
}

// Size reports the size of v in bytes.
func (v Value) Size() uint64 {
	return v.Type.Size()
}

// ContainsAddress reports whether addr is in [v.Addr, v.Addr+v.Size()).
func (v Value) ContainsAddress(addr uint64) bool {
	return v.Addr <= addr && addr < v.Addr+v.Type.Size()
}

// Deref dereferences v.
// Fails with ErrNil if v is nullptr or ErrOutOfBounds if v points to an out-of-bound address.
// Panics if v.Type is not PtrType.
func (v Value) Deref() (Value, error) {
	t, ok := v.Type.(*PtrType)
	if !ok {
		panic(fmt.Sprintf("bad type for Value.Deref(): %s (%T)", v.Type, v.Type))
	}
	return v.Type.Program().Value(v.ReadUint(), t.Elem)
}

// Cast reinterprets the memory of v as type t. If t is larger than v's
// type, the additional bytes are read from the program.
func (v Value) Cast(t Type) (Value, error) {
	if t.Size() <= uint64(len(v.Bytes)) {
		return Value{Type: t, Addr: v.Addr, Bytes: v.Bytes[:t.Size():t.Size()]}, nil
	}
	if v.Addr == 0 {
		return Value{}, fmt.Errorf("cannot cast %s to larger type %s: %w", v.Type, t, ErrOutOfBounds)
	}
	return t.Program().Value(v.Addr, t)
}

// typedSlice casts the value at v.Addr+offset to type t.
// Fails if [offset, offset+t.Size()) is out-of-bounds.
func (v Value) typedSlice(offset uint64, t Type) (Value, error) {
	end := offset + t.Size()
	if end > uint64(len(v.Bytes)) {
		return Value{}, ErrOutOfBounds
	}
	addr := uint64(0)
	if v.Addr != 0 {
		addr = v.Addr + offset
	}
	return Value{
		Addr:  addr,
		Type:  t,
		Bytes: v.Bytes[offset:end:end],
	}, nil
}

// Field returns the given field. Fails with ErrOutOfBounds if f is out-of-bounds.
// Panics if v.Type is not StructType.
func (v Value) Field(f StructField) (Value, error) {
	if _, ok := v.Type.(*StructType); !ok {
		panic(fmt.Sprintf("bad type for Value.Field(): %s (%T)", v.Type, v.Type))
	}
	fv, err := v.typedSlice(f.Offset, f.Type)
	if err != nil {
		return Value{}, fmt.Errorf("error reading field %s.%s, type %s: %w", v.Type, f.Name, f.Type, err)
	}
	return fv, nil
}

// FieldByName is a shorthand for v.Type.FieldByName followed by v.Field.
// The name may be a dotted path, as for Program.FieldOffset.
func (v Value) FieldByName(name string) (Value, error) {
	if _, ok := v.Type.(*StructType); !ok {
		panic(fmt.Sprintf("bad type for Value.FieldByName(): %s (%T)", v.Type, v.Type))
	}
	f, err := lookupField(v.Type, name)
	if err != nil {
		return Value{}, err
	}
	return v.Field(f)
}

// HasField reports whether v is a struct with the named field.
func (v Value) HasField(name string) bool {
	if _, ok := v.Type.(*StructType); !ok {
		return false
	}
	_, err := lookupField(v.Type, name)
	return err == nil
}

// Index returns v's n'th element. For arrays, fails with ErrOutOfBounds if
// n >= v.Len(), except for flexible array members (Len 0), which are not
// bounds-checked. For pointers, Index reads *(v+n).
// Panics if v.Type is not ArrayType or PtrType.
func (v Value) Index(n uint64) (Value, error) {
	switch t := v.Type.(type) {
	case *ArrayType:
		if t.Len == 0 {
			if v.Addr == 0 {
				return Value{}, ErrOutOfBounds
			}
			return t.Program().Value(v.Addr+n*t.Elem.Size(), t.Elem)
		}
		if n >= t.Len {
			return Value{}, ErrOutOfBounds
		}
		return v.typedSlice(n*t.Elem.Size(), t.Elem)
	case *PtrType:
		base := v.ReadUint()
		if base == 0 {
			return Value{}, ErrNil
		}
		return t.Program().Value(base+n*t.Elem.Size(), t.Elem)
	default:
		panic(fmt.Sprintf("bad type for Value.Index(): %s (%T)", v.Type, v.Type))
	}
}

// Len returns v's length. Panics if v.Type is not ArrayType.
func (v Value) Len() uint64 {
	t, ok := v.Type.(*ArrayType)
	if !ok {
		panic(fmt.Sprintf("bad type for Value.Len(): %s (%T)", v.Type, v.Type))
	}
	return t.Len
}

// ReadScalar parses v into a Go scalar value. NumericType becomes the
// corresponding Go type, PtrType becomes uint64, and EnumType becomes int64.
// ReadScalar will panic if called for any other type.
func (v Value) ReadScalar() interface{} {
	a := v.Type.Program().Arch

	switch t := v.Type.(type) {
	case *NumericType:
		switch t.Kind {
		case NumericBool:
			return v.Bytes[0] != 0
		case NumericChar, NumericInt8:
			return int8(v.Bytes[0])
		case NumericUchar, NumericUint8:
			return uint8(v.Bytes[0])
		case NumericUint16:
			return a.Uint16(v.Bytes)
		case NumericUint32:
			return a.Uint32(v.Bytes)
		case NumericUint64:
			return a.Uint64(v.Bytes)
		case NumericInt16:
			return a.Int16(v.Bytes)
		case NumericInt32:
			return a.Int32(v.Bytes)
		case NumericInt64:
			return a.Int64(v.Bytes)
		case NumericFloat32:
			return a.Float32(v.Bytes)
		case NumericFloat64:
			return a.Float64(v.Bytes)
		case NumericComplex64:
			return complex(a.Float32(v.Bytes[0:4]), a.Float32(v.Bytes[4:8]))
		case NumericComplex128:
			return complex(a.Float64(v.Bytes[0:8]), a.Float64(v.Bytes[8:16]))
		}
		panic(fmt.Sprintf("bad numeric type for Value.ReadScalar(): %s (%T)", t, t))

	case *PtrType:
		return a.Uintptr(v.Bytes)

	case *EnumType:
		return v.readInt()

	default:
		panic(fmt.Sprintf("bad type for Value.ReadScalar(): %s (%T)", t, t))
	}
}

// ReadUint parses v into a uint64. Signed integers are converted without
// sign extension. Panics if v is not an integer, enum, or pointer.
func (v Value) ReadUint() uint64 {
	switch t := v.Type.(type) {
	case *NumericType:
		if t.IsInteger() {
			x, err := v.Type.Program().Arch.UintN(v.Bytes)
			if err == nil {
				return x
			}
		}
	case *PtrType:
		return v.Type.Program().Arch.Uintptr(v.Bytes)
	case *EnumType:
		x, err := v.Type.Program().Arch.UintN(v.Bytes)
		if err == nil {
			return x
		}
	}
	panic(fmt.Sprintf("bad type for Value.ReadUint(): %s (%T)", v.Type, v.Type))
}

// ReadInt parses v into an int64, sign-extending signed types.
// Panics if v is not an integer, enum, or pointer.
func (v Value) ReadInt() int64 {
	if t, ok := v.Type.(*NumericType); ok && !t.Signed() {
		return int64(v.ReadUint())
	}
	if _, ok := v.Type.(*PtrType); ok {
		return int64(v.ReadUint())
	}
	return v.readInt()
}

func (v Value) readInt() int64 {
	x := v.readUintRaw()
	switch len(v.Bytes) {
	case 1:
		return int64(int8(x))
	case 2:
		return int64(int16(x))
	case 4:
		return int64(int32(x))
	}
	return int64(x)
}

// readUintRaw reads v's bytes as an unsigned integer regardless of v's
// type. It returns 0 for sizes other than 1, 2, 4, or 8.
func (v Value) readUintRaw() uint64 {
	x, _ := v.Type.Program().Arch.UintN(v.Bytes)
	return x
}

// ReadUintField is a shorthand for v.Field followed by ReadUint.
func (v Value) ReadUintField(f StructField) (uint64, error) {
	fv, err := v.Field(f)
	if err != nil {
		return 0, err
	}
	return fv.ReadUint(), nil
}

// ReadUintFieldByName is a shorthand for v.FieldByName followed by ReadUint.
func (v Value) ReadUintFieldByName(name string) (uint64, error) {
	fv, err := v.FieldByName(name)
	if err != nil {
		return 0, err
	}
	return fv.ReadUint(), nil
}

// Value casts the given address to the given type.
// Returns ErrNil or ErrOutOfBounds if the address is out-of-bounds.
func (p *Program) Value(addr uint64, t Type) (Value, error) {
	if addr == 0 {
		return Value{}, ErrNil
	}
	size := t.Size()
	if ds, ok := p.dataSegments.slice(addr, size); ok && ds.readable {
		return Value{
			Addr:  addr,
			Type:  t,
			Bytes: ds.data,
		}, nil
	}
	// The value spans several segments, e.g. a page from the core file
	// next to a page from the executable's .data section.
	buf := make([]byte, size)
	if err := p.dataSegments.read(addr, buf); err != nil {
		return Value{}, fmt.Errorf("reading %s at 0x%x: %w", t, addr, err)
	}
	return Value{
		Addr:  addr,
		Type:  t,
		Bytes: buf,
	}, nil
}

// makeValue builds a Value that lives in no target memory.
func (p *Program) makeValue(t Type, x uint64) Value {
	b := make([]byte, t.Size())
	if n := len(b); n == 1 || n == 2 || n == 4 || n == 8 {
		p.Arch.PutUintN(b, x)
	}
	return Value{Type: t, Bytes: b}
}
