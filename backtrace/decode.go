// Package backtrace decodes frame records stored in target memory and
// renders each frame as a source location.
//
// A frame record has the layout
//
//	struct BacktraceHeader {
//		int num_frames;
//		void* frames[N];  // or void* frames[] or void** frames
//	};
//
// Exactly num_frames addresses are read from frames, whatever its declared
// length.
package backtrace

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tombergan/coremap/corefile"
)

// DefaultRecordType is the frame record type used when Decoder.RecordType
// is empty.
const DefaultRecordType = "BacktraceHeader"

var (
	// ErrBadAddress is returned by ParseAddress for text that is not an address.
	ErrBadAddress = errors.New("bad address")

	// ErrBadRecord is returned for frame record types without the expected
	// num_frames and frames members.
	ErrBadRecord = errors.New("bad frame record type")
)

// TypeResolver looks up types by name.
type TypeResolver interface {
	ResolveType(name string) (corefile.Type, error)
}

// MemoryReader reads target memory.
type MemoryReader interface {
	ReadUintAt(addr uint64, size int) (uint64, error)
	Value(addr uint64, t corefile.Type) (corefile.Value, error)
}

// Target is implemented by *corefile.Program.
type Target interface {
	TypeResolver
	MemoryReader
	Symbolizer
}

// Decoder decodes frame records.
type Decoder struct {
	Target     Target
	RecordType string // defaults to DefaultRecordType
	Renderer   *Renderer
}

// NewDecoder returns a Decoder that renders frames with t's symbols.
func NewDecoder(t Target) *Decoder {
	return &Decoder{
		Target:   t,
		Renderer: &Renderer{Symbolizer: t},
	}
}

// ParseAddress parses an address as printed by a debugger: "0x"-prefixed
// hex, octal, or decimal, falling back to bare hex. Leading text up to the
// last space is ignored, so "(BacktraceHeader *) 0x1234" parses as 0x1234.
func ParseAddress(text string) (uint64, error) {
	s := strings.TrimSpace(text)
	if k := strings.LastIndexByte(s, ' '); k >= 0 {
		s = s[k+1:]
	}
	if x, err := strconv.ParseUint(s, 0, 64); err == nil {
		return x, nil
	}
	if x, err := strconv.ParseUint(s, 16, 64); err == nil {
		return x, nil
	}
	return 0, fmt.Errorf("%q: %w", text, ErrBadAddress)
}

func (d *Decoder) recordType() (*corefile.StructType, error) {
	name := d.RecordType
	if name == "" {
		name = DefaultRecordType
	}
	t, err := d.Target.ResolveType(name)
	if err != nil {
		return nil, err
	}
	st, ok := t.(*corefile.StructType)
	if !ok {
		return nil, fmt.Errorf("%s is a %T: %w", name, t, ErrBadRecord)
	}
	return st, nil
}

// frameArray is where a record keeps its frame addresses.
type frameArray struct {
	base, stride uint64
	n            int64
}

// frameArray locates the frames of the record at addr. A record with
// num_frames <= 0 has an empty array.
func (d *Decoder) frameArray(addr uint64) (frameArray, error) {
	st, err := d.recordType()
	if err != nil {
		return frameArray{}, err
	}
	v, err := d.Target.Value(addr, st)
	if err != nil {
		return frameArray{}, fmt.Errorf("reading %s at 0x%x: %w", st, addr, err)
	}
	nv, err := v.FieldByName("num_frames")
	if err != nil {
		return frameArray{}, fmt.Errorf("%w: %w", ErrBadRecord, err)
	}
	if _, ok := nv.Type.(*corefile.NumericType); !ok {
		return frameArray{}, fmt.Errorf("%s.num_frames has type %s: %w", st, nv.Type, ErrBadRecord)
	}
	n := nv.ReadInt()
	if n <= 0 {
		corefile.Logf(1, "record 0x%x has num_frames = %d", addr, n)
		return frameArray{}, nil
	}

	fv, err := v.FieldByName("frames")
	if err != nil {
		return frameArray{}, fmt.Errorf("%w: %w", ErrBadRecord, err)
	}
	fa := frameArray{n: n}
	switch ft := fv.Type.(type) {
	case *corefile.ArrayType:
		fa.base, fa.stride = fv.Addr, ft.Elem.Size()
	case *corefile.PtrType:
		if ft.Ref {
			return frameArray{}, fmt.Errorf("%s.frames has type %s: %w", st, ft, ErrBadRecord)
		}
		fa.base, fa.stride = fv.ReadUint(), ft.Elem.Size()
		if fa.base == 0 {
			return frameArray{}, fmt.Errorf("%s.frames at 0x%x: %w", st, fv.Addr, corefile.ErrNil)
		}
	default:
		return frameArray{}, fmt.Errorf("%s.frames has type %s: %w", st, fv.Type, ErrBadRecord)
	}
	if fa.stride == 0 || fa.stride > 8 {
		return frameArray{}, fmt.Errorf("%s.frames has %d-byte elements: %w", st, fa.stride, ErrBadRecord)
	}
	return fa, nil
}

// eachFrame calls fn with each frame address of the record at addr, in
// order. num_frames is read from the target and may be garbage, so frames
// are read one at a time and the first unreadable one ends the walk.
func (d *Decoder) eachFrame(addr uint64, fn func(pc uint64) error) error {
	fa, err := d.frameArray(addr)
	if err != nil {
		return err
	}
	for k := int64(0); k < fa.n; k++ {
		pc, err := d.Target.ReadUintAt(fa.base+uint64(k)*fa.stride, int(fa.stride))
		if err != nil {
			return fmt.Errorf("frame %d of %d: %w", k, fa.n, err)
		}
		if err := fn(pc); err != nil {
			return err
		}
	}
	return nil
}

// Frames reads the frame addresses of the record at addr. On a memory
// error it returns the frames read so far along with the error.
func (d *Decoder) Frames(addr uint64) ([]uint64, error) {
	var frames []uint64
	err := d.eachFrame(addr, func(pc uint64) error {
		frames = append(frames, pc)
		return nil
	})
	return frames, err
}

// Decode reads the record at addr and renders each of its frames to w as
// it is read. Frames read before a memory error are rendered before the
// error is returned.
func (d *Decoder) Decode(w io.Writer, addr uint64) error {
	return d.eachFrame(addr, func(pc uint64) error {
		return d.Renderer.Render(w, pc)
	})
}

// DecodeValue decodes the record that v refers to: a pointer to a record,
// a record itself, or an integer holding the record's address.
func (d *Decoder) DecodeValue(w io.Writer, v corefile.Value) error {
	switch t := v.Type.(type) {
	case *corefile.PtrType:
		return d.Decode(w, v.ReadUint())
	case *corefile.StructType:
		if v.Addr == 0 {
			return fmt.Errorf("%s is not in target memory", t)
		}
		return d.Decode(w, v.Addr)
	case *corefile.NumericType:
		if t.IsInteger() {
			return d.Decode(w, v.ReadUint())
		}
	}
	return fmt.Errorf("cannot decode a frame record from %s", v.Type)
}
