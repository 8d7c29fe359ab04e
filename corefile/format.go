package corefile

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// maxFormatElements limits how many array elements or string bytes are
// printed, like gdb's "print elements".
const maxFormatElements = 200

// maxFormatDepth limits nesting of struct and array values.
const maxFormatDepth = 16

// FormatValue prints v the way a C++ debugger prints a value: integers in
// decimal, pointers in hex, chars with their quoted character, structs as
// {name = value, ...}, and char arrays as strings. Char pointers are
// followed by the string they point to. Errors reading pointed-to memory
// are printed inline rather than returned.
func FormatValue(v Value) string {
	var buf bytes.Buffer
	formatValue(&buf, v, 0)
	return buf.String()
}

func formatValue(buf *bytes.Buffer, v Value, depth int) {
	if depth > maxFormatDepth {
		buf.WriteString("...")
		return
	}
	if uint64(len(v.Bytes)) < v.Type.Size() {
		fmt.Fprintf(buf, "<%s: %v>", v.Type, ErrOutOfBounds)
		return
	}

	switch t := v.Type.(type) {
	case *NumericType:
		formatNumeric(buf, v, t)

	case *EnumType:
		x := v.ReadInt()
		if name, ok := t.Lookup(x); ok {
			buf.WriteString(name)
		} else {
			buf.WriteString(strconv.FormatInt(x, 10))
		}

	case *PtrType:
		addr := v.ReadUint()
		if t.Ref {
			fmt.Fprintf(buf, "@0x%x", addr)
			return
		}
		fmt.Fprintf(buf, "0x%x", addr)
		if isCharType(t.Elem) && addr != 0 {
			s, err := readCString(t.Program(), addr, maxFormatElements)
			if err != nil {
				fmt.Fprintf(buf, " <error: %v>", err)
			} else {
				buf.WriteString(" ")
				buf.WriteString(s)
			}
		}

	case *ArrayType:
		if isCharType(t.Elem) {
			n := bytes.IndexByte(v.Bytes, 0)
			if n < 0 {
				n = len(v.Bytes)
			}
			buf.WriteString(quoteCString(v.Bytes[:min(n, maxFormatElements)], n > maxFormatElements))
			return
		}
		buf.WriteString("{")
		for k := uint64(0); k < t.Len; k++ {
			if k > 0 {
				buf.WriteString(", ")
			}
			if k == maxFormatElements {
				buf.WriteString("...")
				break
			}
			ev, err := v.Index(k)
			if err != nil {
				fmt.Fprintf(buf, "<error: %v>", err)
				continue
			}
			formatValue(buf, ev, depth+1)
		}
		buf.WriteString("}")

	case *StructType:
		if t.Incomplete {
			buf.WriteString("<incomplete type>")
			return
		}
		buf.WriteString("{")
		first := true
		for _, f := range t.Fields {
			if f.Type.Size() == 0 && !f.Base {
				continue
			}
			if !first {
				buf.WriteString(", ")
			}
			first = false
			if f.Base {
				fmt.Fprintf(buf, "<%s> = ", f.Name)
			} else {
				fmt.Fprintf(buf, "%s = ", f.Name)
			}
			fv, err := v.Field(f)
			if err != nil {
				fmt.Fprintf(buf, "<error: %v>", err)
				continue
			}
			formatValue(buf, fv, depth+1)
		}
		buf.WriteString("}")

	case *VoidType:
		buf.WriteString("void")

	default:
		fmt.Fprintf(buf, "<%s, %d bytes>", v.Type, v.Type.Size())
	}
}

func formatNumeric(buf *bytes.Buffer, v Value, t *NumericType) {
	switch x := v.ReadScalar().(type) {
	case bool:
		buf.WriteString(strconv.FormatBool(x))
	case int8:
		if t.Kind == NumericChar {
			fmt.Fprintf(buf, "%d %s", x, quoteChar(byte(x)))
			return
		}
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case uint8:
		if t.Kind == NumericUchar {
			fmt.Fprintf(buf, "%d %s", x, quoteChar(x))
			return
		}
		buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case int16, int32, int64:
		fmt.Fprintf(buf, "%d", x)
	case uint16, uint32, uint64:
		fmt.Fprintf(buf, "%d", x)
	case float32:
		buf.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	case float64:
		buf.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case complex64, complex128:
		fmt.Fprintf(buf, "%v", x)
	default:
		fmt.Fprintf(buf, "%v", x)
	}
}

func isCharType(t Type) bool {
	nt, ok := t.(*NumericType)
	return ok && (nt.Kind == NumericChar || nt.Kind == NumericUchar)
}

// readCString reads a NUL-terminated string of at most limit bytes.
func readCString(p *Program, addr uint64, limit int) (string, error) {
	var out []byte
	var b [1]byte
	for len(out) < limit {
		if err := p.dataSegments.read(addr+uint64(len(out)), b[:]); err != nil {
			if len(out) == 0 {
				return "", err
			}
			break
		}
		if b[0] == 0 {
			return quoteCString(out, false), nil
		}
		out = append(out, b[0])
	}
	return quoteCString(out, true), nil
}

// quoteCString quotes s with C escapes. If truncated, "..." is appended.
func quoteCString(s []byte, truncated bool) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, c := range s {
		writeCEscaped(&sb, c, '"')
	}
	sb.WriteByte('"')
	if truncated {
		sb.WriteString("...")
	}
	return sb.String()
}

func quoteChar(c byte) string {
	var sb strings.Builder
	sb.WriteByte('\'')
	writeCEscaped(&sb, c, '\'')
	sb.WriteByte('\'')
	return sb.String()
}

func writeCEscaped(sb *strings.Builder, c byte, quote byte) {
	switch {
	case c == quote || c == '\\':
		sb.WriteByte('\\')
		sb.WriteByte(c)
	case c == '\n':
		sb.WriteString(`\n`)
	case c == '\t':
		sb.WriteString(`\t`)
	case c == '\r':
		sb.WriteString(`\r`)
	case c < 0x20 || c >= 0x7f:
		fmt.Fprintf(sb, `\%03o`, c)
	default:
		sb.WriteByte(c)
	}
}
