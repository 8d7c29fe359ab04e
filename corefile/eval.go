package corefile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrSyntax is returned by Eval for malformed expressions.
var ErrSyntax = errors.New("syntax error")

// Eval evaluates a C++ expression against the program's globals. The
// supported grammar is:
//
//	expr    = unary
//	unary   = "*" unary | "&" unary | "(" type ")" unary | postfix
//	postfix = primary { "." ident | "->" ident | "[" expr "]" }
//	primary = name | integer | "(" expr ")"
//	name    = ident { "::" ident }
//
// Names are resolved as fully-qualified globals first, then by their
// unqualified name if that is unambiguous. References are dereferenced
// implicitly. Integer literals are 64-bit signed integers.
func (p *Program) Eval(expr string) (Value, error) {
	e := &evaluator{p: p, src: expr}
	v, err := e.unary()
	if err != nil {
		return Value{}, fmt.Errorf("evaluating %q: %w", expr, err)
	}
	e.skipSpace()
	if e.pos < len(e.src) {
		return Value{}, fmt.Errorf("evaluating %q: unexpected %q at offset %d: %w", expr, e.src[e.pos:], e.pos, ErrSyntax)
	}
	return v, nil
}

type evaluator struct {
	p   *Program
	src string
	pos int
}

func (e *evaluator) skipSpace() {
	for e.pos < len(e.src) && unicode.IsSpace(rune(e.src[e.pos])) {
		e.pos++
	}
}

// accept consumes tok if it is next.
func (e *evaluator) accept(tok string) bool {
	e.skipSpace()
	if strings.HasPrefix(e.src[e.pos:], tok) {
		e.pos += len(tok)
		return true
	}
	return false
}

func (e *evaluator) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%s at offset %d: %w", fmt.Sprintf(format, args...), e.pos, ErrSyntax)
}

func (e *evaluator) unary() (Value, error) {
	e.skipSpace()
	switch {
	case e.accept("*"):
		v, err := e.unary()
		if err != nil {
			return Value{}, err
		}
		return e.deref(v)

	case e.accept("&"):
		v, err := e.unary()
		if err != nil {
			return Value{}, err
		}
		if v.Addr == 0 {
			return Value{}, fmt.Errorf("cannot take the address of a %s that is not in memory", v.Type)
		}
		return e.p.makeValue(e.p.MakePtrType(v.Type), v.Addr), nil

	case strings.HasPrefix(e.src[e.pos:], "("):
		if t, ok := e.tryCastType(); ok {
			v, err := e.unary()
			if err != nil {
				return Value{}, err
			}
			return e.cast(v, t)
		}
	}
	return e.postfix()
}

// tryCastType checks whether the parenthesized text at the current
// position names a type. If so, it is consumed.
func (e *evaluator) tryCastType() (Type, bool) {
	end := matchingParen(e.src, e.pos)
	if end < 0 {
		return nil, false
	}
	inner := strings.TrimSpace(e.src[e.pos+1 : end])
	if inner == "" || unicode.IsDigit(rune(inner[0])) {
		return nil, false
	}
	// A parenthesized global takes precedence over a type of the same name.
	if _, err := e.p.lookupGlobal(inner); err == nil {
		return nil, false
	}
	t, err := e.p.ResolveType(inner)
	if err != nil {
		return nil, false
	}
	e.pos = end + 1
	return t, true
}

// matchingParen returns the index of the ")" matching the "(" at src[start].
func matchingParen(src string, start int) int {
	depth := 0
	for k := start; k < len(src); k++ {
		switch src[k] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return k
			}
		}
	}
	return -1
}

func (e *evaluator) cast(v Value, t Type) (Value, error) {
	v = autoDeref(v)
	pt, isPtr := t.(*PtrType)
	switch {
	case isPtr && pt.Ref:
		if v.Addr == 0 {
			return Value{}, fmt.Errorf("cannot bind %s to a value that is not in memory", t)
		}
		return v.Cast(pt.Elem)
	case isPtr:
		switch v.Type.(type) {
		case *NumericType, *PtrType, *EnumType:
			return e.p.makeValue(t, v.ReadUint()), nil
		case *ArrayType:
			if v.Addr != 0 {
				return e.p.makeValue(t, v.Addr), nil
			}
		}
		return Value{}, fmt.Errorf("cannot cast %s to %s", v.Type, t)
	}
	return v.Cast(t)
}

func (e *evaluator) postfix() (Value, error) {
	v, err := e.primary()
	if err != nil {
		return Value{}, err
	}
	for {
		switch {
		case e.accept("->"):
			name, err := e.ident()
			if err != nil {
				return Value{}, err
			}
			if v, err = e.deref(v); err != nil {
				return Value{}, err
			}
			if v, err = e.field(v, name); err != nil {
				return Value{}, err
			}

		case e.accept("."):
			name, err := e.ident()
			if err != nil {
				return Value{}, err
			}
			if v, err = e.field(v, name); err != nil {
				return Value{}, err
			}

		case e.accept("["):
			idx, err := e.unary()
			if err != nil {
				return Value{}, err
			}
			if !e.accept("]") {
				return Value{}, e.errorf("expected ]")
			}
			if v, err = e.index(v, idx); err != nil {
				return Value{}, err
			}

		default:
			return v, nil
		}
	}
}

func (e *evaluator) primary() (Value, error) {
	e.skipSpace()
	if e.pos >= len(e.src) {
		return Value{}, e.errorf("unexpected end of expression")
	}
	c := rune(e.src[e.pos])
	switch {
	case e.accept("("):
		v, err := e.unary()
		if err != nil {
			return Value{}, err
		}
		if !e.accept(")") {
			return Value{}, e.errorf("expected )")
		}
		return v, nil

	case unicode.IsDigit(c):
		start := e.pos
		for e.pos < len(e.src) && (isIdentChar(e.src[e.pos])) {
			e.pos++
		}
		lit := strings.TrimRight(e.src[start:e.pos], "uUlL")
		x, err := strconv.ParseUint(lit, 0, 64)
		if err != nil {
			return Value{}, e.errorf("bad integer %q", e.src[start:e.pos])
		}
		return e.p.makeValue(e.p.MakeNumericType(NumericInt64), x), nil

	case c == '_' || unicode.IsLetter(c) || strings.HasPrefix(e.src[e.pos:], "::"):
		name, err := e.qualifiedName()
		if err != nil {
			return Value{}, err
		}
		return e.p.lookupGlobal(name)
	}
	return Value{}, e.errorf("unexpected %q", string(c))
}

func (e *evaluator) qualifiedName() (string, error) {
	var parts []string
	e.accept("::")
	for {
		id, err := e.ident()
		if err != nil {
			return "", err
		}
		parts = append(parts, id)
		if !e.accept("::") {
			return strings.Join(parts, "::"), nil
		}
	}
}

func (e *evaluator) ident() (string, error) {
	e.skipSpace()
	start := e.pos
	for e.pos < len(e.src) && isIdentChar(e.src[e.pos]) {
		e.pos++
	}
	if start == e.pos || unicode.IsDigit(rune(e.src[start])) {
		return "", e.errorf("expected identifier")
	}
	return e.src[start:e.pos], nil
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9'
}

func (e *evaluator) deref(v Value) (Value, error) {
	v = autoDeref(v)
	switch t := v.Type.(type) {
	case *PtrType:
		if _, ok := t.Elem.(*VoidType); ok {
			return Value{}, fmt.Errorf("cannot dereference %s", t)
		}
		return v.Deref()
	case *ArrayType:
		return v.Index(0)
	}
	return Value{}, fmt.Errorf("cannot dereference non-pointer type %s", v.Type)
}

func (e *evaluator) field(v Value, name string) (Value, error) {
	v = autoDeref(v)
	if _, ok := v.Type.(*PtrType); ok {
		// Accept "p.f" for pointers, as gdb does.
		var err error
		if v, err = v.Deref(); err != nil {
			return Value{}, err
		}
	}
	if _, ok := v.Type.(*StructType); !ok {
		return Value{}, fmt.Errorf("cannot select field %q of non-struct type %s", name, v.Type)
	}
	return v.FieldByName(name)
}

func (e *evaluator) index(v, idx Value) (Value, error) {
	v = autoDeref(v)
	idx = autoDeref(idx)
	switch t := idx.Type.(type) {
	case *NumericType:
		if !t.IsInteger() {
			return Value{}, fmt.Errorf("array index has non-integer type %s", t)
		}
	case *EnumType:
	default:
		return Value{}, fmt.Errorf("array index has non-integer type %s", idx.Type)
	}
	n := idx.ReadInt()
	if n < 0 {
		return Value{}, fmt.Errorf("negative array index %d: %w", n, ErrOutOfBounds)
	}
	switch v.Type.(type) {
	case *ArrayType, *PtrType:
		return v.Index(uint64(n))
	}
	return Value{}, fmt.Errorf("cannot index non-array type %s", v.Type)
}

// autoDeref follows C++ references. Values whose referent cannot be read
// are returned unchanged so that the caller reports the error.
func autoDeref(v Value) Value {
	if pt, ok := v.Type.(*PtrType); ok && pt.Ref {
		if rv, err := v.Type.Program().Value(v.ReadUint(), pt.Elem); err == nil {
			return rv
		}
	}
	return v
}

// lookupGlobal finds a global by fully-qualified name, then by
// unqualified name if exactly one global has it.
func (p *Program) lookupGlobal(name string) (Value, error) {
	if v, ok := p.GlobalVars.FindName(name); ok {
		return v.Value, nil
	}
	if strings.Contains(name, "::") {
		return Value{}, fmt.Errorf("no global named %q: %w", name, ErrNoSymbol)
	}
	switch vars := p.GlobalVars.FindShortName(name); len(vars) {
	case 0:
		return Value{}, fmt.Errorf("no global named %q: %w", name, ErrNoSymbol)
	case 1:
		return vars[0].Value, nil
	default:
		var names []string
		for _, v := range vars {
			names = append(names, v.FullName())
		}
		return Value{}, fmt.Errorf("%q is ambiguous: %s", name, strings.Join(names, ", "))
	}
}
