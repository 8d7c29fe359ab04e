// Package coretest builds synthetic corefile Programs: target memory laid
// out by hand, libc++ container types defined without DWARF, and trees
// linked the way libc++ links them. It is used by tests that need a target
// without compiling and crashing a C++ program.
package coretest

import (
	"fmt"

	"github.com/tombergan/coremap/corefile"
)

// Memory is a contiguous region of target memory that grows as values are
// allocated. Addresses start at the base given to NewMemory.
type Memory struct {
	Arch corefile.Arch
	base uint64
	buf  []byte
}

// NewMemory returns an empty region starting at base.
func NewMemory(arch corefile.Arch, base uint64) *Memory {
	return &Memory{Arch: arch, base: base}
}

// Base returns the address of the first byte of the region.
func (m *Memory) Base() uint64 { return m.base }

// End returns the address just past the last allocated byte.
func (m *Memory) End() uint64 { return m.base + uint64(len(m.buf)) }

// Alloc reserves size zeroed bytes aligned to align and returns their address.
func (m *Memory) Alloc(size, align uint64) uint64 {
	if align == 0 {
		align = 1
	}
	addr := m.End()
	if r := addr % align; r != 0 {
		addr += align - r
	}
	end := addr + size
	m.buf = append(m.buf, make([]byte, end-m.End())...)
	return addr
}

// AllocType reserves space for a value of type t.
func (m *Memory) AllocType(t corefile.Type) uint64 {
	return m.Alloc(t.Size(), uint64(m.Arch.PointerSize))
}

func (m *Memory) bytes(addr, size uint64) []byte {
	if addr < m.base || addr+size > m.End() {
		panic(fmt.Sprintf("coretest: [0x%x, 0x%x) outside of [0x%x, 0x%x)", addr, addr+size, m.base, m.End()))
	}
	off := addr - m.base
	return m.buf[off : off+size]
}

// PutUint writes an unsigned integer of size bytes at addr.
func (m *Memory) PutUint(addr uint64, size int, x uint64) {
	m.Arch.PutUintN(m.bytes(addr, uint64(size)), x)
}

// PutPtr writes a pointer at addr.
func (m *Memory) PutPtr(addr, x uint64) {
	m.PutUint(addr, m.Arch.PointerSize, x)
}

// PutBytes copies b to addr.
func (m *Memory) PutBytes(addr uint64, b []byte) {
	copy(m.bytes(addr, uint64(len(b))), b)
}

// PutField writes an integer or pointer field of the struct at addr. The
// field may be a dotted path. Panics if the field does not exist.
func (m *Memory) PutField(addr uint64, t corefile.Type, field string, x uint64) {
	off, err := t.Program().FieldOffset(t, field)
	if err != nil {
		panic(fmt.Sprintf("coretest: %v", err))
	}
	ft, err := lookupFieldType(t, field)
	if err != nil {
		panic(fmt.Sprintf("coretest: %v", err))
	}
	m.PutUint(addr+off, int(ft.Size()), x)
}

// MapInto makes the region readable in p. Call it after all values have
// been written: later allocations and writes may not be visible to p.
func (m *Memory) MapInto(p *corefile.Program) error {
	return p.MapMemory(m.base, m.buf)
}

// lookupFieldType follows a dotted field path and returns the last field's type.
func lookupFieldType(t corefile.Type, path string) (corefile.Type, error) {
	cur := t
	start := 0
	for k := 0; k <= len(path); k++ {
		if k < len(path) && path[k] != '.' {
			continue
		}
		st, ok := cur.(*corefile.StructType)
		if !ok {
			return nil, fmt.Errorf("%s is not a struct", cur)
		}
		f, ok := st.FieldByName(path[start:k])
		if !ok {
			return nil, fmt.Errorf("%s has no field %s", st, path[start:k])
		}
		cur = f.Type
		start = k + 1
	}
	return cur, nil
}
