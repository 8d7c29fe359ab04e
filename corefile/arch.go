package corefile

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Arch describes the machine a Program ran on.
type Arch struct {
	Name        string // GOARCH-style name: "amd64", "386", "arm64"
	PointerSize int    // 4 or 8
	ByteOrder   binary.ByteOrder
}

var (
	ArchAMD64 = Arch{Name: "amd64", PointerSize: 8, ByteOrder: binary.LittleEndian}
	Arch386   = Arch{Name: "386", PointerSize: 4, ByteOrder: binary.LittleEndian}
	ArchARM64 = Arch{Name: "arm64", PointerSize: 8, ByteOrder: binary.LittleEndian}
)

func (a Arch) Uint16(b []byte) uint16 { return a.ByteOrder.Uint16(b) }
func (a Arch) Uint32(b []byte) uint32 { return a.ByteOrder.Uint32(b) }
func (a Arch) Uint64(b []byte) uint64 { return a.ByteOrder.Uint64(b) }
func (a Arch) Int16(b []byte) int16   { return int16(a.ByteOrder.Uint16(b)) }
func (a Arch) Int32(b []byte) int32   { return int32(a.ByteOrder.Uint32(b)) }
func (a Arch) Int64(b []byte) int64   { return int64(a.ByteOrder.Uint64(b)) }

func (a Arch) Float32(b []byte) float32 { return math.Float32frombits(a.Uint32(b)) }
func (a Arch) Float64(b []byte) float64 { return math.Float64frombits(a.Uint64(b)) }

// Uintptr reads a pointer-sized unsigned integer.
func (a Arch) Uintptr(b []byte) uint64 {
	switch a.PointerSize {
	case 4:
		return uint64(a.Uint32(b))
	case 8:
		return a.Uint64(b)
	}
	panic(fmt.Sprintf("unexpected PointerSize %v", a.PointerSize))
}

// UintN reads an unsigned integer of 1, 2, 4, or 8 bytes.
func (a Arch) UintN(b []byte) (uint64, error) {
	switch len(b) {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(a.Uint16(b)), nil
	case 4:
		return uint64(a.Uint32(b)), nil
	case 8:
		return a.Uint64(b), nil
	}
	return 0, fmt.Errorf("cannot read a %d-byte integer", len(b))
}

// PutUintN is the inverse of UintN.
func (a Arch) PutUintN(b []byte, x uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(x)
	case 2:
		a.ByteOrder.PutUint16(b, uint16(x))
	case 4:
		a.ByteOrder.PutUint32(b, uint32(x))
	case 8:
		a.ByteOrder.PutUint64(b, x)
	default:
		panic(fmt.Sprintf("cannot write a %d-byte integer", len(b)))
	}
}
