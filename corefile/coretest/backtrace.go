package coretest

import (
	"github.com/tombergan/coremap/corefile"
)

// FramesLayout selects how a BacktraceHeader stores its frames.
type FramesLayout int

const (
	FramesInline  FramesLayout = iota // void* frames[N] follows num_frames
	FramesTrailer                     // void* frames[] (zero-length trailing array)
	FramesPointer                     // void** frames points to a separate array
)

// DefineBacktraceHeader defines a frame record type named name:
//
//	struct BacktraceHeader {
//		int num_frames;
//		void* frames[...];   // or void** frames
//	};
//
// For FramesInline the array has capacity elements.
func DefineBacktraceHeader(p *corefile.Program, name string, layout FramesLayout, capacity uint64) *corefile.StructType {
	ps := uint64(p.Arch.PointerSize)
	intType := p.FindType("int")
	if intType == nil {
		intType = p.DefineNumericType("int", corefile.NumericInt32)
	}
	voidPtr := p.MakePtrType(p.MakeVoidType())
	var frames corefile.Type
	switch layout {
	case FramesInline:
		frames = p.MakeArrayType(voidPtr, capacity)
	case FramesTrailer:
		frames = p.MakeArrayType(voidPtr, 0)
	case FramesPointer:
		frames = p.MakePtrType(voidPtr)
	}
	return p.DefineStructType(name, ps+frames.Size(), func(*corefile.StructType) []corefile.StructField {
		return []corefile.StructField{
			{Name: "num_frames", Type: intType, Offset: 0},
			{Name: "frames", Type: frames, Offset: ps},
		}
	})
}

// WriteBacktrace writes a frame record of type t, as defined by
// DefineBacktraceHeader, and returns its address. numFrames is written
// as given, so it may disagree with len(frames).
func WriteBacktrace(mem *Memory, t *corefile.StructType, layout FramesLayout, numFrames int32, frames []uint64) uint64 {
	ps := uint64(mem.Arch.PointerSize)
	addr := mem.Alloc(t.Size(), ps)
	mem.PutUint(addr, 4, uint64(uint32(numFrames)))
	switch layout {
	case FramesInline:
		for k, pc := range frames {
			mem.PutPtr(addr+ps+uint64(k)*ps, pc)
		}
	case FramesTrailer:
		// The array extends past the end of the struct.
		for range frames {
			mem.Alloc(ps, ps)
		}
		for k, pc := range frames {
			mem.PutPtr(addr+ps+uint64(k)*ps, pc)
		}
	case FramesPointer:
		arr := mem.Alloc(uint64(len(frames))*ps, ps)
		for k, pc := range frames {
			mem.PutPtr(arr+uint64(k)*ps, pc)
		}
		if len(frames) > 0 {
			mem.PutPtr(addr+ps, arr)
		}
	}
	return addr
}
