package corefile

import (
	"fmt"
	"sort"
)

// dataSegment describes a range of the target's virtual memory.
type dataSegment struct {
	addr uint64
	data []byte // points into an mmap'd file or a process snapshot

	// readable is false for ranges that exist in the address space but
	// have no content in the dump, e.g. stack guards or filtered mappings.
	readable bool

	// source names where data came from, for logging.
	source string
}

func (s dataSegment) String() string {
	mode := "-"
	if s.readable {
		mode = "R"
	}
	return fmt.Sprintf("dataSegment{addr:0x%x, size:0x%x, mode:%v, src:%s}", s.addr, s.size(), mode, s.source)
}

// contains reports whether the segment contains the given address.
func (s dataSegment) contains(addr uint64) bool {
	return s.addr <= addr && addr < s.addr+s.size()
}

// size reports the size of the segment in bytes.
func (s dataSegment) size() uint64 {
	return uint64(len(s.data))
}

// end returns the first address past the segment.
func (s dataSegment) end() uint64 {
	return s.addr + s.size()
}

// slice takes a slice of the given segment. addr is an absolute address.
// Returns false if [addr,addr+size) is out-of-bounds of s.
func (s dataSegment) slice(addr, size uint64) (dataSegment, bool) {
	if addr < s.addr {
		return dataSegment{}, false
	}
	offset := addr - s.addr
	if offset > s.size() || size > s.size()-offset {
		return dataSegment{}, false
	}
	return dataSegment{
		addr:     addr,
		data:     s.data[offset : offset+size : offset+size],
		readable: s.readable,
		source:   s.source,
	}, true
}

// dataSegments is a sorted list of non-overlapping memory segments.
type dataSegments []dataSegment

func (ss dataSegments) Len() int           { return len(ss) }
func (ss dataSegments) Swap(i, k int)      { ss[i], ss[k] = ss[k], ss[i] }
func (ss dataSegments) Less(i, k int) bool { return ss[i].addr < ss[k].addr }

// findIndex returns the index of the segment containing addr, or -1.
func (ss dataSegments) findIndex(addr uint64) int {
	// Binary search for an upper-bound segment, then check
	// if the previous segment contains addr.
	k := sort.Search(len(ss), func(k int) bool {
		return addr < ss[k].addr
	})
	k--
	if k >= 0 && ss[k].contains(addr) {
		return k
	}
	return -1
}

// findSegment finds the segment that contains the given address.
func (ss dataSegments) findSegment(addr uint64) (dataSegment, bool) {
	if k := ss.findIndex(addr); k >= 0 {
		return ss[k], true
	}
	return dataSegment{}, false
}

// slice takes a slice at the given address. Fails if the slice is not
// contained within a single segment.
func (ss dataSegments) slice(addr, size uint64) (dataSegment, bool) {
	s, ok := ss.findSegment(addr)
	if !ok {
		return dataSegment{}, false
	}
	return s.slice(addr, size)
}

// read copies len(buf) bytes starting at addr. The range may span any number
// of adjacent segments as long as there is no gap between them and every
// segment is readable.
func (ss dataSegments) read(addr uint64, buf []byte) error {
	k := ss.findIndex(addr)
	if k < 0 {
		return fmt.Errorf("address 0x%x: %w", addr, ErrOutOfBounds)
	}
	want := uint64(len(buf))
	done := uint64(0)
	for done < want {
		if k >= len(ss) {
			return fmt.Errorf("range [0x%x, 0x%x) at 0x%x: %w", addr, addr+want, addr+done, ErrOutOfBounds)
		}
		s := ss[k]
		cur := addr + done
		if !s.contains(cur) {
			return fmt.Errorf("range [0x%x, 0x%x) has a gap at 0x%x: %w", addr, addr+want, cur, ErrOutOfBounds)
		}
		if !s.readable {
			return fmt.Errorf("address 0x%x is in an unreadable segment: %w", cur, ErrOutOfBounds)
		}
		done += uint64(copy(buf[done:], s.data[cur-s.addr:]))
		k++
	}
	return nil
}

// insert inserts a range [addr, addr+size) into ss. We maintain an invariant
// that ss is sorted and contains only non-overlapping segments. If the given
// range overlaps an existing segment, the range is split into a set subranges
// that do not overlap any existing segments; the earlier insertion wins.
// New dataSegments are created with makeSegment.
func (ss *dataSegments) insert(addr, size uint64, makeSegment func(addr, size uint64) (dataSegment, error)) error {
	if size == 0 {
		return nil
	}

	if sanityChecks {
		defer func() {
			if !sort.IsSorted(*ss) {
				for k, s := range *ss {
					printf("dataSegments[%v] = %s", k, s)
				}
				panic(fmt.Sprintf("dataSegments are not sorted after insert(0x%x, 0x%x)", addr, size))
			}
		}()
	}

	// Binary search for the first segment where s.addr+s.size > addr.
	k := sort.Search(len(*ss), func(k int) bool {
		return (*ss)[k].end() > addr
	})

	// (*ss)[k-1] is fully below [addr, addr+size).
	// Starting from k, walk forward and split the range at all overlapping segments.
	for {
		if k == len(*ss) {
			s, err := makeSegment(addr, size)
			if err != nil {
				return err
			}
			verbosef("loading %s", s)
			*ss = append(*ss, s)
			return nil
		}
		// If any part of the current range lies to the left of segment k,
		// insert a new segment before k.
		if addr < (*ss)[k].addr {
			slen := min((*ss)[k].addr-addr, size)
			s, err := makeSegment(addr, slen)
			if err != nil {
				return err
			}
			verbosef("loading %s", s)
			*ss = append((*ss)[:k], append(dataSegments{s}, (*ss)[k:]...)...)
			k++
		}
		segEnd := (*ss)[k].end()
		rangeEnd := addr + size
		if segEnd < rangeEnd {
			if addr < segEnd {
				addr = segEnd
				size = rangeEnd - segEnd
			}
			k++
			continue
		}
		return nil
	}
}
