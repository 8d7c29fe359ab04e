package corefile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// readCore loads memory and process info from an ELF core file.
func (lp *loader) readCore(mmapf *mmapFile) error {
	f, err := elf.NewFile(mmapf)
	if err != nil {
		return err
	}
	if f.Type != elf.ET_CORE {
		return fmt.Errorf("%s is %s, not a core file", mmapf.Name(), f.Type)
	}
	if lp.arch, err = archForMachine(f); err != nil {
		return err
	}
	lp.machine = f.Machine
	verbosef("readCore: arch=%s", lp.arch.Name)

	progs, err := loadableProgs(f)
	if err != nil {
		return err
	}
	// The core only has file contents for pages that were dumped. Pages
	// with Memsz > Filesz were filtered by the kernel (usually read-only
	// file mappings) and are filled in from the executable.
	for _, ph := range progs {
		if ph.Filesz == 0 || ph.Flags&elf.PF_R == 0 {
			continue
		}
		ph := ph
		err := lp.insertDataSegment(ph.Vaddr, ph.Filesz, "core", func(addr, size uint64) ([]byte, error) {
			data, err := mmapf.ReadSliceAt(ph.Off+(addr-ph.Vaddr), size)
			if err != nil {
				return nil, fmt.Errorf("bad ELF segment %+v: %w", ph, err)
			}
			return data, nil
		})
		if err != nil {
			return err
		}
	}
	return lp.readCoreNotes(f)
}

// readExec loads the executable's segments into lp, relocated by the
// program's load bias.
func (lp *loader) readExec(p *Program, mmapf *mmapFile, f *elf.File) error {
	a, err := archForMachine(f)
	if err != nil {
		return err
	}
	if a.Name != lp.arch.Name {
		return fmt.Errorf("mismatched machine types: target is %s, executable is %s", lp.arch.Name, a.Name)
	}
	if f.Type == elf.ET_DYN && lp.entry != 0 {
		p.StaticBase = lp.entry - f.Entry
	}
	logf("readExec: %s type=%s entry=0x%x static base=0x%x", mmapf.Name(), f.Type, f.Entry, p.StaticBase)

	progs, err := loadableProgs(f)
	if err != nil {
		return err
	}
	for _, ph := range progs {
		ph := ph
		vaddr := ph.Vaddr + p.StaticBase
		if ph.Filesz > 0 {
			err := lp.insertDataSegment(vaddr, ph.Filesz, "exec", func(addr, size uint64) ([]byte, error) {
				data, err := mmapf.ReadSliceAt(ph.Off+(addr-vaddr), size)
				if err != nil {
					return nil, fmt.Errorf("bad ELF segment %+v: %w", ph, err)
				}
				return data, nil
			})
			if err != nil {
				return err
			}
		}
		// Memsz > Filesz means zero-filled space, e.g. .bss.
		if ph.Memsz > ph.Filesz {
			err := lp.insertDataSegment(vaddr+ph.Filesz, ph.Memsz-ph.Filesz, "bss", func(addr, size uint64) ([]byte, error) {
				if int(size) < 0 {
					panic(fmt.Sprintf("size out of bounds: %v", size))
				}
				anonf, err := mmapOpenAnonymous(int(size))
				if err != nil {
					return nil, fmt.Errorf("MAP_ANONYMOUS failed on size=%v: %w", size, err)
				}
				lp.filemaps = append(lp.filemaps, anonf)
				return anonf.data, nil
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// loadableProgs returns the PT_LOAD headers of f, sorted by address, with
// adjacent segments of the same mode merged.
func loadableProgs(f *elf.File) ([]elf.ProgHeader, error) {
	var progs elfSortedProgHeaders
	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD || ph.Memsz == 0 {
			continue
		}
		if ph.Memsz < ph.Filesz {
			return nil, fmt.Errorf("unexpected Memsz < Filesz at %#v", ph.ProgHeader)
		}
		progs = append(progs, ph.ProgHeader)
	}
	// Linux core dumps are sorted, but that's not guaranteed.
	sort.Sort(progs)

	for k := 1; k < len(progs); {
		prev := &progs[k-1]
		curr := &progs[k]
		sameMode := prev.Flags&(elf.PF_W|elf.PF_R) == curr.Flags&(elf.PF_W|elf.PF_R)
		if sameMode && prev.Memsz == prev.Filesz && prev.Vaddr+prev.Memsz == curr.Vaddr && prev.Off+prev.Filesz == curr.Off {
			verbosef("loadableProgs: merging:\n%#v\n%#v", *prev, *curr)
			prev.Memsz += curr.Memsz
			prev.Filesz += curr.Filesz
			progs = append(progs[:k], progs[k+1:]...)
			continue
		}
		k++
	}
	return progs, nil
}

type elfSortedProgHeaders []elf.ProgHeader

func (p elfSortedProgHeaders) Len() int           { return len(p) }
func (p elfSortedProgHeaders) Swap(i, k int)      { p[i], p[k] = p[k], p[i] }
func (p elfSortedProgHeaders) Less(i, k int) bool { return p[i].Vaddr < p[k].Vaddr }

// See /usr/include/linux/elf.h.
const (
	elfNTPrpsinfo = 3
	elfNTAuxv     = 6
)

// auxvATEntry is AT_ENTRY, the entry point of the loaded executable.
const auxvATEntry = 9

type elfNote struct {
	Namesz uint32
	Descsz uint32
	Ntype  uint32
}

// See /usr/include/linux/elfcore.h.
type elfLinuxPsinfo32 struct {
	State  uint8
	Sname  byte
	Zombie uint8
	Nice   int8
	Flag   uint32
	Uid    uint16
	Gid    uint16
	Pid    uint32
	Ppid   uint32
	Pgrp   uint32
	Sid    uint32
	Fname  [16]byte // file name, truncated, usually no directory
	Psargs [80]byte // executable args, truncated
}

type elfLinuxPsinfo64 struct {
	State  uint8
	Sname  byte
	Zombie uint8
	Nice   int8
	Flag   uint64
	_      uint32
	Uid    uint32
	Gid    uint32
	Pid    uint32
	Ppid   uint32
	Pgrp   uint32
	Sid    uint32
	Fname  [16]byte // file name, truncated, usually no directory
	Psargs [80]byte // executable args, truncated
}

// readCoreNotes reads the executable path, pid, and auxiliary vector
// from the PT_NOTE segments.
func (lp *loader) readCoreNotes(f *elf.File) error {
	bo := lp.arch.ByteOrder
	for _, ph := range f.Progs {
		if ph.Type != elf.PT_NOTE {
			continue
		}
		r := ph.Open()
		for {
			var note elfNote
			err := binary.Read(r, bo, &note)
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("error reading PT_NOTE at offset %v: %w", ph.Off, err)
			}
			verbosef("readCoreNotes: %#v", note)

			// Padded to 4-byte alignment.
			namesz := (int64(note.Namesz) + 3) &^ 3
			descsz := (int64(note.Descsz) + 3) &^ 3
			if _, err := r.Seek(namesz, io.SeekCurrent); err != nil {
				return fmt.Errorf("error reading PT_NOTE at offset %v+%v: %w", ph.Off, namesz, err)
			}
			desc := make([]byte, descsz)
			if _, err := io.ReadFull(r, desc); err != nil {
				return fmt.Errorf("error reading PT_NOTE desc sz=%v: %w", descsz, err)
			}
			desc = desc[:note.Descsz]

			switch note.Ntype {
			case elfNTPrpsinfo:
				lp.readPsinfo(f.Class, desc)
			case elfNTAuxv:
				if entry, ok := parseAuxv(lp.arch, desc, auxvATEntry); ok {
					lp.entry = entry
					verbosef("readCoreNotes: AT_ENTRY=0x%x", entry)
				}
			}
		}
	}
	return nil
}

func (lp *loader) readPsinfo(class elf.Class, desc []byte) {
	r := bytes.NewReader(desc)
	var fname, psargs []byte
	switch class {
	case elf.ELFCLASS32:
		var psinfo elfLinuxPsinfo32
		if err := binary.Read(r, lp.arch.ByteOrder, &psinfo); err != nil {
			verbosef("readCoreNotes: short psinfo32: %v", err)
			return
		}
		lp.pid = int(psinfo.Pid)
		fname, psargs = psinfo.Fname[:], psinfo.Psargs[:]
	default:
		var psinfo elfLinuxPsinfo64
		if err := binary.Read(r, lp.arch.ByteOrder, &psinfo); err != nil {
			verbosef("readCoreNotes: short psinfo64: %v", err)
			return
		}
		lp.pid = int(psinfo.Pid)
		fname, psargs = psinfo.Fname[:], psinfo.Psargs[:]
	}
	lp.execPath = execPathFromPsinfo(fname, psargs)
	verbosef("readCoreNotes: pid=%d execpath=%q", lp.pid, lp.execPath)
}
