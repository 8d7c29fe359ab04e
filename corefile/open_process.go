//go:build linux

package corefile

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// OpenProcess stops the live process pid with ptrace, copies its readable
// memory, and detaches. The returned Program is a snapshot: it does not
// change when the process continues running.
func OpenProcess(pid int, opts *OpenProgramOptions) (*Program, error) {
	if opts == nil {
		opts = &OpenProgramOptions{}
	}
	arch, err := hostArch()
	if err != nil {
		return nil, err
	}
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}
	lp := &loader{arch: arch, pid: pid}

	if err := lp.snapshotProcess(proc); err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}

	execPath := opts.ExecutablePath
	if execPath == "" {
		if execPath, err = proc.Executable(); err != nil {
			return nil, fmt.Errorf("process %d: %w", pid, err)
		}
	}
	p, err := lp.finish(execPath)
	if err != nil {
		lp.close()
		return nil, err
	}
	return p, nil
}

// snapshotProcess copies memory while the process is stopped. ptrace
// requests must come from the attaching thread.
func (lp *loader) snapshotProcess(proc procfs.Proc) (err error) {
	pid := proc.PID
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := unix.PtraceAttach(pid); err != nil {
		return fmt.Errorf("ptrace attach: %w", err)
	}
	defer func() {
		if derr := unix.PtraceDetach(pid); derr != nil && err == nil {
			err = fmt.Errorf("ptrace detach: %w", derr)
		}
	}()
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return fmt.Errorf("waiting for stop: %w", err)
	}
	if !ws.Stopped() {
		return fmt.Errorf("process did not stop: status %v", ws)
	}

	auxv, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", pid))
	if err != nil {
		return err
	}
	if entry, ok := parseAuxv(lp.arch, auxv, auxvATEntry); ok {
		lp.entry = entry
	}

	mappings, err := readableMappings(proc)
	if err != nil {
		return err
	}
	mem, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return err
	}
	defer mem.Close()

	var copied uint64
	for _, m := range mappings {
		buf := make([]byte, m.end-m.start)
		if _, err := mem.ReadAt(buf, int64(m.start)); err != nil {
			// [vvar] and some device mappings cannot be read.
			verbosef("snapshotProcess: skipping %s [0x%x,0x%x): %v", m.name, m.start, m.end, err)
			continue
		}
		err := lp.insertDataSegment(m.start, uint64(len(buf)), "pid "+strconv.Itoa(pid), func(addr, size uint64) ([]byte, error) {
			off := addr - m.start
			return buf[off : off+size : off+size], nil
		})
		if err != nil {
			return err
		}
		copied += uint64(len(buf))
	}
	logf("snapshotProcess: copied %d bytes from %d mappings", copied, len(mappings))
	return nil
}

type procMapping struct {
	start, end uint64
	name       string
}

// readableMappings lists the readable mappings of proc in address order.
func readableMappings(proc procfs.Proc) ([]procMapping, error) {
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("reading maps: %w", err)
	}
	var out []procMapping
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Read || m.EndAddr <= m.StartAddr {
			continue
		}
		out = append(out, procMapping{start: uint64(m.StartAddr), end: uint64(m.EndAddr), name: m.Pathname})
	}
	return out, nil
}

func hostArch() (Arch, error) {
	switch runtime.GOARCH {
	case "amd64":
		return ArchAMD64, nil
	case "386":
		return Arch386, nil
	case "arm64":
		return ArchARM64, nil
	}
	return Arch{}, fmt.Errorf("unsupported host architecture %s", runtime.GOARCH)
}
