//go:build !linux

package corefile

import (
	"errors"
	"runtime"
)

// OpenProcess is only supported on Linux.
func OpenProcess(pid int, opts *OpenProgramOptions) (*Program, error) {
	return nil, errors.New("attaching to a live process is not supported on " + runtime.GOOS)
}
