//go:build linux

package corefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"
)

func TestReadableMappings(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "42"), 0o755))
	maps := `00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/server
00651000-00652000 rw-p 00051000 08:02 173521      /usr/bin/server
00652000-00655000 ---p 00000000 00:00 0
01e94000-01eb5000 rw-p 00000000 00:00 0           [heap]
7ffd4a1c8000-7ffd4a1ca000 r--p 00000000 00:00 0   [vvar]
7f0a1c000000-7f0a1c021000 rw-p 00000000 00:00 0   /tmp/path with spaces
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "42", "maps"), []byte(maps), 0o644))

	fs, err := procfs.NewFS(root)
	require.NoError(t, err)
	proc, err := fs.Proc(42)
	require.NoError(t, err)

	got, err := readableMappings(proc)
	require.NoError(t, err)
	require.Equal(t, []procMapping{
		{start: 0x400000, end: 0x452000, name: "/usr/bin/server"},
		{start: 0x651000, end: 0x652000, name: "/usr/bin/server"},
		{start: 0x1e94000, end: 0x1eb5000, name: "[heap]"},
		{start: 0x7ffd4a1c8000, end: 0x7ffd4a1ca000, name: "[vvar]"},
		{start: 0x7f0a1c000000, end: 0x7f0a1c021000, name: "/tmp/path with spaces"},
	}, got)
}

func TestReadableMappingsMissingProcess(t *testing.T) {
	fs, err := procfs.NewFS(t.TempDir())
	require.NoError(t, err)
	_, err = fs.Proc(42)
	require.Error(t, err)
}

func TestReadableMappingsBadLine(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "7"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "7", "maps"), []byte("garbage\n"), 0o644))
	fs, err := procfs.NewFS(root)
	require.NoError(t, err)
	proc, err := fs.Proc(7)
	require.NoError(t, err)
	_, err = readableMappings(proc)
	require.ErrorIs(t, err, procfs.ErrFileParse)
}
