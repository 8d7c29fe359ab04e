package backtrace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tombergan/coremap/corefile"
)

// Symbolizer maps program counters to functions and source lines.
type Symbolizer interface {
	PCInfo(pc uint64) (*corefile.PCInfo, error)
}

const sourceCacheSize = 64

// Renderer prints code addresses the way a debugger's "list *ADDR" does:
// a location line followed by the surrounding source.
type Renderer struct {
	Symbolizer Symbolizer

	// Context is the number of source lines printed before and after the
	// line of each address. Negative means no source at all.
	Context int

	// SourceDir is searched for source files whose recorded path does not
	// exist. Relative paths are joined to it, absolute paths are tried by
	// base name.
	SourceDir string

	sources *lru.Cache[string, []string]
}

// Render writes the location of pc to w. An address without symbol
// information is not an error: it prints "0xADDR: no symbol information".
func (r *Renderer) Render(w io.Writer, pc uint64) error {
	info, err := r.Symbolizer.PCInfo(pc)
	if errors.Is(err, corefile.ErrNoSymbol) {
		_, err := fmt.Fprintf(w, "0x%x: no symbol information\n", pc)
		return err
	}
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, info.String()); err != nil {
		return err
	}
	if r.Context < 0 || info.File == "" || info.Line == 0 {
		return nil
	}
	return r.writeSource(w, info.File, int(info.Line))
}

func (r *Renderer) writeSource(w io.Writer, file string, line int) error {
	lines, err := r.readSource(file)
	if err != nil {
		corefile.Logf(1, "source for %s: %v", file, err)
		_, err := fmt.Fprintf(w, "%d\tin %s\n", line, file)
		return err
	}
	lo := max(line-r.Context, 1)
	hi := min(line+r.Context, len(lines))
	if lo > hi {
		_, err := fmt.Fprintf(w, "Line number %d out of range; %q has %d lines.\n", line, file, len(lines))
		return err
	}
	for n := lo; n <= hi; n++ {
		if _, err := fmt.Fprintf(w, "%d\t%s\n", n, lines[n-1]); err != nil {
			return err
		}
	}
	return nil
}

// readSource returns the lines of file, caching recently used files.
func (r *Renderer) readSource(file string) ([]string, error) {
	if r.sources == nil {
		c, err := lru.New[string, []string](sourceCacheSize)
		if err != nil {
			return nil, err
		}
		r.sources = c
	}
	if lines, ok := r.sources.Get(file); ok {
		return lines, nil
	}
	var lines []string
	var err error
	for _, path := range r.sourcePaths(file) {
		if lines, err = readLines(path); err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	r.sources.Add(file, lines)
	return lines, nil
}

func (r *Renderer) sourcePaths(file string) []string {
	paths := []string{file}
	if r.SourceDir != "" {
		if filepath.IsAbs(file) {
			paths = append(paths, filepath.Join(r.SourceDir, filepath.Base(file)))
		} else {
			paths = append([]string{filepath.Join(r.SourceDir, file)}, paths...)
		}
	}
	return paths
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	return lines, s.Err()
}
