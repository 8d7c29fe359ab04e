// Package findkey implements the commands that look up keys in libc++ tree
// containers and decode the frame records they map to.
package findkey

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tombergan/coremap/backtrace"
	"github.com/tombergan/coremap/corefile"
	"github.com/tombergan/coremap/shell"
	"github.com/tombergan/coremap/stlmap"
)

// ErrUsage is returned for malformed command lines. No target memory is
// read when it is returned.
var ErrUsage = errors.New("usage error")

// Target is implemented by *corefile.Program.
type Target interface {
	Eval(expr string) (corefile.Value, error)
	DescribeAddr(addr uint64) (string, bool)
	stlmap.Target
	backtrace.Target
}

// Options configures frame record decoding.
type Options struct {
	RecordType string // frame record type, default backtrace.DefaultRecordType
	Context    int    // source lines around each frame
	SourceDir  string // where to look for source files
}

// Commands builds the container commands for one target.
type Commands struct {
	target  Target
	decoder *backtrace.Decoder
}

// New returns the commands for t.
func New(t Target, opts Options) *Commands {
	d := backtrace.NewDecoder(t)
	d.RecordType = opts.RecordType
	d.Renderer.Context = opts.Context
	d.Renderer.SourceDir = opts.SourceDir
	return &Commands{target: t, decoder: d}
}

// Register adds every command to r.
func (c *Commands) Register(r shell.Registry) error {
	for _, cmd := range []struct {
		name string
		new  func() *cobra.Command
	}{
		{"findkey", c.newFindKey},
		{"entries", c.newEntries},
		{"tree", c.newTree},
		{"backtrace", c.newBacktrace},
		{"list", c.newList},
		{"print", c.newPrint},
	} {
		if err := r.Register(cmd.name, cmd.new); err != nil {
			return err
		}
	}
	return nil
}

// usageError prints cmd's usage and returns an error wrapping ErrUsage.
func usageError(cmd *cobra.Command, format string, args ...interface{}) error {
	fmt.Fprint(cmd.ErrOrStderr(), cmd.UsageString())
	return fmt.Errorf("%s: %s: %w", cmd.Name(), fmt.Sprintf(format, args...), ErrUsage)
}

// withUsage makes flag and argument errors of cmd wrap ErrUsage.
func withUsage(cmd *cobra.Command, args cobra.PositionalArgs) *cobra.Command {
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(cmd, "%v", err)
	})
	cmd.Args = func(cmd *cobra.Command, a []string) error {
		if err := args(cmd, a); err != nil {
			return usageError(cmd, "%v", err)
		}
		return nil
	}
	return cmd
}

func requireFlags(cmd *cobra.Command, names ...string) error {
	for _, name := range names {
		if !cmd.Flags().Changed(name) {
			f := cmd.Flags().Lookup(name)
			return usageError(cmd, "missing -%s <%s>", f.Shorthand, f.Name)
		}
	}
	return nil
}

const findKeyExample = `  "std::map<void*, BacktraceHeader*> m;"
  findkey -c m -k 0x123`

func (c *Commands) newFindKey() *cobra.Command {
	var container, key string
	cmd := &cobra.Command{
		Use:   "findkey -c <container name> -k <key>",
		Short: "Find a key in a std::map and decode the frame records it maps to",
		Long: `Reconstructs the std::map named by -c and prints every entry whose key
prints exactly as the -k text. The mapped value of each match is decoded
as a frame record and each frame is listed with its source location.`,
		Example: findKeyExample,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlags(cmd, "container", "key"); err != nil {
				return err
			}
			return c.findKey(cmd.OutOrStdout(), cmd.ErrOrStderr(), container, key)
		},
	}
	cmd.Flags().StringVarP(&container, "container", "c", "", "expression naming the container")
	cmd.Flags().StringVarP(&key, "key", "k", "", "key to look up, as the debugger prints it")
	return withUsage(cmd, cobra.NoArgs)
}

func (c *Commands) open(expr string) (*stlmap.Map, error) {
	v, err := c.target.Eval(expr)
	if err != nil {
		return nil, err
	}
	return stlmap.Open(v, c.target)
}

func (c *Commands) findKey(w, errOut io.Writer, container, key string) error {
	m, err := c.open(container)
	if err != nil {
		return err
	}
	matches, visited, seqErr := m.Find(key)
	corefile.Logf(1, "findkey: visited %d of %d entries, %d matches", visited, m.Size(), len(matches))
	for _, e := range matches {
		if m.IsSet() {
			fmt.Fprintf(w, "[%s]\n", e.Key)
			continue
		}
		fmt.Fprintf(w, "[%s] = [%s]\n", e.Key, e.Value)
		if err := c.decoder.DecodeValue(w, e.ElemValue); err != nil {
			fmt.Fprintf(errOut, "decoding [%s]: %v\n", e.Value, err)
		}
		fmt.Fprintln(w)
	}
	if len(matches) == 0 {
		fmt.Fprintf(w, "There is no key = %s\n", key)
	} else {
		fmt.Fprintf(w, "Total %d pairs.\n", len(matches))
	}
	return seqErr
}

func (c *Commands) newEntries() *cobra.Command {
	var container string
	var limit uint64
	cmd := &cobra.Command{
		Use:   "entries -c <container name>",
		Short: "List the entries of a std::map or std::set in key order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlags(cmd, "container"); err != nil {
				return err
			}
			m, err := c.open(container)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			seq := m.Entries()
			for _, e := range seq.All() {
				if limit > 0 && e.Ordinal >= limit {
					break
				}
				if m.IsSet() {
					fmt.Fprintf(w, "[%s]\n", e.Key)
				} else {
					fmt.Fprintf(w, "[%s] = [%s]\n", e.Key, e.Value)
				}
			}
			fmt.Fprintf(w, "Total %d entries.\n", m.Size())
			return seq.Err()
		},
	}
	cmd.Flags().StringVarP(&container, "container", "c", "", "expression naming the container")
	cmd.Flags().Uint64VarP(&limit, "limit", "n", 0, "print at most this many entries (0 for all)")
	return withUsage(cmd, cobra.NoArgs)
}

func (c *Commands) newTree() *cobra.Command {
	var container string
	cmd := &cobra.Command{
		Use:   "tree -c <container name>",
		Short: "Print the red-black tree of a std::map or std::set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlags(cmd, "container"); err != nil {
				return err
			}
			m, err := c.open(container)
			if err != nil {
				return err
			}
			return m.Shape(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&container, "container", "c", "", "expression naming the container")
	return withUsage(cmd, cobra.NoArgs)
}

// address evaluates text as an address, or as an expression whose value
// holds one.
func (c *Commands) address(text string) (uint64, corefile.Value, error) {
	if addr, err := backtrace.ParseAddress(text); err == nil {
		return addr, corefile.Value{}, nil
	}
	v, err := c.target.Eval(text)
	if err != nil {
		return 0, corefile.Value{}, err
	}
	return 0, v, nil
}

func (c *Commands) newBacktrace() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtrace <address|expression>",
		Short: "Decode the frame record at an address",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, v, err := c.address(args[0])
			if err != nil {
				return err
			}
			if v.Type != nil {
				return c.decoder.DecodeValue(cmd.OutOrStdout(), v)
			}
			return c.decoder.Decode(cmd.OutOrStdout(), addr)
		},
	}
	return withUsage(cmd, cobra.ExactArgs(1))
}

func (c *Commands) newList() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <address|expression>",
		Short: "Print the function and source lines of a code address",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, v, err := c.address(args[0])
			if err != nil {
				return err
			}
			if v.Type != nil {
				switch v.Type.(type) {
				case *corefile.PtrType, *corefile.NumericType:
					addr = v.ReadUint()
				default:
					return fmt.Errorf("%s is not an address", v.Type)
				}
			}
			return c.decoder.Renderer.Render(cmd.OutOrStdout(), addr)
		},
	}
	return withUsage(cmd, cobra.ExactArgs(1))
}

func (c *Commands) newPrint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "print <expression>",
		Short: "Print the value of an expression",
		Long: `Prints the type and value of an expression. A pointer into a global
variable is followed by the variable and field it points to.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := c.target.Eval(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "(%s) %s", v.Type, corefile.FormatValue(v))
			if _, ok := v.Type.(*corefile.PtrType); ok {
				if name, ok := c.target.DescribeAddr(v.ReadUint()); ok {
					fmt.Fprintf(w, " <%s>", name)
				}
			}
			fmt.Fprintln(w)
			return nil
		},
	}
	return withUsage(cmd, cobra.ExactArgs(1))
}
