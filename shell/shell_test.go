package shell

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func newEcho() *cobra.Command {
	var upper bool
	cmd := &cobra.Command{
		Use:   "echo [words]",
		Short: "Print arguments",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := strings.Join(args, "|")
			if upper {
				s = strings.ToUpper(s)
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&upper, "upper", "u", false, "print in upper case")
	return cmd
}

func newShell(t *testing.T) (*Shell, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	s := New(&out, &errOut)
	require.NoError(t, s.Register("echo", newEcho))
	require.NoError(t, s.Register("boom", func() *cobra.Command {
		return &cobra.Command{
			Use: "boom",
			Run: func(*cobra.Command, []string) { panic("kaboom") },
		}
	}))
	return s, &out, &errOut
}

func TestRegister(t *testing.T) {
	s, _, _ := newShell(t)
	require.Equal(t, []string{"boom", "echo"}, s.Names())

	for _, name := range []string{"echo", "help", "exit"} {
		err := s.Register(name, newEcho)
		require.ErrorIs(t, err, ErrDuplicate, name)
	}
	require.Error(t, s.Register("other", newEcho))
	require.Equal(t, []string{"boom", "echo"}, s.Names())
}

func TestExec(t *testing.T) {
	s, out, _ := newShell(t)
	tests := []struct {
		line string
		want string
	}{
		{`echo a b`, "a|b\n"},
		{`echo "a b" 'c d'`, "a b|c d\n"},
		{`echo -u x`, "X\n"},
		// Flags are reset between invocations.
		{`echo y`, "y\n"},
		{``, ""},
		{`   `, ""},
	}
	for _, test := range tests {
		out.Reset()
		require.NoError(t, s.Exec(test.line), test.line)
		require.Equal(t, test.want, out.String(), test.line)
	}
}

func TestExecErrors(t *testing.T) {
	s, _, _ := newShell(t)
	require.ErrorIs(t, s.Exec("nosuch arg"), ErrUnknownCommand)
	require.ErrorIs(t, s.Exec("exit"), ErrExit)
	require.ErrorIs(t, s.Exec("quit"), ErrExit)
	require.Error(t, s.Exec(`echo "unterminated`))
	require.Error(t, s.Exec("echo --nosuchflag"))

	err := s.Exec("boom")
	require.Error(t, err)
	require.Contains(t, err.Error(), "kaboom")
}

func TestHelp(t *testing.T) {
	s, out, _ := newShell(t)
	require.NoError(t, s.Exec("help"))
	require.Contains(t, out.String(), "echo")
	require.Contains(t, out.String(), "exit")

	out.Reset()
	require.NoError(t, s.Exec("help echo"))
	require.Contains(t, out.String(), "Print arguments")
	require.Contains(t, out.String(), "--upper")
}

type fakeReader struct {
	lines []string
	errs  []error
}

func (r *fakeReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line, err := r.lines[0], r.errs[0]
	r.lines, r.errs = r.lines[1:], r.errs[1:]
	return line, err
}

func TestLoop(t *testing.T) {
	s, out, errOut := newShell(t)
	r := &fakeReader{
		lines: []string{"echo 1", "", "nosuch", "echo 2", "exit", "echo 3"},
		errs:  []error{nil, readline.ErrInterrupt, nil, nil, nil, nil},
	}
	require.NoError(t, s.loop(r))
	require.Equal(t, "1\n2\n", out.String())
	require.Contains(t, errOut.String(), "Error: \"nosuch\": unknown command")

	// EOF ends the loop, other read errors are returned.
	require.NoError(t, s.loop(&fakeReader{}))
	boom := errors.New("boom")
	require.ErrorIs(t, s.loop(&fakeReader{lines: []string{""}, errs: []error{boom}}), boom)
}

func TestCompleter(t *testing.T) {
	s, _, _ := newShell(t)
	var names []string
	for _, c := range s.completer().GetChildren() {
		names = append(names, strings.TrimSpace(string(c.GetName())))
	}
	require.ElementsMatch(t, []string{"boom", "echo", "exit", "help"}, names)
}
