// Package shell runs registered cobra commands from single command lines
// or an interactive readline session.
//
// Commands are registered as constructors. Every invocation builds a fresh
// command tree, so flag values never carry over from one line to the next.
package shell

import (
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sort"

	"github.com/chzyer/readline"
	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/tombergan/coremap/corefile"
)

var (
	// ErrDuplicate is returned by Register for names already in use.
	ErrDuplicate = errors.New("command already registered")

	// ErrUnknownCommand is returned by Exec for lines naming no registered command.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrExit is returned by Exec for the exit command.
	ErrExit = errors.New("exit")
)

// Registry accepts command constructors. newCmd must return a new command
// named name each time it is called.
type Registry interface {
	Register(name string, newCmd func() *cobra.Command) error
}

// Shell dispatches command lines to registered commands.
type Shell struct {
	Prompt      string
	HistoryFile string // readline history, or "" for none
	Out         io.Writer
	Err         io.Writer

	cmds map[string]func() *cobra.Command
}

var _ Registry = (*Shell)(nil)

// New returns a shell that writes command output to out and errors to errOut.
func New(out, errOut io.Writer) *Shell {
	return &Shell{
		Prompt: "(coremap) ",
		Out:    out,
		Err:    errOut,
		cmds:   make(map[string]func() *cobra.Command),
	}
}

// Register adds a command. Fails if the name is taken, including by the
// built-in help and exit commands, or if newCmd builds a command with a
// different name.
func (s *Shell) Register(name string, newCmd func() *cobra.Command) error {
	if _, ok := s.cmds[name]; ok || name == "help" || name == "exit" {
		return fmt.Errorf("%q: %w", name, ErrDuplicate)
	}
	if got := newCmd().Name(); got != name {
		return fmt.Errorf("command registered as %q is named %q", name, got)
	}
	s.cmds[name] = newCmd
	return nil
}

// Names returns the registered command names in sorted order.
func (s *Shell) Names() []string {
	names := make([]string, 0, len(s.cmds))
	for name := range s.cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// root builds a fresh command tree.
func (s *Shell) root() *cobra.Command {
	root := &cobra.Command{
		Use:           "",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(s.Out)
	root.SetErr(s.Err)
	for _, name := range s.Names() {
		root.AddCommand(s.cmds[name]())
	}
	root.AddCommand(&cobra.Command{
		Use:     "exit",
		Aliases: []string{"quit"},
		Short:   "Exit from interactive mode",
		Args:    cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return ErrExit
		},
	})
	return root
}

// Exec runs one command line. Words are split with shell quoting rules.
// An empty line does nothing.
func (s *Shell) Exec(line string) error {
	args, err := shellwords.Parse(line)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", line, err)
	}
	return s.ExecArgs(args)
}

// ExecArgs runs the command named by args[0]. A panicking command is
// reported as an error.
func (s *Shell) ExecArgs(args []string) error {
	if len(args) == 0 {
		return nil
	}
	root := s.root()
	switch args[0] {
	case "help", "-h", "--help":
	default:
		if c, _, err := root.Find(args); err != nil || c == root {
			return fmt.Errorf("%q: %w", args[0], ErrUnknownCommand)
		}
	}
	corefile.Logf(2, "shell: exec %q", args)
	root.SetArgs(args)
	return capturePanic(root.Execute)
}

func capturePanic(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v\nStack: %s", r, debug.Stack())
		}
	}()
	return fn()
}

// Run reads and executes lines until EOF or the exit command.
func (s *Shell) Run() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       s.Prompt,
		HistoryFile:  s.HistoryFile,
		AutoComplete: s.completer(),
		EOFPrompt:    "\n",
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	return s.loop(rl)
}

type lineReader interface {
	Readline() (string, error)
}

func (s *Shell) loop(r lineReader) error {
	for {
		line, err := r.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		err = s.Exec(line)
		if errors.Is(err, ErrExit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(s.Err, "Error: %v\n", err)
		}
	}
}

func (s *Shell) completer() *readline.PrefixCompleter {
	completer := readline.NewPrefixCompleter()
	for _, c := range s.root().Commands() {
		cmdToCompleter(completer, c)
	}
	help := readline.PcItem("help")
	for _, name := range s.Names() {
		help.SetChildren(append(help.GetChildren(), readline.PcItem(name)))
	}
	completer.SetChildren(append(completer.GetChildren(), help))
	return completer
}

func cmdToCompleter(parent readline.PrefixCompleterInterface, c *cobra.Command) {
	completer := readline.PcItem(c.Name())
	parent.SetChildren(append(parent.GetChildren(), completer))
	for _, child := range c.Commands() {
		cmdToCompleter(completer, child)
	}
}
