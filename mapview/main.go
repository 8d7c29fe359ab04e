// Mapview finds keys in libc++ std::map containers of a C++ core file or
// live process and decodes the call stacks they map to.
//
//	mapview [flags] corefile [command [args...]]
//	mapview --pid PID [flags] [command [args...]]
//
// With no command, mapview starts an interactive shell.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tombergan/coremap/backtrace"
	"github.com/tombergan/coremap/corefile"
	"github.com/tombergan/coremap/findkey"
	"github.com/tombergan/coremap/shell"
)

type config struct {
	exePath    string
	pid        int
	debugLevel int
	context    int
	recordType string
	sourceDir  string
	history    string
}

// target is the program a session inspects.
type target interface {
	findkey.Target
	Close() error
}

// openTarget opens the core file or attaches to cfg.pid.
var openTarget = func(cfg *config, corePath string) (target, error) {
	opts := &corefile.OpenProgramOptions{ExecutablePath: cfg.exePath}
	if cfg.pid != 0 {
		return corefile.OpenProcess(cfg.pid, opts)
	}
	p, err := corefile.OpenProgram(corePath, opts)
	if errors.Is(err, os.ErrNotExist) && cfg.exePath == "" {
		return nil, fmt.Errorf("%w; consider specifying the --exe flag", err)
	}
	return p, err
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cfg := &config{}
	restoreLogger := func() {}
	root := &cobra.Command{
		Use:   "mapview [flags] (corefile | --pid PID) [command [args...]]",
		Short: "Find keys in libc++ std::map containers of a C++ core file or process",
		Example: `  mapview core.1234 findkey -c g_allocs -k 0x7f3a2c001000
  mapview --pid 1234 --exe ./server
  mapview --context 3 --source-dir ~/src core.1234`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			l, err := newLogger(cfg.debugLevel)
			if err != nil {
				return err
			}
			restoreLogger = installLogger(l, cfg.debugLevel)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			defer restoreLogger()
			return run(cmd, cfg, args)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.CompletionOptions.DisableDefaultCmd = true
	// Flags after the core file belong to the command being run.
	root.Flags().SetInterspersed(false)

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.exePath, "exe", "", "main executable file (default: from the core file or /proc/PID/exe)")
	flags.IntVar(&cfg.pid, "pid", 0, "attach to this live process instead of reading a core file")
	flags.IntVar(&cfg.debugLevel, "debuglevel", 0, "debug verbosity level")
	flags.IntVar(&cfg.context, "context", 0, "source lines printed around each frame (-1 for none)")
	flags.StringVar(&cfg.recordType, "record-type", backtrace.DefaultRecordType, "type of the frame records stored in maps")
	flags.StringVar(&cfg.sourceDir, "source-dir", "", "directory searched for source files")
	flags.StringVar(&cfg.history, "history", "", "interactive shell history file")
	return root
}

func run(cmd *cobra.Command, cfg *config, args []string) error {
	var corePath string
	if cfg.pid == 0 {
		if len(args) == 0 {
			return cmd.Usage()
		}
		corePath, args = args[0], args[1:]
	}

	t, err := openTarget(cfg, corePath)
	if err != nil {
		return err
	}
	defer t.Close()

	sh := shell.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
	sh.HistoryFile = cfg.history
	cmds := findkey.New(t, findkey.Options{
		RecordType: cfg.recordType,
		Context:    cfg.context,
		SourceDir:  cfg.sourceDir,
	})
	if err := cmds.Register(sh); err != nil {
		return err
	}

	if len(args) > 0 {
		err := sh.ExecArgs(args)
		if errors.Is(err, shell.ErrExit) {
			return nil
		}
		return err
	}

	w := cmd.OutOrStdout()
	if cfg.pid != 0 {
		fmt.Fprintf(w, "Attached to process %d\n", cfg.pid)
	} else {
		fmt.Fprintf(w, "Loaded core %q\n", corePath)
	}
	fmt.Fprintf(w, "Entering interactive mode (type 'help' for commands)\n")
	return sh.Run()
}

func newLogger(debugLevel int) (*zap.SugaredLogger, error) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	if debugLevel <= 0 {
		c.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	l, err := c.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// installLogger makes log the global zap logger and the sink of corefile
// debug messages. The returned func flushes log and restores the previous
// global logger.
func installLogger(log *zap.SugaredLogger, debugLevel int) func() {
	undo := zap.ReplaceGlobals(log.Desugar())
	prevDebugLogf := corefile.DebugLogf
	installDebugLog(log, debugLevel)
	return func() {
		log.Sync()
		corefile.DebugLogf = prevDebugLogf
		undo()
	}
}

// installDebugLog routes corefile debug messages up to debugLevel to log.
func installDebugLog(log *zap.SugaredLogger, debugLevel int) {
	if debugLevel <= 0 {
		corefile.DebugLogf = nil
		return
	}
	corefile.DebugLogf = func(verbosityLevel int, format string, args ...interface{}) {
		if verbosityLevel <= debugLevel {
			log.Debugw(fmt.Sprintf(format, args...), "v", verbosityLevel)
		}
	}
}

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mapview: %v\n", err)
		if errors.Is(err, findkey.ErrUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
