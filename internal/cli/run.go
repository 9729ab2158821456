package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
)

// Run is realmctl's main entry point, the same global-flags-then-dispatch
// shape as the teacher's own cli.Run (attic_teacher_root/internal/cli/run.go),
// generalized from ticket-directory flags to a database path/config.
func Run(_ io.Reader, out, errOut io.Writer, args []string, env map[string]string) int {
	globalFlags := flag.NewFlagSet("realmctl", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.SetOutput(&strings.Builder{})

	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagCwd := globalFlags.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagConfig := globalFlags.StringP("config", "c", "", "Use specified config `file`")
	flagPath := globalFlags.StringP("path", "p", "", "Override database path")

	if err := globalFlags.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 1
	}

	workDir := *flagCwd
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			fprintln(errOut, "error:", err)
			return 1
		}

		workDir = wd
	}

	cfg, err := LoadConfig(workDir, *flagConfig, *flagPath, env)

	commandAndArgs := globalFlags.Args()

	if *flagHelp || (len(commandAndArgs) == 0 && globalFlags.NFlag() == 0) {
		printUsage(out, allCommands(cfg))
		return 0
	}

	if err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 1
	}

	commands := allCommands(cfg)

	commandMap := make(map[string]*Command, len(commands))
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
	}

	if len(commandAndArgs) == 0 {
		fprintln(errOut, "error: no command provided")
		printUsage(errOut, commands)

		return 1
	}

	cmdName := commandAndArgs[0]

	cmd, ok := commandMap[cmdName]
	if !ok {
		fprintln(errOut, "error: unknown command:", cmdName)
		printUsage(errOut, commands)

		return 1
	}

	cmdIO := NewIO(out, errOut)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)

	go func() { done <- cmd.Run(ctx, cmdIO, commandAndArgs[1:]) }()

	select {
	case exitCode := <-done:
		return exitCode
	case <-sigCh:
		fprintln(errOut, "shutting down...")
		cancel()
	}

	select {
	case <-done:
		return 130
	case <-time.After(5 * time.Second):
		fprintln(errOut, "graceful shutdown timed out, forced exit (130)")
		return 130
	}
}

func allCommands(cfg Config) []*Command {
	return []*Command{
		StatCmd(cfg),
		WriteCopyCmd(cfg),
		CompactCmd(cfg),
		WaitForChangeCmd(cfg),
		ShellCmd(cfg),
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

const globalOptionsHelp = `  -h, --help             Show help
  -C, --cwd <dir>        Run as if started in <dir>
  -c, --config <file>    Use specified config file
  -p, --path <path>      Override database path`

func printGlobalOptions(w io.Writer) {
	fprintln(w, "Usage: realmctl [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Global flags:")
	fprintln(w, globalOptionsHelp)
	fprintln(w)
	fprintln(w, "Run 'realmctl --help' for a list of commands.")
}

func printUsage(w io.Writer, commands []*Command) {
	fprintln(w, "realmctl - realmcore session inspection and maintenance tool")
	fprintln(w)
	fprintln(w, "Usage: realmctl [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Flags:")
	fprintln(w, globalOptionsHelp)
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}
}
