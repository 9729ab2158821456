package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/peterh/liner"

	realmcore "github.com/calvinalkan/realmcore"
)

// ShellCmd opens an interactive REPL over a session, the same
// readline-with-history shape as the teacher's sloty REPL
// (attic_teacher_root/cmd/sloty/main.go), generalized from slotcache
// put/get/scan to realmcore's transaction lifecycle: begin-read,
// begin-write, commit, rollback, stat.
func ShellCmd(cfg Config) *Command {
	fs := flag.NewFlagSet("shell", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "shell",
		Short: "interactive session shell",
		Long: "Open an interactive shell with begin-read/begin-write/commit/" +
			"rollback/stat commands against one open session.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			opts, err := cfg.Options()
			if err != nil {
				return err
			}

			db, err := realmcore.Open(cfg.Path, opts)
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer func() { _ = db.Close() }()

			return runShell(o, db)
		},
	}
}

type shell struct {
	o    *IO
	db   *realmcore.Database
	tx   *realmcore.Transaction // non-nil while a transaction is open
	line *liner.State
}

func shellHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".realmctl_history")
}

func runShell(o *IO, db *realmcore.Database) error {
	s := &shell{o: o, db: db, line: liner.NewLiner()}
	defer s.line.Close()

	s.line.SetCtrlCAborts(true)
	s.line.SetCompleter(s.completer)

	if f, err := os.Open(shellHistoryFile()); err == nil {
		_, _ = s.line.ReadHistory(f)
		_ = f.Close()
	}

	o.Println("realmctl shell — type 'help' for commands, 'exit' to quit.")

	defer s.saveHistory()

	for {
		prompt := "realmctl> "
		if s.tx != nil {
			prompt = fmt.Sprintf("realmctl(%s@%d)> ", s.tx.Stage(), s.tx.Version())
		}

		input, err := s.line.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				o.Println()
				return s.closeOpenTx()
			}

			return fmt.Errorf("shell: read input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		s.line.AppendHistory(input)

		fields := strings.Fields(input)
		cmd, args := fields[0], fields[1:]

		if cmd == "exit" || cmd == "quit" {
			return s.closeOpenTx()
		}

		s.dispatch(cmd, args)
	}
}

func (s *shell) saveHistory() {
	path := shellHistoryFile()
	if path == "" {
		return
	}

	if f, err := os.Create(path); err == nil { //nolint:gosec // fixed, caller-owned path
		_, _ = s.line.WriteHistory(f)
		_ = f.Close()
	}
}

func (s *shell) closeOpenTx() error {
	if s.tx == nil {
		return nil
	}

	err := s.tx.Close()
	s.tx = nil

	return err
}

func (s *shell) completer(line string) []string {
	commands := []string{
		"begin-read", "begin-write", "commit", "rollback",
		"stat", "version", "help", "exit", "quit",
	}

	var out []string

	for _, c := range commands {
		if strings.HasPrefix(c, strings.ToLower(line)) {
			out = append(out, c)
		}
	}

	return out
}

func (s *shell) dispatch(cmd string, args []string) {
	switch cmd {
	case "help", "?":
		s.printHelp()
	case "begin-read":
		s.cmdBeginRead()
	case "begin-write":
		s.cmdBeginWrite()
	case "commit":
		s.cmdCommit()
	case "rollback":
		s.cmdRollback()
	case "version":
		s.cmdVersion()
	case "stat":
		s.cmdStat()
	default:
		s.o.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
	}

	_ = args // no subcommand currently takes arguments
}

func (s *shell) printHelp() {
	s.o.Println("Commands:")
	s.o.Println("  begin-read     Start a read transaction pinned to the latest snapshot")
	s.o.Println("  begin-write    Start a write transaction (blocks on the FIFO scheduler)")
	s.o.Println("  commit         Commit the open write transaction")
	s.o.Println("  rollback       Roll back the open write transaction")
	s.o.Println("  version        Print the open transaction's pinned version")
	s.o.Println("  stat           Print session counters")
	s.o.Println("  exit / quit    Leave the shell")
}

func (s *shell) cmdBeginRead() {
	if s.tx != nil {
		s.o.Println("error: a transaction is already open, commit/rollback it first")
		return
	}

	tx, err := s.db.BeginRead()
	if err != nil {
		s.o.Printf("error: %v\n", err)
		return
	}

	s.tx = tx
	s.o.Printf("reading at version %d\n", tx.Version())
}

func (s *shell) cmdBeginWrite() {
	if s.tx != nil {
		s.o.Println("error: a transaction is already open, commit/rollback it first")
		return
	}

	tx, err := s.db.BeginWrite()
	if err != nil {
		s.o.Printf("error: %v\n", err)
		return
	}

	s.tx = tx
	s.o.Println("write lock acquired")
}

func (s *shell) cmdCommit() {
	if s.tx == nil || s.tx.Stage() != "Writing" {
		s.o.Println("error: no open write transaction")
		return
	}

	if err := s.tx.Commit(); err != nil {
		s.o.Printf("error: %v\n", err)
		return
	}

	s.o.Printf("committed at version %d\n", s.tx.Version())
	s.tx = nil
}

func (s *shell) cmdRollback() {
	if s.tx == nil || s.tx.Stage() != "Writing" {
		s.o.Println("error: no open write transaction")
		return
	}

	if err := s.tx.Rollback(); err != nil {
		s.o.Printf("error: %v\n", err)
		return
	}

	s.o.Println("rolled back")
	s.tx = nil
}

func (s *shell) cmdVersion() {
	if s.tx == nil {
		s.o.Println("error: no open transaction")
		return
	}

	s.o.Println(strconv.FormatUint(s.tx.Version(), 10))
}

func (s *shell) cmdStat() {
	stats := s.db.Stats()
	s.o.Printf("num_participants:      %d\n", stats.NumParticipants)
	s.o.Printf("latest_version_number: %d\n", stats.LatestVersionNumber)
	s.o.Printf("number_of_versions:    %d\n", stats.NumberOfVersions)
}
