package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	realmcore "github.com/calvinalkan/realmcore"
)

// WriteCopyCmd durably copies the current data file to a destination path
// (spec.md §6 "write_copy").
func WriteCopyCmd(cfg Config) *Command {
	fs := flag.NewFlagSet("write-copy", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "write-copy <dst>",
		Short: "durably write a copy of the data file (--write-copy)",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) < 1 {
				return errors.New("write-copy: missing destination path")
			}

			opts, err := cfg.Options()
			if err != nil {
				return err
			}

			db, err := realmcore.Open(cfg.Path, opts)
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer func() { _ = db.Close() }()

			if err := db.WriteCopy(args[0]); err != nil {
				return fmt.Errorf("write-copy: %w", err)
			}

			o.Printf("wrote copy to %s\n", args[0])

			return nil
		},
	}
}

// CompactCmd rewrites the data file in place via an atomic rename
// (spec.md §6 "compact").
func CompactCmd(cfg Config) *Command {
	fs := flag.NewFlagSet("compact", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "compact",
		Short: "rewrite the data file to reclaim space (--compact)",
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

			if err := db.Compact(); err != nil {
				return fmt.Errorf("compact: %w", err)
			}

			o.Println("compact complete")

			return nil
		},
	}
}
