package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	realmcore "github.com/calvinalkan/realmcore"
)

// StatCmd prints the session counters spec.md §6 exposes programmatically
// (num_participants, latest_version_number, number_of_versions), without
// holding the session open past the read (SPEC_FULL.md's ProbeOnly
// addition, so a monitoring tool never shows up as a phantom participant).
func StatCmd(cfg Config) *Command {
	fs := flag.NewFlagSet("stat", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "stat",
		Short: "print session counters (--stat)",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			opts, err := cfg.Options()
			if err != nil {
				return err
			}

			opts.ProbeOnly = true
			opts.NoCreate = true

			db, err := realmcore.Open(cfg.Path, opts)
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer func() { _ = db.Close() }()

			stats := db.Stats()

			o.Printf("path:                  %s\n", cfg.Path)
			o.Printf("num_participants:      %d\n", stats.NumParticipants)
			o.Printf("latest_version_number: %d\n", stats.LatestVersionNumber)
			o.Printf("number_of_versions:    %d\n", stats.NumberOfVersions)

			return nil
		},
	}
}
