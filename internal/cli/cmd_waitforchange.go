package cli

import (
	"context"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	realmcore "github.com/calvinalkan/realmcore"
)

// WaitForChangeCmd blocks until latest_version_number advances past the
// session's current value or the timeout elapses (spec.md §6
// "wait_for_change").
func WaitForChangeCmd(cfg Config) *Command {
	fs := flag.NewFlagSet("wait-for-change", flag.ContinueOnError)
	timeout := fs.DurationP("timeout", "t", 30*time.Second, "how long to wait before giving up")

	return &Command{
		Flags: fs,
		Usage: "wait-for-change [-t <duration>]",
		Short: "block until a commit lands (--wait-for-change)",
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

			since := db.Stats().LatestVersionNumber

			newVersion, ok := db.WaitForChange(since, *timeout)
			if !ok {
				return fmt.Errorf("wait-for-change: timed out after %s at version %d", *timeout, since)
			}

			o.Printf("new latest_version_number: %d\n", newVersion)

			return nil
		},
	}
}
