// Command realmctl inspects and maintains realmcore sessions: session
// counters, durable copies, compaction, and an interactive shell, grounded
// on the teacher's own tk CLI (_examples/calvinalkan-agent-task/cmd/tk/main.go).
package main

import (
	"os"
	"strings"

	"github.com/calvinalkan/realmcore/internal/cli"
)

func main() {
	environ := os.Environ()
	env := make(map[string]string, len(environ))

	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	os.Exit(cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env))
}
