package cli

import (
	"fmt"
	"io"
)

// IO carries the output streams a [Command] writes to.
type IO struct {
	out    io.Writer
	errOut io.Writer
}

// NewIO creates a new IO instance.
func NewIO(out, errOut io.Writer) *IO {
	return &IO{out: out, errOut: errOut}
}

// Println writes to stdout.
func (o *IO) Println(a ...any) { _, _ = fmt.Fprintln(o.out, a...) }

// Printf writes formatted output to stdout.
func (o *IO) Printf(format string, a ...any) { _, _ = fmt.Fprintf(o.out, format, a...) }

// ErrPrintln writes to stderr.
func (o *IO) ErrPrintln(a ...any) { _, _ = fmt.Fprintln(o.errOut, a...) }

// ErrPrintf writes formatted output to stderr.
func (o *IO) ErrPrintf(format string, a ...any) { _, _ = fmt.Fprintf(o.errOut, format, a...) }
