package fs

import (
	"os"
	"sync/atomic"
)

// Chaos wraps an [FS] and can be armed to fail every write-capable
// OpenFile after the Nth one with [ErrInjectedFault], simulating a crash
// mid-write. It is deliberately much narrower than a general-purpose fault
// injector: "stop all further writes after the Nth one" is the only fault
// it offers.
type Chaos struct {
	FS

	// writesBeforeFailure counts down on every OpenFile/Create-style write
	// intent; when it hits zero, subsequent writes fail with ErrInjectedFault.
	writesBeforeFailure atomic.Int64
	armed               atomic.Bool
}

// ErrInjectedFault is returned by a [Chaos] filesystem once its write
// budget is exhausted.
var ErrInjectedFault = os.ErrClosed //nolint:errname // deliberately aliasing a stdlib sentinel for errors.Is ergonomics in tests

// NewChaos wraps fsys, initially passing every call through unmodified.
func NewChaos(fsys FS) *Chaos {
	return &Chaos{FS: fsys}
}

// FailAfterWrites arms the fault: the n-th write-capable call after this
// returns succeeds, and every one after that fails with [ErrInjectedFault].
func (c *Chaos) FailAfterWrites(n int64) {
	c.writesBeforeFailure.Store(n)
	c.armed.Store(true)
}

// Disarm stops fault injection.
func (c *Chaos) Disarm() {
	c.armed.Store(false)
}

func (c *Chaos) consumeBudget() error {
	if !c.armed.Load() {
		return nil
	}

	remaining := c.writesBeforeFailure.Add(-1)
	if remaining < 0 {
		return ErrInjectedFault
	}

	return nil
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		if err := c.consumeBudget(); err != nil {
			return nil, err
		}
	}

	return c.FS.OpenFile(path, flag, perm)
}

var _ FS = (*Chaos)(nil)
