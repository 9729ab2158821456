package lockfile

import (
	"sync"
	"time"

	"github.com/calvinalkan/realmcore/internal/fs"
)

// RobustMutex resolves spec.md §9's process-shared-primitive Open Question:
// Go has no portable cross-process pthread mutex, so the control mutex and
// write mutex are each backed by an advisory [fs.Locker] exclusive lock on
// a file of their own (the path given to [NewRobustMutex]), which the
// kernel releases automatically if the holding
// process dies (the "robust" property spec.md §4.1 asks for — no separate
// owner-death detection is required). Intra-process callers additionally
// serialize through a [sync.Mutex], since flock is per-process: two
// goroutines in the same process both asking for the same fd-level lock
// would both "succeed" under POSIX flock semantics.
type RobustMutex struct {
	locker *fs.Locker
	path   string

	procMu sync.Mutex
	held   *fs.Lock
}

// NewRobustMutex returns a RobustMutex guarding path via locker.
func NewRobustMutex(locker *fs.Locker, path string) *RobustMutex {
	return &RobustMutex{locker: locker, path: path}
}

// Lock blocks until the mutex is acquired.
func (m *RobustMutex) Lock() error {
	m.procMu.Lock()

	l, err := m.locker.Lock(m.path)
	if err != nil {
		m.procMu.Unlock()
		return err
	}

	m.held = l

	return nil
}

// TryLock attempts to acquire the mutex without blocking.
func (m *RobustMutex) TryLock() (bool, error) {
	if !m.procMu.TryLock() {
		return false, nil
	}

	l, err := m.locker.TryLock(m.path)
	if err != nil {
		m.procMu.Unlock()

		if err == fs.ErrWouldBlock {
			return false, nil
		}

		return false, err
	}

	m.held = l

	return true, nil
}

// LockWithTimeout attempts to acquire the mutex, giving up after timeout.
func (m *RobustMutex) LockWithTimeout(timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		ok, err := m.TryLock()
		if err != nil || ok {
			return ok, err
		}

		if time.Now().After(deadline) {
			return false, nil
		}

		time.Sleep(time.Millisecond)
	}
}

// Unlock releases the mutex. Unlock on a mutex that is not held is a no-op.
func (m *RobustMutex) Unlock() {
	if m.held == nil {
		return
	}

	_ = m.held.Close()
	m.held = nil

	m.procMu.Unlock()
}

// IsThreadConfined reports whether the underlying lock must be released by
// the same OS thread that acquired it. flock(2) has no such restriction —
// unlike a pthread_mutex with PTHREAD_PROCESS_SHARED, any thread in the
// owning process may release it — so this is always false for the flock
// backend (spec.md §4.7 names this capability bit to decide whether the
// async commit helper may hand off the write mutex across goroutines; see
// SPEC_FULL.md §4.7).
func (m *RobustMutex) IsThreadConfined() bool { return false }
