package fs

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by TryLock/TryRLock when the lock is held by
// another process, and by the *WithTimeout variants when the deadline
// expires before the lock is acquired.
var ErrWouldBlock = errors.New("fs: lock would block")

// errInodeMismatch is an internal sentinel: the lock file was replaced
// (renamed/recreated) between open and flock. Callers retry on a fresh fd.
var errInodeMismatch = errors.New("fs: lock file inode changed during acquire")

// Locker grants advisory, [unix.Flock]-based locks on a path.
//
// flock locks an inode, not a pathname, and the kernel releases it
// automatically when the holding process exits or dies — this is the
// "robust mutex" property the lock file's control/write locks depend on
// (see internal/lockfile.RobustMutex): no separate owner-death detection
// is required.
type Locker struct {
	fs FS
}

// NewLocker returns a [Locker] that opens lock files through fsys.
func NewLocker(fsys FS) *Locker {
	return &Locker{fs: fsys}
}

// Lock is a held advisory lock. Close releases it; Close is idempotent.
type Lock struct {
	file File
}

// Close releases the lock and closes the backing file descriptor.
func (l *Lock) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	fd := int(l.file.Fd())
	unlockErr := flockRetryEINTR(fd, unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	return errors.Join(unlockErr, closeErr)
}

type lockMode int

const (
	modeShared    lockMode = unix.LOCK_SH
	modeExclusive lockMode = unix.LOCK_EX
)

// Lock acquires a blocking exclusive lock on path, creating it if needed.
func (l *Locker) Lock(path string) (*Lock, error) {
	return l.acquireBlocking(path, modeExclusive)
}

// RLock acquires a blocking shared lock on path.
func (l *Locker) RLock(path string) (*Lock, error) {
	return l.acquireBlocking(path, modeShared)
}

// TryLock attempts to acquire an exclusive lock without blocking.
// Returns [ErrWouldBlock] if another process holds it.
func (l *Locker) TryLock(path string) (*Lock, error) {
	return l.acquirePolling(path, modeExclusive, 0)
}

// TryRLock attempts to acquire a shared lock without blocking.
func (l *Locker) TryRLock(path string) (*Lock, error) {
	return l.acquirePolling(path, modeShared, 0)
}

// LockWithTimeout attempts to acquire an exclusive lock, retrying with
// bounded exponential backoff (1ms to 25ms) until timeout elapses.
func (l *Locker) LockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	return l.acquirePolling(path, modeExclusive, timeout)
}

// RLockWithTimeout is the shared-lock counterpart of [Locker.LockWithTimeout].
func (l *Locker) RLockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	return l.acquirePolling(path, modeShared, timeout)
}

func (l *Locker) acquireBlocking(path string, mode lockMode) (*Lock, error) {
	for {
		file, err := l.open(path)
		if err != nil {
			return nil, fmt.Errorf("fs: open lock file: %w", err)
		}

		err = l.flockAndVerify(file, path, mode, false)
		if err == nil {
			return &Lock{file: file}, nil
		}

		_ = file.Close()

		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return nil, err
	}
}

func (l *Locker) acquirePolling(path string, mode lockMode, timeout time.Duration) (*Lock, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	backoff := time.Millisecond

	for {
		file, err := l.open(path)
		if err != nil {
			return nil, fmt.Errorf("fs: open lock file: %w", err)
		}

		err = l.flockAndVerify(file, path, mode, true)
		if err == nil {
			return &Lock{file: file}, nil
		}

		_ = file.Close()

		retryable := errors.Is(err, ErrWouldBlock) || errors.Is(err, errInodeMismatch)
		if !retryable {
			return nil, err
		}

		if timeout == 0 {
			return nil, ErrWouldBlock
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}

		time.Sleep(sleep)

		backoff *= 2
		if backoff > 25*time.Millisecond {
			backoff = 25 * time.Millisecond
		}
	}
}

func (l *Locker) open(path string) (File, error) {
	return l.fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
}

// flockAndVerify locks file and checks that it still refers to the inode
// currently at path. flock locks an inode, not a name; if path was replaced
// (renamed over, recreated) while we raced to open+lock it, two callers
// could each believe they hold "the lock for path" while really holding
// locks on two different inodes. On mismatch the caller retries on a fresh
// open. On any failure the lock (if taken) is released, but file is left
// open for the caller to close.
func (l *Locker) flockAndVerify(file File, path string, mode lockMode, nonBlocking bool) error {
	fd := int(file.Fd())

	flags := int(mode)
	if nonBlocking {
		flags |= unix.LOCK_NB
	}

	if err := flockRetryEINTR(fd, flags); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}

		return fmt.Errorf("fs: flock: %w", err)
	}

	match, err := l.inodeMatches(path, file)
	if err != nil {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("fs: verify lock file identity: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

func (l *Locker) inodeMatches(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	return os.SameFile(openInfo, pathInfo), nil
}

// flockRetryEINTR retries flock on EINTR (the syscall was interrupted by a
// signal before it could take effect, not a failure to acquire the lock).
func flockRetryEINTR(fd, how int) error {
	const maxEINTRRetries = 10000

	var err error

	for range maxEINTRRetries {
		err = unix.Flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
