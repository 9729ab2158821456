package fs

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLocker_ExclusiveExcludesExclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.lock")
	locker := NewLocker(NewReal())

	held, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer func() { _ = held.Close() }()

	_, err = locker.TryLock(path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("second TryLock: want ErrWouldBlock, got %v", err)
	}
}

func TestLocker_SharedAllowsSharedExcludesExclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.lock")
	locker := NewLocker(NewReal())

	a, err := locker.TryRLock(path)
	if err != nil {
		t.Fatalf("first TryRLock: %v", err)
	}
	defer func() { _ = a.Close() }()

	b, err := locker.TryRLock(path)
	if err != nil {
		t.Fatalf("second TryRLock: %v", err)
	}
	defer func() { _ = b.Close() }()

	if _, err := locker.TryLock(path); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLock while shared held: want ErrWouldBlock, got %v", err)
	}
}

func TestLocker_CloseReleasesLock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.lock")
	locker := NewLocker(NewReal())

	held, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	if err := held.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	again, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	defer func() { _ = again.Close() }()
}

func TestLocker_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.lock")
	locker := NewLocker(NewReal())

	held, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	if err := held.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	if err := held.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLocker_LockWithTimeoutExpires(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.lock")
	locker := NewLocker(NewReal())

	held, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer func() { _ = held.Close() }()

	start := time.Now()

	_, err = locker.LockWithTimeout(path, 30*time.Millisecond)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("LockWithTimeout: want ErrWouldBlock, got %v", err)
	}

	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("LockWithTimeout returned too early: %s", elapsed)
	}
}

func TestLocker_LockWithTimeoutSucceedsOnceReleased(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.lock")
	locker := NewLocker(NewReal())

	held, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = held.Close()
	}()

	waited, err := locker.LockWithTimeout(path, time.Second)
	if err != nil {
		t.Fatalf("LockWithTimeout: %v", err)
	}
	defer func() { _ = waited.Close() }()
}
