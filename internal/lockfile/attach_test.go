package lockfile

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestInitializeNewHeader_PublishesInitCompleteLast(t *testing.T) {
	t.Parallel()

	buf := make([]byte, HeaderFixedSize+ringEntrySize*DefaultRingCapacity)

	fields := HeaderFields{
		FileFormatVersion: 1,
		SharedInfoVersion: SharedInfoVersion,
		Durability:        Full,
	}

	shared := InitializeNewHeader(buf, DefaultRingCapacity, fields, Snapshot{Version: 0, TopRef: 0, FileSize: 0})

	if !shared.InitComplete() {
		t.Fatal("InitComplete() = false after InitializeNewHeader")
	}

	if !shared.Compatible() {
		t.Fatal("Compatible() = false on a freshly initialized header")
	}

	snap, idx, err := shared.Ring.AcquireLatest()
	if err != nil {
		t.Fatalf("AcquireLatest: %v", err)
	}

	if idx != 0 || snap.Version != 0 {
		t.Fatalf("seed snapshot = %+v at idx %d, want version 0 at idx 0", snap, idx)
	}
}

func TestShared_CompatibleFalseOnVersionMismatch(t *testing.T) {
	t.Parallel()

	buf := make([]byte, HeaderFixedSize+ringEntrySize*DefaultRingCapacity)
	fields := HeaderFields{SharedInfoVersion: SharedInfoVersion + 1}

	shared := InitializeNewHeader(buf, DefaultRingCapacity, fields, Snapshot{})

	if shared.Compatible() {
		t.Fatal("Compatible() = true despite a mismatched SharedInfoVersion")
	}
}

func TestMmapLockFile_RoundTripsThroughRealFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer func() { _ = f.Close() }()

	size := int(HeaderFixedSize)
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	buf, err := MmapLockFile(f.Fd(), size)
	if err != nil {
		t.Fatalf("MmapLockFile: %v", err)
	}

	buf[0] = 0xAB

	check, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		t.Fatalf("verify mmap: %v", err)
	}

	if check[0] != 0xAB {
		t.Fatalf("byte written through first mapping not visible in second: got %x", check[0])
	}

	_ = unix.Munmap(check)

	if err := MunmapLockFile(buf); err != nil {
		t.Fatalf("MunmapLockFile: %v", err)
	}
}
