package lockfile

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapLockFile maps the lock file read-write, shared between processes
// (spec.md §4.1 "maps it writable"). size must already cover at least
// HeaderFixedSize+ringCapacity*entry bytes; callers truncate first.
func MmapLockFile(fd uintptr, size int) ([]byte, error) {
	buf, err := unix.Mmap(int(fd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("lockfile: mmap: %w", err)
	}

	return buf, nil
}

// MunmapLockFile releases a mapping obtained from [MmapLockFile].
func MunmapLockFile(buf []byte) error {
	if buf == nil {
		return nil
	}

	return unix.Munmap(buf)
}

// InitializeNewHeader constructs a fresh header over buf (which must be
// freshly zeroed — the initializer truncates the file to zero first, per
// spec.md §4.1) and seeds the ring's first entry, finishing by storing
// init_complete = 1 with release semantics — the sole publication signal
// for the whole header (spec.md §9).
func InitializeNewHeader(buf []byte, ringCapacity uint32, fields HeaderFields, seed Snapshot) *Shared {
	fields.encodeInto(buf)

	shared := NewShared(buf, ringCapacity)
	shared.Ring.SeedFirst(seed)
	shared.SetInitCompleteRelease()

	return shared
}
