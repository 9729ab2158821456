package alloc

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/realmcore/internal/fs"
)

// pageSize rounds growth requests up to the host's mmap granularity.
var pageSize = os.Getpagesize()

// generation is a retired mapping kept alive only because some live ring
// entry's top_ref may still point into it; it is only unmapped once the
// oldest live version has moved past retireAfter.
type generation struct {
	data        []byte
	retireAfter uint64
}

// MmapAllocator is the default [Allocator]: a single growable mmap'd
// region over an os.File, grounded on the teacher's mmap-based binary
// cache (cache_binary.go) but driven by golang.org/x/sys/unix rather than
// the unkeyed "syscall" package, and extended with generation retirement
// since unlike a read-only cache file this region is grown repeatedly
// across the database's lifetime.
type MmapAllocator struct {
	mu   sync.Mutex
	file fs.File

	current []byte
	size    int64

	retired []generation
}

// OpenMmapAllocator sets file's size to initialSize bytes (one page when
// initialSize is 0) with ftruncate and mmaps it PROT_READ|PROT_WRITE,
// MAP_SHARED.
func OpenMmapAllocator(file fs.File, initialSize int64) (*MmapAllocator, error) {
	if initialSize == 0 {
		initialSize = int64(pageSize)
	}

	if err := unix.Ftruncate(int(file.Fd()), initialSize); err != nil {
		return nil, fmt.Errorf("alloc: ftruncate: %w", err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(initialSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("alloc: mmap: %w", err)
	}

	return &MmapAllocator{file: file, current: data, size: initialSize}, nil
}

// Mapping returns the live mapping. The returned slice must not be
// retained past the next call to Grow or Close.
func (a *MmapAllocator) Mapping() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.current
}

// Grow extends the file by at least extra bytes (rounded up to a page),
// remaps it, and retires the previous mapping generation (spec.md §4.6
// step 3's "new_file_size"). The retired generation is untagged until the
// next ReclaimBefore tags it with a version.
func (a *MmapAllocator) Grow(extra int64) (newTopRef uint64, newFileSize uint64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return 0, 0, ErrClosed
	}

	growBy := roundUpPage(extra)
	newSize := a.size + growBy

	if err := unix.Ftruncate(int(a.file.Fd()), newSize); err != nil {
		return 0, 0, fmt.Errorf("alloc: ftruncate: %w", err)
	}

	newData, err := unix.Mmap(int(a.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, 0, fmt.Errorf("alloc: mmap: %w", err)
	}

	old := a.current
	a.current = newData
	a.size = newSize

	a.retired = append(a.retired, generation{data: old})

	// This adapter has no object/column model (Non-goals), so the
	// "top_ref" it publishes is simply the prior end-of-file offset: the
	// start of the newly grown region, which is where a real group-writer
	// would have begun writing the new root's arrays.
	newTopRef = uint64(a.size - growBy)
	newFileSize = uint64(newSize)

	return newTopRef, newFileSize, nil
}

// RetireBefore unmaps every retired generation tagged strictly before
// keepFrom (retireAfter < keepFrom), i.e. generations no live ring entry
// can reference anymore; a generation tagged exactly keepFrom is kept.
func (a *MmapAllocator) RetireBefore(keepFrom uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.retired[:0]

	for _, g := range a.retired {
		if g.retireAfter < keepFrom {
			_ = unix.Munmap(g.data)
			continue
		}

		kept = append(kept, g)
	}

	a.retired = kept
}

// ReclaimBefore is the free-space trim hook (SPEC_FULL.md §4.6 supplement);
// this adapter keeps no free-space list, so it only tags every retired
// generation that is still untagged with oldestVersion, which
// RetireBefore later uses to decide when that generation is safe to unmap.
func (a *MmapAllocator) ReclaimBefore(oldestVersion uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.retired {
		if a.retired[i].retireAfter == 0 {
			a.retired[i].retireAfter = oldestVersion
		}
	}

	return nil
}

// Close unmaps all mappings (current and retired) and closes the file.
func (a *MmapAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}

	var firstErr error

	if err := unix.Munmap(a.current); err != nil && firstErr == nil {
		firstErr = err
	}

	for _, g := range a.retired {
		if err := unix.Munmap(g.data); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := a.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	a.file = nil
	a.current = nil
	a.retired = nil

	return firstErr
}

func roundUpPage(n int64) int64 {
	p := int64(pageSize)
	if n <= 0 {
		return p
	}

	return (n + p - 1) / p * p
}

var _ Allocator = (*MmapAllocator)(nil)
