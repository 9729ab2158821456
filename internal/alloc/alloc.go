// Package alloc is the thin mmap-lifecycle adapter spec.md component 4
// ("Allocator interface") names as an external collaborator: file growth,
// mapping (re)creation, and per-version mapping retirement. It does not
// implement an object/column data model or a real free-space allocator —
// those are out of scope (spec.md Non-goals) — only the narrow surface the
// commit pipeline (spec.md §4.6) and ring buffer (§4.2 expansion) need.
package alloc

import "errors"

// ErrClosed is returned by any operation on an Allocator after Close.
var ErrClosed = errors.New("alloc: allocator closed")

// Allocator is the narrow collaborator interface the commit pipeline
// (spec.md §4.6 steps 2-3) and ring expansion (§4.2) drive:
//
//   - Grow extends and remaps the backing file and returns the new
//     top-ref/file-size the commit publishes into the ring.
//   - RetireBefore lets a per-version mapping be unmapped once no live
//     ring entry can reference it anymore.
//   - ReclaimBefore is the free-space trim hook spec.md §4.6 step 2 calls
//     after determining the oldest live version (see SPEC_FULL.md §4.6
//     supplement — original_source's do_objects_free_space_cleanup).
type Allocator interface {
	// Mapping returns the current mmap'd view of the data file.
	Mapping() []byte

	// Grow extends the file by at least extra bytes, remaps it, and
	// returns the new top-ref (offset of the newly written root; in
	// MmapAllocator simply the pre-growth end-of-file offset, since that
	// adapter carries no object model) and new file size.
	Grow(extra int64) (newTopRef uint64, newFileSize uint64, err error)

	// RetireBefore releases any mapping generation that only versions
	// older than keepFrom could have referenced.
	RetireBefore(keepFrom uint64)

	// ReclaimBefore is called once per commit with the oldest live
	// version, after ring cleanup, so the allocator can trim whatever
	// free-space bookkeeping it maintains. MmapAllocator has no free-space
	// list of its own (Non-goals exclude the allocator's slab logic); it
	// uses this call to tag retired mapping generations with
	// oldestVersion for RetireBefore. Callers must invoke it at the
	// pipeline's contracted point.
	ReclaimBefore(oldestVersion uint64) error

	// Close unmaps and closes the backing file.
	Close() error
}
