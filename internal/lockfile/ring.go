package lockfile

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// ringEntrySize is the on-disk size of one RingEntry (spec.md §3):
// version(8) + fileSize(8) + topRef(8) + count(4, atomic) + next(4) = 32 bytes.
const ringEntrySize = 32

// freeSentinel is the count value new/reclaimed slots carry: free bit set,
// refcount zero (spec.md §3 "count is equal to the sentinel free value").
const freeSentinel = 1

// DefaultRingCapacity is the number of entries a freshly initialized ring
// buffer holds before its first expansion (spec.md §4.2 Expansion uses 32
// as the batch size; we use the same figure as the starting capacity).
const DefaultRingCapacity = 32

// RingGrowthBatch is the number of additional entries Expansion
// (spec.md §4.2) allocates each time the ring is found full.
const RingGrowthBatch = 32

// LockFileSize returns the total lock file size needed to back a ring of
// the given capacity: the fixed header prefix plus one entry per slot.
func LockFileSize(ringCapacity uint32) int64 {
	return int64(HeaderFixedSize) + int64(ringCapacity)*ringEntrySize
}

// Snapshot is the {version, top_ref, file_size} triple a reader observes
// when it acquires a ring entry (spec.md §3 "Local read-lock record").
type Snapshot struct {
	Version  uint64
	TopRef   uint64
	FileSize uint64
}

// ErrBadVersion is returned by AcquireVersion when the requested version
// has already been reclaimed (spec.md §4.2, §7).
var ErrBadVersion = errorBadVersion{}

type errorBadVersion struct{}

func (errorBadVersion) Error() string { return "lockfile: version no longer available" }

// ringState is the buffer/capacity/position-pointer triple a Grow call
// swaps in atomically (spec.md §4.2 "Expansion"). Every Ring method loads
// one consistent snapshot of this at the start of its operation instead of
// reading r.buf/r.capacity as separate fields, so a concurrent Grow can
// never be observed half-applied.
type ringState struct {
	buf      []byte
	capacity uint32

	oldPos *uint32
	putPos *uint32
}

// Ring is the lock-free circular list of live snapshot entries described in
// spec.md §4.2. It is a view over a byte slice — typically the tail of an
// mmap'd lock file — so all atomic operations on entry fields are visible
// across processes sharing that mapping.
//
// A Ring does not own its backing memory: Grow installs a new, larger
// mapping in place via an atomic.Pointer swap, so callers already holding
// a reader's index from before a Grow keep working against the (still
// valid, never unmapped mid-flight) old mapping for the remainder of their
// current call.
type Ring struct {
	state atomic.Pointer[ringState]
}

// NewRing wraps buf (which must be at least capacity*ringEntrySize bytes)
// together with the old_pos/put_pos atomics, which live just before it in
// the shared header.
func NewRing(buf []byte, capacity uint32, oldPos, putPos *uint32) *Ring {
	r := &Ring{}
	r.state.Store(&ringState{buf: buf, capacity: capacity, oldPos: oldPos, putPos: putPos})

	return r
}

// Capacity returns the number of entry slots currently backing the ring.
func (r *Ring) Capacity() uint32 { return r.state.Load().capacity }

func entryOffset(idx uint32) int { return int(idx) * ringEntrySize }

func versionAt(st *ringState, idx uint32) uint64 {
	return binary.LittleEndian.Uint64(st.buf[entryOffset(idx):])
}

func setVersionAt(st *ringState, idx uint32, v uint64) {
	binary.LittleEndian.PutUint64(st.buf[entryOffset(idx):], v)
}

func fileSizeAt(st *ringState, idx uint32) uint64 {
	return binary.LittleEndian.Uint64(st.buf[entryOffset(idx)+8:])
}

func setFileSizeAt(st *ringState, idx uint32, v uint64) {
	binary.LittleEndian.PutUint64(st.buf[entryOffset(idx)+8:], v)
}

func topRefAt(st *ringState, idx uint32) uint64 {
	return binary.LittleEndian.Uint64(st.buf[entryOffset(idx)+16:])
}

func setTopRefAt(st *ringState, idx uint32, v uint64) {
	binary.LittleEndian.PutUint64(st.buf[entryOffset(idx)+16:], v)
}

func countAt(st *ringState, idx uint32) *atomic.Uint32 {
	off := entryOffset(idx) + 24
	return (*atomic.Uint32)(atomicPointer32(st.buf[off : off+4]))
}

func nextAt(st *ringState, idx uint32) uint32 {
	return binary.LittleEndian.Uint32(st.buf[entryOffset(idx)+28:])
}

func setNextAt(st *ringState, idx uint32, v uint32) {
	binary.LittleEndian.PutUint32(st.buf[entryOffset(idx)+28:], v)
}

// initFreeSlotIn marks idx as free and points its next pointer at next,
// against the given state (used both by SeedFirst/InitFreeSlot on the
// live ring and by Grow against a not-yet-installed state).
func initFreeSlotIn(st *ringState, idx, next uint32) {
	setNextAt(st, idx, next)
	countAt(st, idx).Store(freeSentinel)
}

// SeedFirst initializes entry 0 as the session's first live snapshot and
// threads every remaining slot into the circular free chain 0→1→…→N-1→0
// (spec.md §4.1 "it reads the current on-disk root, seeds the ring
// buffer's first entry from it"; spec.md §3 "entries after put_pos … are
// free and have count equal to the sentinel free value"). Called once, by
// the session initiator, before any reader or writer can observe the ring.
func (r *Ring) SeedFirst(s Snapshot) {
	st := r.state.Load()

	setVersionAt(st, 0, s.Version)
	setFileSizeAt(st, 0, s.FileSize)
	setTopRefAt(st, 0, s.TopRef)
	countAt(st, 0).Store(0) // live, zero readers

	if st.capacity <= 1 {
		setNextAt(st, 0, 0)
	} else {
		setNextAt(st, 0, 1)

		for idx := uint32(1); idx < st.capacity; idx++ {
			next := idx + 1
			if next == st.capacity {
				next = 0
			}

			initFreeSlotIn(st, idx, next)
		}
	}

	atomic.StoreUint32(st.oldPos, 0)
	atomic.StoreUint32(st.putPos, 0)
}

// AcquireLatest grabs a read-lock on the most recently published snapshot
// (spec.md §4.2 "Acquire latest"). It retries internally against the free
// bit race with a writer's cleanup pass; it never blocks on a lock.
func (r *Ring) AcquireLatest() (Snapshot, uint32, error) {
	st := r.state.Load()

	for {
		idx := atomic.LoadUint32(st.putPos)

		snap, ok := tryAcquire(st, idx)
		if ok {
			return snap, idx, nil
		}
		// Free bit was set underneath us (a writer reclaimed this slot
		// between our load of put_pos and our fetch-add); put_pos cannot
		// regress, so retrying with a fresh load always makes progress.
	}
}

// AcquireVersion grabs a read-lock on a specific entry index, verifying
// that it still holds the requested version (spec.md §4.2 "Acquire by
// version id"). Returns [ErrBadVersion] if the version has been reclaimed.
func (r *Ring) AcquireVersion(idx uint32, version uint64) (Snapshot, error) {
	st := r.state.Load()

	for {
		snap, ok := tryAcquire(st, idx)
		if !ok {
			// The entry is free. Distinguish "cleanup is mid-reclaim,
			// retry" from "already fully reclaimed, fail" by checking
			// whether old_pos has moved past idx yet.
			if stillInLiveWindow(st, idx) {
				continue
			}

			return Snapshot{}, ErrBadVersion
		}

		if snap.Version != version {
			countAt(st, idx).Add(^uint32(1)) // fetch-sub 2
			return Snapshot{}, ErrBadVersion
		}

		return snap, nil
	}
}

// tryAcquire performs the fetch-add-2/undo-on-odd dance of spec.md §4.2 and
// §9 "acquire_if_even": the low bit of count is the free flag, so adding 2
// either lands on an even (live) value or proves the slot was free and
// backs out without side effects.
func tryAcquire(st *ringState, idx uint32) (Snapshot, bool) {
	old := countAt(st, idx).Add(2) - 2

	if old&1 != 0 {
		countAt(st, idx).Add(^uint32(1)) // fetch-sub 2, undo
		return Snapshot{}, false
	}

	return Snapshot{
		Version:  versionAt(st, idx),
		TopRef:   topRefAt(st, idx),
		FileSize: fileSizeAt(st, idx),
	}, true
}

// stillInLiveWindow reports whether idx is (or very recently was) between
// old_pos and put_pos inclusive — i.e. cleanup may still be probing it
// rather than having already reclaimed and possibly reused it.
func stillInLiveWindow(st *ringState, idx uint32) bool {
	old := atomic.LoadUint32(st.oldPos)
	put := atomic.LoadUint32(st.putPos)

	if old == put {
		return idx == old
	}

	for i := old; ; i = nextAt(st, i) {
		if i == idx {
			return true
		}

		if i == put {
			return false
		}
	}
}

// Release drops a reader's hold on entry idx (spec.md §4.2 "Release").
func (r *Ring) Release(idx uint32) {
	st := r.state.Load()
	countAt(st, idx).Add(^uint32(1)) // fetch-sub 2, release
}

// PublishNext installs snap into the slot immediately after put_pos and
// advances put_pos to it (spec.md §4.2 "Publish next"). The caller must
// hold the write mutex and must already have ensured a free slot exists
// (via Cleanup and, if necessary, Grow).
func (r *Ring) PublishNext(snap Snapshot) error {
	st := r.state.Load()

	put := atomic.LoadUint32(st.putPos)
	next := nextAt(st, put)

	if countAt(st, next).Load()&1 == 0 {
		return fmt.Errorf("lockfile: next ring slot %d is not free", next)
	}

	setVersionAt(st, next, snap.Version)
	setFileSizeAt(st, next, snap.FileSize)
	setTopRefAt(st, next, snap.TopRef)
	setNextAt(st, put, next)

	countAt(st, next).Add(^uint32(0)) // fetch-sub 1: clear the free bit, release
	atomic.StoreUint32(st.putPos, next)

	return nil
}

// Cleanup reclaims entries starting at old_pos as long as their free bit
// can be set without contending a live reader, stopping at the first entry
// it cannot reclaim or at put_pos (the newest live entry is never reclaimed,
// per spec.md §4.2 "Cleanup"). It returns the version of the oldest
// surviving live entry.
func (r *Ring) Cleanup() (oldestLiveVersion uint64) {
	st := r.state.Load()

	for {
		old := atomic.LoadUint32(st.oldPos)
		if old == atomic.LoadUint32(st.putPos) {
			return versionAt(st, old)
		}

		before := countAt(st, old).Add(1) - 1
		if before != 0 {
			// A reader holds it (or it was already free) — undo and stop.
			countAt(st, old).Add(^uint32(0))
			return versionAt(st, old)
		}

		atomic.StoreUint32(st.oldPos, nextAt(st, old))
	}
}

// NextFreeSlot returns the slot index PublishNext would write to next, and
// whether it is actually free. Callers use this to decide whether
// expansion (Grow) is required before publishing.
func (r *Ring) NextFreeSlot() (idx uint32, free bool) {
	st := r.state.Load()

	put := atomic.LoadUint32(st.putPos)
	next := nextAt(st, put)

	return next, countAt(st, next).Load()&1 != 0
}

// Len returns the number of live entries: put_pos − old_pos + 1 along the
// next-chain. Used to populate number_of_versions (spec.md §4.6 step 6).
func (r *Ring) Len() uint64 {
	st := r.state.Load()

	old := atomic.LoadUint32(st.oldPos)
	put := atomic.LoadUint32(st.putPos)

	n := uint64(1)
	for i := old; i != put; i = nextAt(st, i) {
		n++
	}

	return n
}

// FindIndexForVersion scans the live window for an entry matching version,
// for callers that only have a version number (not a previously observed
// ring index) in hand — e.g. start_frozen(v) on a fresh transaction. It
// does not itself acquire a read-lock; the caller must still call
// AcquireVersion on the returned index.
func (r *Ring) FindIndexForVersion(version uint64) (idx uint32, found bool) {
	st := r.state.Load()

	old := atomic.LoadUint32(st.oldPos)
	put := atomic.LoadUint32(st.putPos)

	for i := old; ; i = nextAt(st, i) {
		if versionAt(st, i) == version {
			return i, true
		}

		if i == put {
			return 0, false
		}
	}
}

// InitFreeSlot marks idx as free and links idx → next, used by tests that
// hand-thread a small ring directly.
func (r *Ring) InitFreeSlot(idx uint32, next uint32) {
	initFreeSlotIn(r.state.Load(), idx, next)
}

// Grow installs a larger backing mapping (spec.md §4.2 "Expansion"): buf
// must be a remapping of the same lock file, now long enough to hold
// newCapacity entries, with oldPos/putPos pointing at the (unchanged)
// old_pos/put_pos words within it. The existing [0, oldCapacity) entries
// and the old_pos/put_pos values are already present at their old offsets
// — buf backs the same file, just mapped larger — so Grow only has to
// thread the newly available slots into the ring's single circular list:
// it splices them in immediately after put_pos, so the very next publish
// lands in freshly grown space instead of failing because the next slot
// is not free.
//
// The caller must hold the write mutex (Grow is only ever called from the
// single active committer) and must not have unmapped the previous
// backing buffer: in-flight readers that loaded their [Ring] state before
// this call keep operating against it safely for the remainder of their
// current operation.
func (r *Ring) Grow(buf []byte, newCapacity uint32, oldPos, putPos *uint32) {
	old := r.state.Load()
	if newCapacity <= old.capacity {
		return
	}

	next := &ringState{buf: buf, capacity: newCapacity, oldPos: oldPos, putPos: putPos}

	put := atomic.LoadUint32(old.putPos)
	resumeAt := nextAt(next, put) // next(put) under the old, still-valid data

	for idx := old.capacity; idx < newCapacity; idx++ {
		afterNew := idx + 1
		if afterNew == newCapacity {
			afterNew = resumeAt
		}

		initFreeSlotIn(next, idx, afterNew)
	}

	setNextAt(next, put, old.capacity)

	r.state.Store(next)
}
