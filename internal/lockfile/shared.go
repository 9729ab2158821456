package lockfile

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Shared is a live view over the mmap'd lock file: the fixed header prefix
// plus the ring buffer that follows it (spec.md §3). All mutation of
// atomic fields goes through this type so every process sharing the
// mapping observes the same memory-order guarantees (spec.md §5).
type Shared struct {
	buf []byte // the whole mapped region, header prefix + ring tail
	Ring *Ring
}

// NewShared wraps buf (at least HeaderFixedSize+ringCapacity*ringEntrySize
// bytes) as a live shared header + ring.
func NewShared(buf []byte, ringCapacity uint32) *Shared {
	oldPos := (*uint32)(unsafe.Pointer(&buf[offOldPos]))
	putPos := (*uint32)(unsafe.Pointer(&buf[offPutPos]))

	ringBuf := buf[HeaderFixedSize : HeaderFixedSize+int(ringCapacity)*ringEntrySize]

	return &Shared{
		buf:  buf,
		Ring: NewRing(ringBuf, ringCapacity, oldPos, putPos),
	}
}

// GrowRing installs buf — a fresh mmap of the same lock file, now long
// enough to hold newCapacity ring entries — as the ring's backing store
// (spec.md §4.2 "Expansion"). s's own header-prefix view (s.buf) is left
// untouched: it is a remapping of the same underlying file, so the two
// mappings stay coherent for the header fields both still read, and the
// old mapping is never unmapped out from under an in-flight caller (see
// [Ring.Grow]).
func (s *Shared) GrowRing(buf []byte, newCapacity uint32) {
	oldPos := (*uint32)(unsafe.Pointer(&buf[offOldPos]))
	putPos := (*uint32)(unsafe.Pointer(&buf[offPutPos]))

	ringBuf := buf[HeaderFixedSize : HeaderFixedSize+int(newCapacity)*ringEntrySize]

	s.Ring.Grow(ringBuf, newCapacity, oldPos, putPos)
}

// Additional fixed-prefix offsets for old_pos/put_pos. These are not part
// of the spec.md §6 table (which stops describing individual fields after
// next_served) but are required to anchor the ring: spec.md §4.2 names
// them as the ring's own state, stored "immediately after the shared
// header" per spec.md §9 "Ring layout" — we place them as the last two
// words of the fixed prefix so the ring entries that follow start at a
// stable, 8-byte aligned offset.
const (
	offOldPos = offNextServed + 4 // within HeaderFixedSize, see header.go
	offPutPos = offOldPos + 4
)

func init() {
	// offPutPos+4 must not exceed HeaderFixedSize; this asserts at package
	// init that header.go's HeaderFixedSize constant still has room for
	// old_pos/put_pos, so a future edit to one file cannot silently
	// desync the other.
	if offPutPos+4 > HeaderFixedSize {
		panic("lockfile: HeaderFixedSize too small for old_pos/put_pos")
	}
}

func (s *Shared) u8(off int) uint8      { return s.buf[off] }
func (s *Shared) setU8(off int, v uint8) { s.buf[off] = v }

func (s *Shared) u16(off int) uint16 { return binary.LittleEndian.Uint16(s.buf[off:]) }
func (s *Shared) setU16(off int, v uint16) {
	binary.LittleEndian.PutUint16(s.buf[off:], v)
}

func (s *Shared) u64(off int) uint64 { return binary.LittleEndian.Uint64(s.buf[off:]) }
func (s *Shared) setU64(off int, v uint64) {
	binary.LittleEndian.PutUint64(s.buf[off:], v)
}

// InitComplete loads the init_complete flag with acquire semantics — the
// sole publication signal for the whole header (spec.md §9).
func (s *Shared) InitComplete() bool {
	return atomicLoadByte(s.buf, offInitComplete) == 1
}

// SetInitCompleteRelease stores init_complete = 1 with release semantics,
// publishing every other field the initializer wrote beforehand.
func (s *Shared) SetInitCompleteRelease() {
	atomicStoreByteRelease(s.buf, offInitComplete, 1)
}

// CriticalPhase loads commit_in_critical_phase (spec.md §4.6 step 5, §7).
func (s *Shared) CriticalPhase() bool {
	return atomicLoadByte(s.buf, offCommitInCriticalPhase) == 1
}

// SetCriticalPhase sets or clears commit_in_critical_phase.
func (s *Shared) SetCriticalPhase(on bool) {
	var v byte
	if on {
		v = 1
	}

	atomicStoreByteRelease(s.buf, offCommitInCriticalPhase, v)
}

// NumParticipants returns the live session participant count.
func (s *Shared) NumParticipants() uint32 {
	return atomicLoadU32(s.buf, offNumParticipants)
}

// IncrParticipants increments num_participants and returns the new value.
func (s *Shared) IncrParticipants() uint32 {
	return atomicAddU32(s.buf, offNumParticipants, 1)
}

// DecrParticipants decrements num_participants and returns the new value.
func (s *Shared) DecrParticipants() uint32 {
	return atomicAddU32(s.buf, offNumParticipants, ^uint32(0))
}

// LatestVersionNumber returns the most recently committed version number.
func (s *Shared) LatestVersionNumber() uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.buf[offLatestVersionNumber])))
}

// SetLatestVersionNumber stores a new latest version number.
func (s *Shared) SetLatestVersionNumber(v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&s.buf[offLatestVersionNumber])), v)
}

// NumberOfVersions returns number_of_versions (spec.md §3, §8 invariant).
func (s *Shared) NumberOfVersions() uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.buf[offNumberOfVersions])))
}

// SetNumberOfVersions stores number_of_versions.
func (s *Shared) SetNumberOfVersions(v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&s.buf[offNumberOfVersions])), v)
}

// SyncAgentPresent reports whether a sync agent already claimed this session.
func (s *Shared) SyncAgentPresent() bool {
	return atomicLoadByte(s.buf, offSyncAgentPresent) == 1
}

// TryClaimSyncAgent atomically claims the sync-agent slot, returning false
// (without side effects) if one is already present (spec.md §7 MultipleSyncAgents).
func (s *Shared) TryClaimSyncAgent() bool {
	return atomicCASByte(s.buf, offSyncAgentPresent, 0, 1)
}

// ReleaseSyncAgent clears the sync-agent slot.
func (s *Shared) ReleaseSyncAgent() {
	atomicStoreByteRelease(s.buf, offSyncAgentPresent, 0)
}

// Fields decodes the non-atomic prefix fields as a snapshot, for
// validation/comparison purposes (spec.md §4.1 session-join checks).
func (s *Shared) Fields() HeaderFields {
	return decodeHeaderFields(s.buf)
}

// StampsMatch reports whether the embedded mutex/condvar compatibility
// stamps match this build's constants (spec.md §4.1).
func (s *Shared) StampsMatch() bool { return stampsMatch(s.buf) }

// Compatible reports whether this header's shared_info_version and
// mutex/condvar stamps match this build, i.e. whether a joiner may safely
// proceed past header validation (spec.md §4.1).
func (s *Shared) Compatible() bool {
	return s.Fields().SharedInfoVersion == SharedInfoVersion && s.StampsMatch()
}

// nextTicketPtr / nextServedPtr expose the scheduler's atomics directly;
// writelock.go owns their semantics.
func (s *Shared) nextTicketPtr() *uint32 { return (*uint32)(unsafe.Pointer(&s.buf[offNextTicket])) }
func (s *Shared) nextServedPtr() *uint32 { return (*uint32)(unsafe.Pointer(&s.buf[offNextServed])) }
