// Package lockfile implements the shared header, the lock-free snapshot
// ring buffer, the write-lock ticket scheduler, and the async commit helper
// that together make up the lock file side of the engine (spec.md §3, §4.1,
// §4.2, §4.3, §4.7, §6).
package lockfile

import (
	"encoding/binary"
)

// SharedInfoVersion is the layout magic stamped into the header at offset 6
// (spec.md §6), which a joiner compares against an existing lock file's
// offSharedInfoVersion field (spec.md §4.1). Bump this whenever a field
// after offset 7 changes shape; the prefix through offset 7 never changes
// (spec.md §4.1, §6).
const SharedInfoVersion = 1

// Field sizes/offsets for the fixed-layout prefix (spec.md §6). The offsets
// through offSharedInfoVersion (bytes 0-7, inclusive) are permanently frozen.
const (
	offInitComplete          = 0  // uint8, atomic
	offSizeOfMutex           = 1  // uint8
	offSizeOfCondvar         = 2  // uint8
	offCommitInCriticalPhase = 3  // uint8, atomic
	offFileFormatVersion     = 4  // uint8
	offHistoryType           = 5  // int8
	offSharedInfoVersion     = 6  // uint16
	offDurability            = 8  // uint16
	offReserved1             = 10 // uint16
	offNumParticipants       = 12 // uint32, atomic
	offLatestVersionNumber   = 16 // uint64, atomic
	offSessionInitiatorPID   = 24 // uint64
	offNumberOfVersions      = 32 // uint64
	offSyncAgentPresent      = 40 // uint8, atomic
	offReservedDaemonFlags   = 41 // uint16
	offFiller1               = 43 // uint8
	offHistorySchemaVersion  = 44 // uint16
	offFiller2               = 46 // uint16

	// mutexStampSize/condvarStampSize are this port's equivalent of the C
	// implementation's embedded pthread_mutex_t/pthread_cond_t sizes
	// (spec.md §4.1's "sizes of the embedded mutex/condvar... do not
	// match the compiled sizes" check). Go has no process-shared pthread
	// primitives; [RobustMutex] is backed by flock(2) instead (see
	// mutex.go), so these fields exist purely as a compatibility stamp
	// future versions of this module can bump, exercising the same
	// validation path spec.md §4.1 describes.
	mutexStampSize   = 4
	condvarStampSize = 4

	offWriteMutexStamp    = 48
	offControlMutexStamp  = offWriteMutexStamp + mutexStampSize
	offNewCommitCondStamp = offControlMutexStamp + mutexStampSize
	offPickNextCondStamp  = offNewCommitCondStamp + condvarStampSize

	offNextTicket = offPickNextCondStamp + condvarStampSize // uint32, atomic
	offNextServed = offNextTicket + 4                       // uint32, atomic

	// HeaderFixedSize is the size of everything before the ring buffer,
	// including the old_pos/put_pos words that follow next_served (see
	// shared.go). It is 8-byte aligned so the ring (whose entries contain
	// uint64 fields) can follow it without relaxing alignment (spec.md §9
	// "Ring layout").
	HeaderFixedSize = offPutPos + 4
)

// Durability controls fsync behavior on commit (spec.md §6).
type Durability uint16

const (
	// Full fsyncs the data file on every commit.
	Full Durability = iota
	// Unsafe skips fsync; commits are visible immediately but not crash-durable.
	Unsafe
	// MemOnly treats the data file as scratch space, deleted on last close.
	MemOnly
)

func (d Durability) String() string {
	switch d {
	case Full:
		return "full"
	case Unsafe:
		return "unsafe"
	case MemOnly:
		return "mem-only"
	default:
		return "unknown"
	}
}

// HeaderFields is the decoded, non-atomic view of the shared header prefix,
// used when an initializer first constructs the header and when a joiner
// validates one (spec.md §3 "Shared header", §4.1).
type HeaderFields struct {
	SizeOfMutex           uint8
	SizeOfCondvar         uint8
	FileFormatVersion     uint8
	HistoryType           int8
	SharedInfoVersion     uint16
	Durability            Durability
	NumParticipants       uint32
	LatestVersionNumber   uint64
	SessionInitiatorPID   uint64
	NumberOfVersions      uint64
	SyncAgentPresent      bool
	HistorySchemaVersion  uint16
}

// encodeInto writes the non-atomic header fields into buf[0:HeaderFixedSize].
// init_complete and commit_in_critical_phase are intentionally left at 0:
// the caller stores init_complete last, with release semantics, as the sole
// publication signal for the whole header (spec.md §9).
func (h HeaderFields) encodeInto(buf []byte) {
	buf[offSizeOfMutex] = h.SizeOfMutex
	buf[offSizeOfCondvar] = h.SizeOfCondvar
	buf[offFileFormatVersion] = h.FileFormatVersion
	buf[offHistoryType] = byte(h.HistoryType)
	binary.LittleEndian.PutUint16(buf[offSharedInfoVersion:], h.SharedInfoVersion)
	binary.LittleEndian.PutUint16(buf[offDurability:], uint16(h.Durability))
	binary.LittleEndian.PutUint32(buf[offNumParticipants:], h.NumParticipants)
	binary.LittleEndian.PutUint64(buf[offLatestVersionNumber:], h.LatestVersionNumber)
	binary.LittleEndian.PutUint64(buf[offSessionInitiatorPID:], h.SessionInitiatorPID)
	binary.LittleEndian.PutUint64(buf[offNumberOfVersions:], h.NumberOfVersions)

	if h.SyncAgentPresent {
		buf[offSyncAgentPresent] = 1
	} else {
		buf[offSyncAgentPresent] = 0
	}

	binary.LittleEndian.PutUint16(buf[offHistorySchemaVersion:], h.HistorySchemaVersion)

	stampMutexCondvarFields(buf)
}

func decodeHeaderFields(buf []byte) HeaderFields {
	return HeaderFields{
		SizeOfMutex:          buf[offSizeOfMutex],
		SizeOfCondvar:        buf[offSizeOfCondvar],
		FileFormatVersion:    buf[offFileFormatVersion],
		HistoryType:          int8(buf[offHistoryType]),
		SharedInfoVersion:    binary.LittleEndian.Uint16(buf[offSharedInfoVersion:]),
		Durability:           Durability(binary.LittleEndian.Uint16(buf[offDurability:])),
		NumParticipants:      binary.LittleEndian.Uint32(buf[offNumParticipants:]),
		LatestVersionNumber:  binary.LittleEndian.Uint64(buf[offLatestVersionNumber:]),
		SessionInitiatorPID:  binary.LittleEndian.Uint64(buf[offSessionInitiatorPID:]),
		NumberOfVersions:     binary.LittleEndian.Uint64(buf[offNumberOfVersions:]),
		SyncAgentPresent:     buf[offSyncAgentPresent] != 0,
		HistorySchemaVersion: binary.LittleEndian.Uint16(buf[offHistorySchemaVersion:]),
	}
}

func stampMutexCondvarFields(buf []byte) {
	binary.LittleEndian.PutUint32(buf[offWriteMutexStamp:], mutexStampMagic)
	binary.LittleEndian.PutUint32(buf[offControlMutexStamp:], mutexStampMagic)
	binary.LittleEndian.PutUint32(buf[offNewCommitCondStamp:], condvarStampMagic)
	binary.LittleEndian.PutUint32(buf[offPickNextCondStamp:], condvarStampMagic)
}

// mutexStampMagic/condvarStampMagic are the compiled-in stamp values
// compared against an existing lock file's stamp on join (spec.md §4.1).
const (
	mutexStampMagic   = 0x4D555458 // "MUTX"-ish
	condvarStampMagic = 0x434F4E44 // "COND"-ish
)

func stampsMatch(buf []byte) bool {
	return binary.LittleEndian.Uint32(buf[offWriteMutexStamp:]) == mutexStampMagic &&
		binary.LittleEndian.Uint32(buf[offControlMutexStamp:]) == mutexStampMagic &&
		binary.LittleEndian.Uint32(buf[offNewCommitCondStamp:]) == condvarStampMagic &&
		binary.LittleEndian.Uint32(buf[offPickNextCondStamp:]) == condvarStampMagic
}

