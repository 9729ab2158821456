package realmcore

import (
	"github.com/calvinalkan/realmcore/internal/alloc"
	"github.com/calvinalkan/realmcore/internal/lockfile"
)

// Allocator is the file-growth/mmap-lifecycle collaborator (spec.md §4
// component 4); see internal/alloc for the default implementation.
type Allocator = alloc.Allocator

// Durability controls fsync behavior on commit (spec.md §6).
type Durability = lockfile.Durability

const (
	Full    = lockfile.Full
	Unsafe  = lockfile.Unsafe
	MemOnly = lockfile.MemOnly
)

// Options is the programmatic surface for Open (spec.md §6). Every field
// the session-join logic (§4.1) validates against a joined session's
// established state is named here directly from the lock file layout
// table in §6.
type Options struct {
	// NoCreate refuses to create the data file if it does not exist
	// (spec.md §6 "open(path, no_create, options)").
	NoCreate bool

	// FormatVersion is the file format version this opener targets.
	FormatVersion uint8

	// HistoryType identifies the replication/history collaborator in
	// use, if any (spec.md §3, §6 "history_type"). Zero means none.
	HistoryType int8

	// HistorySchemaVersion is the schema version of the history
	// collaborator above.
	HistorySchemaVersion uint16

	// Durability selects the fsync/persistence mode (spec.md §6).
	Durability Durability

	// EncryptionEnabled records that this session expects the data
	// file to be encrypted. No cipher is implemented (Non-goals); the
	// field is carried structurally so session_initiator_pid recording
	// (spec.md §4.1 "records the session pid when encryption is
	// enabled") and header validation have real, typed inputs.
	EncryptionEnabled bool

	// ProbeOnly performs the attach/validation handshake without
	// incrementing num_participants, for tools that want to inspect
	// lock-file state without holding the session open
	// (SPEC_FULL.md §4.1 supplement, grounded on original_source's
	// distinction between a full session open and a probe-only open).
	ProbeOnly bool

	// History, if non-nil, is consulted during commit to stamp
	// replication history (spec.md §4.6 step 1). Out of scope beyond
	// the narrow interface (history.go); nil means no history.
	History HistoryProvider

	// Allocator lets callers supply their own Allocator (internal/alloc)
	// implementation; nil uses the default mmap-backed one.
	Allocator Allocator
}

// Stats is a read-only snapshot of session counters (SPEC_FULL.md §3
// addition), for realmctl's stat command and tests asserting §8 invariants.
type Stats struct {
	NumParticipants     uint32
	LatestVersionNumber uint64
	NumberOfVersions    uint64
}
