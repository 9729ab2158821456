// Package realmcore implements the transactional core of an embedded,
// multi-process object database: a lock-free MVCC snapshot registry
// shared across processes via a memory-mapped lock file, a FIFO write-lock
// scheduler, a crash-safe commit pipeline, and an async commit helper.
// It carries no object/column data model, query engine, or network
// protocol (see the module's design notes) — a Database is a root +
// file-size versioning engine that a higher layer builds a schema on.
package realmcore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	natefinchatomic "github.com/natefinch/atomic"

	"github.com/calvinalkan/realmcore/internal/alloc"
	"github.com/calvinalkan/realmcore/internal/fs"
	"github.com/calvinalkan/realmcore/internal/lockfile"
)

const (
	lockFileSuffix = ".lock"
	mgmtDirSuffix  = ".management"
)

// errRetryAttach is internal: signals tryAttachOnce saw mid-initialization
// or a stale lock file and the whole attach should restart from scratch
// (spec.md §4.1 "if smaller it is treated as mid-initialization ... the
// attach is retried from scratch").
var errRetryAttach = errors.New("realmcore: attach retry")

const maxAttachRetries = 8

// Database is a process's session handle on one engine-managed file set
// (data file + lock file + management directory). It is safe for
// concurrent use by multiple goroutines, mirroring spec.md §5's "parallel
// threads within a process" scheduling model.
type Database struct {
	path     string
	lockPath string
	mgmtDir  string
	opts     Options

	fsys   fs.FS
	locker *fs.Locker

	sessionLock *fs.Lock
	hdrBuf      []byte
	shared      *lockfile.Shared

	controlMu *lockfile.RobustMutex
	writeMu   *lockfile.RobustMutex
	scheduler *lockfile.TicketScheduler
	helper    *lockfile.AsyncHelper

	dataFile  fs.File
	allocator Allocator

	mu          sync.Mutex
	heldReads   []heldRead
	writeOpen   bool
	participant bool // false for Options.ProbeOnly sessions
	closed      bool
}

type heldRead struct {
	idx     uint32
	version uint64
}

// Open attaches to (creating if necessary) the database at path, running
// the exclusive-then-shared session attach protocol (spec.md §4.1).
func Open(path string, opts Options) (*Database, error) {
	return OpenFS(fs.NewReal(), path, opts)
}

// OpenFS is [Open] parameterized over the filesystem, for tests that
// inject faults via [fs.Chaos].
func OpenFS(fsys fs.FS, path string, opts Options) (*Database, error) {
	db := &Database{
		path:     path,
		lockPath: path + lockFileSuffix,
		mgmtDir:  path + mgmtDirSuffix,
		opts:     opts,
		fsys:     fsys,
		locker:   fs.NewLocker(fsys),
	}

	if err := fsys.MkdirAll(db.mgmtDir, 0o700); err != nil {
		return nil, fmt.Errorf("realmcore: open %q: %w", path, err)
	}

	db.controlMu = lockfile.NewRobustMutex(db.locker, db.mgmtDir+"/control.lock")
	db.writeMu = lockfile.NewRobustMutex(db.locker, db.mgmtDir+"/write.lock")

	var lastErr error

	bo := lockfile.NewBackoff(time.Millisecond, 50*time.Millisecond)

	for attempt := 0; attempt < maxAttachRetries; attempt++ {
		err := db.tryAttachOnce()
		if err == nil {
			db.scheduler = lockfile.NewTicketScheduler(db.shared, db.writeMu)
			db.helper = lockfile.NewAsyncHelper(db.writeMu)

			return db, nil
		}

		lastErr = err

		if !errors.Is(err, errRetryAttach) && !errors.Is(err, ErrIncompatibleLockFile) {
			return nil, fmt.Errorf("realmcore: open %q: %w", path, err)
		}

		time.Sleep(bo.Next())
	}

	return nil, fmt.Errorf("realmcore: open %q: %w", path, errors.Join(ErrIncompatibleLockFile, lastErr))
}

func (db *Database) tryAttachOnce() error {
	exLock, err := db.locker.TryLock(db.lockPath)

	isInitializer := err == nil
	if err != nil && !errors.Is(err, fs.ErrWouldBlock) {
		return err
	}

	if isInitializer {
		if err := db.initializeAsLeader(); err != nil {
			_ = exLock.Close()
			return err
		}

		if err := exLock.Close(); err != nil {
			return err
		}
	}

	shLock, err := db.locker.RLock(db.lockPath)
	if err != nil {
		return err
	}

	if err := db.joinSession(shLock); err != nil {
		_ = shLock.Close()
		return err
	}

	return nil
}

// initializeAsLeader runs while holding the exclusive lock (spec.md §4.1
// "On success the process is the potential initializer").
func (db *Database) initializeAsLeader() error {
	f, err := db.fsys.OpenFile(db.lockPath, os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := f.Truncate(0); err != nil {
		return err
	}

	size := lockfile.LockFileSize(lockfile.DefaultRingCapacity)
	if err := f.Truncate(size); err != nil {
		return err
	}

	buf, err := lockfile.MmapLockFile(f.Fd(), int(size))
	if err != nil {
		return err
	}
	defer func() { _ = lockfile.MunmapLockFile(buf) }()

	topRef, fileSize, err := db.statDataFileForSeed()
	if err != nil {
		return err
	}

	fields := lockfile.HeaderFields{
		FileFormatVersion:    db.opts.FormatVersion,
		HistoryType:          db.opts.HistoryType,
		HistorySchemaVersion: db.opts.HistorySchemaVersion,
		SharedInfoVersion:    lockfile.SharedInfoVersion,
		Durability:           db.opts.Durability,
	}

	lockfile.InitializeNewHeader(buf, lockfile.DefaultRingCapacity, fields, lockfile.Snapshot{
		Version:  0,
		TopRef:   topRef,
		FileSize: fileSize,
	})

	return nil
}

// statDataFileForSeed opens (creating unless NoCreate) the data file just
// long enough to read its current size for the ring's seed entry.
func (db *Database) statDataFileForSeed() (topRef, fileSize uint64, err error) {
	flags := os.O_RDWR
	if !db.opts.NoCreate {
		flags |= os.O_CREATE
	}

	f, err := db.fsys.OpenFile(db.path, flags, 0o600)
	if err != nil {
		return 0, 0, fmt.Errorf("realmcore: open data file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}

	size := uint64(info.Size())

	return size, size, nil
}

// joinSession validates the header under shLock and completes session
// join under the control mutex (spec.md §4.1).
func (db *Database) joinSession(shLock *fs.Lock) error {
	info, err := db.fsys.Stat(db.lockPath)
	if err != nil {
		return err
	}

	if info.Size() < int64(lockfile.HeaderFixedSize) {
		return errRetryAttach
	}

	f, err := db.fsys.OpenFile(db.lockPath, os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	buf, err := lockfile.MmapLockFile(f.Fd(), int(info.Size()))
	if err != nil {
		return err
	}

	shared := lockfile.NewShared(buf, ringCapacityFor(info.Size()))

	if !waitInitComplete(shared) {
		_ = lockfile.MunmapLockFile(buf)
		return errRetryAttach
	}

	if !shared.Compatible() {
		_ = lockfile.MunmapLockFile(buf)
		return ErrIncompatibleLockFile
	}

	if err := db.controlMu.Lock(); err != nil {
		_ = lockfile.MunmapLockFile(buf)
		return err
	}
	defer db.controlMu.Unlock()

	fields := shared.Fields()

	wasFirst := shared.NumParticipants() == 0
	if !wasFirst {
		if err := checkSessionCompat(fields, db.opts); err != nil {
			_ = lockfile.MunmapLockFile(buf)
			return err
		}
	}

	alc, err := db.openAllocator()
	if err != nil {
		_ = lockfile.MunmapLockFile(buf)
		return err
	}

	if !db.opts.ProbeOnly {
		shared.IncrParticipants()
		db.participant = true
	}

	db.hdrBuf = buf
	db.shared = shared
	db.sessionLock = shLock
	db.allocator = alc

	return nil
}

func ringCapacityFor(lockFileSize int64) uint32 {
	tail := lockFileSize - int64(lockfile.HeaderFixedSize)
	if tail <= 0 {
		return lockfile.DefaultRingCapacity
	}

	return uint32(tail / 32) //nolint:gosec // ring entry size is 32 bytes
}

func (db *Database) openAllocator() (Allocator, error) {
	if db.opts.Allocator != nil {
		return db.opts.Allocator, nil
	}

	flags := os.O_RDWR
	if !db.opts.NoCreate {
		flags |= os.O_CREATE
	}

	f, err := db.fsys.OpenFile(db.path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("realmcore: open data file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	db.dataFile = f

	return alloc.OpenMmapAllocator(f, info.Size())
}

// waitInitComplete polls init_complete with bounded backoff, handling the
// case where we raced a still-initializing leader (spec.md §9
// "init_complete is the sole publication signal").
func waitInitComplete(shared *lockfile.Shared) bool {
	deadline := time.Now().Add(time.Second)
	bo := lockfile.NewBackoff(time.Millisecond, 25*time.Millisecond)

	for {
		if shared.InitComplete() {
			return true
		}

		if time.Now().After(deadline) {
			return false
		}

		time.Sleep(bo.Next())
	}
}

// checkSessionCompat enforces spec.md §4.1's "otherwise it checks that the
// previous session's durability mode, history type, history schema
// version, and file format version all match its own."
func checkSessionCompat(fields lockfile.HeaderFields, opts Options) error {
	if Durability(fields.Durability) != opts.Durability {
		return fmt.Errorf("%w: session durability %s, requested %s", ErrMixedDurability, fields.Durability, opts.Durability)
	}

	if fields.HistoryType != opts.HistoryType {
		return fmt.Errorf("%w: session history type %d, requested %d", ErrMixedHistoryType, fields.HistoryType, opts.HistoryType)
	}

	if fields.HistorySchemaVersion != opts.HistorySchemaVersion {
		return fmt.Errorf("%w: session history schema %d, requested %d", ErrMixedHistorySchemaVersion, fields.HistorySchemaVersion, opts.HistorySchemaVersion)
	}

	if fields.FileFormatVersion != opts.FormatVersion {
		return fmt.Errorf("%w: session format version %d, requested %d", ErrUnsupportedFileFormatVersion, fields.FileFormatVersion, opts.FormatVersion)
	}

	return nil
}

// Close ends this participant's session. It is an error to call Close
// with any open transactions (spec.md §3 "it is illegal to close a
// database with open transactions").
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}

	if db.writeOpen || len(db.heldReads) > 0 {
		return fmt.Errorf("%w: close called with open transactions", ErrWrongTransactState)
	}

	db.closed = true

	db.helper.Close()

	var firstErr error

	if db.participant {
		if err := db.controlMu.Lock(); err == nil {
			remaining := db.shared.DecrParticipants()
			db.controlMu.Unlock()

			if remaining == 0 && db.opts.Durability == MemOnly {
				_ = db.fsys.Remove(db.path)
			}
		} else if firstErr == nil {
			firstErr = err
		}
	}

	if db.allocator != nil {
		if err := db.allocator.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := lockfile.MunmapLockFile(db.hdrBuf); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := db.sessionLock.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// Stats returns a read-only snapshot of session counters (SPEC_FULL.md §3
// addition).
func (db *Database) Stats() Stats {
	return Stats{
		NumParticipants:     db.shared.NumParticipants(),
		LatestVersionNumber: db.shared.LatestVersionNumber(),
		NumberOfVersions:    db.shared.NumberOfVersions(),
	}
}

// GetNumberOfVersions returns the current number_of_versions counter
// (spec.md §6 programmatic surface).
func (db *Database) GetNumberOfVersions() uint64 { return db.shared.NumberOfVersions() }

// ClaimSyncAgent claims the session's single sync-agent slot, failing with
// [ErrMultipleSyncAgents] if one is already present (spec.md §6, §7).
func (db *Database) ClaimSyncAgent() error {
	if !db.shared.TryClaimSyncAgent() {
		return ErrMultipleSyncAgents
	}

	return nil
}

// ReleaseSyncAgent releases the sync-agent slot this process claimed.
func (db *Database) ReleaseSyncAgent() { db.shared.ReleaseSyncAgent() }

// WaitForChange blocks until latest_version_number advances past sinceVersion
// or timeout elapses, returning the new value (spec.md §6 "wait_for_change").
// Go has no cross-process condition variable (see internal/lockfile's
// RobustMutex design notes); this polls with bounded backoff instead.
func (db *Database) WaitForChange(sinceVersion uint64, timeout time.Duration) (uint64, bool) {
	deadline := time.Now().Add(timeout)
	bo := lockfile.NewBackoff(time.Millisecond, 25*time.Millisecond)

	for {
		v := db.shared.LatestVersionNumber()
		if v > sinceVersion {
			return v, true
		}

		if time.Now().After(deadline) {
			return v, false
		}

		time.Sleep(bo.Next())
	}
}

// WriteCopy durably writes a copy of the current data file to dstPath
// using an atomic rename, the same pattern as the teacher's root
// lock.go/WithTicketLock durable-write helper (spec.md §6
// "write_copy"). It does not run compaction.
func (db *Database) WriteCopy(dstPath string) error {
	r, err := db.BeginRead()
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	data := db.allocator.Mapping()
	n := r.snapshot.FileSize
	if n > uint64(len(data)) {
		n = uint64(len(data))
	}

	return natefinchatomic.WriteFile(dstPath, bytes.NewReader(data[:n]))
}

// Compact rewrites the data file to reclaim space no longer reachable
// from the latest snapshot, writing the result via an atomic rename
// (spec.md §6 "compact"). This adapter has no object/column model
// (Non-goals), so compaction here is the degenerate case of WriteCopy
// followed by swapping it in for the live data file — there is no dead
// space to reclaim beyond whatever the allocator already trimmed via
// ReclaimBefore.
func (db *Database) Compact() error {
	tmp := db.path + ".compact.tmp"
	if err := db.WriteCopy(tmp); err != nil {
		return err
	}

	return db.fsys.Rename(tmp, db.path)
}
