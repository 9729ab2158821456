package realmcore

import (
	"errors"
	"fmt"
	"os"

	"github.com/calvinalkan/realmcore/internal/lockfile"
)

// txStage is the root stage of the transaction state machine (spec.md
// §4.4): Ready → Reading | Writing | Frozen.
type txStage int

const (
	stageReady txStage = iota
	stageReading
	stageWriting
	stageFrozen
)

// asyncSubState mirrors spec.md §4.4's async sub-state machine, only
// meaningful while the root stage is Reading or Writing.
type asyncSubState int

const (
	asyncIdle asyncSubState = iota
	asyncRequesting
	asyncHasLock
	asyncHasCommits
	asyncSyncing
)

// Transaction is a per-process handle with the lifecycle described in
// spec.md §3 "Transaction" and §4.4. It is not safe for concurrent use by
// multiple goroutines (spec.md §3: owned exclusively by whichever
// goroutine drives it).
type Transaction struct {
	db *Database

	stage txStage
	async asyncSubState

	snapshot    lockfile.Snapshot
	readIdx     uint32
	hasReadLock bool

	// Exactly one of ticket/asyncHandle is set while stage == stageWriting:
	// ticket for the synchronous FIFO path (BeginWrite/TryBeginWrite),
	// asyncHandle for the async commit-helper path (BeginWriteAsync),
	// per spec.md §4.7's two acquisition routes onto the same write mutex.
	ticket      *lockfile.Ticket
	asyncHandle *lockfile.WriteHandle
}

// endWrite releases whichever acquisition route this transaction used.
func (tx *Transaction) endWrite() {
	if tx.ticket != nil {
		tx.db.scheduler.End(tx.ticket)
		tx.ticket = nil
	}

	if tx.asyncHandle != nil {
		tx.db.helper.EndWrite(tx.asyncHandle)
		tx.asyncHandle = nil
	}

	tx.db.mu.Lock()
	tx.db.writeOpen = false
	tx.db.mu.Unlock()

	tx.async = asyncIdle
}

// BeginRead starts a read transaction pinned to the latest committed
// snapshot (spec.md §4.4 "begin_read(version_id = latest)").
func (db *Database) BeginRead() (*Transaction, error) {
	snap, idx, err := db.shared.Ring.AcquireLatest()
	if err != nil {
		return nil, fmt.Errorf("realmcore: begin read: %w", err)
	}

	tx := &Transaction{db: db, stage: stageReading, snapshot: snap, readIdx: idx, hasReadLock: true}
	db.trackRead(tx)

	return tx, nil
}

// BeginReadVersion starts a read transaction pinned to a specific prior
// version, failing with [ErrBadVersion] if it has already been reclaimed.
func (db *Database) BeginReadVersion(version uint64) (*Transaction, error) {
	idx, found := db.shared.Ring.FindIndexForVersion(version)
	if !found {
		return nil, ErrBadVersion
	}

	snap, err := db.shared.Ring.AcquireVersion(idx, version)
	if err != nil {
		return nil, translateRingErr(err)
	}

	tx := &Transaction{db: db, stage: stageReading, snapshot: snap, readIdx: idx, hasReadLock: true}
	db.trackRead(tx)

	return tx, nil
}

// translateRingErr maps the internal lockfile package's sentinel to this
// package's exported one, so callers never need to import internal/lockfile
// to classify errors.
func translateRingErr(err error) error {
	if errors.Is(err, lockfile.ErrBadVersion) {
		return ErrBadVersion
	}

	return err
}

// BeginFrozen pins a frozen handle to version (spec.md §4.4 "freeze()").
// version == 0 pins the latest snapshot.
func (db *Database) BeginFrozen(version uint64) (*Transaction, error) {
	var (
		snap lockfile.Snapshot
		idx  uint32
		err  error
	)

	if version == 0 {
		snap, idx, err = db.shared.Ring.AcquireLatest()
	} else {
		var found bool

		idx, found = db.shared.Ring.FindIndexForVersion(version)
		if !found {
			return nil, ErrBadVersion
		}

		snap, err = db.shared.Ring.AcquireVersion(idx, version)
	}

	if err != nil {
		return nil, translateRingErr(err)
	}

	tx := &Transaction{db: db, stage: stageFrozen, snapshot: snap, readIdx: idx, hasReadLock: true}
	db.trackRead(tx)

	return tx, nil
}

// BeginWrite starts a write transaction, blocking behind the FIFO
// scheduler (spec.md §4.3, §4.4 "begin_write()").
func (db *Database) BeginWrite() (*Transaction, error) {
	db.mu.Lock()

	if db.writeOpen {
		db.mu.Unlock()
		return nil, fmt.Errorf("%w: a write transaction is already open", ErrWrongTransactState)
	}

	if db.shared.CriticalPhase() {
		db.mu.Unlock()
		return nil, ErrSessionRestartRequired
	}

	db.writeOpen = true
	db.mu.Unlock()

	ticket, err := db.scheduler.Begin()
	if err != nil {
		db.mu.Lock()
		db.writeOpen = false
		db.mu.Unlock()

		return nil, err
	}

	if db.shared.CriticalPhase() {
		db.scheduler.End(ticket)

		db.mu.Lock()
		db.writeOpen = false
		db.mu.Unlock()

		return nil, ErrSessionRestartRequired
	}

	tx := &Transaction{db: db, stage: stageWriting, ticket: ticket, async: asyncHasLock}

	return tx, nil
}

// TryBeginWrite is the non-blocking try-begin variant (spec.md §4.3 "A
// non-blocking try-begin bypasses the ticketing and simply tries the
// underlying mutex"). ok is false if the write mutex is currently held.
func (db *Database) TryBeginWrite() (tx *Transaction, ok bool, err error) {
	db.mu.Lock()

	if db.writeOpen {
		db.mu.Unlock()
		return nil, false, nil
	}

	if db.shared.CriticalPhase() {
		db.mu.Unlock()
		return nil, false, ErrSessionRestartRequired
	}

	ticket, ok, err := db.scheduler.TryBegin()
	if err != nil || !ok {
		db.mu.Unlock()
		return nil, ok, err
	}

	db.writeOpen = true
	db.mu.Unlock()

	tx = &Transaction{db: db, stage: stageWriting, ticket: ticket, async: asyncHasLock}

	return tx, true, nil
}

// BeginWriteAsync begins a write transaction via the async commit helper
// (spec.md §4.7 "begin_write_async"): cb is invoked, from a goroutine the
// helper owns, once the write mutex has been acquired on the caller's
// behalf or an error has occurred.
func (db *Database) BeginWriteAsync(cb func(*Transaction, error)) {
	db.mu.Lock()

	if db.writeOpen {
		db.mu.Unlock()
		cb(nil, fmt.Errorf("%w: a write transaction is already open", ErrWrongTransactState))

		return
	}

	if db.shared.CriticalPhase() {
		db.mu.Unlock()
		cb(nil, ErrSessionRestartRequired)

		return
	}

	db.writeOpen = true
	db.mu.Unlock()

	db.helper.BeginWriteAsync(func(handle *lockfile.WriteHandle, err error) {
		if err != nil {
			db.mu.Lock()
			db.writeOpen = false
			db.mu.Unlock()

			cb(nil, err)

			return
		}

		if db.shared.CriticalPhase() {
			db.helper.EndWrite(handle)

			db.mu.Lock()
			db.writeOpen = false
			db.mu.Unlock()

			cb(nil, ErrSessionRestartRequired)

			return
		}

		cb(&Transaction{db: db, stage: stageWriting, asyncHandle: handle, async: asyncHasLock}, nil)
	})
}

// SyncToDisk schedules cb to run on the async helper's worker while the
// write mutex is held (spec.md §4.7 "sync_to_disk"), for callers using
// the async commit path who want to batch an fsync across several writes.
func (db *Database) SyncToDisk(cb func() error) { db.helper.SyncToDisk(cb) }

func (db *Database) trackRead(tx *Transaction) {
	db.mu.Lock()
	db.heldReads = append(db.heldReads, heldRead{idx: tx.readIdx, version: tx.snapshot.Version})
	db.mu.Unlock()
}

func (db *Database) untrackRead(tx *Transaction) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i, h := range db.heldReads {
		if h.idx == tx.readIdx && h.version == tx.snapshot.Version {
			db.heldReads[i] = db.heldReads[len(db.heldReads)-1]
			db.heldReads = db.heldReads[:len(db.heldReads)-1]

			return
		}
	}
}

// Version returns the snapshot version this transaction observes.
func (tx *Transaction) Version() uint64 { return tx.snapshot.Version }

// Stage reports the transaction's current root stage, for tests asserting
// spec.md §8's invariants directly.
func (tx *Transaction) Stage() string {
	switch tx.stage {
	case stageReady:
		return "Ready"
	case stageReading:
		return "Reading"
	case stageWriting:
		return "Writing"
	case stageFrozen:
		return "Frozen"
	default:
		return "unknown"
	}
}

// EndRead releases a read transaction's ring entry and returns it to
// Ready (spec.md §4.4 "end_read").
func (tx *Transaction) EndRead() error {
	if tx.stage != stageReading {
		return fmt.Errorf("%w: EndRead outside Reading", ErrWrongTransactState)
	}

	return tx.releaseRead(stageReady)
}

// Close releases whatever this transaction currently holds: a read-lock
// if Reading/Frozen, or rolls back if Writing. Safe to call more than
// once (spec.md §8 "rollback ∘ rollback = rollback").
func (tx *Transaction) Close() error {
	switch tx.stage {
	case stageReading, stageFrozen:
		return tx.releaseRead(stageReady)
	case stageWriting:
		return tx.Rollback()
	default:
		return nil
	}
}

func (tx *Transaction) releaseRead(next txStage) error {
	if tx.hasReadLock {
		tx.db.shared.Ring.Release(tx.readIdx)
		tx.db.untrackRead(tx)
		tx.hasReadLock = false
	}

	tx.stage = next

	return nil
}

// Duplicate returns a new transaction pinned to the same version as tx,
// valid for Reading or Frozen transactions (spec.md §8 "duplicate of a
// reading transaction yields a transaction with the same version").
func (tx *Transaction) Duplicate() (*Transaction, error) {
	if tx.stage != stageReading && tx.stage != stageFrozen {
		return nil, fmt.Errorf("%w: Duplicate outside Reading/Frozen", ErrWrongTransactState)
	}

	snap, err := tx.db.shared.Ring.AcquireVersion(tx.readIdx, tx.snapshot.Version)
	if err != nil {
		return nil, translateRingErr(err)
	}

	dup := &Transaction{db: tx.db, stage: tx.stage, snapshot: snap, readIdx: tx.readIdx, hasReadLock: true}
	tx.db.trackRead(dup)

	return dup, nil
}

// Freeze pins a new frozen handle to tx's current version.
func (tx *Transaction) Freeze() (*Transaction, error) {
	if tx.stage != stageReading && tx.stage != stageFrozen {
		return nil, fmt.Errorf("%w: Freeze outside Reading/Frozen", ErrWrongTransactState)
	}

	dup, err := tx.Duplicate()
	if err != nil {
		return nil, err
	}

	dup.stage = stageFrozen

	return dup, nil
}

// Rollback discards a write transaction's uncommitted work and releases
// the write lock (spec.md §4.4 "rollback()"). Nothing was ever written
// through this adapter's narrow allocator surface, so rollback has no
// data to discard; it only releases the write-lock ticket.
func (tx *Transaction) Rollback() error {
	if tx.stage != stageWriting {
		return fmt.Errorf("%w: Rollback outside Writing", ErrWrongTransactState)
	}

	tx.endWrite()
	tx.stage = stageReady

	return nil
}

// Commit runs the seven-step commit pipeline (spec.md §4.6) and releases
// the write lock. The caller must not use tx afterward except to inspect
// the committed version via [Transaction.Version] on the value this
// method returns no handle for — callers that want to keep reading
// should use [Transaction.CommitAndContinueAsRead] instead.
func (tx *Transaction) Commit() error {
	version, err := tx.commitLocked()
	if err != nil {
		return err
	}

	tx.snapshot.Version = version
	tx.stage = stageReady

	return nil
}

// CommitAndContinueAsRead commits and atomically hands the caller a read
// transaction pinned to the version just committed (spec.md §4.4
// "commit_and_continue_as_read()"), without an intervening window where
// another writer could begin and the caller would have to re-acquire.
func (tx *Transaction) CommitAndContinueAsRead() (*Transaction, error) {
	version, err := tx.commitLocked()
	if err != nil {
		return nil, err
	}

	idx, found := tx.db.shared.Ring.FindIndexForVersion(version)
	if !found {
		return nil, ErrBadVersion
	}

	snap, err := tx.db.shared.Ring.AcquireVersion(idx, version)
	if err != nil {
		return nil, translateRingErr(err)
	}

	read := &Transaction{db: tx.db, stage: stageReading, snapshot: snap, readIdx: idx, hasReadLock: true}
	tx.db.trackRead(read)

	tx.stage = stageReady

	return read, nil
}

// CommitAndContinueWriting commits the current version and immediately
// begins a new write transaction without releasing the write lock to
// another waiter in between (spec.md §4.4
// "commit_and_continue_writing()").
func (tx *Transaction) CommitAndContinueWriting() error {
	version, err := tx.commitLocked()
	if err != nil {
		return err
	}

	tx.snapshot.Version = version
	tx.stage = stageWriting

	return nil
}

// commitLocked runs spec.md §4.6's pipeline and always ends the write
// ticket, whether it succeeds or fails: a failed commit still releases
// the write lock (the session restarts on the next begin_write if the
// critical-phase flag was left set).
func (tx *Transaction) commitLocked() (newVersion uint64, err error) {
	if tx.stage != stageWriting {
		return 0, fmt.Errorf("%w: Commit outside Writing", ErrWrongTransactState)
	}

	defer tx.endWrite()

	db := tx.db
	shared := db.shared

	// Step 1: version assignment, optionally stamped by a history
	// collaborator (spec.md §4.6 step 1).
	proposed := shared.LatestVersionNumber() + 1
	version := proposed

	if db.opts.History != nil {
		version, err = db.opts.History.PrepareCommit(proposed)
		if err != nil {
			return 0, fmt.Errorf("realmcore: commit: history prepare_commit: %w", err)
		}
	}

	// Step 2: ring cleanup, then let the allocator trim whatever
	// free-space bookkeeping it maintains against the oldest surviving
	// live version (spec.md §4.6 step 2, SPEC_FULL.md supplement).
	oldestLive := shared.Ring.Cleanup()

	if err := db.allocator.ReclaimBefore(oldestLive); err != nil {
		return 0, fmt.Errorf("realmcore: commit: reclaim: %w", err)
	}

	db.allocator.RetireBefore(oldestLive)

	// Step 3: write phase. This adapter has no object model to write
	// into (Non-goals); growing the mapping by zero still exercises the
	// allocator's remap/top-ref bookkeeping, the same call a real object
	// layer would make with a non-zero size.
	topRef, fileSize, err := db.allocator.Grow(0)
	if err != nil {
		return 0, fmt.Errorf("realmcore: commit: grow: %w", err)
	}

	// Step 4: fsync, per durability mode (spec.md §4.6 step 4, §6).
	if db.opts.Durability == Full && db.dataFile != nil {
		if err := db.dataFile.Sync(); err != nil {
			return 0, fmt.Errorf("realmcore: commit: fsync: %w", err)
		}
	}

	// Step 5+6: publish the new snapshot under the critical-phase flag.
	// A crash between setting the flag and clearing it is detected by
	// the next begin_write observing it still set (spec.md §4.6 step 5,
	// §7 ErrSessionRestartRequired).
	shared.SetCriticalPhase(true)

	if _, free := shared.Ring.NextFreeSlot(); !free {
		if err := db.growRing(); err != nil {
			shared.SetCriticalPhase(false)
			return 0, fmt.Errorf("realmcore: commit: grow ring: %w", err)
		}
	}

	if err := shared.Ring.PublishNext(lockfile.Snapshot{Version: version, TopRef: topRef, FileSize: fileSize}); err != nil {
		shared.SetCriticalPhase(false)
		return 0, fmt.Errorf("realmcore: commit: publish: %w", err)
	}

	shared.SetLatestVersionNumber(version)
	shared.SetNumberOfVersions(shared.Ring.Len())

	shared.SetCriticalPhase(false)

	// Step 7: session bookkeeping (spec.md §4.6 step 7) is the
	// num_participants/stats state already maintained by controlMu
	// elsewhere; nothing further to stamp here.

	return version, nil
}

// growRing implements spec.md §4.2's "Expansion": when commitLocked finds
// the ring full it enlarges the backing lock file by RingGrowthBatch
// entries and remaps it, then splices the newly available slots into the
// ring's free chain (see [lockfile.Ring.Grow]). It runs under
// db.controlMu, the mutex joinSession takes for its session-join
// bookkeeping; joinSession reads the lock file's size and maps it before
// it takes that mutex.
func (db *Database) growRing() error {
	newCapacity := db.shared.Ring.Capacity() + lockfile.RingGrowthBatch
	newSize := lockfile.LockFileSize(newCapacity)

	if err := db.controlMu.Lock(); err != nil {
		return fmt.Errorf("realmcore: grow ring: %w", err)
	}
	defer db.controlMu.Unlock()

	f, err := db.fsys.OpenFile(db.lockPath, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("realmcore: grow ring: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := f.Truncate(newSize); err != nil {
		return fmt.Errorf("realmcore: grow ring: %w", err)
	}

	buf, err := lockfile.MmapLockFile(f.Fd(), int(newSize))
	if err != nil {
		return fmt.Errorf("realmcore: grow ring: %w", err)
	}

	db.shared.GrowRing(buf, newCapacity)

	return nil
}
