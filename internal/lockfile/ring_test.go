package lockfile

import "testing"

func newTestRing(t *testing.T, capacity uint32) (*Ring, *uint32, *uint32) {
	t.Helper()

	buf := make([]byte, int(capacity)*ringEntrySize)
	old := new(uint32)
	put := new(uint32)

	return NewRing(buf, capacity, old, put), old, put
}

func TestRing_SeedFirstThenAcquireLatest(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRing(t, 4)
	r.SeedFirst(Snapshot{Version: 1, TopRef: 100, FileSize: 100})

	snap, idx, err := r.AcquireLatest()
	if err != nil {
		t.Fatalf("AcquireLatest: %v", err)
	}

	if idx != 0 {
		t.Fatalf("idx = %d, want 0", idx)
	}

	if snap.Version != 1 || snap.TopRef != 100 || snap.FileSize != 100 {
		t.Fatalf("snap = %+v, want version 1 topref/filesize 100", snap)
	}

	r.Release(idx)
}

func TestRing_PublishNextAdvancesLatest(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRing(t, 4)
	r.SeedFirst(Snapshot{Version: 1, TopRef: 10, FileSize: 10})

	if err := r.PublishNext(Snapshot{Version: 2, TopRef: 20, FileSize: 20}); err != nil {
		t.Fatalf("PublishNext: %v", err)
	}

	snap, idx, err := r.AcquireLatest()
	if err != nil {
		t.Fatalf("AcquireLatest: %v", err)
	}

	if idx != 1 || snap.Version != 2 {
		t.Fatalf("got idx=%d snap=%+v, want idx=1 version=2", idx, snap)
	}

	r.Release(idx)
}

func TestRing_AcquireVersionRejectsWrongVersion(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRing(t, 4)
	r.SeedFirst(Snapshot{Version: 1, TopRef: 10, FileSize: 10})

	if _, err := r.AcquireVersion(0, 99); err != ErrBadVersion {
		t.Fatalf("AcquireVersion wrong version: want ErrBadVersion, got %v", err)
	}
}

func TestRing_CleanupReclaimsUnreadEntries(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRing(t, 4)
	r.SeedFirst(Snapshot{Version: 1, TopRef: 10, FileSize: 10})

	if err := r.PublishNext(Snapshot{Version: 2, TopRef: 20, FileSize: 20}); err != nil {
		t.Fatalf("PublishNext: %v", err)
	}

	oldest := r.Cleanup()
	if oldest != 2 {
		t.Fatalf("Cleanup oldest = %d, want 2 (slot 0 had no readers)", oldest)
	}

	if _, err := r.AcquireVersion(0, 1); err != ErrBadVersion {
		t.Fatalf("AcquireVersion on reclaimed slot: want ErrBadVersion, got %v", err)
	}
}

func TestRing_CleanupStopsAtLiveReader(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRing(t, 4)
	r.SeedFirst(Snapshot{Version: 1, TopRef: 10, FileSize: 10})

	snap, idx, err := r.AcquireLatest()
	if err != nil {
		t.Fatalf("AcquireLatest: %v", err)
	}
	_ = snap

	if err := r.PublishNext(Snapshot{Version: 2, TopRef: 20, FileSize: 20}); err != nil {
		t.Fatalf("PublishNext: %v", err)
	}

	oldest := r.Cleanup()
	if oldest != 1 {
		t.Fatalf("Cleanup oldest = %d, want 1 (reader still holds slot 0)", oldest)
	}

	r.Release(idx)

	if got := r.Cleanup(); got != 2 {
		t.Fatalf("Cleanup after release = %d, want 2", got)
	}
}

func TestRing_FindIndexForVersion(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRing(t, 4)
	r.SeedFirst(Snapshot{Version: 1, TopRef: 10, FileSize: 10})

	if err := r.PublishNext(Snapshot{Version: 2, TopRef: 20, FileSize: 20}); err != nil {
		t.Fatalf("PublishNext: %v", err)
	}

	idx, found := r.FindIndexForVersion(1)
	if !found || idx != 0 {
		t.Fatalf("FindIndexForVersion(1) = (%d, %v), want (0, true)", idx, found)
	}

	idx, found = r.FindIndexForVersion(2)
	if !found || idx != 1 {
		t.Fatalf("FindIndexForVersion(2) = (%d, %v), want (1, true)", idx, found)
	}

	if _, found := r.FindIndexForVersion(99); found {
		t.Fatal("FindIndexForVersion(99): want not found")
	}
}

func TestRing_InitFreeSlotRelinksAFreedSlot(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRing(t, 4)
	r.SeedFirst(Snapshot{Version: 1, TopRef: 10, FileSize: 10})

	// Repoint slot 1 (already free from SeedFirst) directly at slot 3,
	// short-circuiting slot 2 out of the free chain.
	r.InitFreeSlot(1, 3)

	if err := r.PublishNext(Snapshot{Version: 2, TopRef: 20, FileSize: 20}); err != nil {
		t.Fatalf("PublishNext: %v", err)
	}

	if err := r.PublishNext(Snapshot{Version: 3, TopRef: 30, FileSize: 30}); err != nil {
		t.Fatalf("second PublishNext: %v", err)
	}

	_, idx, err := r.AcquireLatest()
	if err != nil {
		t.Fatalf("AcquireLatest: %v", err)
	}

	if idx != 3 {
		t.Fatalf("idx = %d, want 3 (InitFreeSlot should have linked 1->3)", idx)
	}
}

func TestRing_GrowSplicesNewSlotsAfterPutPos(t *testing.T) {
	t.Parallel()

	r, old, put := newTestRing(t, 4)
	r.SeedFirst(Snapshot{Version: 1, TopRef: 10, FileSize: 10})

	// Fill the ring: capacity 4 holds at most 4 live entries before the
	// next publish would find no free slot (none of these are read-locked,
	// but Cleanup is never called here so nothing is reclaimed).
	for v := uint64(2); v <= 4; v++ {
		if err := r.PublishNext(Snapshot{Version: v, TopRef: v * 10, FileSize: v * 10}); err != nil {
			t.Fatalf("PublishNext(%d): %v", v, err)
		}
	}

	if _, free := r.NextFreeSlot(); free {
		t.Fatalf("NextFreeSlot reports free before growth; test setup is wrong")
	}

	// A real Grow call remaps the same lock file larger, so the existing
	// entries are already present at their old offsets; a plain copy
	// stands in for that here.
	biggerBuf := make([]byte, 8*ringEntrySize)
	copy(biggerBuf, r.state.Load().buf)

	r.Grow(biggerBuf, 8, old, put)

	if got := r.Capacity(); got != 8 {
		t.Fatalf("Capacity() after Grow = %d, want 8", got)
	}

	if err := r.PublishNext(Snapshot{Version: 5, TopRef: 50, FileSize: 50}); err != nil {
		t.Fatalf("PublishNext after Grow: %v", err)
	}

	_, idx, err := r.AcquireLatest()
	if err != nil {
		t.Fatalf("AcquireLatest after Grow: %v", err)
	}

	if idx < 4 {
		t.Fatalf("idx = %d, want one of the newly grown slots (>= 4)", idx)
	}

	if got := r.Len(); got != 5 {
		t.Fatalf("Len() after Grow+publish = %d, want 5", got)
	}
}

func TestRing_Len(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRing(t, 4)
	r.SeedFirst(Snapshot{Version: 1, TopRef: 10, FileSize: 10})

	if got := r.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}

	if err := r.PublishNext(Snapshot{Version: 2, TopRef: 20, FileSize: 20}); err != nil {
		t.Fatalf("PublishNext: %v", err)
	}

	if got := r.Len(); got != 2 {
		t.Fatalf("Len() after publish = %d, want 2", got)
	}
}
