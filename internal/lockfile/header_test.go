package lockfile

import "testing"

func TestHeaderFields_EncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	buf := make([]byte, HeaderFixedSize+ringEntrySize*DefaultRingCapacity)

	want := HeaderFields{
		SizeOfMutex:          4,
		SizeOfCondvar:        4,
		FileFormatVersion:    3,
		HistoryType:          -1,
		SharedInfoVersion:    SharedInfoVersion,
		Durability:           Unsafe,
		NumParticipants:      7,
		LatestVersionNumber:  42,
		SessionInitiatorPID:  1234,
		NumberOfVersions:     5,
		SyncAgentPresent:     true,
		HistorySchemaVersion: 9,
	}

	want.encodeInto(buf)
	got := decodeHeaderFields(buf)

	if got != want {
		t.Fatalf("round trip mismatch:\n want %+v\n got  %+v", want, got)
	}
}

func TestHeaderFields_StampsMatchAfterEncode(t *testing.T) {
	t.Parallel()

	buf := make([]byte, HeaderFixedSize)
	(HeaderFields{}).encodeInto(buf)

	if !stampsMatch(buf) {
		t.Fatal("stampsMatch: want true after encodeInto, got false")
	}

	buf[offWriteMutexStamp] ^= 0xFF

	if stampsMatch(buf) {
		t.Fatal("stampsMatch: want false after corrupting a stamp, got true")
	}
}

func TestDurability_String(t *testing.T) {
	t.Parallel()

	cases := map[Durability]string{
		Full:           "full",
		Unsafe:         "unsafe",
		MemOnly:        "mem-only",
		Durability(99): "unknown",
	}

	for d, want := range cases {
		if got := d.String(); got != want {
			t.Errorf("Durability(%d).String() = %q, want %q", d, got, want)
		}
	}
}
