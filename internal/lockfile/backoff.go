package lockfile

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// backoff produces randomized exponential delays, per spec.md §4.1's
// requirement that lock-file acquisition retries use randomized back-off
// (to avoid synchronized retry storms across competing processes).
type backoff struct {
	cur time.Duration
	max time.Duration
}

// NewBackoff returns a backoff whose first delay is around initial and
// whose delays double up to max.
func NewBackoff(initial, max time.Duration) *backoff {
	return &backoff{cur: initial, max: max}
}

// Next returns the next delay and advances the internal state.
func (b *backoff) Next() time.Duration {
	d := jitter(b.cur)

	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}

	return d
}

// jitter returns a random duration in [d/2, d] (both ends inclusive), seeded from crypto/rand
// since this package has no dependency on math/rand elsewhere and the
// volumes involved are tiny.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}

	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return d
	}

	n := binary.LittleEndian.Uint64(b[:])
	half := d / 2

	return half + time.Duration(n%uint64(half+1))
}
