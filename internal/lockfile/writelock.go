package lockfile

import (
	"time"
)

// ticketTimeout is the fairness wait bound from spec.md §4.3.
const ticketTimeout = 500 * time.Millisecond

// pollInterval is how often a waiting writer rechecks next_served. Go has
// no cross-process condition variable; pick_next_writer (spec.md §4.3) is
// emulated by polling the shared next_served atomic with a short sleep,
// capped by ticketTimeout exactly as the spec's condvar wait is (see
// SPEC_FULL.md "resolved Open Question: process-shared primitives").
const pollInterval = 2 * time.Millisecond

// TicketScheduler enforces FIFO fairness over the write mutex using the
// next_ticket/next_served atomics in the shared header (spec.md §4.3).
type TicketScheduler struct {
	shared *Shared
	mu     *RobustMutex
}

// NewTicketScheduler builds a scheduler over the shared header's ticket
// counters, serializing the underlying critical section with mu.
func NewTicketScheduler(shared *Shared, mu *RobustMutex) *TicketScheduler {
	return &TicketScheduler{shared: shared, mu: mu}
}

// Begin obtains a ticket, takes the write mutex, then waits for the ticket
// to be served (FIFO order) (spec.md §4.3 "To begin a write"). It returns a
// [Ticket] that must be ended with [TicketScheduler.End].
func (t *TicketScheduler) Begin() (*Ticket, error) {
	myTicket := atomicAddU32(t.shared.buf, offNextTicket, 1) - 1

	if err := t.mu.Lock(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(ticketTimeout)

	for signedDelta(myTicket, t.nextServed()) > 0 {
		if time.Now().After(deadline) {
			// Recover from a prior ticket holder that died before
			// serving its ticket: force next_served forward
			// unconditionally (spec.md §4.3).
			t.setNextServed(myTicket)

			break
		}

		time.Sleep(pollInterval)
	}

	return &Ticket{number: myTicket}, nil
}

// TryBegin attempts to take the write mutex without going through the
// ticket queue (spec.md §4.3 "non-blocking try-begin"). On success, the
// caller must still call [TicketScheduler.End] with the returned ticket.
func (t *TicketScheduler) TryBegin() (*Ticket, bool, error) {
	ok, err := t.mu.TryLock()
	if err != nil {
		return nil, false, err
	}

	if !ok {
		return nil, false, nil
	}

	// A non-blocking acquirer takes no place in the queue: next_ticket is
	// not incremented, so End must not advance next_served for it either
	// (bypassedQueue). The recorded number is the current next_served
	// value.
	return &Ticket{number: t.nextServed(), bypassedQueue: true}, true, nil
}

// End releases the write mutex and signals waiters (spec.md §4.3 "To end a
// write"): fetch-add 1 on next_served, unlock, broadcast (here: nothing to
// broadcast — waiters are polling next_served directly).
func (t *TicketScheduler) End(tk *Ticket) {
	if !tk.bypassedQueue {
		atomicAddU32(t.shared.buf, offNextServed, 1)
	}

	t.mu.Unlock()
}

func (t *TicketScheduler) nextServed() uint32 { return atomicLoadU32(t.shared.buf, offNextServed) }

func (t *TicketScheduler) setNextServed(v uint32) {
	for {
		old := atomicLoadU32(t.shared.buf, offNextServed)
		if signedDelta(old, v) >= 0 {
			return // already served at least this far
		}

		if atomicCASU32(t.shared.buf, offNextServed, old, v) {
			return
		}
	}
}

// Ticket is a held position in the write-lock queue.
type Ticket struct {
	number        uint32
	bypassedQueue bool
}

// signedDelta computes a−b as a signed 32-bit value, which is required for
// correct ordering across ticket-counter wraparound (spec.md §4.3).
func signedDelta(a, b uint32) int32 { return int32(a - b) }
