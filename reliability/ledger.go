// Package reliability implements the selective-repeat in-flight ledger: a
// sequence-keyed table of unacknowledged Transport frames, a window gate,
// and the candidate-collection half of the retransmit sweep (the actual
// socket I/O stays in the datapath package so the ledger lock is never held
// across a suspension point).
package reliability

import (
	"sync"
	"time"
)

// Entry is a single in-flight Transport frame awaiting its Ack.
type Entry struct {
	SentAt  time.Time
	Encoded []byte
	Retries int
}

// Candidate is an entry whose age exceeded the RTO at sweep time, collected
// for retransmission outside the ledger lock.
type Candidate struct {
	Seq     uint64
	Encoded []byte
}

// Ledger is the shared, lock-guarded in-flight table. All three datapath
// activities touch it; every critical section here is short and never
// spans an I/O call.
type Ledger struct {
	mu      sync.Mutex
	window  int
	entries map[uint64]*Entry
}

// New creates an empty ledger bounded at window in-flight entries.
func New(window int) *Ledger {
	return &Ledger{
		window:  window,
		entries: make(map[uint64]*Entry),
	}
}

// Len reports the current number of in-flight entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Full reports whether the ledger is at its window cap; the TX activity
// uses this as its sole flow-control signal.
func (l *Ledger) Full() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries) >= l.window
}

// Insert records a freshly-sent Transport frame. Callers must insert before
// handing encoded to the socket, so an immediate Ack can never race the
// entry's own creation.
func (l *Ledger) Insert(seq uint64, encoded []byte, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[seq] = &Entry{SentAt: now, Encoded: encoded}
}

// Remove deletes seq's entry, if any. A missing key is a no-op: it means a
// duplicate or stale Ack, not an error.
func (l *Ledger) Remove(seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[seq]; !ok {
		return false
	}
	delete(l.entries, seq)
	return true
}

// Sweep collects entries older than rto as retransmit candidates, and
// entries whose retry count has already reached maxRetries as evictions
// (bounding the otherwise-unbounded retransmission the base design flags).
// maxRetries <= 0 disables the cap. The ledger lock is held only for the
// duration of this scan; callers must perform all I/O after it returns.
func (l *Ledger) Sweep(now time.Time, rto time.Duration, maxRetries int) (retransmit []Candidate, evicted []uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for seq, e := range l.entries {
		if now.Sub(e.SentAt) <= rto {
			continue
		}
		if maxRetries > 0 && e.Retries >= maxRetries {
			evicted = append(evicted, seq)
			delete(l.entries, seq)
			continue
		}
		retransmit = append(retransmit, Candidate{Seq: seq, Encoded: e.Encoded})
	}
	return retransmit, evicted
}

// Touch refreshes an entry's SentAt and bumps its retry count after a
// successful retransmit. A missing key (already Acked concurrently) is a
// no-op.
func (l *Ledger) Touch(seq uint64, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[seq]; ok {
		e.SentAt = now
		e.Retries++
	}
}
