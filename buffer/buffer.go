// Package buffer implements the Assembly Buffer: a sparse vector of block
// slots (Empty, Filled, or Consumed), the returned-cursor bookkeeping, and
// the sync.Cond-based wake-up the Consumer Gate blocks on.
//
// A single mutex (embedded via sync.Cond) protects the slot states, the
// returned cursor R, and the invalid-block count, matching the "single
// mutex for R and invalid_block_count" requirement: fetchers only ever
// touch slot state through Deposit, and the consumer only ever advances R
// through Scan, so one lock suffices for both.
package buffer

import "sync"

// State is the lifecycle of one block slot.
type State int

const (
	Empty State = iota
	Filled
	Consumed
)

type slot struct {
	state State
	data  []byte
}

// Assembly is the block-slot vector plus the contiguous-prefix cursor.
type Assembly struct {
	mu     sync.Mutex
	cond   *sync.Cond
	slots   []slot
	cursor  int // R: count of consumed slots
	invalid int // invalid_block_count: Filled slots at index >= cursor

	closed    bool  // no active workers and buffer not complete
	closeErr  error // error to surface to a parked consumer, if closed
}

// New creates an Assembly with n empty slots.
func New(n int) *Assembly {
	a := &Assembly{slots: make([]slot, n)}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Len returns the total number of block slots.
func (a *Assembly) Len() int {
	return len(a.slots)
}

// Deposit writes data into slot i if it is still Empty, and wakes any
// parked consumer. It returns true if this call's data became the slot's
// contents (i.e. this caller "won" the race against a duplicate fetch).
func (a *Assembly) Deposit(i int, data []byte) bool {
	a.mu.Lock()
	won := a.slots[i].state == Empty
	if won {
		a.slots[i] = slot{state: Filled, data: data}
	}
	a.mu.Unlock()

	a.cond.Broadcast()
	return won
}

// IsEmpty reports whether slot i has not yet been filled. Used by the
// invalid-block duplication check (§4.4).
func (a *Assembly) IsEmpty(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots[i].state == Empty
}

// InvalidCount returns the current invalid_block_count: the number of
// Filled (not yet Consumed) slots at or beyond the returned cursor.
func (a *Assembly) InvalidCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.invalid
}

// Cursor returns the current returned cursor R.
func (a *Assembly) Cursor() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

// Scan performs the Consumer Gate's core step: starting at R, consume every
// contiguous Filled slot, marking it Consumed, and return the concatenated
// bytes. It does not block; callers that get an empty, non-done result must
// park and retry (ScanOrWait does both under one hold of the lock).
func (a *Assembly) Scan() (data []byte, done bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanLocked()
}

func (a *Assembly) scanLocked() (data []byte, done bool) {
	var out []byte
	i := a.cursor
	for i < len(a.slots) && a.slots[i].state == Filled {
		out = append(out, a.slots[i].data...)
		a.slots[i] = slot{state: Consumed}
		i++
	}
	a.cursor = i

	invalid := 0
	for j := a.cursor; j < len(a.slots); j++ {
		if a.slots[j].state == Filled {
			invalid++
		}
	}
	a.invalid = invalid

	return out, a.cursor == len(a.slots)
}

// Wait parks the caller until the next Deposit (or Close). It takes the
// lock itself, so a Deposit that lands after a separate Scan and before
// this call is not seen; ScanOrWait has no such gap.
func (a *Assembly) Wait() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cond.Wait()
}

// ScanOrWait is the Consumer Gate's real blocking step: scan, and if
// nothing is ready yet, park on cond.Wait without releasing the lock in
// between. That single hold is what makes the re-scan-before-parking
// invariant actually hold; a Scan call followed by a separately-locked
// Wait call has a gap where a Deposit's Broadcast lands on nobody.
//
// It returns once data is available, the buffer is done, or the buffer has
// been closed with nothing left to drain.
func (a *Assembly) ScanOrWait() (data []byte, done bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		data, done = a.scanLocked()
		if len(data) > 0 || done {
			return data, done, nil
		}
		if a.closed {
			return nil, false, a.closeErr
		}
		a.cond.Wait()
	}
}

// Close marks the buffer as permanently stalled (no active fetch loops
// remain) and wakes any parked consumer with err. Idempotent.
func (a *Assembly) Close(err error) {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		a.closeErr = err
	}
	a.mu.Unlock()
	a.cond.Broadcast()
}

// ClosedErr returns the error passed to Close, if any, and whether Close
// has been called.
func (a *Assembly) ClosedErr() (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeErr, a.closed
}
