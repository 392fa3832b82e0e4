package transport

import (
	"sync"

	"github.com/dffmpeg-io/coordinator/internal/metrics"
)

// Waiters parks long-poll requests and wakes them when a downlink message
// arrives for their recipient. It carries no messages itself: a woken
// request re-reads the database, which stays the single source of truth.
//
// # Design: one-shot wake channels
//
// Each Wait registers a fresh channel under the recipient's ID; Wake closes
// every channel parked for that recipient and forgets them. A closed channel
// can never be missed, so the enqueue/park race reduces to "re-check the
// database after registering". Waiters are one-shot because every wake-up is
// followed by a drain; there is no message stream to keep ordered.
type Waiters struct {
	mu     sync.Mutex
	parked map[string][]chan struct{}
}

// NewWaiters creates an empty waiter table.
func NewWaiters() *Waiters {
	return &Waiters{parked: make(map[string][]chan struct{})}
}

// Wait registers a wake-up channel for recipientID. The channel is closed on
// the next Wake for that recipient. The returned release function must be
// called when the wait ends, woken or not; it is idempotent.
func (w *Waiters) Wait(recipientID string) (<-chan struct{}, func()) {
	ch := make(chan struct{})

	w.mu.Lock()
	w.parked[recipientID] = append(w.parked[recipientID], ch)
	w.mu.Unlock()
	metrics.LongPollWaiters.Inc()

	released := false
	release := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if released {
			return
		}
		released = true
		metrics.LongPollWaiters.Dec()

		chans := w.parked[recipientID]
		for i, c := range chans {
			if c == ch {
				w.parked[recipientID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(w.parked[recipientID]) == 0 {
			delete(w.parked, recipientID)
		}
	}
	return ch, release
}

// Wake wakes every request parked for recipientID. Waking a recipient with
// no parked requests is a no-op.
func (w *Waiters) Wake(recipientID string) {
	w.mu.Lock()
	chans := w.parked[recipientID]
	delete(w.parked, recipientID)
	w.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
}

// Parked returns the number of requests currently waiting. Intended for
// tests and health endpoints.
func (w *Waiters) Parked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, chans := range w.parked {
		n += len(chans)
	}
	return n
}
