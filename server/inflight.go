package server

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gregorydemay/tarpc/internal/clock"
	"github.com/gregorydemay/tarpc/internal/errors"
)

// inFlightRequests is the deadline-ordered registry of active request IDs
// on one channel. Each entry pairs a request ID with the firing side of a
// cancel handle (a context.CancelFunc); the observing side is the derived
// context handed to the request handler.
//
// An entry leaves the registry through exactly one of three events: a
// response for its ID is handed to the transport, a cancellation message
// for its ID arrives, or its deadline expires. The last two fire the
// cancel handle; the first does not need to, because the handler is
// already done.
//
// A map indexed by ID and a deadline-ordered heap are kept in lockstep so
// that every transition costs one O(log n) update, and a single timer is
// rearmed only when the earliest deadline changes.
type inFlightRequests struct {
	log   *slog.Logger
	clock clock.Clock

	mu        sync.Mutex
	entries   map[uint64]*inFlightEntry
	deadlines deadlineHeap
	stopped   bool

	// removed is closed and replaced whenever entries leave the registry,
	// waking the write half and any throttler waiting for capacity.
	removed chan struct{}

	// rearm wakes the expiry loop when the earliest deadline changes.
	rearm chan struct{}
}

type inFlightEntry struct {
	id       uint64
	deadline time.Time
	cancel   context.CancelFunc

	// index is the entry's position in the deadline heap.
	index int
}

func newInFlightRequests(log *slog.Logger, clk clock.Clock) *inFlightRequests {
	return &inFlightRequests{
		log:     log,
		clock:   clk,
		entries: make(map[uint64]*inFlightEntry),
		removed: make(chan struct{}),
		rearm:   make(chan struct{}, 1),
	}
}

// start registers a request and returns the observing side of its cancel
// handle: a context derived from parent that is cancelled when the request
// is cancelled by the client, its deadline expires, or the channel shuts
// down. It fails with ErrRequestAlreadyInFlight if the ID is already
// registered, and ErrChannelClosed after stop.
func (r *inFlightRequests) start(parent context.Context, id uint64, deadline time.Time) (context.Context, error) {
	r.mu.Lock()

	if r.stopped {
		r.mu.Unlock()

		return nil, errors.ErrChannelClosed
	}

	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()

		return nil, errors.ErrRequestAlreadyInFlight
	}

	ctx, cancel := context.WithCancel(parent)
	entry := &inFlightEntry{id: id, deadline: deadline, cancel: cancel}
	r.entries[id] = entry
	heap.Push(&r.deadlines, entry)
	newEarliest := entry.index == 0

	r.mu.Unlock()

	if newEarliest {
		r.poke()
	}

	return ctx, nil
}

// cancel removes the entry for id and fires its cancel handle. It reports
// whether an entry was present.
func (r *inFlightRequests) cancel(id uint64) bool {
	r.mu.Lock()

	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()

		return false
	}

	r.deleteLocked(entry)
	r.mu.Unlock()

	entry.cancel()

	return true
}

// remove drops the entry for id without firing it. Called when a response
// is about to enter the transport; the handler is already done, so firing
// would be a no-op and the CancelFunc is invoked only to release the
// context. Removal is idempotent: a missing ID is not an error, since the
// handler may have finished after a cancellation.
func (r *inFlightRequests) remove(id uint64) {
	r.mu.Lock()

	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()

		return
	}

	r.deleteLocked(entry)
	r.mu.Unlock()

	entry.cancel()
}

// len returns the number of requests currently in flight.
func (r *inFlightRequests) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// removals returns a channel that is closed the next time one or more
// entries leave the registry. Callers re-fetch it after every wake.
func (r *inFlightRequests) removals() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removed
}

// stop fires every outstanding cancel handle and rejects all further
// starts. Used when the channel is dropped: handlers observe cancellation
// before stop returns.
func (r *inFlightRequests) stop() {
	r.mu.Lock()

	if r.stopped {
		r.mu.Unlock()

		return
	}

	r.stopped = true
	fired := make([]*inFlightEntry, 0, len(r.entries))

	for _, entry := range r.entries {
		fired = append(fired, entry)
	}

	r.entries = make(map[uint64]*inFlightEntry)
	r.deadlines = nil
	close(r.removed)
	r.removed = make(chan struct{})

	r.mu.Unlock()

	for _, entry := range fired {
		entry.cancel()
	}
}

// expireLoop fires deadlines as they are reached. It arms one timer for
// the earliest deadline and rearms only when the heap head changes or the
// head expires. Runs until ctx is cancelled.
func (r *inFlightRequests) expireLoop(ctx context.Context) {
	for {
		var (
			timer clock.Timer
			fire  <-chan time.Time
		)

		r.mu.Lock()

		if len(r.deadlines) > 0 {
			timer = r.clock.NewTimer(r.deadlines[0].deadline.Sub(r.clock.Now()))
			fire = timer.C()
		}

		r.mu.Unlock()

		select {
		case <-fire:
			r.expire()
		case <-r.rearm:
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// expire pops every entry whose deadline has passed, fires its cancel
// handle, and logs it. The client is no longer waiting, so no response is
// synthesized.
func (r *inFlightRequests) expire() {
	now := r.clock.Now()

	r.mu.Lock()

	var fired []*inFlightEntry

	for len(r.deadlines) > 0 && !r.deadlines[0].deadline.After(now) {
		entry := heap.Pop(&r.deadlines).(*inFlightEntry)
		delete(r.entries, entry.id)
		fired = append(fired, entry)
	}

	if len(fired) > 0 {
		close(r.removed)
		r.removed = make(chan struct{})
	}

	r.mu.Unlock()

	for _, entry := range fired {
		entry.cancel()
		r.log.Debug("Request did not complete before deadline", "request_id", entry.id)
	}
}

// deleteLocked removes entry from both the map and the heap, and signals
// the removal broadcast. Caller holds r.mu.
func (r *inFlightRequests) deleteLocked(entry *inFlightEntry) {
	delete(r.entries, entry.id)
	heap.Remove(&r.deadlines, entry.index)
	close(r.removed)
	r.removed = make(chan struct{})
}

// poke wakes the expiry loop after the earliest deadline changed.
func (r *inFlightRequests) poke() {
	select {
	case r.rearm <- struct{}{}:
	default:
	}
}

// deadlineHeap orders in-flight entries by deadline, ascending.
type deadlineHeap []*inFlightEntry

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	entry := x.(*inFlightEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]

	return entry
}
