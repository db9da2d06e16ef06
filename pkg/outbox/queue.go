// Package outbox provides the bounded outbound event queue shared by every
// producer of a session (dispatcher, synthesis bridge, metrics) and drained
// by the single writer goroutine.
package outbox

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/voxkit/voxbridge/pkg/events"
)

// ErrClosed is returned when enqueueing on a torn-down queue.
var ErrClosed = errors.New("outbox closed")

// Stats are cumulative counters for one queue.
type Stats struct {
	Pushed  int64
	Popped  int64
	Dropped int64
	Evicted int64
	Purged  int64
}

// Queue is a fixed-capacity FIFO with a class-aware overflow policy:
//
//   - critical events never overflow: when full, the oldest droppable entry
//     is evicted to make room; if every entry is critical, the caller blocks
//     until the writer frees a slot or the queue closes,
//   - droppable events are dropped on the floor when full and counted.
//
// FIFO order is preserved among retained entries.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      []events.Event
	capacity int
	closed   bool

	pushed  atomic.Int64
	popped  atomic.Int64
	dropped atomic.Int64
	evicted atomic.Int64
	purged  atomic.Int64
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 512
	}
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put enqueues a critical event. It never reports overflow: a full queue
// first sheds its oldest droppable entry, and only blocks when every
// retained entry is itself critical. Returns ErrClosed after Close.
func (q *Queue) Put(ev events.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return ErrClosed
		}
		if len(q.buf) < q.capacity {
			break
		}
		if q.evictOldestDroppableLocked() {
			break
		}
		q.notFull.Wait()
	}
	q.buf = append(q.buf, ev)
	q.pushed.Add(1)
	q.notEmpty.Signal()
	return nil
}

// TryPut enqueues a droppable event, discarding it when the queue is full.
// Reports whether the event was retained.
func (q *Queue) TryPut(ev events.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.buf) >= q.capacity {
		q.dropped.Add(1)
		return false
	}
	q.buf = append(q.buf, ev)
	q.pushed.Add(1)
	q.notEmpty.Signal()
	return true
}

// Get blocks until an event is available. The second return is false once
// the queue is closed and fully drained.
func (q *Queue) Get() (events.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 {
		if q.closed {
			return events.Event{}, false
		}
		q.notEmpty.Wait()
	}
	ev := q.buf[0]
	q.buf = q.buf[1:]
	q.popped.Add(1)
	q.notFull.Signal()
	return ev, true
}

// PurgeAudio removes every pending audio-class entry and returns the count.
// Invoked on barge-in so stale synthesis output never reaches the writer
// after the interrupt acknowledgement.
func (q *Queue) PurgeAudio() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.buf[:0]
	removed := 0
	for _, ev := range q.buf {
		if ev.IsAudioClass() {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	q.buf = kept
	if removed > 0 {
		q.purged.Add(int64(removed))
		q.notFull.Broadcast()
	}
	return removed
}

// Close wakes all blocked producers and lets the consumer drain what
// remains. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *Queue) Stats() Stats {
	return Stats{
		Pushed:  q.pushed.Load(),
		Popped:  q.popped.Load(),
		Dropped: q.dropped.Load(),
		Evicted: q.evicted.Load(),
		Purged:  q.purged.Load(),
	}
}

// evictOldestDroppableLocked frees one slot by removing the oldest
// droppable entry. Returns false when every entry is critical.
func (q *Queue) evictOldestDroppableLocked() bool {
	for i, ev := range q.buf {
		if ev.Class() == events.ClassDroppable {
			q.buf = append(q.buf[:i], q.buf[i+1:]...)
			q.evicted.Add(1)
			return true
		}
	}
	return false
}
