// Package ingest buffers inbound media while the receiving UI is in
// move mode, then hands everything over in arrival order once the mode
// ends. Outside move mode items pass straight through.
package ingest

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jonmobley/EclipseTV/transfer"
)

// Item is one received media file waiting for delivery.
type Item struct {
	Path string
	Kind transfer.Kind
}

// DeliverFunc receives one drained item. display is true only for the
// item the UI should show, which is the last of a drained batch.
type DeliverFunc func(item Item, display bool)

// Queue serializes media delivery around move mode. All methods are safe
// for concurrent use.
type Queue struct {
	mu         sync.Mutex
	locked     bool
	draining   bool
	pending    []Item
	deliver    DeliverFunc
	onBuffered func(Item)
}

// NewQueue creates a queue delivering through the given function.
func NewQueue(deliver DeliverFunc) *Queue {
	return &Queue{deliver: deliver}
}

// OnBuffered sets the callback fired when an item is held back instead
// of delivered, so the UI can acknowledge it will appear later.
func (q *Queue) OnBuffered(callback func(Item)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onBuffered = callback
}

// SetLocked toggles move-mode buffering. Unlocking drains whatever
// accumulated while locked.
func (q *Queue) SetLocked(locked bool) {
	q.mu.Lock()
	wasLocked := q.locked
	q.locked = locked
	buffered := len(q.pending)
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetLocked",
		"locked":   locked,
		"buffered": buffered,
	}).Info("Move mode changed")

	if wasLocked && !locked {
		q.Drain()
	}
}

// Locked reports whether the queue is buffering.
func (q *Queue) Locked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.locked
}

// Pending returns the number of buffered items.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Enqueue accepts one received item. While the queue is locked or a
// drain is running the item is buffered, preserving arrival order;
// otherwise it is delivered immediately for display.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	if q.locked || q.draining {
		q.pending = append(q.pending, item)
		count := len(q.pending)
		buffered := q.onBuffered
		q.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Enqueue",
			"path":     item.Path,
			"buffered": count,
		}).Debug("Buffered item during move mode")

		if buffered != nil {
			buffered(item)
		}
		return
	}
	deliver := q.deliver
	q.mu.Unlock()

	if deliver != nil {
		deliver(item, true)
	}
}

// Drain delivers all buffered items in arrival order, displaying only
// the last. It is a no-op while locked, and re-entrant calls return
// immediately while a drain is running. Items arriving mid-drain are
// picked up by the same drain.
func (q *Queue) Drain() {
	q.mu.Lock()
	if q.locked || q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	total := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.locked {
			q.mu.Unlock()
			break
		}
		item := q.pending[0]
		q.pending = q.pending[1:]
		last := len(q.pending) == 0
		deliver := q.deliver
		q.mu.Unlock()

		if deliver != nil {
			deliver(item, last)
		}
		total++
	}

	if total > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Drain",
			"drained":  total,
		}).Info("Drained buffered media")
	}
}

// DrainAfter schedules a drain once delay elapses, letting in-flight
// transfers land before buffered items are released.
func (q *Queue) DrainAfter(delay time.Duration) {
	time.AfterFunc(delay, q.Drain)
}
