package link

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxRetries is how many reconnection attempts are made before
	// giving up on a lost peer.
	DefaultMaxRetries = 3
	// DefaultRetryBase is the per-attempt delay unit. Attempt n waits
	// n * DefaultRetryBase, so the sequence is 2s, 4s, 6s.
	DefaultRetryBase = 2 * time.Second
)

// timerFunc schedules f after d and returns a stop function. It exists so
// tests can capture delays and fire attempts deterministically.
type timerFunc func(d time.Duration, f func()) (stop func() bool)

func defaultTimerFunc(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, f)
	return t.Stop
}

// RetryCoordinator schedules reconnection attempts to a known-good peer
// after unexpected disconnection. The delay grows linearly with the
// attempt number (2s, 4s, 6s) and the attempt counter resets on any
// successful connect. Past the cap it gives up silently, logging only.
type RetryCoordinator struct {
	maxRetries int
	base       time.Duration
	attempt    func()

	mu      sync.Mutex
	count   int
	pending func() bool
	timer   timerFunc
}

// NewRetryCoordinator creates a coordinator that invokes attempt for each
// scheduled reconnection.
func NewRetryCoordinator(maxRetries int, base time.Duration, attempt func()) *RetryCoordinator {
	return &RetryCoordinator{
		maxRetries: maxRetries,
		base:       base,
		attempt:    attempt,
		timer:      defaultTimerFunc,
	}
}

// Schedule arms the next reconnection attempt. Only one timer may be
// pending; scheduling again cancels the previous one. Returns false when
// the attempt cap is already exhausted, in which case the counter resets
// so a future disconnection starts fresh.
func (r *RetryCoordinator) Schedule() bool {
	r.mu.Lock()

	if r.count >= r.maxRetries {
		logrus.WithFields(logrus.Fields{
			"function":    "Schedule",
			"max_retries": r.maxRetries,
		}).Warn("Reconnection attempts exhausted, giving up")
		r.count = 0
		r.cancelLocked()
		r.mu.Unlock()
		return false
	}

	r.count++
	delay := time.Duration(r.count) * r.base
	r.cancelLocked()

	logrus.WithFields(logrus.Fields{
		"function": "Schedule",
		"attempt":  r.count,
		"delay":    delay,
	}).Info("Scheduling reconnection attempt")

	r.pending = r.timer(delay, func() {
		r.mu.Lock()
		r.pending = nil
		r.mu.Unlock()
		r.attempt()
	})
	r.mu.Unlock()
	return true
}

// Reset clears the attempt counter and any pending timer. Called on every
// successful connect.
func (r *RetryCoordinator) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count != 0 || r.pending != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Reset",
			"attempts": r.count,
		}).Debug("Resetting reconnection state")
	}

	r.count = 0
	r.cancelLocked()
}

// Cancel stops a pending attempt without touching the counter.
func (r *RetryCoordinator) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked()
}

// Attempts returns the number of attempts consumed since the last reset.
func (r *RetryCoordinator) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// cancelLocked stops the pending timer. Must be called with mu held.
func (r *RetryCoordinator) cancelLocked() {
	if r.pending != nil {
		r.pending()
		r.pending = nil
	}
}
