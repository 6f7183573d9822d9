// Package transfer implements media transfer between linked EclipseTV
// devices.
//
// The engine moves one resource at a time per direction over an
// established session, reporting progress and waiting for an explicit
// delivery confirmation from the peer. Images and videos ride the
// transport's resource primitive; a chunked streaming path with an
// explicit size header exists for video when the peer's transport lacks
// resource transfer.
//
// Example:
//
//	engine := transfer.NewEngine(store)
//	engine.OnProgress(func(kind transfer.Kind, percent int) {
//	    fmt.Printf("%s: %d%%\n", kind, percent)
//	})
//	engine.BindSession(sess)
//	engine.SendImage("/photos/sunset.jpg")
package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Kind identifies the media category of a transfer.
type Kind uint8

const (
	// KindImage is a still image.
	KindImage Kind = iota
	// KindVideo is a video file.
	KindVideo
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Direction indicates whether a transfer is outbound or inbound.
type Direction uint8

const (
	// DirectionOutbound represents media being sent.
	DirectionOutbound Direction = iota
	// DirectionInbound represents media being received.
	DirectionInbound
)

// State represents the lifecycle state of a transfer.
type State uint8

const (
	// StatePending indicates the transfer has not started moving bytes.
	StatePending State = iota
	// StateInProgress indicates bytes are moving.
	StateInProgress
	// StateConfirmed indicates the peer confirmed delivery.
	StateConfirmed
	// StateFailed indicates the transfer failed.
	StateFailed
	// StateCancelled indicates the transfer was cancelled locally.
	StateCancelled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "inProgress"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateCancelled
}

// Transfer represents one in-flight send or receive of a media resource.
// Progress percentages reported through its callback are monotonically
// non-decreasing, and ticks arriving after cancellation are discarded.
type Transfer struct {
	ID         string
	Direction  Direction
	Kind       Kind
	TotalBytes int64
	Path       string

	mu          sync.Mutex
	transferred int64
	state       State
	lastPercent int
	cancel      context.CancelFunc
	progressCb  func(percent int)
	startedAt   time.Time
}

// NewTransfer creates a pending transfer. TotalBytes may be zero when the
// size is unknown; progress then stays at zero until completion.
func NewTransfer(direction Direction, kind Kind, path string, totalBytes int64) *Transfer {
	t := &Transfer{
		ID:         uuid.NewString(),
		Direction:  direction,
		Kind:       kind,
		Path:       path,
		TotalBytes: totalBytes,
		state:      StatePending,
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewTransfer",
		"transfer_id": t.ID,
		"direction":   direction,
		"kind":        kind.String(),
		"total_bytes": totalBytes,
	}).Info("Creating new transfer")

	return t
}

// SetProgressCallback registers the single progress observer. Safe for
// concurrent use.
func (t *Transfer) SetProgressCallback(callback func(percent int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressCb = callback
}

// setCancel attaches the context cancel releasing the underlying
// operation.
func (t *Transfer) setCancel(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = cancel
}

// begin moves the transfer into the in-progress state.
func (t *Transfer) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StatePending {
		t.state = StateInProgress
		t.startedAt = time.Now()
	}
}

// ReportBytes records cumulative bytes moved and delivers a progress
// tick. transferred never decreases; ticks after a terminal state are
// dropped.
func (t *Transfer) ReportBytes(transferred int64) {
	t.mu.Lock()
	if t.state != StateInProgress || transferred < t.transferred {
		t.mu.Unlock()
		return
	}
	t.transferred = transferred

	percent := 0
	if t.TotalBytes > 0 {
		percent = int(float64(transferred) / float64(t.TotalBytes) * 100.0)
		if percent > 100 {
			percent = 100
		}
	}
	if percent < t.lastPercent {
		percent = t.lastPercent
	}
	t.lastPercent = percent
	callback := t.progressCb
	t.mu.Unlock()

	if callback != nil {
		callback(percent)
	}
}

// Transferred returns the cumulative bytes moved.
func (t *Transfer) Transferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// Progress returns the last reported percentage.
func (t *Transfer) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastPercent
}

// State returns the current transfer state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Confirm marks the transfer delivered. No-op from a terminal state.
func (t *Transfer) Confirm() bool {
	return t.finish(StateConfirmed)
}

// Fail marks the transfer failed. No-op from a terminal state.
func (t *Transfer) Fail() bool {
	return t.finish(StateFailed)
}

// Cancel marks the transfer cancelled and releases the underlying
// operation. Later progress ticks are discarded. No-op from a terminal
// state.
func (t *Transfer) Cancel() bool {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()

	if !t.finish(StateCancelled) {
		return false
	}
	if cancel != nil {
		cancel()
	}
	return true
}

// finish transitions to a terminal state, releasing the progress
// observer so late ticks have nowhere to go.
func (t *Transfer) finish(state State) bool {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.state = state
	t.progressCb = nil
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "finish",
		"transfer_id": t.ID,
		"state":       state.String(),
	}).Info("Transfer finished")

	return true
}
