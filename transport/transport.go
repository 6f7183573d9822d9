package transport

import (
	"context"
	"errors"
)

// ErrSessionClosed indicates an operation on a closed session.
var ErrSessionClosed = errors.New("session closed")

// ProgressFunc reports resource transfer progress. It is invoked with the
// cumulative bytes moved and the resource's total size on every underlying
// tick; sent never decreases between calls for a given resource.
type ProgressFunc func(sent, total int64)

// MessageHandler processes an inbound byte message from the peer.
type MessageHandler func(data []byte)

// ResourceHandler processes a completed inbound resource. The path points
// at the locally persisted copy.
type ResourceHandler func(name, path string)

// Session is the single encrypted bidirectional channel to a connected
// peer. Messages are delivered reliably and in order; resources travel out
// of band from messages and carry their own progress stream.
type Session interface {
	// Remote returns the peer's advertised identity.
	Remote() string

	// Context returns the short context string carried by the invite that
	// established this session.
	Context() string

	// SendMessage sends a byte message over the control channel.
	SendMessage(data []byte) error

	// SendResource sends the file at path as a named resource, invoking
	// progress as bytes move. It blocks until the peer has the full
	// resource or the context is cancelled.
	SendResource(ctx context.Context, name, path string, progress ProgressFunc) error

	// OnMessage registers the handler for inbound byte messages.
	OnMessage(handler MessageHandler)

	// OnResource registers the handler for completed inbound resources.
	OnResource(handler ResourceHandler)

	// OnClose registers a handler invoked exactly once when the session
	// ends, whether by local Close or by losing the peer. The error is
	// nil for a local close.
	OnClose(handler func(err error))

	// Close tears down the session. Safe to call more than once.
	Close() error
}

// FoundFunc is invoked when discovery sees a peer.
type FoundFunc func(instance, addr string)

// LostFunc is invoked when a previously found peer stops answering.
type LostFunc func(instance string)

// Discoverer provides the advertise/browse half of the transport. An
// advertiser publishes its instance name under the shared service
// identifier; a browser watches for instances and reports them.
type Discoverer interface {
	// Advertise publishes the given instance name until ctx is cancelled
	// or Stop is called.
	Advertise(ctx context.Context, instance string, port int) error

	// Browse watches for advertised instances until ctx is cancelled or
	// Stop is called, reporting appearances and disappearances.
	Browse(ctx context.Context, found FoundFunc, lost LostFunc) error

	// Stop halts any active advertise or browse.
	Stop()
}
