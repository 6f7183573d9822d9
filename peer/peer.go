// Package peer implements peer identity and session state for the EclipseTV
// link-local protocol.
//
// A Peer is a discoverable remote device identified by a stable name. A
// Session is the single channel to the currently connected peer; at most one
// non-terminal Session exists per device.
//
// Example:
//
//	p := peer.New("Living Room Apple TV", peer.RoleAdvertiser)
//	s := peer.NewSession(p)
//	s.SetState(peer.SessionConnecting)
package peer

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Role indicates which side of discovery a peer plays.
type Role uint8

const (
	// RoleAdvertiser represents the receiving device, which advertises itself.
	RoleAdvertiser Role = iota
	// RoleBrowser represents the sending device, which browses for advertisers.
	RoleBrowser
)

// String returns a human-readable role name.
func (r Role) String() string {
	switch r {
	case RoleAdvertiser:
		return "advertiser"
	case RoleBrowser:
		return "browser"
	default:
		return "unknown"
	}
}

// SessionState represents the lifecycle state of the device's session.
type SessionState uint8

const (
	// SessionIdle indicates no discovery and no connection.
	SessionIdle SessionState = iota
	// SessionDiscovering indicates discovery is active with no connection yet.
	SessionDiscovering
	// SessionConnecting indicates an invitation handshake is in flight.
	SessionConnecting
	// SessionConnected indicates an established session to a peer.
	SessionConnected
	// SessionDisconnected indicates the previous session was lost.
	SessionDisconnected
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionDiscovering:
		return "discovering"
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// defaultTimeProvider is the package-level default time provider.
var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// Peer represents a discoverable remote device. The ID is the device's
// advertised display name and is stable for the lifetime of the remote
// process. Peers are discovered, never owned.
type Peer struct {
	ID       string
	Role     Role
	LastSeen time.Time

	timeProvider TimeProvider
}

// New creates a Peer with the given identity and role.
func New(id string, role Role) *Peer {
	return NewWithTimeProvider(id, role, defaultTimeProvider)
}

// NewWithTimeProvider creates a Peer with a custom time provider.
func NewWithTimeProvider(id string, role Role, tp TimeProvider) *Peer {
	if tp == nil {
		tp = defaultTimeProvider
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"peer_id":  id,
		"role":     role.String(),
	}).Info("Creating new peer")

	return &Peer{
		ID:           id,
		Role:         role,
		LastSeen:     tp.Now(),
		timeProvider: tp,
	}
}

// Touch updates the peer's last-seen timestamp.
func (p *Peer) Touch() {
	tp := p.timeProvider
	if tp == nil {
		tp = defaultTimeProvider
	}
	p.LastSeen = tp.Now()
}

// LastSeenDuration returns the duration since the peer was last seen.
func (p *Peer) LastSeenDuration() time.Duration {
	tp := p.timeProvider
	if tp == nil {
		tp = defaultTimeProvider
	}
	return tp.Now().Sub(p.LastSeen)
}

// Session represents the single active session to a connected peer. It is
// owned by the link layer and destroyed on disconnect.
type Session struct {
	Peer          *Peer
	State         SessionState
	EstablishedAt time.Time

	timeProvider TimeProvider
}

// NewSession creates a Session for the given peer in the connecting state.
func NewSession(p *Peer) *Session {
	return NewSessionWithTimeProvider(p, defaultTimeProvider)
}

// NewSessionWithTimeProvider creates a Session with a custom time provider.
func NewSessionWithTimeProvider(p *Peer, tp TimeProvider) *Session {
	if tp == nil {
		tp = defaultTimeProvider
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewSession",
		"peer_id":  p.ID,
	}).Info("Creating new session")

	return &Session{
		Peer:         p,
		State:        SessionConnecting,
		timeProvider: tp,
	}
}

// SetState transitions the session to the given state. Reaching
// SessionConnected records the establishment time.
func (s *Session) SetState(state SessionState) {
	logrus.WithFields(logrus.Fields{
		"function":  "SetState",
		"peer_id":   s.Peer.ID,
		"old_state": s.State.String(),
		"new_state": state.String(),
	}).Debug("Setting session state")

	s.State = state
	if state == SessionConnected {
		tp := s.timeProvider
		if tp == nil {
			tp = defaultTimeProvider
		}
		s.EstablishedAt = tp.Now()
	}
}

// IsConnected reports whether the session is established.
func (s *Session) IsConnected() bool {
	return s.State == SessionConnected
}
