// Package link implements the peer link state machine for EclipseTV.
//
// The link turns the transport's unreliable advertise/browse primitives
// into a single stable session: it runs discovery for the device's role,
// auto-invites matching peers, tracks the session lifecycle
// (idle → discovering → connecting → connected → disconnected), restarts
// discovery after a loss, and drives the reconnection scheduler when a
// previously selected peer disappears.
//
// Example:
//
//	l := link.New(link.Config{
//	    Role:      peer.RoleBrowser,
//	    LocalName: "Bedroom iPhone",
//	    Discoverer: transport.NewMDNSDiscoverer(),
//	    Dial:      transport.Dial,
//	})
//	l.OnStateChanged(func(p *peer.Peer, state peer.SessionState) {
//	    fmt.Println(p.ID, state)
//	})
//	l.StartDiscovery()
package link

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/jonmobley/EclipseTV/peer"
	"github.com/jonmobley/EclipseTV/transport"
)

const (
	// DefaultDeviceMarker is the substring a discovered peer's name must
	// contain to qualify for auto-invitation.
	DefaultDeviceMarker = "Apple TV"

	// discoveryRetryDelay is the fixed delay between discovery start
	// attempts after a transient failure.
	discoveryRetryDelay = 3 * time.Second
	// discoveryRetryBusyDelay is the longer delay used when the failure
	// indicates the discovery channel is already in use.
	discoveryRetryBusyDelay = 10 * time.Second

	// inviteTimeout bounds a single invitation handshake.
	inviteTimeout = 10 * time.Second
)

// DialFunc establishes an outbound session to a discovered address.
type DialFunc func(ctx context.Context, addr string, cfg transport.Config) (transport.Session, error)

// Config configures a Link.
type Config struct {
	// Role selects advertise (receiver) or browse (sender) discovery.
	Role peer.Role
	// LocalName is this device's display name, advertised to peers and
	// carried as the invite context.
	LocalName string
	// DeviceMarker gates auto-invitation; empty means DefaultDeviceMarker.
	DeviceMarker string
	// AdvertisePort is the session listener port published via discovery.
	AdvertisePort int
	// Discoverer provides advertise/browse.
	Discoverer transport.Discoverer
	// Dial establishes outbound sessions (browser role). Nil is allowed
	// for the advertiser role, which only accepts.
	Dial DialFunc
	// MaxRetries and RetryBase tune the reconnection scheduler; zero
	// values select the defaults.
	MaxRetries int
	RetryBase  time.Duration
}

// Link discovers peers, negotiates exactly one session, and surfaces
// state changes. All public operations are safe for concurrent use.
type Link struct {
	cfg   Config
	retry *RetryCoordinator

	mu            sync.Mutex
	state         peer.SessionState
	discovering   bool
	discoveryCtx  context.Context
	discoveryStop context.CancelFunc
	session       *peer.Session
	transportSess transport.Session
	selected      *peer.Peer
	addrs         map[string]string

	onPeerFound    func(*peer.Peer)
	onPeerLost     func(*peer.Peer)
	onStateChanged func(*peer.Peer, peer.SessionState)
	onSession      func(transport.Session)
}

// New creates an idle Link.
func New(cfg Config) *Link {
	if cfg.DeviceMarker == "" {
		cfg.DeviceMarker = DefaultDeviceMarker
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = DefaultRetryBase
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"role":     cfg.Role.String(),
		"name":     cfg.LocalName,
	}).Info("Creating peer link")

	l := &Link{
		cfg:   cfg,
		state: peer.SessionIdle,
		addrs: make(map[string]string),
	}
	l.retry = NewRetryCoordinator(cfg.MaxRetries, cfg.RetryBase, l.reconnectSelected)
	return l
}

// OnPeerFound sets the callback for discovery appearances.
func (l *Link) OnPeerFound(callback func(*peer.Peer)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onPeerFound = callback
}

// OnPeerLost sets the callback for discovery disappearances.
func (l *Link) OnPeerLost(callback func(*peer.Peer)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onPeerLost = callback
}

// OnStateChanged sets the callback for session state transitions.
func (l *Link) OnStateChanged(callback func(*peer.Peer, peer.SessionState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStateChanged = callback
}

// OnSession sets the callback invoked with every newly established
// transport session, before the connected state change fires.
func (l *Link) OnSession(callback func(transport.Session)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSession = callback
}

// State returns the current session state.
func (l *Link) State() peer.SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Discovering reports whether discovery is currently active.
func (l *Link) Discovering() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.discovering
}

// Retry exposes the reconnection coordinator, mainly for tests.
func (l *Link) Retry() *RetryCoordinator {
	return l.retry
}

// StartDiscovery begins advertising or browsing depending on role. It is
// idempotent: a no-op when discovery is already active. Start failures
// are retried indefinitely on a fixed delay, with a longer delay when the
// channel is already in use.
func (l *Link) StartDiscovery() {
	l.mu.Lock()
	if l.discovering {
		logrus.WithFields(logrus.Fields{
			"function": "StartDiscovery",
		}).Debug("Discovery already active")
		l.mu.Unlock()
		return
	}
	l.discovering = true
	ctx, cancel := context.WithCancel(context.Background())
	l.discoveryCtx = ctx
	l.discoveryStop = cancel
	var notify func()
	if l.state == peer.SessionIdle || l.state == peer.SessionDisconnected {
		notify = l.setStateLocked(peer.SessionDiscovering)
	}
	l.mu.Unlock()

	if notify != nil {
		notify()
	}
	go l.runDiscovery(ctx)
}

// StopDiscovery halts discovery without affecting a connected session.
// Idempotent.
func (l *Link) StopDiscovery() {
	l.mu.Lock()
	if !l.discovering {
		l.mu.Unlock()
		return
	}
	l.discovering = false
	stop := l.discoveryStop
	l.discoveryStop = nil
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "StopDiscovery",
		"role":     l.cfg.Role.String(),
	}).Info("Stopping discovery")

	if stop != nil {
		stop()
	}
	l.cfg.Discoverer.Stop()
}

// runDiscovery starts the role's discovery primitive, retrying start
// failures until it succeeds or discovery is stopped.
func (l *Link) runDiscovery(ctx context.Context) {
	b := &discoveryBackOff{}

	op := func() error {
		var err error
		if l.cfg.Role == peer.RoleAdvertiser {
			err = l.cfg.Discoverer.Advertise(ctx, l.cfg.LocalName, l.cfg.AdvertisePort)
		} else {
			err = l.cfg.Discoverer.Browse(ctx, l.handleFound, l.handleLost)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runDiscovery",
				"role":     l.cfg.Role.String(),
				"error":    err.Error(),
			}).Warn("Discovery start failed, will retry")
		}
		b.lastErr = err
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "runDiscovery",
			"error":    err.Error(),
		}).Debug("Discovery retry loop ended")
	}
}

// discoveryBackOff retries discovery starts forever: a fixed delay
// normally, a longer one when the channel is already in use.
type discoveryBackOff struct {
	lastErr error
}

func (b *discoveryBackOff) NextBackOff() time.Duration {
	if isChannelBusy(b.lastErr) {
		return discoveryRetryBusyDelay
	}
	return discoveryRetryDelay
}

func (b *discoveryBackOff) Reset() {}

// isChannelBusy reports whether a discovery failure means the multicast
// channel is already claimed by another process.
func isChannelBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "in use")
}

// handleFound records a discovered peer and auto-invites it when its name
// carries the device-class marker and no peer is currently selected.
func (l *Link) handleFound(instance, addr string) {
	p := peer.New(instance, peer.RoleAdvertiser)

	l.mu.Lock()
	l.addrs[instance] = addr
	callback := l.onPeerFound
	autoInvite := l.selected == nil &&
		l.session == nil &&
		strings.Contains(instance, l.cfg.DeviceMarker)
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "handleFound",
		"peer_id":     instance,
		"addr":        addr,
		"auto_invite": autoInvite,
	}).Info("Peer found")

	if callback != nil {
		callback(p)
	}
	if autoInvite {
		l.Invite(p)
	}
}

// handleLost surfaces a discovery disappearance.
func (l *Link) handleLost(instance string) {
	l.mu.Lock()
	delete(l.addrs, instance)
	callback := l.onPeerLost
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleLost",
		"peer_id":  instance,
	}).Info("Peer lost")

	if callback != nil {
		callback(peer.New(instance, peer.RoleAdvertiser))
	}
}

// Invite sends a connection request to the peer, carrying the local name
// as the identifying context. It is a local no-op when a session is
// already connected or a handshake is in flight.
func (l *Link) Invite(p *peer.Peer) {
	l.mu.Lock()
	if l.session != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "Invite",
			"peer_id":       p.ID,
			"session_state": l.session.State.String(),
			"session_peer":  l.session.Peer.ID,
		}).Debug("Ignoring invite, session already exists")
		l.mu.Unlock()
		return
	}
	if l.cfg.Dial == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Invite",
			"peer_id":  p.ID,
		}).Warn("No dialer configured, cannot invite")
		l.mu.Unlock()
		return
	}
	addr, ok := l.addrs[p.ID]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Invite",
			"peer_id":  p.ID,
		}).Warn("Peer has no known address, cannot invite")
		l.mu.Unlock()
		return
	}

	l.selected = p
	l.session = peer.NewSession(p)
	notify := l.setStateLocked(peer.SessionConnecting)
	l.mu.Unlock()

	if notify != nil {
		notify()
	}
	go l.connect(p, addr)
}

// connect performs the invitation handshake off the caller's goroutine.
func (l *Link) connect(p *peer.Peer, addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), inviteTimeout)
	defer cancel()

	sess, err := l.cfg.Dial(ctx, addr, transport.Config{
		Name:    l.cfg.LocalName,
		Context: l.cfg.LocalName,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "connect",
			"peer_id":  p.ID,
			"addr":     addr,
			"error":    err.Error(),
		}).Warn("Invitation failed")
		l.handleDisconnect(p, err)
		return
	}

	l.AttachSession(sess)
}

// AttachSession installs an established transport session. Both roles
// funnel through here: the browser after a successful dial, the
// advertiser from its accept loop. A second session while one is live is
// rejected and closed.
func (l *Link) AttachSession(sess transport.Session) {
	l.mu.Lock()
	if l.session != nil && l.session.State == peer.SessionConnected {
		logrus.WithFields(logrus.Fields{
			"function": "AttachSession",
			"remote":   sess.Remote(),
			"current":  l.session.Peer.ID,
		}).Warn("Rejecting session, already connected")
		l.mu.Unlock()
		sess.Close()
		return
	}

	p := l.selected
	if p == nil || p.ID != sess.Remote() {
		p = peer.New(sess.Remote(), l.remoteRole())
		l.selected = p
	}
	if l.session == nil || l.session.Peer != p {
		l.session = peer.NewSession(p)
	}
	l.transportSess = sess
	l.session.SetState(peer.SessionConnected)
	notify := l.setStateLocked(peer.SessionConnected)
	sessionCallback := l.onSession
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "AttachSession",
		"peer_id":  p.ID,
	}).Info("Session established")

	sess.OnClose(func(err error) {
		l.handleDisconnect(p, err)
	})

	l.retry.Reset()

	if sessionCallback != nil {
		sessionCallback(sess)
	}
	if notify != nil {
		notify()
	}

	// A connected session makes further invitations redundant.
	l.StopDiscovery()
}

// remoteRole returns the role the remote peer plays, the inverse of ours.
func (l *Link) remoteRole() peer.Role {
	if l.cfg.Role == peer.RoleAdvertiser {
		return peer.RoleBrowser
	}
	return peer.RoleAdvertiser
}

// Session returns the live transport session, or nil.
func (l *Link) Session() transport.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil || l.session.State != peer.SessionConnected {
		return nil
	}
	return l.transportSess
}

// Selected returns the currently selected peer, or nil.
func (l *Link) Selected() *peer.Peer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.selected
}

// handleDisconnect tears down the session, restarts discovery, and
// engages the reconnection scheduler if the lost peer had been selected.
func (l *Link) handleDisconnect(p *peer.Peer, cause error) {
	l.mu.Lock()
	if l.session == nil || l.session.Peer != p {
		// A stale close notification from a superseded session.
		l.mu.Unlock()
		return
	}
	l.session = nil
	l.transportSess = nil
	wasSelected := l.selected != nil && l.selected.ID == p.ID
	notify := l.setStateLocked(peer.SessionDisconnected)
	l.mu.Unlock()

	if notify != nil {
		notify()
	}

	fields := logrus.Fields{
		"function":     "handleDisconnect",
		"peer_id":      p.ID,
		"was_selected": wasSelected,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	logrus.WithFields(fields).Info("Session disconnected")

	// Recovery edge: disconnected devices go straight back to searching.
	l.StartDiscovery()

	if wasSelected {
		l.retry.Schedule()
	}
}

// reconnectSelected is the retry coordinator's attempt: re-invite the
// previously selected peer if its address is still known.
func (l *Link) reconnectSelected() {
	l.mu.Lock()
	p := l.selected
	var addr string
	if p != nil {
		addr = l.addrs[p.ID]
	}
	connected := l.session != nil && l.session.State == peer.SessionConnected
	l.mu.Unlock()

	if p == nil || connected {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "reconnectSelected",
		"peer_id":  p.ID,
		"attempt":  l.retry.Attempts(),
	}).Info("Attempting reconnection")

	if addr == "" {
		// Peer not currently visible; count the attempt and wait for the
		// next one rather than failing the whole recovery.
		l.retry.Schedule()
		return
	}

	l.Invite(p)
}

// Close tears the link down: stops discovery, closes any live session,
// and cancels pending reconnection attempts.
func (l *Link) Close() {
	l.StopDiscovery()
	l.retry.Cancel()

	l.mu.Lock()
	sess := l.transportSess
	l.session = nil
	l.transportSess = nil
	l.selected = nil
	notify := l.setStateLocked(peer.SessionIdle)
	l.mu.Unlock()

	if notify != nil {
		notify()
	}
	if sess != nil {
		sess.Close()
	}
}

// setStateLocked records a state transition and returns the callback
// notification for the caller to fire after releasing mu, so observers
// see transitions in the order they happened. Must be called with mu
// held; returns nil when nothing changed or no callback is set.
func (l *Link) setStateLocked(state peer.SessionState) func() {
	if l.state == state {
		return nil
	}
	l.state = state
	p := l.selected
	callback := l.onStateChanged

	logrus.WithFields(logrus.Fields{
		"function": "setStateLocked",
		"state":    state.String(),
	}).Debug("Link state changed")

	if callback == nil {
		return nil
	}
	return func() { callback(p, state) }
}
