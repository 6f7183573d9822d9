package link

import (
	"context"
	"sync"
	"time"

	"github.com/jonmobley/EclipseTV/transport"
)

// mockDiscoverer implements transport.Discoverer for testing.
type mockDiscoverer struct {
	mu            sync.Mutex
	advertiseErr  error
	browseErr     error
	advertised    []string
	browsing      bool
	stopped       int
	found         transport.FoundFunc
	lost          transport.LostFunc
	advertiseCall int
	browseCall    int
}

func newMockDiscoverer() *mockDiscoverer {
	return &mockDiscoverer{}
}

func (m *mockDiscoverer) Advertise(ctx context.Context, instance string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advertiseCall++
	if m.advertiseErr != nil {
		err := m.advertiseErr
		return err
	}
	m.advertised = append(m.advertised, instance)
	return nil
}

func (m *mockDiscoverer) Browse(ctx context.Context, found transport.FoundFunc, lost transport.LostFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.browseCall++
	if m.browseErr != nil {
		return m.browseErr
	}
	m.browsing = true
	m.found = found
	m.lost = lost
	return nil
}

func (m *mockDiscoverer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	m.browsing = false
}

// simulateFound delivers a discovery appearance to the link.
func (m *mockDiscoverer) simulateFound(instance, addr string) {
	m.mu.Lock()
	found := m.found
	m.mu.Unlock()
	if found != nil {
		found(instance, addr)
	}
}

// simulateLost delivers a discovery disappearance to the link.
func (m *mockDiscoverer) simulateLost(instance string) {
	m.mu.Lock()
	lost := m.lost
	m.mu.Unlock()
	if lost != nil {
		lost(instance)
	}
}

// mockSession implements transport.Session for testing.
type mockSession struct {
	mu         sync.Mutex
	remote     string
	inviteCtx  string
	messages   [][]byte
	resources  []string
	msgHandler transport.MessageHandler
	resHandler transport.ResourceHandler
	onClose    func(error)
	closed     bool
}

func newMockSession(remote string) *mockSession {
	return &mockSession{remote: remote}
}

func (m *mockSession) Remote() string  { return m.remote }
func (m *mockSession) Context() string { return m.inviteCtx }

func (m *mockSession) SendMessage(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return transport.ErrSessionClosed
	}
	m.messages = append(m.messages, data)
	return nil
}

func (m *mockSession) SendResource(ctx context.Context, name, path string, progress transport.ProgressFunc) error {
	m.mu.Lock()
	m.resources = append(m.resources, name)
	m.mu.Unlock()
	if progress != nil {
		progress(100, 100)
	}
	return nil
}

func (m *mockSession) OnMessage(handler transport.MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgHandler = handler
}

func (m *mockSession) OnResource(handler transport.ResourceHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resHandler = handler
}

func (m *mockSession) OnClose(handler func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = handler
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	alreadyClosed := m.closed
	m.closed = true
	handler := m.onClose
	m.mu.Unlock()
	if !alreadyClosed && handler != nil {
		handler(nil)
	}
	return nil
}

// simulateDrop invokes the close handler as if the peer vanished.
func (m *mockSession) simulateDrop(err error) {
	m.mu.Lock()
	m.closed = true
	handler := m.onClose
	m.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

func (m *mockSession) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// mockDialer hands out scripted sessions.
type mockDialer struct {
	mu       sync.Mutex
	sessions map[string]*mockSession
	err      error
	dials    []string
}

func newMockDialer() *mockDialer {
	return &mockDialer{sessions: make(map[string]*mockSession)}
}

func (m *mockDialer) dial(ctx context.Context, addr string, cfg transport.Config) (transport.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dials = append(m.dials, addr)
	if m.err != nil {
		return nil, m.err
	}
	if sess, ok := m.sessions[addr]; ok {
		return sess, nil
	}
	return newMockSession("peer@" + addr), nil
}

func (m *mockDialer) dialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dials)
}

// manualTimer captures scheduled retries so tests fire them directly.
type manualTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (m *manualTimer) timerFunc(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.fns = append(m.fns, f)
	return func() bool { return true }
}

// fireLast runs the most recently scheduled function.
func (m *manualTimer) fireLast() {
	m.mu.Lock()
	var f func()
	if len(m.fns) > 0 {
		f = m.fns[len(m.fns)-1]
	}
	m.mu.Unlock()
	if f != nil {
		f()
	}
}

func (m *manualTimer) scheduledDelays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.delays))
	copy(out, m.delays)
	return out
}

// waitFor polls cond until it is true or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
