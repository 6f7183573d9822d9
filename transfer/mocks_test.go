package transfer

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/jonmobley/EclipseTV/transport"
)

// mockSession implements transport.Session in memory, recording every
// outbound message and resource and letting tests inject inbound events.
type mockSession struct {
	mu           sync.Mutex
	messages     [][]byte
	resources    []sentResource
	msgHandler   transport.MessageHandler
	resHandler   transport.ResourceHandler
	closeHandler func(error)
	sendMsgErr   error
	sendResErr   error
	closed       bool
}

type sentResource struct {
	name string
	path string
	size int64
}

func newMockSession() *mockSession {
	return &mockSession{}
}

func (m *mockSession) Remote() string           { return "mock-peer" }
func (m *mockSession) Context() string          { return "Mock Device" }
func (m *mockSession) OnMessage(h transport.MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgHandler = h
}

func (m *mockSession) OnResource(h transport.ResourceHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resHandler = h
}

func (m *mockSession) OnClose(h func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeHandler = h
}

func (m *mockSession) SendMessage(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendMsgErr != nil {
		return m.sendMsgErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.messages = append(m.messages, buf)
	return nil
}

func (m *mockSession) SendResource(ctx context.Context, name, path string, progress transport.ProgressFunc) error {
	m.mu.Lock()
	err := m.sendResErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	info, statErr := os.Stat(path)
	var size int64
	if statErr == nil {
		size = info.Size()
	}
	if progress != nil {
		progress(size/2, size)
		progress(size, size)
	}

	m.mu.Lock()
	m.resources = append(m.resources, sentResource{name: name, path: path, size: size})
	m.mu.Unlock()
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSession) sentMessages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.messages))
	copy(out, m.messages)
	return out
}

func (m *mockSession) sentResources() []sentResource {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentResource, len(m.resources))
	copy(out, m.resources)
	return out
}

func (m *mockSession) lastMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return ""
	}
	return string(m.messages[len(m.messages)-1])
}

// waitFor polls condition until it holds or the deadline passes.
func waitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}
