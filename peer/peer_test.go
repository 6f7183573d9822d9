package peer

import (
	"testing"
	"time"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.currentTime.Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestNewPeer(t *testing.T) {
	p := New("Living Room Apple TV", RoleAdvertiser)

	if p == nil {
		t.Fatal("New returned nil")
	}
	if p.ID != "Living Room Apple TV" {
		t.Errorf("Expected ID 'Living Room Apple TV', got %q", p.ID)
	}
	if p.Role != RoleAdvertiser {
		t.Errorf("Expected RoleAdvertiser, got %v", p.Role)
	}
}

func TestPeerLastSeenDuration(t *testing.T) {
	tp := newMockTimeProvider()
	p := NewWithTimeProvider("tv", RoleBrowser, tp)

	tp.advance(42 * time.Second)
	if got := p.LastSeenDuration(); got != 42*time.Second {
		t.Errorf("Expected 42s since last seen, got %v", got)
	}

	p.Touch()
	if got := p.LastSeenDuration(); got != 0 {
		t.Errorf("Expected 0 after Touch, got %v", got)
	}
}

func TestSessionStateTransitions(t *testing.T) {
	tp := newMockTimeProvider()
	p := NewWithTimeProvider("tv", RoleBrowser, tp)
	s := NewSessionWithTimeProvider(p, tp)

	if s.State != SessionConnecting {
		t.Errorf("Expected new session in connecting state, got %v", s.State)
	}
	if s.IsConnected() {
		t.Error("New session should not report connected")
	}

	tp.advance(time.Second)
	s.SetState(SessionConnected)

	if !s.IsConnected() {
		t.Error("Session should report connected")
	}
	if !s.EstablishedAt.Equal(tp.Now()) {
		t.Errorf("Expected EstablishedAt %v, got %v", tp.Now(), s.EstablishedAt)
	}

	s.SetState(SessionDisconnected)
	if s.IsConnected() {
		t.Error("Disconnected session should not report connected")
	}
}

func TestSessionStateStrings(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{SessionIdle, "idle"},
		{SessionDiscovering, "discovering"},
		{SessionConnecting, "connecting"},
		{SessionConnected, "connected"},
		{SessionDisconnected, "disconnected"},
		{SessionState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("SessionState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestRoleStrings(t *testing.T) {
	if RoleAdvertiser.String() != "advertiser" {
		t.Errorf("Unexpected advertiser string: %s", RoleAdvertiser)
	}
	if RoleBrowser.String() != "browser" {
		t.Errorf("Unexpected browser string: %s", RoleBrowser)
	}
	if Role(99).String() != "unknown" {
		t.Errorf("Unexpected unknown role string: %s", Role(99))
	}
}
