package eclipsetv

import (
	"testing"
	"time"

	"github.com/jonmobley/EclipseTV/assetcache"
	"github.com/jonmobley/EclipseTV/ingest"
	"github.com/jonmobley/EclipseTV/peer"
	"github.com/jonmobley/EclipseTV/transfer"
	"github.com/jonmobley/EclipseTV/transport"
)

func ingestItem(path string) ingest.Item {
	return ingest.Item{Path: path, Kind: transfer.KindImage}
}

func moveModeMessage(enabled bool) []byte {
	if enabled {
		return []byte(transport.ControlMoveModeEnabled)
	}
	return []byte(transport.ControlMoveModeDisabled)
}

func newBrowserDevice(t *testing.T) *Device {
	t.Helper()

	options := NewOptions()
	options.Role = peer.RoleBrowser
	options.DeviceName = "Test Sender"
	options.MediaDir = t.TempDir()

	device, err := New(options)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(device.Kill)
	return device
}

func TestNewDeviceDefaults(t *testing.T) {
	options := NewOptions()
	options.Role = peer.RoleBrowser
	options.MediaDir = t.TempDir()

	device, err := New(options)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer device.Kill()

	if device.IsRunning() {
		t.Error("Device should not run before Start")
	}
	if device.SessionState() != peer.SessionIdle {
		t.Errorf("SessionState = %v, want %v", device.SessionState(), peer.SessionIdle)
	}
}

func TestReceiverBindsListener(t *testing.T) {
	options := NewOptions()
	options.Role = peer.RoleAdvertiser
	options.DeviceName = "Test Apple TV"
	options.MediaDir = t.TempDir()
	options.ListenAddr = "127.0.0.1:0"

	device, err := New(options)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer device.Kill()

	if device.listener == nil {
		t.Fatal("Receiver must bind a session listener")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	device := newBrowserDevice(t)

	if err := device.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !device.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	// Second start is a no-op.
	if err := device.Start(); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}

	device.Kill()
	if device.IsRunning() {
		t.Error("IsRunning() = true after Kill")
	}
}

func TestSendWithoutSessionFailsFast(t *testing.T) {
	device := newBrowserDevice(t)

	if device.SendImage("/tmp/photo.jpg") {
		t.Error("SendImage should fail without a connected peer")
	}
	if device.SendVideo("/tmp/clip.mp4") {
		t.Error("SendVideo should fail without a connected peer")
	}
	if device.SendVideoStream("/tmp/clip.mp4") {
		t.Error("SendVideoStream should fail without a connected peer")
	}
}

func TestSetMoveModeWithoutSession(t *testing.T) {
	device := newBrowserDevice(t)

	// With no session only the local queue is affected.
	device.SetMoveMode(true)
	if !device.queue.Locked() {
		t.Error("Local queue should be locked in move mode")
	}
	device.SetMoveMode(false)
	if device.queue.Locked() {
		t.Error("Local queue should unlock when move mode ends")
	}
}

func TestMoveModeBuffersDelivery(t *testing.T) {
	device := newBrowserDevice(t)

	type delivered struct {
		path    string
		display bool
	}
	got := make(chan delivered, 4)
	device.OnMediaReceived(func(path string, kind transfer.Kind, display bool) {
		got <- delivered{path: path, display: display}
	})

	device.SetMoveMode(true)
	device.queue.Enqueue(ingestItem("/media/a.jpg"))
	device.queue.Enqueue(ingestItem("/media/b.jpg"))

	select {
	case d := <-got:
		t.Fatalf("Item %q delivered during move mode", d.path)
	case <-time.After(50 * time.Millisecond):
	}

	device.SetMoveMode(false)

	first := <-got
	second := <-got
	if first.path != "/media/a.jpg" || first.display {
		t.Errorf("First delivery = %+v, want a.jpg undisplayed", first)
	}
	if second.path != "/media/b.jpg" || !second.display {
		t.Errorf("Second delivery = %+v, want b.jpg displayed", second)
	}
}

func TestMediaQueuedDuringMoveMode(t *testing.T) {
	device := newBrowserDevice(t)

	queued := make(chan string, 2)
	device.OnMediaQueued(func(path string, _ transfer.Kind) {
		queued <- path
	})

	device.SetMoveMode(true)
	device.queue.Enqueue(ingestItem("/media/held.jpg"))

	select {
	case path := <-queued:
		if path != "/media/held.jpg" {
			t.Errorf("Queued path = %q", path)
		}
	case <-time.After(time.Second):
		t.Fatal("Queued notification never fired")
	}
}

func TestMoveModeStateCallback(t *testing.T) {
	device := newBrowserDevice(t)

	var got []bool
	device.OnMoveModeStateChanged(func(enabled bool) {
		got = append(got, enabled)
	})

	// Simulate the peer driving move mode through the engine path.
	device.engine.HandleMessage(moveModeMessage(true))
	device.engine.HandleMessage(moveModeMessage(false))

	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("Move mode transitions = %v, want [true false]", got)
	}
	if device.queue.Locked() {
		t.Error("Queue should unlock when the peer leaves move mode")
	}
}

func TestCancelTransferNoSession(t *testing.T) {
	device := newBrowserDevice(t)

	// Must not panic with nothing in flight.
	device.CancelTransfer()
}

func TestMemoryPressureForwarded(t *testing.T) {
	device := newBrowserDevice(t)

	// Exercises the forwarding path; eviction behavior is covered in
	// the cache package.
	device.HandleMemoryPressure(assetcache.PressureWarning)
	device.HandleMemoryPressure(assetcache.PressureCritical)
}

func TestKillIdempotent(t *testing.T) {
	device := newBrowserDevice(t)
	if err := device.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	device.Kill()
	device.Kill()
}
