package eclipsetv

import (
	"time"

	"github.com/jonmobley/EclipseTV/link"
	"github.com/jonmobley/EclipseTV/peer"
)

// Options configures a Device.
type Options struct {
	// Role selects whether this device advertises itself as a receiver
	// or browses for one.
	Role peer.Role

	// DeviceName is the display name published via discovery. Receivers
	// include the device-class marker so senders auto-invite them.
	DeviceName string

	// DeviceMarker is the substring a discovered name must contain to
	// qualify for auto-invitation. Empty uses the platform default.
	DeviceMarker string

	// MediaDir is where received media files are persisted.
	MediaDir string

	// ListenAddr is the UDP address the receiver binds its session
	// listener to. Port 0 picks an ephemeral port, which is then
	// published via discovery.
	ListenAddr string

	// CacheBound caps the number of decoded assets kept warm. Zero
	// uses the cache default.
	CacheBound int

	// SettleDelay is how long transfer UI lingers at 100%. Zero uses
	// the engine default.
	SettleDelay time.Duration

	// MaxRetries and RetryBase tune reconnection scheduling. Zero
	// values use the link defaults.
	MaxRetries int
	RetryBase  time.Duration
}

// NewOptions creates default receiver options.
func NewOptions() *Options {
	return &Options{
		Role:         peer.RoleAdvertiser,
		DeviceName:   "Living Room Apple TV",
		DeviceMarker: link.DefaultDeviceMarker,
		MediaDir:     "media",
		ListenAddr:   "0.0.0.0:0",
	}
}
