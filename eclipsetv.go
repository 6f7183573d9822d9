// Package eclipsetv implements ad-hoc media transfer between two
// devices on a local network: a sender browses for a nearby receiver,
// connects over an encrypted session, and pushes photos and videos that
// the receiver displays immediately.
//
// Example:
//
//	options := eclipsetv.NewOptions()
//	options.MediaDir = "/var/media"
//
//	device, err := eclipsetv.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	device.OnMediaReceived(func(path string, kind transfer.Kind, display bool) {
//	    if display {
//	        fmt.Printf("Now showing %s\n", path)
//	    }
//	})
//
//	if err := device.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer device.Kill()
package eclipsetv

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jonmobley/EclipseTV/assetcache"
	"github.com/jonmobley/EclipseTV/ingest"
	"github.com/jonmobley/EclipseTV/link"
	"github.com/jonmobley/EclipseTV/peer"
	"github.com/jonmobley/EclipseTV/storage"
	"github.com/jonmobley/EclipseTV/transfer"
	"github.com/jonmobley/EclipseTV/transport"
)

// MediaReceivedCallback is invoked for each media item released for the
// UI. display is false for items drained behind a newer one.
type MediaReceivedCallback func(path string, kind transfer.Kind, display bool)

// Device is one end of a media transfer pair, assembling discovery,
// session management, transfers, receive buffering, and the asset cache.
type Device struct {
	opts *Options

	store  *storage.MediaStore
	cache  *assetcache.Cache
	engine *transfer.Engine
	queue  *ingest.Queue
	link   *link.Link

	discoverer *transport.MDNSDiscoverer
	listener   *transport.Listener

	mu               sync.Mutex
	running          bool
	mediaCallback    MediaReceivedCallback
	queuedCallback   func(path string, kind transfer.Kind)
	stateCallback    func(*peer.Peer, peer.SessionState)
	moveModeCallback func(enabled bool)

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Device from options. Nil options get receiver defaults.
// The receiver role binds its session listener here so discovery can
// publish the real port; call Start to begin advertising or browsing.
func New(options *Options) (*Device, error) {
	if options == nil {
		options = NewOptions()
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"role":     options.Role,
		"name":     options.DeviceName,
	}).Info("Creating device")

	store, err := storage.NewMediaStore(options.MediaDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open media store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Device{
		opts:       options,
		store:      store,
		cache:      assetcache.New(options.CacheBound),
		engine:     transfer.NewEngine(store),
		discoverer: transport.NewMDNSDiscoverer(),
		ctx:        ctx,
		cancel:     cancel,
	}
	if options.SettleDelay > 0 {
		d.engine.SetSettleDelay(options.SettleDelay)
	}

	d.queue = ingest.NewQueue(d.deliverMedia)

	sessionCfg := transport.Config{
		Name:    options.DeviceName,
		Context: options.DeviceName,
		Store:   store,
	}

	advertisePort := 0
	if options.Role == peer.RoleAdvertiser {
		listener, port, err := transport.Listen(options.ListenAddr, sessionCfg)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to bind session listener: %w", err)
		}
		d.listener = listener
		advertisePort = port
	}

	d.link = link.New(link.Config{
		Role:          options.Role,
		LocalName:     options.DeviceName,
		DeviceMarker:  options.DeviceMarker,
		AdvertisePort: advertisePort,
		Discoverer:    d.discoverer,
		Dial: func(ctx context.Context, addr string, _ transport.Config) (transport.Session, error) {
			return transport.Dial(ctx, addr, sessionCfg)
		},
		MaxRetries: options.MaxRetries,
		RetryBase:  options.RetryBase,
	})

	d.link.OnSession(d.engine.BindSession)
	d.link.OnStateChanged(func(p *peer.Peer, state peer.SessionState) {
		if state == peer.SessionDisconnected {
			d.engine.UnbindSession()
		}
		d.mu.Lock()
		callback := d.stateCallback
		d.mu.Unlock()
		if callback != nil {
			callback(p, state)
		}
	})

	d.engine.OnMediaReceived(func(path string, kind transfer.Kind) {
		d.queue.Enqueue(ingest.Item{Path: path, Kind: kind})
	})
	d.engine.OnMoveModeChanged(func(enabled bool) {
		d.queue.SetLocked(enabled)
		d.mu.Lock()
		callback := d.moveModeCallback
		d.mu.Unlock()
		if callback != nil {
			callback(enabled)
		}
	})
	d.queue.OnBuffered(func(item ingest.Item) {
		d.mu.Lock()
		callback := d.queuedCallback
		d.mu.Unlock()
		if callback != nil {
			callback(item.Path, item.Kind)
		}
	})

	return d, nil
}

// Start begins discovery and, for the receiver role, the session accept
// loop. Safe to call once per Device.
func (d *Device) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	if d.listener != nil {
		go d.acceptSessions()
	}
	d.link.StartDiscovery()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"name":     d.opts.DeviceName,
	}).Info("Device started")
	return nil
}

// acceptSessions hands incoming sessions to the link, which enforces
// the single-session policy.
func (d *Device) acceptSessions() {
	for {
		sess, err := d.listener.Accept(d.ctx)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptSessions",
				"error":    err.Error(),
			}).Warn("Session accept failed")
			continue
		}
		d.link.AttachSession(sess)
	}
}

// IsRunning reports whether Start has been called and Kill has not.
func (d *Device) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// deliverMedia releases one received item to the UI callback and warms
// the cache for it.
func (d *Device) deliverMedia(item ingest.Item, display bool) {
	d.cache.Preload(item.Path)

	d.mu.Lock()
	callback := d.mediaCallback
	d.mu.Unlock()
	if callback != nil {
		callback(item.Path, item.Kind, display)
	}
}

// OnMediaReceived sets the callback for media released to the UI.
func (d *Device) OnMediaReceived(callback MediaReceivedCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mediaCallback = callback
}

// OnTransferProgress sets the callback for transfer progress ticks.
func (d *Device) OnTransferProgress(callback func(kind transfer.Kind, percent int)) {
	d.engine.OnProgress(callback)
}

// OnDeliveryConfirmed sets the callback fired when the peer confirms
// delivery of a sent item.
func (d *Device) OnDeliveryConfirmed(callback func()) {
	d.engine.OnDeliveryConfirmed(callback)
}

// OnTransferSettled sets the callback telling the UI to hide transfer
// progress, fired a moment after completion.
func (d *Device) OnTransferSettled(callback func()) {
	d.engine.OnTransferSettled(callback)
}

// OnPeerFound sets the callback for peers appearing in discovery.
func (d *Device) OnPeerFound(callback func(*peer.Peer)) {
	d.link.OnPeerFound(callback)
}

// OnPeerLost sets the callback for peers leaving discovery.
func (d *Device) OnPeerLost(callback func(*peer.Peer)) {
	d.link.OnPeerLost(callback)
}

// OnSessionStateChanged sets the callback for session lifecycle
// transitions.
func (d *Device) OnSessionStateChanged(callback func(*peer.Peer, peer.SessionState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateCallback = callback
}

// OnMoveModeStateChanged sets the callback for move-mode transitions
// driven by the peer.
func (d *Device) OnMoveModeStateChanged(callback func(enabled bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.moveModeCallback = callback
}

// OnMediaQueued sets the callback fired when received media is held
// back during move mode, to be shown after the drain.
func (d *Device) OnMediaQueued(callback func(path string, kind transfer.Kind)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queuedCallback = callback
}

// SessionState returns the current session state.
func (d *Device) SessionState() peer.SessionState {
	return d.link.State()
}

// SendImage sends the image at path to the connected peer. It returns
// false when no peer is connected or the format is unsupported.
func (d *Device) SendImage(path string) bool {
	return d.engine.SendImage(path)
}

// SendVideo sends the video at path to the connected peer, preceded by
// its registered thumbnail if one exists.
func (d *Device) SendVideo(path string) bool {
	return d.engine.SendVideo(path)
}

// SendVideoStream sends the video at path using the chunked message
// fallback instead of the resource primitive.
func (d *Device) SendVideoStream(path string) bool {
	return d.engine.SendVideoStream(path)
}

// RegisterThumbnail attaches a pre-rendered thumbnail to a video path
// for the next SendVideo call.
func (d *Device) RegisterThumbnail(videoPath, thumbPath string) {
	d.engine.RegisterThumbnail(videoPath, thumbPath)
}

// CancelTransfer cancels the in-flight outbound transfer, if any.
func (d *Device) CancelTransfer() {
	d.engine.CancelCurrentTransfer()
}

// SetMoveMode toggles local move mode: the local receive queue buffers
// while enabled, and the peer is told to buffer as well so nothing
// interrupts rearranging.
func (d *Device) SetMoveMode(enabled bool) {
	d.queue.SetLocked(enabled)

	sess := d.link.Session()
	if sess == nil {
		return
	}
	msg := transport.ControlMoveModeDisabled
	if enabled {
		msg = transport.ControlMoveModeEnabled
	}
	if err := sess.SendMessage([]byte(msg)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SetMoveMode",
			"enabled":  enabled,
			"error":    err.Error(),
		}).Warn("Failed to notify peer of move mode")
	}
}

// Asset returns the cached asset for path, loading it on a miss.
func (d *Device) Asset(path string) (*assetcache.Asset, error) {
	return d.cache.Load(path)
}

// PreloadAround warms the cache for the neighbors of the item at index.
func (d *Device) PreloadAround(index, window int, paths []string) {
	d.cache.PreloadAround(index, window, paths)
}

// HandleMemoryPressure forwards a platform memory warning to the cache.
func (d *Device) HandleMemoryPressure(level assetcache.PressureLevel) {
	d.cache.HandleMemoryPressure(level)
}

// Store exposes the media store for library management.
func (d *Device) Store() *storage.MediaStore {
	return d.store
}

// Kill stops discovery, closes the session and listener, and releases
// all resources. The Device cannot be restarted afterwards.
func (d *Device) Kill() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.cancel()
	d.link.Close()
	if d.listener != nil {
		d.listener.Close()
	}
	d.discoverer.Stop()
	d.cache.HandleMemoryPressure(assetcache.PressureCritical)

	logrus.WithFields(logrus.Fields{
		"function": "Kill",
		"name":     d.opts.DeviceName,
	}).Info("Device stopped")
}
