package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// ServiceName is the shared mDNS service identifier both roles use.
	ServiceName = "_eclipsetv._tcp"
	// ServiceDomain is the mDNS service domain.
	ServiceDomain = "local."

	// peerExpiry is how long a browsed peer may stay silent before it is
	// reported lost.
	peerExpiry = 15 * time.Second
	// sweepInterval is how often silent peers are checked for expiry.
	sweepInterval = 5 * time.Second
)

// MDNSDiscoverer advertises and browses EclipseTV instances on the local
// network using multicast DNS.
type MDNSDiscoverer struct {
	mu       sync.Mutex
	server   *zeroconf.Server
	cancel   context.CancelFunc
	lastSeen map[string]time.Time
	addrs    map[string]string
}

// NewMDNSDiscoverer creates an idle discoverer.
func NewMDNSDiscoverer() *MDNSDiscoverer {
	return &MDNSDiscoverer{
		lastSeen: make(map[string]time.Time),
		addrs:    make(map[string]string),
	}
}

// Advertise publishes the instance name under the shared service
// identifier until ctx is cancelled or Stop is called.
func (d *MDNSDiscoverer) Advertise(ctx context.Context, instance string, port int) error {
	logrus.WithFields(logrus.Fields{
		"function": "Advertise",
		"instance": instance,
		"service":  ServiceName,
		"port":     port,
	}).Info("Publishing mDNS service")

	server, err := zeroconf.Register(instance, ServiceName, ServiceDomain, port, []string{"role=advertiser"}, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	d.mu.Lock()
	d.server = server
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	return nil
}

// Browse watches for advertised instances until ctx is cancelled or Stop
// is called. Appearances are reported through found; instances silent for
// longer than the expiry window are reported through lost.
func (d *MDNSDiscoverer) Browse(ctx context.Context, found FoundFunc, lost LostFunc) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	browseCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry)
	go d.consumeEntries(browseCtx, entries, found, lost)

	if err := resolver.Browse(browseCtx, ServiceName, ServiceDomain, entries); err != nil {
		cancel()
		return fmt.Errorf("failed to browse: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Browse",
		"service":  ServiceName,
	}).Info("Browsing for mDNS services")

	return nil
}

// consumeEntries feeds resolver results to the caller and expires peers
// that have gone silent.
func (d *MDNSDiscoverer) consumeEntries(ctx context.Context, entries <-chan *zeroconf.ServiceEntry, found FoundFunc, lost LostFunc) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case entry, ok := <-entries:
			if !ok {
				return
			}
			d.handleEntry(entry, found, lost)

		case <-ticker.C:
			d.expireSilent(lost)
		}
	}
}

// handleEntry processes a single browse result. A TTL of zero is a
// goodbye record and reports the peer lost immediately.
func (d *MDNSDiscoverer) handleEntry(entry *zeroconf.ServiceEntry, found FoundFunc, lost LostFunc) {
	if entry.TTL == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "handleEntry",
			"instance": entry.Instance,
		}).Debug("Received mDNS goodbye record")

		d.mu.Lock()
		_, known := d.lastSeen[entry.Instance]
		delete(d.lastSeen, entry.Instance)
		delete(d.addrs, entry.Instance)
		d.mu.Unlock()

		if known && lost != nil {
			lost(entry.Instance)
		}
		return
	}

	if len(entry.AddrIPv4) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "handleEntry",
			"instance": entry.Instance,
		}).Warn("Discovered service has no IPv4 address")
		return
	}

	addr := fmt.Sprintf("%s:%d", entry.AddrIPv4[0].String(), entry.Port)

	d.mu.Lock()
	_, known := d.lastSeen[entry.Instance]
	d.lastSeen[entry.Instance] = time.Now()
	d.addrs[entry.Instance] = addr
	d.mu.Unlock()

	if !known {
		logrus.WithFields(logrus.Fields{
			"function": "handleEntry",
			"instance": entry.Instance,
			"addr":     addr,
		}).Info("Discovered peer")

		if found != nil {
			found(entry.Instance, addr)
		}
	}
}

// expireSilent reports peers that have not been seen within the expiry
// window as lost.
func (d *MDNSDiscoverer) expireSilent(lost LostFunc) {
	var expired []string

	d.mu.Lock()
	for instance, seen := range d.lastSeen {
		if time.Since(seen) > peerExpiry {
			expired = append(expired, instance)
			delete(d.lastSeen, instance)
			delete(d.addrs, instance)
		}
	}
	d.mu.Unlock()

	for _, instance := range expired {
		logrus.WithFields(logrus.Fields{
			"function": "expireSilent",
			"instance": instance,
		}).Info("Peer expired from discovery")

		if lost != nil {
			lost(instance)
		}
	}
}

// Addr returns the last known address for a discovered instance.
func (d *MDNSDiscoverer) Addr(instance string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr, ok := d.addrs[instance]
	return addr, ok
}

// Stop halts any active advertise or browse.
func (d *MDNSDiscoverer) Stop() {
	d.mu.Lock()
	server := d.server
	cancel := d.cancel
	d.server = nil
	d.cancel = nil
	d.mu.Unlock()

	if server != nil {
		server.Shutdown()
	}
	if cancel != nil {
		cancel()
	}
}
