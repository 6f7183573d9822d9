// Package assetcache keeps recently shown media decoded and ready so
// navigating between items does not stall on disk or codec work. The
// cache is bounded by last access and sheds entries under memory
// pressure.
package assetcache

import (
	"fmt"
	"image"
	"os"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"github.com/jonmobley/EclipseTV/transfer"
)

const (
	// DefaultBound is how many decoded assets are retained.
	DefaultBound = 10

	// Decoded images are bounded to the display surface. Anything larger
	// wastes memory the screen cannot show.
	maxDecodeWidth  = 1920
	maxDecodeHeight = 1080
)

// PressureLevel grades a memory pressure notification.
type PressureLevel uint8

const (
	// PressureWarning asks the cache to shrink.
	PressureWarning PressureLevel = iota
	// PressureCritical asks the cache to release everything.
	PressureCritical
)

// Asset is one cached media item. Image is the decoded pixels for image
// media and nil for video, where only probed properties are kept.
type Asset struct {
	Path    string
	Kind    transfer.Kind
	Image   image.Image
	Width   int
	Height  int
	Size    int64
	ModTime time.Time
}

// Loader resolves a path into a ready Asset.
type Loader func(path string) (*Asset, error)

type entry struct {
	asset      *Asset
	lastAccess time.Time
}

type inflight struct {
	done  chan struct{}
	asset *Asset
	err   error
}

// Cache is a last-access bounded asset cache. All methods are safe for
// concurrent use; concurrent loads of the same key are coalesced.
type Cache struct {
	mu       sync.Mutex
	bound    int
	entries  map[string]*entry
	loading  map[string]*inflight
	loader   Loader
	now      func() time.Time
}

// New creates a cache holding up to bound assets. A bound of zero or
// less uses DefaultBound.
func New(bound int) *Cache {
	if bound <= 0 {
		bound = DefaultBound
	}
	return &Cache{
		bound:   bound,
		entries: make(map[string]*entry),
		loading: make(map[string]*inflight),
		loader:  loadAsset,
		now:     time.Now,
	}
}

// SetLoader replaces the asset loader, mainly for tests.
func (c *Cache) SetLoader(loader Loader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loader = loader
}

// Len returns the number of cached assets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Get returns the cached asset for key and refreshes its access time.
func (c *Cache) Get(key string) (*Asset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e.lastAccess = c.now()
	return e.asset, true
}

// Load returns the asset for key, loading and caching it on a miss.
// Concurrent calls for the same key share one load.
func (c *Cache) Load(key string) (*Asset, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.lastAccess = c.now()
		asset := e.asset
		c.mu.Unlock()
		return asset, nil
	}
	if fl, ok := c.loading[key]; ok {
		c.mu.Unlock()
		<-fl.done
		return fl.asset, fl.err
	}

	fl := &inflight{done: make(chan struct{})}
	c.loading[key] = fl
	loader := c.loader
	c.mu.Unlock()

	asset, err := loader(key)

	c.mu.Lock()
	delete(c.loading, key)
	if err == nil {
		c.entries[key] = &entry{asset: asset, lastAccess: c.now()}
		c.evictOverBoundLocked()
	}
	c.mu.Unlock()

	fl.asset = asset
	fl.err = err
	close(fl.done)

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"key":      key,
			"error":    err.Error(),
		}).Warn("Asset load failed")
	}
	return asset, err
}

// Preload warms the cache for key in the background. Already cached or
// already loading keys are left alone.
func (c *Cache) Preload(key string) {
	c.mu.Lock()
	_, cached := c.entries[key]
	_, loading := c.loading[key]
	c.mu.Unlock()

	if cached || loading {
		return
	}
	go c.Load(key)
}

// PreloadAround warms the neighbors of index within window positions in
// both directions, nearest first, so navigation in either direction
// finds its target ready.
func (c *Cache) PreloadAround(index, window int, keys []string) {
	if index < 0 || index >= len(keys) {
		return
	}
	for offset := 1; offset <= window; offset++ {
		if i := index + offset; i < len(keys) {
			c.Preload(keys[i])
		}
		if i := index - offset; i >= 0 {
			c.Preload(keys[i])
		}
	}
}

// Invalidate drops the cached asset for key, if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// HandleMemoryPressure sheds cache weight: a warning halves the
// retained count, critical pressure releases everything.
func (c *Cache) HandleMemoryPressure(level PressureLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := len(c.entries)
	switch level {
	case PressureWarning:
		c.shrinkToLocked(c.bound / 2)
	case PressureCritical:
		c.entries = make(map[string]*entry)
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandleMemoryPressure",
		"level":    level,
		"before":   before,
		"after":    len(c.entries),
	}).Info("Cache responded to memory pressure")
}

// evictOverBoundLocked evicts least recently accessed entries until the
// bound holds. Caller holds c.mu.
func (c *Cache) evictOverBoundLocked() {
	c.shrinkToLocked(c.bound)
}

// shrinkToLocked evicts oldest-access entries until at most max remain.
// Caller holds c.mu.
func (c *Cache) shrinkToLocked(max int) {
	for len(c.entries) > max {
		var oldestKey string
		var oldest time.Time
		first := true
		for key, e := range c.entries {
			if first || e.lastAccess.Before(oldest) {
				oldestKey = key
				oldest = e.lastAccess
				first = false
			}
		}
		delete(c.entries, oldestKey)

		logrus.WithFields(logrus.Fields{
			"function": "shrinkToLocked",
			"evicted":  oldestKey,
		}).Debug("Evicted least recently used asset")
	}
}

// ThumbKey returns the cache key for a video's thumbnail variant, kept
// distinct from the full asset under the same path.
func ThumbKey(path string) string {
	return "thumb:" + path
}

// loadAsset is the default loader. Images are decoded and bounded to
// the display size; videos get a cheap property probe since decode is
// the player's job.
func loadAsset(path string) (*Asset, error) {
	kind, ok := transfer.KindForPath(path)
	if !ok {
		return nil, fmt.Errorf("unsupported media format: %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat asset: %w", err)
	}

	asset := &Asset{
		Path:    path,
		Kind:    kind,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}

	if kind == transfer.KindImage {
		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("failed to decode image: %w", err)
		}
		bounds := img.Bounds()
		if bounds.Dx() > maxDecodeWidth || bounds.Dy() > maxDecodeHeight {
			img = imaging.Fit(img, maxDecodeWidth, maxDecodeHeight, imaging.Lanczos)
			bounds = img.Bounds()
		}
		asset.Image = img
		asset.Width = bounds.Dx()
		asset.Height = bounds.Dy()
	}

	return asset, nil
}
