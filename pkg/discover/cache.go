package discover

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/usblink/usblink/pkg/usb"
)

// connectedCache maps device keys to the full descriptor captured at connect
// time. A key is present iff a connect was delivered with no matching
// disconnect yet. Disconnect events often carry only a location identifier,
// so this cache is the only source of full device information at teardown.
//
// The cache is owned by the discovery loop and must only be touched from it.
type connectedCache struct {
	devices map[usb.DeviceKey]*usb.DeviceDescriptor
}

func newConnectedCache() *connectedCache {
	return &connectedCache{devices: make(map[usb.DeviceKey]*usb.DeviceDescriptor)}
}

// insert stores desc under its key. Returns false when the key is already
// cached, which callers treat as a duplicate connect to ignore.
func (c *connectedCache) insert(desc *usb.DeviceDescriptor) bool {
	key := desc.Key()
	if _, ok := c.devices[key]; ok {
		return false
	}
	c.devices[key] = desc
	return true
}

// remove deletes and returns the descriptor for key, or nil when the key was
// never seen as connected.
func (c *connectedCache) remove(key usb.DeviceKey) *usb.DeviceDescriptor {
	desc := c.devices[key]
	delete(c.devices, key)
	return desc
}

func (c *connectedCache) get(key usb.DeviceKey) *usb.DeviceDescriptor {
	return c.devices[key]
}

func (c *connectedCache) len() int { return len(c.devices) }

func (c *connectedCache) clear() {
	maps.Clear(c.devices)
}

// keys returns the cached keys in stable order.
func (c *connectedCache) keys() []usb.DeviceKey {
	ks := maps.Keys(c.devices)
	slices.Sort(ks)
	return ks
}

// listCache is a TTL-bounded snapshot of the last full enumeration. Purely a
// performance optimization: it is invalidated on every connect or disconnect
// event and on age, and a miss simply re-enumerates.
type listCache struct {
	ttl      time.Duration
	taken    time.Time
	snapshot []*usb.DeviceDescriptor
}

func newListCache(ttl time.Duration) *listCache {
	return &listCache{ttl: ttl}
}

// get returns the cached snapshot, or nil when the cache is empty or stale.
func (c *listCache) get() []*usb.DeviceDescriptor {
	if c.snapshot == nil || c.ttl <= 0 {
		return nil
	}
	if time.Since(c.taken) > c.ttl {
		c.snapshot = nil
		return nil
	}
	return c.snapshot
}

func (c *listCache) set(devices []*usb.DeviceDescriptor) {
	if c.ttl <= 0 {
		return
	}
	c.snapshot = devices
	c.taken = time.Now()
}

func (c *listCache) invalidate() {
	c.snapshot = nil
}
