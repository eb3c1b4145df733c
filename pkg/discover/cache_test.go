package discover

import (
	"testing"
	"time"

	"github.com/usblink/usblink/pkg/usb"
)

func TestConnectedCache(t *testing.T) {
	c := newConnectedCache()

	b := &usb.DeviceDescriptor{BusID: "2", DeviceID: "2"}
	a := &usb.DeviceDescriptor{BusID: "1", DeviceID: "1"}
	if !c.insert(b) || !c.insert(a) {
		t.Fatalf("fresh inserts must succeed")
	}
	if c.insert(&usb.DeviceDescriptor{BusID: "1", DeviceID: "1"}) {
		t.Errorf("duplicate insert must be rejected")
	}
	if c.len() != 2 {
		t.Errorf("wanted 2 cached devices, got %d", c.len())
	}
	if keys := c.keys(); len(keys) != 2 || keys[0] != "1:1" || keys[1] != "2:2" {
		t.Errorf("wanted sorted keys [1:1 2:2], got %v", keys)
	}

	if got := c.remove("1:1"); got != a {
		t.Errorf("remove must return the cached descriptor, got %v", got)
	}
	if got := c.remove("1:1"); got != nil {
		t.Errorf("removing an absent key must return nil, got %v", got)
	}

	c.clear()
	if c.len() != 0 || c.get("2:2") != nil {
		t.Errorf("clear must empty the cache")
	}
}

func TestListCacheTTL(t *testing.T) {
	c := newListCache(20 * time.Millisecond)
	snap := []*usb.DeviceDescriptor{{BusID: "1", DeviceID: "1"}}

	c.set(snap)
	if got := c.get(); len(got) != 1 {
		t.Fatalf("fresh snapshot must be served, got %v", got)
	}

	time.Sleep(40 * time.Millisecond)
	if got := c.get(); got != nil {
		t.Errorf("stale snapshot must not be served, got %v", got)
	}

	c.set(snap)
	c.invalidate()
	if got := c.get(); got != nil {
		t.Errorf("invalidated snapshot must not be served, got %v", got)
	}
}

func TestListCacheDisabled(t *testing.T) {
	c := newListCache(0)
	c.set([]*usb.DeviceDescriptor{{BusID: "1", DeviceID: "1"}})
	if got := c.get(); got != nil {
		t.Errorf("disabled cache must never serve, got %v", got)
	}
}
