package discover

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/usblink/usblink/pkg/platform"
	"github.com/usblink/usblink/pkg/usb"
)

// collector accumulates callback deliveries. Callbacks run on the engine's
// discovery goroutine, so access is locked.
type collector struct {
	mu     sync.Mutex
	events []*usb.DeviceDescriptor
}

func (c *collector) add(d *usb.DeviceDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, d)
}

func (c *collector) snapshot() []*usb.DeviceDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*usb.DeviceDescriptor(nil), c.events...)
}

// deviceA has no bus address property, so its deviceID falls back to the
// location identifier.
func deviceA() *platform.MemoryDevice {
	return &platform.MemoryDevice{
		Location: 0x01000100, BusAddress: -1,
		VendorID: 0x05ac, ProductID: 0x1234,
		Class: 0xef, SubClass: 0x02, Protocol: 0x01,
		Speed:        uint32(usb.SpeedHigh),
		Manufacturer: "Acme", Product: "Widget", Serial: "W-0001",
	}
}

func deviceB() *platform.MemoryDevice {
	return &platform.MemoryDevice{
		Location: 0x02000200, BusAddress: 2,
		VendorID: 0x0bda, ProductID: 0x5678,
		Speed:   uint32(usb.SpeedFull),
		Product: "Dongle",
	}
}

func TestDiscoverDevices(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	reg.AttachDevice(deviceA())
	reg.AttachDevice(deviceB())

	eng := New(reg, Config{})
	defer eng.Close()

	devices, err := eng.DiscoverDevices()
	if err != nil {
		t.Fatalf("could not discover devices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("wanted 2 devices, got %d", len(devices))
	}

	a, b := devices[0], devices[1]
	if a.Key() != "1:1" || b.Key() != "2:2" {
		t.Errorf("wanted keys 1:1 and 2:2, got %s and %s", a.Key(), b.Key())
	}
	if a.VendorID != 0x05ac || a.ProductID != 0x1234 {
		t.Errorf("device A: wanted 05ac:1234, got %04x:%04x", a.VendorID, a.ProductID)
	}
	if a.DeviceClass != 0xef || a.DeviceSubClass != 0x02 || a.DeviceProtocol != 0x01 {
		t.Errorf("device A: wrong class triple %02x/%02x/%02x", a.DeviceClass, a.DeviceSubClass, a.DeviceProtocol)
	}
	if a.Speed != usb.SpeedHigh {
		t.Errorf("device A: wanted high speed, got %s", a.Speed)
	}
	if a.Manufacturer != "Acme" || a.Product != "Widget" || a.SerialNumber != "W-0001" {
		t.Errorf("device A: wrong string descriptors: %q %q %q", a.Manufacturer, a.Product, a.SerialNumber)
	}
	if b.VendorID != 0x0bda || b.Speed != usb.SpeedFull {
		t.Errorf("device B: wanted 0bda at full speed, got %04x at %s", b.VendorID, b.Speed)
	}
	if b.Manufacturer != "" {
		t.Errorf("device B: wanted no manufacturer, got %q", b.Manufacturer)
	}
}

func TestDiscoverSkipsUnreadableDevice(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	a := deviceA()
	a.Missing = map[platform.PropertyKey]bool{platform.KeyVendorID: true}
	reg.AttachDevice(a)
	reg.AttachDevice(deviceB())

	eng := New(reg, Config{})
	defer eng.Close()

	devices, err := eng.DiscoverDevices()
	if err != nil {
		t.Fatalf("could not discover devices: %v", err)
	}
	if len(devices) != 1 || devices[0].Key() != "2:2" {
		t.Fatalf("wanted only 2:2, got %v", devices)
	}
	if s := eng.Stats(); s.Skipped != 1 {
		t.Errorf("wanted 1 skipped device, got %d", s.Skipped)
	}
}

func TestDiscoverRecoversRemovedDevice(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	a := deviceA()
	a.Gone = map[platform.PropertyKey]bool{platform.KeyVendorID: true}
	reg.AttachDevice(a)

	eng := New(reg, Config{})
	defer eng.Close()

	devices, err := eng.DiscoverDevices()
	if err != nil {
		t.Fatalf("could not discover devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("wanted the removed device recovered, got %d devices", len(devices))
	}
	if devices[0].Key() != "1:1" || !devices[0].Minimal() {
		t.Errorf("wanted minimal descriptor for 1:1, got %s", devices[0])
	}
}

func TestDiscoverRetriesTransientPropertyReads(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	a := deviceA()
	a.Transient = map[platform.PropertyKey]int{platform.KeyVendorID: 2}
	reg.AttachDevice(a)

	eng := New(reg, Config{})
	defer eng.Close()

	devices, err := eng.DiscoverDevices()
	if err != nil {
		t.Fatalf("could not discover devices: %v", err)
	}
	if len(devices) != 1 || devices[0].VendorID != 0x05ac {
		t.Fatalf("wanted full descriptor after retries, got %v", devices)
	}
}

func TestDiscoverEnumerationFailure(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	reg.EnumerateCode = 0x2c5

	eng := New(reg, Config{})
	defer eng.Close()

	_, err := eng.DiscoverDevices()
	var eerr *usb.EnumerationError
	if !errors.As(err, &eerr) || eerr.Code != 0x2c5 {
		t.Fatalf("wanted enumeration error with code 0x2c5, got %v", err)
	}
}

func TestDiscoverMatcherFailure(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	reg.FailMatcher = true

	eng := New(reg, Config{})
	defer eng.Close()

	if _, err := eng.DiscoverDevices(); !errors.Is(err, usb.ErrMatchingDictionary) {
		t.Fatalf("wanted ErrMatchingDictionary, got %v", err)
	}
}

func TestGetDevice(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	reg.AttachDevice(deviceB())

	eng := New(reg, Config{})
	defer eng.Close()

	if d := eng.GetDevice("", "2"); d != nil {
		t.Errorf("empty busID must yield nil, got %v", d)
	}
	if d := eng.GetDevice("2", ""); d != nil {
		t.Errorf("empty deviceID must yield nil, got %v", d)
	}
	if d := eng.GetDevice("9", "9"); d != nil {
		t.Errorf("unknown device must yield nil, got %v", d)
	}
	d := eng.GetDevice("2", "2")
	if d == nil || d.VendorID != 0x0bda {
		t.Fatalf("wanted device 2:2, got %v", d)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	reg.AttachDevice(deviceA())
	eng := New(reg, Config{})
	defer eng.Close()

	if err := eng.StartNotifications(); err != nil {
		t.Fatalf("could not start notifications: %v", err)
	}
	if err := eng.StartNotifications(); err != nil {
		t.Fatalf("redundant start must be a no-op, got %v", err)
	}
	if s := eng.Stats(); s.State != StateMonitoring {
		t.Errorf("wanted monitoring state, got %s", s.State)
	}

	if err := eng.StopNotifications(); err != nil {
		t.Fatalf("could not stop notifications: %v", err)
	}
	if err := eng.StopNotifications(); err != nil {
		t.Fatalf("redundant stop must be a no-op, got %v", err)
	}
	if s := eng.Stats(); s.State != StateStopped {
		t.Errorf("wanted stopped state, got %s", s.State)
	}

	if acquired, released := reg.HandleStats(); acquired != released {
		t.Errorf("handle leak: %d acquired, %d released", acquired, released)
	}
}

func TestConnectDisconnectDelivery(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	reg.AttachDevice(deviceA())

	eng := New(reg, Config{})
	defer eng.Close()

	var conn, disc collector
	eng.SetCallbacks(conn.add, disc.add)

	// Already-attached devices are pending on the connect stream and must be
	// delivered during start.
	if err := eng.StartNotifications(); err != nil {
		t.Fatalf("could not start notifications: %v", err)
	}
	got := conn.snapshot()
	if len(got) != 1 {
		t.Fatalf("wanted 1 connect delivery, got %d", len(got))
	}
	if got[0].Key() != "1:1" || got[0].Minimal() {
		t.Fatalf("wanted full descriptor for 1:1, got %s", got[0])
	}

	// The terminating entry carries only a location identifier; the delivered
	// descriptor must still be the full one captured at connect time.
	reg.DetachDevice(0x01000100)
	if keys := eng.ConnectedKeys(); len(keys) != 0 {
		t.Errorf("wanted empty connected cache after detach, got %v", keys)
	}
	dgot := disc.snapshot()
	if len(dgot) != 1 {
		t.Fatalf("wanted 1 disconnect delivery, got %d", len(dgot))
	}
	if dgot[0].Key() != "1:1" {
		t.Errorf("wanted disconnect for 1:1, got %s", dgot[0].Key())
	}
	if dgot[0].Minimal() || dgot[0].VendorID != 0x05ac || dgot[0].Product != "Widget" {
		t.Errorf("wanted the cached full descriptor at disconnect, got %s", dgot[0])
	}
}

func TestDisconnectUnknownDeliversMinimal(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	eng := New(reg, Config{})
	defer eng.Close()

	var conn, disc collector
	eng.SetCallbacks(conn.add, disc.add)
	if err := eng.StartNotifications(); err != nil {
		t.Fatalf("could not start notifications: %v", err)
	}

	reg.DetachDevice(0x03000400)
	eng.Stats() // flush the event queue

	got := disc.snapshot()
	if len(got) != 1 {
		t.Fatalf("wanted 1 disconnect delivery, got %d", len(got))
	}
	d := got[0]
	if d.Key() != "3:4" {
		t.Errorf("wanted key 3:4, got %s", d.Key())
	}
	if !d.Minimal() {
		t.Errorf("wanted a minimal descriptor for the unknown device, got %s", d)
	}
	if len(conn.snapshot()) != 0 {
		t.Errorf("no connect must be delivered for an unknown disconnect")
	}
}

func TestDuplicateConnectIgnored(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	eng := New(reg, Config{})
	defer eng.Close()

	var conn, disc collector
	eng.SetCallbacks(conn.add, disc.add)
	if err := eng.StartNotifications(); err != nil {
		t.Fatalf("could not start notifications: %v", err)
	}

	reg.AttachDevice(deviceA())
	reg.AttachDevice(deviceA())
	eng.Stats()

	if got := conn.snapshot(); len(got) != 1 {
		t.Errorf("wanted 1 connect delivery for a duplicate attach, got %d", len(got))
	}
	if keys := eng.ConnectedKeys(); len(keys) != 1 || keys[0] != "1:1" {
		t.Errorf("wanted connected cache [1:1], got %v", keys)
	}
}

func TestDegradedConnectDeliversMinimal(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	eng := New(reg, Config{})
	defer eng.Close()

	var conn collector
	eng.SetCallbacks(conn.add, nil)
	if err := eng.StartNotifications(); err != nil {
		t.Fatalf("could not start notifications: %v", err)
	}

	// Required properties unreadable: enumeration would skip this device, but
	// the notification path must still inform downstream with a minimal
	// descriptor.
	a := deviceA()
	a.Missing = map[platform.PropertyKey]bool{platform.KeyVendorID: true}
	reg.AttachDevice(a)
	eng.Stats()

	got := conn.snapshot()
	if len(got) != 1 {
		t.Fatalf("wanted 1 connect delivery, got %d", len(got))
	}
	if got[0].Key() != "1:1" || !got[0].Minimal() {
		t.Errorf("wanted minimal descriptor for 1:1, got %s", got[0])
	}
}

func TestListCacheServesSnapshot(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	reg.AttachDevice(deviceA())

	eng := New(reg, Config{ListCacheTTL: time.Hour})
	defer eng.Close()

	devices, err := eng.DiscoverDevices()
	if err != nil {
		t.Fatalf("could not discover devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("wanted 1 device, got %d", len(devices))
	}

	// No notifications running: the new device generates no event, so the
	// fresh snapshot keeps being served.
	reg.AttachDevice(deviceB())
	devices, err = eng.DiscoverDevices()
	if err != nil {
		t.Fatalf("could not discover devices: %v", err)
	}
	if len(devices) != 1 {
		t.Errorf("wanted the stale snapshot of 1 device, got %d", len(devices))
	}
}

func TestListCacheInvalidatedByEvents(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	reg.AttachDevice(deviceA())

	eng := New(reg, Config{ListCacheTTL: time.Hour})
	defer eng.Close()

	if err := eng.StartNotifications(); err != nil {
		t.Fatalf("could not start notifications: %v", err)
	}
	devices, err := eng.DiscoverDevices()
	if err != nil {
		t.Fatalf("could not discover devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("wanted 1 device, got %d", len(devices))
	}

	reg.AttachDevice(deviceB())
	devices, err = eng.DiscoverDevices()
	if err != nil {
		t.Fatalf("could not discover devices: %v", err)
	}
	if len(devices) != 2 {
		t.Errorf("wanted the connect event to invalidate the snapshot, got %d devices", len(devices))
	}
}

func TestStopClearsConnectedCache(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	reg.AttachDevice(deviceA())
	reg.AttachDevice(deviceB())

	eng := New(reg, Config{})
	defer eng.Close()

	if err := eng.StartNotifications(); err != nil {
		t.Fatalf("could not start notifications: %v", err)
	}
	if keys := eng.ConnectedKeys(); len(keys) != 2 {
		t.Fatalf("wanted 2 connected devices, got %v", keys)
	}

	if err := eng.StopNotifications(); err != nil {
		t.Fatalf("could not stop notifications: %v", err)
	}
	if keys := eng.ConnectedKeys(); len(keys) != 0 {
		t.Errorf("wanted cleared cache after stop, got %v", keys)
	}

	// Restart rebuilds the cache from the pending connect stream.
	if err := eng.StartNotifications(); err != nil {
		t.Fatalf("could not restart notifications: %v", err)
	}
	if keys := eng.ConnectedKeys(); len(keys) != 2 {
		t.Errorf("wanted 2 connected devices after restart, got %v", keys)
	}
}

func TestStartFailureLeavesStoppedState(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	reg.AttachDevice(deviceA())
	reg.RegisterCode = 0x2c5

	eng := New(reg, Config{})
	defer eng.Close()

	err := eng.StartNotifications()
	var rerr *usb.RegistrationError
	if !errors.As(err, &rerr) {
		t.Fatalf("wanted registration error, got %v", err)
	}
	if s := eng.Stats(); s.State != StateStopped {
		t.Errorf("wanted stopped state after failed start, got %s", s.State)
	}
	if acquired, released := reg.HandleStats(); acquired != released {
		t.Errorf("handle leak after failed start: %d acquired, %d released", acquired, released)
	}

	// The failure must not poison later attempts.
	reg.RegisterCode = 0
	if err := eng.StartNotifications(); err != nil {
		t.Fatalf("could not start after earlier failure: %v", err)
	}
}

func TestHandleDiscipline(t *testing.T) {
	reg := platform.NewMemoryRegistry()
	reg.AttachDevice(deviceA())

	eng := New(reg, Config{})
	if _, err := eng.DiscoverDevices(); err != nil {
		t.Fatalf("could not discover devices: %v", err)
	}
	if err := eng.StartNotifications(); err != nil {
		t.Fatalf("could not start notifications: %v", err)
	}
	reg.AttachDevice(deviceB())
	reg.DetachDevice(0x01000100)
	if _, err := eng.DiscoverDevices(); err != nil {
		t.Fatalf("could not discover devices: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("could not close engine: %v", err)
	}

	acquired, released := reg.HandleStats()
	if acquired == 0 {
		t.Fatalf("scenario acquired no handles, counters are not wired")
	}
	if acquired != released {
		t.Errorf("handle leak: %d acquired, %d released", acquired, released)
	}
}
