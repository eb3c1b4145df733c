package platform

import (
	"errors"
	"testing"

	"github.com/usblink/usblink/pkg/usb"
)

func TestMemoryEntryProperties(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.AttachDevice(&MemoryDevice{
		Location: 0x01000100, BusAddress: 1,
		VendorID: 0x05ac, ProductID: 0x1234,
		Manufacturer: "Acme", Product: "Widget",
	})

	m, err := reg.NewMatcher()
	if err != nil {
		t.Fatalf("could not build matcher: %v", err)
	}
	it, err := reg.Devices(m)
	if err != nil {
		t.Fatalf("could not enumerate: %v", err)
	}
	defer it.Release()

	entry := it.Next()
	if entry == nil {
		t.Fatalf("wanted one entry")
	}
	defer entry.Release()

	if v, err := entry.Uint32(KeyVendorID); err != nil || v != 0x05ac {
		t.Errorf("vendor ID: wanted 0x05ac, got %#x (%v)", v, err)
	}
	if v, err := entry.Uint32(KeyLocationID); err != nil || v != 0x01000100 {
		t.Errorf("location: wanted 0x01000100, got %#x (%v)", v, err)
	}
	if s, err := entry.String(ProductKeys[0]); err != nil || s != "Widget" {
		t.Errorf("product: wanted Widget, got %q (%v)", s, err)
	}

	var merr *usb.MissingPropertyError
	if _, err := entry.String(SerialKeys[0]); !errors.As(err, &merr) {
		t.Errorf("absent serial must read as missing, got %v", err)
	}

	if it.Next() != nil {
		t.Errorf("wanted exactly one entry")
	}
}

func TestMemoryHandleDoubleRelease(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.AttachDevice(&MemoryDevice{Location: 0x01000100, BusAddress: 1})

	m, _ := reg.NewMatcher()
	it, err := reg.Devices(m)
	if err != nil {
		t.Fatalf("could not enumerate: %v", err)
	}
	entry := it.Next()

	if err := entry.Release(); err != nil {
		t.Errorf("first entry release must succeed: %v", err)
	}
	if err := entry.Release(); err == nil {
		t.Errorf("second entry release must fail")
	}
	if err := it.Release(); err != nil {
		t.Errorf("first iterator release must succeed: %v", err)
	}
	if err := it.Release(); err == nil {
		t.Errorf("second iterator release must fail")
	}
}

func TestMemoryPortLifecycle(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.AttachDevice(&MemoryDevice{Location: 0x01000100, BusAddress: 1})

	port, err := reg.NewNotificationPort()
	if err != nil {
		t.Fatalf("could not build port: %v", err)
	}
	m, _ := reg.NewMatcher()

	// The connect stream starts with the already-attached device pending.
	it, err := port.Register(EventConnect, m, func(Iterator) {})
	if err != nil {
		t.Fatalf("could not register: %v", err)
	}
	entry := it.Next()
	if entry == nil {
		t.Fatalf("wanted the attached device pending on the connect stream")
	}
	entry.Release()
	it.Release()

	if err := port.Destroy(); err != nil {
		t.Errorf("first destroy must succeed: %v", err)
	}
	if err := port.Destroy(); err == nil {
		t.Errorf("second destroy must fail")
	}
	if _, err := port.Register(EventConnect, m, func(Iterator) {}); err == nil {
		t.Errorf("registering on a destroyed port must fail")
	}

	if acquired, released := reg.HandleStats(); acquired != released {
		t.Errorf("handle leak: %d acquired, %d released", acquired, released)
	}
}

func TestDetachDeliversBareEntry(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.AttachDevice(&MemoryDevice{
		Location: 0x01000100, BusAddress: -1,
		VendorID: 0x05ac, ProductID: 0x1234,
	})
	port, _ := reg.NewNotificationPort()
	m, _ := reg.NewMatcher()

	var got []Entry
	it, err := port.Register(EventTerminate, m, func(it Iterator) {
		for e := it.Next(); e != nil; e = it.Next() {
			got = append(got, e)
		}
		it.Release()
	})
	if err != nil {
		t.Fatalf("could not register: %v", err)
	}
	if it.Next() != nil {
		t.Errorf("terminate stream must start empty")
	}
	it.Release()

	reg.DetachDevice(0x01000100)
	if len(got) != 1 {
		t.Fatalf("wanted 1 terminate entry, got %d", len(got))
	}
	entry := got[0]
	defer entry.Release()

	if v, err := entry.Uint32(KeyLocationID); err != nil || v != 0x01000100 {
		t.Errorf("location must survive teardown, got %#x (%v)", v, err)
	}
	if _, err := entry.Uint32(KeyVendorID); err == nil {
		t.Errorf("vendor ID must be gone at teardown")
	}
}
