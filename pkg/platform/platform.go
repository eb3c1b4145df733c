// Package platform abstracts the OS device registry behind narrow
// interfaces: matching-criteria containers, device iteration, typed property
// access, connect/terminate notification ports, and the per-device transfer
// primitives. The discovery and transfer engines depend only on these
// interfaces; gousb provides the production implementation and an in-memory
// registry backs the tests.
package platform

import (
	"time"

	"github.com/usblink/usblink/pkg/usb"
)

// PropertyKey names a property in the registry's heterogeneous property
// store.
type PropertyKey string

// Well-known property keys.
const (
	KeyVendorID       PropertyKey = "idVendor"
	KeyProductID      PropertyKey = "idProduct"
	KeyDeviceClass    PropertyKey = "bDeviceClass"
	KeyDeviceSubClass PropertyKey = "bDeviceSubClass"
	KeyDeviceProtocol PropertyKey = "bDeviceProtocol"
	KeyLocationID     PropertyKey = "locationID"
	KeyBusAddress     PropertyKey = "USB Address"
	KeySpeed          PropertyKey = "Device Speed"
)

// String descriptor properties are tried against several known keys in
// priority order; registries differ in which they populate.
var (
	ManufacturerKeys = []PropertyKey{"USB Vendor Name", "kUSBVendorString"}
	ProductKeys      = []PropertyKey{"USB Product Name", "kUSBProductString"}
	SerialKeys       = []PropertyKey{"USB Serial Number", "kUSBSerialNumberString"}
)

// Handle is any process-local reference to a registry object. Every handle
// obtained must be released exactly once and never used afterwards.
type Handle interface {
	Release() error
}

// Entry is one device entry in the registry. Property accessors return
// *usb.MissingPropertyError when the key is absent and
// *usb.InvalidPropertyTypeError when the stored type does not match.
type Entry interface {
	Handle

	Uint32(key PropertyKey) (uint32, error)
	String(key PropertyKey) (string, error)
}

// Iterator walks a set of matched device entries. Entries returned by Next
// are owned by the caller and must be released individually; the iterator
// itself is a handle and must also be released.
type Iterator interface {
	Handle

	// Next returns the next entry, or nil when the iterator is exhausted.
	Next() Entry
}

// Matcher is a matching-criteria container. Matchers are pooled; Reset
// restores a matcher to its zero state before reuse.
type Matcher interface {
	Reset()
	SetDeviceClass(class string)
}

// EventKind selects one of the two notification streams.
type EventKind uint8

const (
	// EventConnect fires when a matching device appears.
	EventConnect EventKind = iota
	// EventTerminate fires when a matching device is removed.
	EventTerminate
)

func (k EventKind) String() string {
	if k == EventTerminate {
		return "terminate"
	}
	return "connect"
}

// NotificationPort delivers registry events. Registering a stream returns an
// iterator over already-matched entries which the caller must drain once
// synchronously, or pending events are lost. Subsequent matches invoke the
// callback with a fresh iterator.
type NotificationPort interface {
	Register(kind EventKind, m Matcher, fn func(Iterator)) (Iterator, error)
	Destroy() error
}

// Registry is the device-facing view of the OS registry.
type Registry interface {
	// NewMatcher builds a matching filter, wrapping usb.ErrMatchingDictionary
	// on failure.
	NewMatcher() (Matcher, error)

	// Devices returns an iterator over currently attached devices matching m.
	Devices(m Matcher) (Iterator, error)

	// NewNotificationPort creates a port for event registration, wrapping
	// usb.ErrNotificationPort on failure.
	NewNotificationPort() (NotificationPort, error)

	// OpenDevice opens a device for transfer execution.
	OpenDevice(key usb.DeviceKey) (DeviceHandle, error)
}

// IsoPacket is one packet slot in an isochronous transfer's frame table.
// Length is the requested packet size; Actual and Status are filled by the
// platform after execution.
type IsoPacket struct {
	Length uint32
	Actual uint32
	Status int32
}

// DeviceHandle is an open device able to produce interface handles.
type DeviceHandle interface {
	OpenInterface(number uint8) (InterfaceHandle, error)
	Close() error
}

// InterfaceHandle executes transfers against one claimed interface. The
// underlying pipe state is abandoned once released; handles are not reused
// across close/open cycles.
type InterfaceHandle interface {
	// Control executes a control transfer on the default pipe and returns
	// the data-stage length.
	Control(setup *usb.SetupPacket, data []byte, timeout time.Duration) (int, error)

	// ReadPipe and WritePipe move data on a bulk or interrupt endpoint,
	// bounded by timeout.
	ReadPipe(ep usb.EndpointAddress, buf []byte, timeout time.Duration) (int, error)
	WritePipe(ep usb.EndpointAddress, buf []byte, timeout time.Duration) (int, error)

	// Isochronous executes a frame-scheduled transfer, filling the packet
	// table in place and returning the frame actually used.
	Isochronous(ep usb.EndpointAddress, buf []byte, startFrame uint64, packets []IsoPacket) (uint64, error)

	// CurrentFrame reports the current bus frame number, used to schedule
	// isochronous lookahead.
	CurrentFrame() (uint64, error)

	// AbortPipe cancels outstanding transfers on an endpoint.
	AbortPipe(ep usb.EndpointAddress) error

	// ClearStall clears a halt condition left behind by an abort.
	ClearStall(ep usb.EndpointAddress) error

	Release() error
}
