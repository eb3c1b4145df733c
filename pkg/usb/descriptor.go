// Package usb defines the device descriptor model shared by the discovery
// and transfer layers: immutable device descriptors, the busID:deviceID
// identity scheme derived from 32-bit location identifiers, transfer and
// endpoint addressing types, and the error taxonomy.
package usb

import (
	"fmt"
	"strconv"
	"strings"
)

// Speed is the negotiated connection speed of a device.
type Speed uint8

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedSuper
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	}
	return "unknown"
}

// DeviceKey identifies one physical attachment span as "busID:deviceID".
// Two descriptors carrying the same key between a connect and its matching
// disconnect refer to the same attachment.
type DeviceKey string

// NewDeviceKey builds a key from its two components.
func NewDeviceKey(busID, deviceID string) DeviceKey {
	return DeviceKey(busID + ":" + deviceID)
}

// Split returns the busID and deviceID components of the key.
func (k DeviceKey) Split() (busID, deviceID string) {
	busID, deviceID, _ = strings.Cut(string(k), ":")
	return
}

func (k DeviceKey) String() string { return string(k) }

// BusIDFromLocation derives the bus identifier from a 32-bit location
// identifier: the decimal string of byte 3 (bits 31-24). This derivation is
// bit-exact for cross-host protocol compatibility and must not change.
func BusIDFromLocation(location uint32) string {
	return strconv.FormatUint(uint64(location>>24), 10)
}

// DeviceIDFromLocation derives the device identifier fallback from the low
// byte of the location identifier, falling through to bits 15-8 when the low
// byte is zero (address 0 is reserved for unconfigured devices and never
// identifies an attachment). Used only when the registry does not expose a
// bus address property for the device.
func DeviceIDFromLocation(location uint32) string {
	id := location & 0xff
	if id == 0 {
		id = (location >> 8) & 0xff
	}
	return strconv.FormatUint(uint64(id), 10)
}

// KeyFromLocation derives a full device key from a location identifier and an
// optional bus address. A negative busAddress means "not available", falling
// back to the low byte of the location.
func KeyFromLocation(location uint32, busAddress int) DeviceKey {
	deviceID := DeviceIDFromLocation(location)
	if busAddress >= 0 {
		deviceID = strconv.Itoa(busAddress)
	}
	return NewDeviceKey(BusIDFromLocation(location), deviceID)
}

// DeviceDescriptor is the immutable description of one attached USB device.
// Descriptors are created at enumeration or connect-notification time and
// never mutated; a superseded or disconnected descriptor is simply dropped.
type DeviceDescriptor struct {
	BusID    string
	DeviceID string

	VendorID  uint16
	ProductID uint16

	DeviceClass    uint8
	DeviceSubClass uint8
	DeviceProtocol uint8

	Speed Speed

	// Optional string descriptors; empty when the device does not report
	// them or they could not be read.
	Manufacturer string
	Product      string
	SerialNumber string
}

// Key returns the identity of this descriptor's attachment span.
func (d *DeviceDescriptor) Key() DeviceKey {
	return NewDeviceKey(d.BusID, d.DeviceID)
}

func (d *DeviceDescriptor) String() string {
	return fmt.Sprintf("%s [%04x:%04x]", d.Key(), d.VendorID, d.ProductID)
}

// Minimal reports whether the descriptor carries only identity fields, as
// produced by MinimalDescriptor for devices whose properties could not be
// extracted.
func (d *DeviceDescriptor) Minimal() bool {
	return d.VendorID == 0 && d.ProductID == 0 && d.Speed == SpeedUnknown
}

// MinimalDescriptor builds a descriptor carrying only the identity derivable
// from a device key: zeroed vendor/product, unknown speed. Consumers are
// informed of connect/disconnect events with a minimal descriptor when full
// extraction is impossible.
func MinimalDescriptor(key DeviceKey) *DeviceDescriptor {
	busID, deviceID := key.Split()
	return &DeviceDescriptor{
		BusID:    busID,
		DeviceID: deviceID,
		Speed:    SpeedUnknown,
	}
}
