package usb

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the discovery and transfer layers. These can
// be checked with errors.Is even when wrapped.
var (
	// ErrMatchingDictionary is returned when the registry cannot build a
	// matching filter for the device class.
	ErrMatchingDictionary = errors.New("usb: matching dictionary creation failed")

	// ErrNotificationPort is returned when the registry cannot create a
	// notification port.
	ErrNotificationPort = errors.New("usb: notification port creation failed")

	// ErrDeviceNotClaimed is returned by the communicator when the claim
	// authority has not granted this host the device.
	ErrDeviceNotClaimed = errors.New("usb: device not claimed")

	// ErrDeviceNotAvailable is returned when a claimed device has
	// disappeared or is otherwise unreachable.
	ErrDeviceNotAvailable = errors.New("usb: device not available")

	// ErrTransferTypeMismatch is returned when a request is dispatched to
	// an execute call of a different transfer kind.
	ErrTransferTypeMismatch = errors.New("usb: transfer type mismatch")

	// ErrSetupPacketInvalid is returned for control transfers whose setup
	// stage is not exactly 8 bytes.
	ErrSetupPacketInvalid = errors.New("usb: setup packet must be 8 bytes")
)

// ErrorCategory classifies a platform error code for retry and propagation
// decisions.
type ErrorCategory uint8

const (
	CategoryUnknown ErrorCategory = iota
	CategoryPermission
	CategoryResource
	CategoryArgument
	CategoryNotFound
	CategoryTimeout
	CategoryBusy
	CategoryHardware
	CategoryUnsupported
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryPermission:
		return "permission"
	case CategoryResource:
		return "resource"
	case CategoryArgument:
		return "argument"
	case CategoryNotFound:
		return "not_found"
	case CategoryTimeout:
		return "timeout"
	case CategoryBusy:
		return "busy"
	case CategoryHardware:
		return "hardware"
	case CategoryUnsupported:
		return "unsupported"
	}
	return "unknown"
}

// PlatformError carries an OS-level error code with its classification.
type PlatformError struct {
	Code     int32
	Message  string
	Category ErrorCategory
}

func (e *PlatformError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("platform error 0x%x (%s)", uint32(e.Code), e.Category)
	}
	return fmt.Sprintf("platform error 0x%x (%s): %s", uint32(e.Code), e.Category, e.Message)
}

// EnumerationError is returned when the registry cannot produce a device
// iterator.
type EnumerationError struct {
	Code int32
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("service enumeration failed: 0x%x", uint32(e.Code))
}

// RegistrationError is returned when registering a notification stream fails.
type RegistrationError struct {
	Code int32
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("notification registration failed: 0x%x", uint32(e.Code))
}

// MissingPropertyError reports a required registry property that was absent.
type MissingPropertyError struct {
	Key string
}

func (e *MissingPropertyError) Error() string {
	return fmt.Sprintf("missing property %q", e.Key)
}

// InvalidPropertyTypeError reports a registry property whose stored type did
// not match the requested one.
type InvalidPropertyTypeError struct {
	Key string
}

func (e *InvalidPropertyTypeError) Error() string {
	return fmt.Sprintf("invalid type for property %q", e.Key)
}

// BufferSizeError reports an OUT transfer whose buffer length disagrees with
// the declared transfer length.
type BufferSizeError struct {
	Expected int
	Actual   int
}

func (e *BufferSizeError) Error() string {
	return fmt.Sprintf("buffer size mismatch: declared %d, got %d", e.Expected, e.Actual)
}

// TimeoutInvalidError reports a transfer timeout outside the accepted bound.
type TimeoutInvalidError struct {
	Value string
}

func (e *TimeoutInvalidError) Error() string {
	return fmt.Sprintf("invalid transfer timeout %s", e.Value)
}
