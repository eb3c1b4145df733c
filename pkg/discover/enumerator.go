package discover

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/usblink/usblink/pkg/platform"
	"github.com/usblink/usblink/pkg/pool"
	"github.com/usblink/usblink/pkg/retry"
	"github.com/usblink/usblink/pkg/usb"
)

// errRequiredProperty marks a device whose required identity properties
// (vendor/product ID) could not be read. Enumeration skips such devices; the
// notification path downgrades them to a minimal descriptor instead.
var errRequiredProperty = errors.New("required property unreadable")

// enumerator walks the registry and builds device descriptors. It is not
// safe for concurrent use; the engine serializes all calls on its loop.
type enumerator struct {
	reg      platform.Registry
	matchers *pool.Pool[platform.Matcher]
	policy   retry.Policy
	class    string

	skipped int // devices dropped for unreadable required properties
}

func newEnumerator(reg platform.Registry, poolCap int, policy retry.Policy, class string) *enumerator {
	return &enumerator{
		reg: reg,
		matchers: pool.New(poolCap,
			func() platform.Matcher {
				m, err := reg.NewMatcher()
				if err != nil {
					glog.Errorf("matcher allocation: %v", err)
					return nil
				}
				return m
			},
			func(m platform.Matcher) {
				if m != nil {
					m.Reset()
				}
			}),
		policy: policy,
		class:  class,
	}
}

// enumerate walks all currently attached matching devices. Per-device
// failures are skipped and counted, never raised; only the inability to walk
// the registry at all is an error.
func (e *enumerator) enumerate() ([]*usb.DeviceDescriptor, error) {
	scope := &handleScope{}
	defer scope.close()

	m := e.matchers.Get()
	if m == nil {
		return nil, fmt.Errorf("%w: matcher pool allocation failed", usb.ErrMatchingDictionary)
	}
	defer e.matchers.Put(m)
	m.SetDeviceClass(e.class)

	var it platform.Iterator
	err := e.policy.Do("device enumeration", func() error {
		got, err := e.reg.Devices(m)
		if err != nil {
			return err
		}
		it = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	scope.track(it)

	var out []*usb.DeviceDescriptor
	for {
		entry := it.Next()
		if entry == nil {
			break
		}
		desc := e.extractForEnumeration(entry)
		if desc == nil {
			e.skipped++
			continue
		}
		out = append(out, desc)
	}
	return out, nil
}

// extractForEnumeration builds a descriptor from one entry, releasing the
// entry on every path. Returns nil when the device must be skipped.
func (e *enumerator) extractForEnumeration(entry platform.Entry) *usb.DeviceDescriptor {
	scope := &handleScope{}
	scope.track(entry)
	defer scope.close()

	desc, err := e.extract(entry)
	if err != nil {
		glog.Warningf("skipping device: %v", err)
		return nil
	}
	return desc
}

// extract reads all descriptor fields from entry with per-field default
// policy. Required fields are the location identifier and vendor/product ID;
// everything else degrades to a default with a warning.
//
// Error contract: a nil descriptor means even identity could not be derived.
// A non-nil descriptor with err == errRequiredProperty (possibly wrapped) is
// minimal but carries valid identity. A nil error means full (or
// partial-recovered) extraction.
func (e *enumerator) extract(entry platform.Entry) (*usb.DeviceDescriptor, error) {
	location, err := e.uint32(entry, platform.KeyLocationID)
	if err != nil {
		return nil, fmt.Errorf("location identifier: %w", err)
	}

	busAddress := -1
	if v, err := e.uint32(entry, platform.KeyBusAddress); err == nil {
		busAddress = int(v)
	}

	key := usb.KeyFromLocation(location, busAddress)
	desc := usb.MinimalDescriptor(key)

	vid, err := e.uint32(entry, platform.KeyVendorID)
	if err != nil {
		if retry.DeviceGone(err) {
			// Device vanished mid-extraction; preserve what identity we
			// already have instead of discarding the unit.
			glog.Warningf("device %s removed during extraction, recovering minimal descriptor", key)
			return desc, nil
		}
		return desc, fmt.Errorf("%w: vendor ID for %s: %v", errRequiredProperty, key, err)
	}
	desc.VendorID = uint16(vid)

	pid, err := e.uint32(entry, platform.KeyProductID)
	if err != nil {
		if retry.DeviceGone(err) {
			glog.Warningf("device %s removed during extraction, recovering partial descriptor", key)
			return desc, nil
		}
		return desc, fmt.Errorf("%w: product ID for %s: %v", errRequiredProperty, key, err)
	}
	desc.ProductID = uint16(pid)

	// Class triple and speed are best-effort with defaults.
	desc.DeviceClass = uint8(e.optionalUint32(entry, platform.KeyDeviceClass, key))
	desc.DeviceSubClass = uint8(e.optionalUint32(entry, platform.KeyDeviceSubClass, key))
	desc.DeviceProtocol = uint8(e.optionalUint32(entry, platform.KeyDeviceProtocol, key))
	if v, err := e.uint32(entry, platform.KeySpeed); err == nil && v <= uint32(usb.SpeedSuper) {
		desc.Speed = usb.Speed(v)
	} else if err != nil {
		glog.Warningf("device %s: speed unreadable, defaulting to unknown: %v", key, err)
	}

	desc.Manufacturer = e.firstString(entry, platform.ManufacturerKeys)
	desc.Product = e.firstString(entry, platform.ProductKeys)
	desc.SerialNumber = e.firstString(entry, platform.SerialKeys)

	return desc, nil
}

// uint32 reads one numeric property, retrying transient failures.
func (e *enumerator) uint32(entry platform.Entry, key platform.PropertyKey) (uint32, error) {
	var v uint32
	err := e.policy.Do(fmt.Sprintf("property %s", key), func() error {
		got, err := entry.Uint32(key)
		if err != nil {
			return err
		}
		v = got
		return nil
	})
	return v, err
}

// optionalUint32 reads an optional property, degrading to 0 with a warning.
func (e *enumerator) optionalUint32(entry platform.Entry, key platform.PropertyKey, dev usb.DeviceKey) uint32 {
	v, err := e.uint32(entry, key)
	if err != nil {
		glog.Warningf("device %s: %s unreadable, defaulting to 0: %v", dev, key, err)
		return 0
	}
	return v
}

// firstString tries the known property keys for a string descriptor in
// priority order; absence is the default.
func (e *enumerator) firstString(entry platform.Entry, keys []platform.PropertyKey) string {
	for _, key := range keys {
		if s, err := entry.String(key); err == nil && s != "" {
			return s
		}
	}
	return ""
}
