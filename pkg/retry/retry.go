// Package retry wraps registry operations with transient-error
// classification and bounded exponential backoff. Only a narrow set of
// platform conditions is considered transient; everything else propagates on
// first occurrence.
package retry

import (
	"errors"
	"math/rand"
	"time"

	"github.com/golang/glog"

	"github.com/usblink/usblink/pkg/usb"
)

// Platform codes treated as transient in addition to the transient
// categories. These are resource-shortage and not-yet-settled conditions that
// resolve themselves on retry.
var transientCodes = map[int32]bool{
	0x2bd: true, // no memory
	0x2be: true, // no resources
	0x2ee: true, // not ready
	0x2ef: true, // not responding
}

// Codes indicating that the device disappeared underneath an operation.
// These trigger partial-data recovery rather than a retry.
var goneCodes = map[int32]bool{
	0x2c0: true, // no such device
	0x2f0: true, // not attached
}

// Transient reports whether err is worth retrying: a PlatformError in one of
// the transient categories (resource, timeout, busy) or carrying one of the
// enumerated transient codes.
func Transient(err error) bool {
	var perr *usb.PlatformError
	if !errors.As(err, &perr) {
		return false
	}
	switch perr.Category {
	case usb.CategoryResource, usb.CategoryTimeout, usb.CategoryBusy:
		return true
	}
	return transientCodes[perr.Code&0xfff]
}

// DeviceGone reports whether err indicates the device was removed while the
// operation was in flight. Callers holding partially extracted data should
// recover it instead of failing the whole unit.
func DeviceGone(err error) bool {
	if errors.Is(err, usb.ErrDeviceNotAvailable) {
		return true
	}
	var perr *usb.PlatformError
	if !errors.As(err, &perr) {
		return false
	}
	if perr.Category == usb.CategoryNotFound {
		return true
	}
	return goneCodes[perr.Code&0xfff]
}

// Policy bounds a retry loop.
type Policy struct {
	// MaxRetries is the number of re-attempts after the first try.
	MaxRetries int
	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the backoff regardless of growth.
	MaxDelay time.Duration
	// Multiplier grows the delay between attempts.
	Multiplier float64
	// Jitter is the fraction of the delay randomized away (0..1).
	Jitter float64
}

// DefaultPolicy is the bounded policy used for registry operations.
var DefaultPolicy = Policy{
	MaxRetries:   3,
	InitialDelay: 10 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2.0,
	Jitter:       0.2,
}

// AggressivePolicy retries harder for operations where losing the result
// means losing a device event. Backoff shape and logging are identical to
// the default policy; only the attempt bound differs.
var AggressivePolicy = Policy{
	MaxRetries:   5,
	InitialDelay: 10 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2.0,
	Jitter:       0.2,
}

// delay computes the backoff before retry number n (0-based), with jitter.
func (p Policy) delay(n int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 {
		d -= d * p.Jitter * rand.Float64()
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Do runs fn up to MaxRetries+1 times, backing off between attempts while
// the failure stays transient. The error of the final attempt is returned
// unwrapped so callers can still classify it.
func (p Policy) Do(op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !Transient(err) || attempt >= p.MaxRetries {
			return err
		}
		d := p.delay(attempt)
		glog.V(1).Infof("%s: transient failure (attempt %d/%d), retrying in %s: %v",
			op, attempt+1, p.MaxRetries+1, d, err)
		time.Sleep(d)
	}
}
