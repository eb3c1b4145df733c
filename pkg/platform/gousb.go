package platform

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"

	"github.com/usblink/usblink/pkg/usb"
)

// pollInterval is how often a notification port re-walks the bus. gousb does
// not surface hotplug events, so connect/terminate streams are synthesized by
// diffing successive enumerations.
const pollInterval = time.Second

// GousbRegistry adapts a gousb context to the Registry interfaces.
type GousbRegistry struct {
	ctx   *gousb.Context
	start time.Time

	mu    sync.Mutex
	ports []*gousbPort
}

// NewGousbRegistry initializes libusb. gousb panics when the underlying
// library cannot start, so initialization runs on a scratch goroutine with a
// recover, converting the panic to an error.
func NewGousbRegistry() (*GousbRegistry, error) {
	resC := make(chan *gousb.Context)
	errC := make(chan error)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("%v", r)
			}
		}()

		resC <- gousb.NewContext()
	}()

	select {
	case err := <-errC:
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	case res := <-resC:
		return &GousbRegistry{ctx: res, start: time.Now()}, nil
	}
}

// Close stops all ports and releases the libusb context.
func (r *GousbRegistry) Close() error {
	r.mu.Lock()
	ports := r.ports
	r.ports = nil
	r.mu.Unlock()
	for _, p := range ports {
		p.Destroy()
	}
	return r.ctx.Close()
}

// locationOf synthesizes a 32-bit location identifier from the bus number and
// the port path: bus in byte 3, one nibble per hub tier below it.
func locationOf(desc *gousb.DeviceDesc) uint32 {
	loc := uint32(desc.Bus) << 24
	shift := 20
	for _, p := range desc.Path {
		if shift < 0 {
			break
		}
		loc |= uint32(p&0xf) << shift
		shift -= 4
	}
	return loc
}

func speedOf(s gousb.Speed) uint32 {
	switch s {
	case gousb.SpeedLow:
		return uint32(usb.SpeedLow)
	case gousb.SpeedFull:
		return uint32(usb.SpeedFull)
	case gousb.SpeedHigh:
		return uint32(usb.SpeedHigh)
	case gousb.SpeedSuper:
		return uint32(usb.SpeedSuper)
	}
	return uint32(usb.SpeedUnknown)
}

// NewMatcher implements Registry. libusb has no server-side matching; the
// matcher only records the class for local filtering.
func (r *GousbRegistry) NewMatcher() (Matcher, error) {
	return &memoryMatcher{}, nil
}

func (r *GousbRegistry) snapshot() ([]*gousb.DeviceDesc, error) {
	var descs []*gousb.DeviceDesc
	devs, err := r.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		descs = append(descs, d)
		return false
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return nil, &usb.EnumerationError{Code: -1}
	}
	return descs, nil
}

// Devices implements Registry.
func (r *GousbRegistry) Devices(m Matcher) (Iterator, error) {
	descs, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	return &gousbIterator{reg: r, descs: descs}, nil
}

// NewNotificationPort implements Registry.
func (r *GousbRegistry) NewNotificationPort() (NotificationPort, error) {
	p := &gousbPort{reg: r, stop: make(chan struct{})}
	r.mu.Lock()
	r.ports = append(r.ports, p)
	r.mu.Unlock()
	return p, nil
}

// OpenDevice implements Registry.
func (r *GousbRegistry) OpenDevice(key usb.DeviceKey) (DeviceHandle, error) {
	devs, err := r.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return usb.KeyFromLocation(locationOf(d), d.Address) == key
	})
	if err != nil && len(devs) == 0 {
		return nil, usb.ErrDeviceNotAvailable
	}
	if len(devs) == 0 {
		return nil, usb.ErrDeviceNotAvailable
	}
	// More than one match is possible only on key collision; keep the first
	// and close the rest.
	for _, d := range devs[1:] {
		d.Close()
	}
	dev := devs[0]
	if err := dev.SetAutoDetach(true); err != nil {
		glog.Warningf("SetAutoDetach(%v): %v", key, err)
	}
	return &gousbDeviceHandle{reg: r, dev: dev}, nil
}

type gousbIterator struct {
	reg      *GousbRegistry
	descs    []*gousb.DeviceDesc
	pos      int
	released bool
}

func (it *gousbIterator) Next() Entry {
	if it.released || it.pos >= len(it.descs) {
		return nil
	}
	d := it.descs[it.pos]
	it.pos++
	return &gousbEntry{reg: it.reg, desc: d}
}

func (it *gousbIterator) Release() error {
	it.released = true
	return nil
}

type gousbEntry struct {
	reg      *GousbRegistry
	desc     *gousb.DeviceDesc
	released bool
}

func (e *gousbEntry) Release() error {
	e.released = true
	return nil
}

func (e *gousbEntry) Uint32(key PropertyKey) (uint32, error) {
	d := e.desc
	switch key {
	case KeyVendorID:
		return uint32(d.Vendor), nil
	case KeyProductID:
		return uint32(d.Product), nil
	case KeyDeviceClass:
		return uint32(d.Class), nil
	case KeyDeviceSubClass:
		return uint32(d.SubClass), nil
	case KeyDeviceProtocol:
		return uint32(d.Protocol), nil
	case KeyLocationID:
		return locationOf(d), nil
	case KeyBusAddress:
		return uint32(d.Address), nil
	case KeySpeed:
		return speedOf(d.Speed), nil
	}
	return 0, &usb.MissingPropertyError{Key: string(key)}
}

func (e *gousbEntry) String(key PropertyKey) (string, error) {
	// String descriptors require an open device; open, read, close. Failures
	// degrade to a missing property, never an error to the enumerator.
	dev, err := e.reg.ctx.OpenDeviceWithVIDPID(e.desc.Vendor, e.desc.Product)
	if err != nil || dev == nil {
		return "", &usb.MissingPropertyError{Key: string(key)}
	}
	defer dev.Close()

	var s string
	switch key {
	case ManufacturerKeys[0], ManufacturerKeys[1]:
		s, err = dev.Manufacturer()
	case ProductKeys[0], ProductKeys[1]:
		s, err = dev.Product()
	case SerialKeys[0], SerialKeys[1]:
		s, err = dev.SerialNumber()
	default:
		return "", &usb.MissingPropertyError{Key: string(key)}
	}
	if err != nil || s == "" {
		return "", &usb.MissingPropertyError{Key: string(key)}
	}
	return s, nil
}

type gousbPort struct {
	reg  *GousbRegistry
	stop chan struct{}

	mu        sync.Mutex
	regs      []registration
	known     map[uint32]*gousb.DeviceDesc
	running   bool
	destroyed bool
}

func (p *gousbPort) Register(kind EventKind, m Matcher, fn func(Iterator)) (Iterator, error) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: port destroyed", usb.ErrNotificationPort)
	}
	p.regs = append(p.regs, registration{kind: kind, fn: fn})
	if !p.running {
		p.running = true
		go p.poll()
	}
	p.mu.Unlock()

	if kind == EventConnect {
		descs, err := p.reg.snapshot()
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.known == nil {
			p.known = make(map[uint32]*gousb.DeviceDesc)
		}
		for _, d := range descs {
			p.known[locationOf(d)] = d
		}
		p.mu.Unlock()
		return &gousbIterator{reg: p.reg, descs: descs}, nil
	}
	return &gousbIterator{reg: p.reg}, nil
}

// poll diffs successive bus walks and synthesizes connect/terminate streams.
func (p *gousbPort) poll() {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
		}

		descs, err := p.reg.snapshot()
		if err != nil {
			glog.V(1).Infof("poll enumeration failed: %v", err)
			continue
		}

		cur := make(map[uint32]*gousb.DeviceDesc, len(descs))
		for _, d := range descs {
			cur[locationOf(d)] = d
		}

		p.mu.Lock()
		prev := p.known
		p.known = cur
		var added, removed []*gousb.DeviceDesc
		for loc, d := range cur {
			if _, ok := prev[loc]; !ok {
				added = append(added, d)
			}
		}
		for loc, d := range prev {
			if _, ok := cur[loc]; !ok {
				removed = append(removed, d)
			}
		}
		regs := append([]registration(nil), p.regs...)
		p.mu.Unlock()

		for _, reg := range regs {
			switch {
			case reg.kind == EventConnect && len(added) > 0:
				reg.fn(&gousbIterator{reg: p.reg, descs: added})
			case reg.kind == EventTerminate && len(removed) > 0:
				reg.fn(&gousbIterator{reg: p.reg, descs: removed})
			}
		}
	}
}

func (p *gousbPort) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	running := p.running
	p.regs = nil
	p.known = nil
	p.mu.Unlock()
	if running {
		close(p.stop)
	}
	return nil
}
