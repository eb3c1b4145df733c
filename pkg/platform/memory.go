package platform

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/usblink/usblink/pkg/usb"
)

// MemoryRegistry is an in-process Registry used by tests and by the fake
// monitor mode of the CLI. Devices are added and removed programmatically;
// connect/terminate registrations fire synchronously from AttachDevice and
// DetachDevice. All handle acquisitions and releases are counted so handle
// discipline can be asserted.
type MemoryRegistry struct {
	mu      sync.Mutex
	devices map[uint32]*MemoryDevice
	ports   []*memoryPort

	acquired int
	released int

	// FailMatcher makes NewMatcher fail.
	FailMatcher bool
	// EnumerateCode, when nonzero, makes Devices fail with that code.
	EnumerateCode int32
	// RegisterCode, when nonzero, makes port registration fail.
	RegisterCode int32
}

// NewMemoryRegistry returns an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{devices: make(map[uint32]*MemoryDevice)}
}

// MemoryDevice is one simulated device. Property read failures are injected
// through Missing, BadType and Transient; transfer behavior through the
// function fields, which default to echo semantics.
type MemoryDevice struct {
	Location   uint32
	BusAddress int // negative when the registry has no bus address property

	VendorID  uint16
	ProductID uint16
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Speed     uint32

	Manufacturer string
	Product      string
	Serial       string

	// Missing marks keys that read as absent; BadType marks keys whose
	// stored type mismatches; Transient maps a key to a countdown of
	// transient platform errors before reads succeed; Gone makes a key fail
	// as if the device was unplugged mid-read.
	Missing   map[PropertyKey]bool
	BadType   map[PropertyKey]bool
	Transient map[PropertyKey]int
	Gone      map[PropertyKey]bool

	// Transfer scripting; nil fields get defaults.
	ControlFn func(setup *usb.SetupPacket, data []byte) (int, error)
	ReadFn    func(ep usb.EndpointAddress, buf []byte, timeout time.Duration) (int, error)
	WriteFn   func(ep usb.EndpointAddress, buf []byte, timeout time.Duration) (int, error)
	IsoFn     func(ep usb.EndpointAddress, buf []byte, frame uint64, pkts []IsoPacket) (uint64, error)
	Frame     uint64

	mu       sync.Mutex
	aborted  []usb.EndpointAddress
	cleared  []usb.EndpointAddress
	openIfcs int
}

// Aborted returns the endpoints aborted so far.
func (d *MemoryDevice) Aborted() []usb.EndpointAddress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]usb.EndpointAddress(nil), d.aborted...)
}

// Cleared returns the endpoints whose stall was cleared so far.
func (d *MemoryDevice) Cleared() []usb.EndpointAddress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]usb.EndpointAddress(nil), d.cleared...)
}

// OpenInterfaceCount reports how many interface handles are currently open.
func (d *MemoryDevice) OpenInterfaceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openIfcs
}

// Key returns the device key the registry derives for this device.
func (d *MemoryDevice) Key() usb.DeviceKey {
	return usb.KeyFromLocation(d.Location, d.BusAddress)
}

// AttachDevice adds a device and fires all connect registrations with an
// iterator over the new entry.
func (r *MemoryRegistry) AttachDevice(d *MemoryDevice) {
	r.mu.Lock()
	r.devices[d.Location] = d
	var fns []func(Iterator)
	for _, p := range r.ports {
		fns = append(fns, p.callbacks(EventConnect)...)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(r.iteratorFor([]*MemoryDevice{d}))
	}
}

// DetachDevice removes the device at location and fires terminate
// registrations. The terminating entry carries only the location identifier,
// as real registries deliver at teardown.
func (r *MemoryRegistry) DetachDevice(location uint32) {
	r.mu.Lock()
	d, ok := r.devices[location]
	delete(r.devices, location)
	var fns []func(Iterator)
	for _, p := range r.ports {
		fns = append(fns, p.callbacks(EventTerminate)...)
	}
	r.mu.Unlock()

	if !ok {
		d = &MemoryDevice{Location: location, BusAddress: -1}
	}
	bare := &MemoryDevice{Location: location, BusAddress: d.BusAddress}
	bare.Missing = map[PropertyKey]bool{
		KeyVendorID: true, KeyProductID: true, KeyDeviceClass: true,
		KeyDeviceSubClass: true, KeyDeviceProtocol: true, KeySpeed: true,
	}
	for _, fn := range fns {
		fn(r.iteratorFor([]*MemoryDevice{bare}))
	}
}

// HandleStats returns the acquire/release counters.
func (r *MemoryRegistry) HandleStats() (acquired, released int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquired, r.released
}

func (r *MemoryRegistry) trackAcquire() {
	r.mu.Lock()
	r.acquired++
	r.mu.Unlock()
}

func (r *MemoryRegistry) trackRelease() {
	r.mu.Lock()
	r.released++
	r.mu.Unlock()
}

// NewMatcher implements Registry.
func (r *MemoryRegistry) NewMatcher() (Matcher, error) {
	if r.FailMatcher {
		return nil, fmt.Errorf("%w: injected failure", usb.ErrMatchingDictionary)
	}
	return &memoryMatcher{}, nil
}

// Devices implements Registry.
func (r *MemoryRegistry) Devices(m Matcher) (Iterator, error) {
	r.mu.Lock()
	code := r.EnumerateCode
	devs := make([]*MemoryDevice, 0, len(r.devices))
	for _, d := range r.devices {
		devs = append(devs, d)
	}
	r.mu.Unlock()
	if code != 0 {
		return nil, &usb.EnumerationError{Code: code}
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].Location < devs[j].Location })
	return r.iteratorFor(devs), nil
}

// NewNotificationPort implements Registry.
func (r *MemoryRegistry) NewNotificationPort() (NotificationPort, error) {
	p := &memoryPort{reg: r}
	r.mu.Lock()
	r.ports = append(r.ports, p)
	r.mu.Unlock()
	return p, nil
}

// OpenDevice implements Registry.
func (r *MemoryRegistry) OpenDevice(key usb.DeviceKey) (DeviceHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.Key() == key {
			return &memoryDeviceHandle{dev: d}, nil
		}
	}
	return nil, usb.ErrDeviceNotAvailable
}

func (r *MemoryRegistry) iteratorFor(devs []*MemoryDevice) Iterator {
	it := &memoryIterator{reg: r, devs: devs}
	r.trackAcquire()
	return it
}

type memoryMatcher struct {
	class string
}

func (m *memoryMatcher) Reset() { m.class = "" }

func (m *memoryMatcher) SetDeviceClass(class string) { m.class = class }

type memoryIterator struct {
	reg      *MemoryRegistry
	devs     []*MemoryDevice
	pos      int
	released bool
}

func (it *memoryIterator) Next() Entry {
	if it.released || it.pos >= len(it.devs) {
		return nil
	}
	d := it.devs[it.pos]
	it.pos++
	it.reg.trackAcquire()
	return &memoryEntry{reg: it.reg, dev: d}
}

func (it *memoryIterator) Release() error {
	if it.released {
		return fmt.Errorf("iterator released twice")
	}
	it.released = true
	it.reg.trackRelease()
	return nil
}

type memoryEntry struct {
	reg      *MemoryRegistry
	dev      *MemoryDevice
	released bool
}

func (e *memoryEntry) Release() error {
	if e.released {
		return fmt.Errorf("entry released twice")
	}
	e.released = true
	e.reg.trackRelease()
	return nil
}

func (e *memoryEntry) check(key PropertyKey) error {
	d := e.dev
	if n := d.Transient[key]; n > 0 {
		d.Transient[key] = n - 1
		return &usb.PlatformError{Code: 0x2be, Message: "no resources", Category: usb.CategoryResource}
	}
	if d.Gone[key] {
		return &usb.PlatformError{Code: 0x2c0, Message: "no such device", Category: usb.CategoryNotFound}
	}
	if d.Missing[key] {
		return &usb.MissingPropertyError{Key: string(key)}
	}
	if d.BadType[key] {
		return &usb.InvalidPropertyTypeError{Key: string(key)}
	}
	return nil
}

func (e *memoryEntry) Uint32(key PropertyKey) (uint32, error) {
	if err := e.check(key); err != nil {
		return 0, err
	}
	d := e.dev
	switch key {
	case KeyVendorID:
		return uint32(d.VendorID), nil
	case KeyProductID:
		return uint32(d.ProductID), nil
	case KeyDeviceClass:
		return uint32(d.Class), nil
	case KeyDeviceSubClass:
		return uint32(d.SubClass), nil
	case KeyDeviceProtocol:
		return uint32(d.Protocol), nil
	case KeyLocationID:
		return d.Location, nil
	case KeyBusAddress:
		if d.BusAddress < 0 {
			return 0, &usb.MissingPropertyError{Key: string(key)}
		}
		return uint32(d.BusAddress), nil
	case KeySpeed:
		return d.Speed, nil
	}
	return 0, &usb.MissingPropertyError{Key: string(key)}
}

func (e *memoryEntry) String(key PropertyKey) (string, error) {
	if err := e.check(key); err != nil {
		return "", err
	}
	d := e.dev
	for _, k := range ManufacturerKeys {
		if k == key && d.Manufacturer != "" {
			return d.Manufacturer, nil
		}
	}
	for _, k := range ProductKeys {
		if k == key && d.Product != "" {
			return d.Product, nil
		}
	}
	for _, k := range SerialKeys {
		if k == key && d.Serial != "" {
			return d.Serial, nil
		}
	}
	return "", &usb.MissingPropertyError{Key: string(key)}
}

type registration struct {
	kind EventKind
	fn   func(Iterator)
}

type memoryPort struct {
	mu        sync.Mutex
	reg       *MemoryRegistry
	regs      []registration
	destroyed bool
}

func (p *memoryPort) Register(kind EventKind, m Matcher, fn func(Iterator)) (Iterator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil, fmt.Errorf("%w: port destroyed", usb.ErrNotificationPort)
	}
	if code := p.reg.RegisterCode; code != 0 {
		return nil, &usb.RegistrationError{Code: code}
	}
	p.regs = append(p.regs, registration{kind: kind, fn: fn})

	// Already-attached devices are pending on the connect stream; the
	// terminate stream starts empty.
	if kind == EventConnect {
		it, err := p.reg.Devices(m)
		if err != nil {
			return nil, err
		}
		return it, nil
	}
	return p.reg.iteratorFor(nil), nil
}

func (p *memoryPort) callbacks(kind EventKind) []func(Iterator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil
	}
	var fns []func(Iterator)
	for _, r := range p.regs {
		if r.kind == kind {
			fns = append(fns, r.fn)
		}
	}
	return fns
}

func (p *memoryPort) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return fmt.Errorf("port destroyed twice")
	}
	p.destroyed = true
	p.regs = nil
	return nil
}

type memoryDeviceHandle struct {
	dev    *MemoryDevice
	closed bool
}

func (h *memoryDeviceHandle) OpenInterface(number uint8) (InterfaceHandle, error) {
	if h.closed {
		return nil, usb.ErrDeviceNotAvailable
	}
	h.dev.mu.Lock()
	h.dev.openIfcs++
	h.dev.mu.Unlock()
	return &memoryInterface{dev: h.dev, number: number}, nil
}

func (h *memoryDeviceHandle) Close() error {
	if h.closed {
		return fmt.Errorf("device closed twice")
	}
	h.closed = true
	return nil
}

type memoryInterface struct {
	dev      *MemoryDevice
	number   uint8
	released bool
}

func (i *memoryInterface) Control(setup *usb.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	if i.dev.ControlFn != nil {
		return i.dev.ControlFn(setup, data)
	}
	return len(data), nil
}

func (i *memoryInterface) ReadPipe(ep usb.EndpointAddress, buf []byte, timeout time.Duration) (int, error) {
	if i.dev.ReadFn != nil {
		return i.dev.ReadFn(ep, buf, timeout)
	}
	return len(buf), nil
}

func (i *memoryInterface) WritePipe(ep usb.EndpointAddress, buf []byte, timeout time.Duration) (int, error) {
	if i.dev.WriteFn != nil {
		return i.dev.WriteFn(ep, buf, timeout)
	}
	return len(buf), nil
}

func (i *memoryInterface) Isochronous(ep usb.EndpointAddress, buf []byte, frame uint64, pkts []IsoPacket) (uint64, error) {
	if i.dev.IsoFn != nil {
		return i.dev.IsoFn(ep, buf, frame, pkts)
	}
	for n := range pkts {
		pkts[n].Actual = pkts[n].Length
	}
	return frame, nil
}

func (i *memoryInterface) CurrentFrame() (uint64, error) {
	return i.dev.Frame, nil
}

func (i *memoryInterface) AbortPipe(ep usb.EndpointAddress) error {
	i.dev.mu.Lock()
	i.dev.aborted = append(i.dev.aborted, ep)
	i.dev.mu.Unlock()
	return nil
}

func (i *memoryInterface) ClearStall(ep usb.EndpointAddress) error {
	i.dev.mu.Lock()
	i.dev.cleared = append(i.dev.cleared, ep)
	i.dev.mu.Unlock()
	return nil
}

func (i *memoryInterface) Release() error {
	if i.released {
		return fmt.Errorf("interface released twice")
	}
	i.released = true
	i.dev.mu.Lock()
	i.dev.openIfcs--
	i.dev.mu.Unlock()
	return nil
}
