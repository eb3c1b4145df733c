package transfer

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"github.com/usblink/usblink/pkg/platform"
	"github.com/usblink/usblink/pkg/usb"
)

// ClaimAuthority decides which devices this host may touch. It is an
// external collaborator; the communicator only consults it.
type ClaimAuthority interface {
	ValidateDeviceClaim(dev *usb.DeviceDescriptor) bool
}

// openDevice tracks one device handle and its open interfaces.
type openDevice struct {
	handle platform.DeviceHandle
	ifcs   map[uint8]platform.InterfaceHandle
	// used maps endpoints that have executed transfers to the interface
	// owning them, so CancelAll knows where to issue aborts.
	used map[usb.EndpointAddress]uint8
}

// Communicator dispatches transfer requests for claimed devices. Every call
// validates the claim before anything touches the OS; the open-interface map
// is guarded by a single lock because transfers for different endpoints of
// one device may race to open the same interface.
type Communicator struct {
	reg    platform.Registry
	claims ClaimAuthority
	limits Limits

	mu      sync.Mutex
	devices map[usb.DeviceKey]*openDevice
}

// NewCommunicator builds a communicator over a registry and claim authority.
func NewCommunicator(reg platform.Registry, claims ClaimAuthority, limits Limits) *Communicator {
	if limits == (Limits{}) {
		limits = DefaultLimits
	}
	return &Communicator{
		reg:     reg,
		claims:  claims,
		limits:  limits,
		devices: make(map[usb.DeviceKey]*openDevice),
	}
}

// gate rejects unclaimed devices before any OS call.
func (c *Communicator) gate(dev *usb.DeviceDescriptor) error {
	if c.claims == nil || !c.claims.ValidateDeviceClaim(dev) {
		return usb.ErrDeviceNotClaimed
	}
	return nil
}

// OpenInterface opens an interface handle for the device, creating and
// storing it only if absent. Redundant opens are no-ops.
func (c *Communicator) OpenInterface(dev *usb.DeviceDescriptor, number uint8) error {
	if err := c.gate(dev); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.ensureInterfaceLocked(dev, number)
	return err
}

// CloseInterface tears down and removes an interface handle only if present.
// Redundant closes are no-ops. The underlying pipe state is abandoned; a
// later open builds a fresh handle.
func (c *Communicator) CloseInterface(dev *usb.DeviceDescriptor, number uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	od, ok := c.devices[dev.Key()]
	if !ok {
		return nil
	}
	ifc, ok := od.ifcs[number]
	if !ok {
		return nil
	}
	delete(od.ifcs, number)
	for ep, n := range od.used {
		if n == number {
			delete(od.used, ep)
		}
	}
	err := ifc.Release()
	if len(od.ifcs) == 0 {
		delete(c.devices, dev.Key())
		if cerr := od.handle.Close(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}
	return err
}

// IsInterfaceOpen reports whether the interface currently has an open
// handle.
func (c *Communicator) IsInterfaceOpen(dev *usb.DeviceDescriptor, number uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	od, ok := c.devices[dev.Key()]
	if !ok {
		return false
	}
	_, ok = od.ifcs[number]
	return ok
}

// ensureInterfaceLocked opens the device and interface on demand,
// idempotently. Callers hold c.mu.
func (c *Communicator) ensureInterfaceLocked(dev *usb.DeviceDescriptor, number uint8) (platform.InterfaceHandle, error) {
	key := dev.Key()
	od, ok := c.devices[key]
	if !ok {
		handle, err := c.reg.OpenDevice(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", usb.ErrDeviceNotAvailable, err)
		}
		od = &openDevice{
			handle: handle,
			ifcs:   make(map[uint8]platform.InterfaceHandle),
			used:   make(map[usb.EndpointAddress]uint8),
		}
		c.devices[key] = od
	}
	if ifc, ok := od.ifcs[number]; ok {
		return ifc, nil
	}
	ifc, err := od.handle.OpenInterface(number)
	if err != nil {
		if len(od.ifcs) == 0 {
			od.handle.Close()
			delete(c.devices, key)
		}
		return nil, err
	}
	od.ifcs[number] = ifc
	return ifc, nil
}

// interfaceFor validates the claim and returns the (on-demand opened)
// interface for a request, recording the endpoint for cancellation.
func (c *Communicator) interfaceFor(dev *usb.DeviceDescriptor, req *Request) (platform.InterfaceHandle, error) {
	if err := c.gate(dev); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ifc, err := c.ensureInterfaceLocked(dev, req.Interface)
	if err != nil {
		return nil, err
	}
	c.devices[dev.Key()].used[req.Endpoint] = req.Interface
	return ifc, nil
}

// CancelTransfers aborts outstanding transfers on one endpoint and clears
// the stall the abort leaves behind. Failures are logged, not escalated:
// aborting an already-completed transfer is an expected race. Cancellation
// does not close the interface.
func (c *Communicator) CancelTransfers(dev *usb.DeviceDescriptor, ep usb.EndpointAddress) {
	c.mu.Lock()
	od, ok := c.devices[dev.Key()]
	var ifc platform.InterfaceHandle
	if ok {
		if number, used := od.used[ep]; used {
			ifc = od.ifcs[number]
		}
	}
	c.mu.Unlock()
	if ifc == nil {
		return
	}
	if err := ifc.AbortPipe(ep); err != nil {
		glog.Warningf("abort pipe %s on %s: %v", ep, dev.Key(), err)
	}
	if err := ifc.ClearStall(ep); err != nil {
		glog.Warningf("clear stall %s on %s: %v", ep, dev.Key(), err)
	}
}

// CancelAllTransfers cancels every endpoint the device has transferred on.
func (c *Communicator) CancelAllTransfers(dev *usb.DeviceDescriptor) {
	c.mu.Lock()
	eps := make([]usb.EndpointAddress, 0, 4)
	if od, ok := c.devices[dev.Key()]; ok {
		for ep := range od.used {
			eps = append(eps, ep)
		}
	}
	c.mu.Unlock()
	for _, ep := range eps {
		c.CancelTransfers(dev, ep)
	}
}

// Close releases all open interfaces and device handles.
func (c *Communicator) Close() error {
	c.mu.Lock()
	devices := c.devices
	c.devices = make(map[usb.DeviceKey]*openDevice)
	c.mu.Unlock()

	var errs error
	for key, od := range devices {
		for _, ifc := range od.ifcs {
			if err := ifc.Release(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
		if err := od.handle.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errs
}

// Outcome pairs a result with its error for asynchronous delivery.
type Outcome struct {
	Result *Result
	Err    error
}

// Submit executes a request off the caller's goroutine, delivering the
// outcome on the returned channel. Blocking hardware round trips therefore
// never stall the discovery context.
func (c *Communicator) Submit(dev *usb.DeviceDescriptor, req *Request) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		res, err := c.Execute(dev, req)
		ch <- Outcome{Result: res, Err: err}
	}()
	return ch
}

// Execute dispatches a request to the execute call for its kind.
func (c *Communicator) Execute(dev *usb.DeviceDescriptor, req *Request) (*Result, error) {
	switch req.Type {
	case usb.TransferControl:
		return c.ExecuteControl(dev, req)
	case usb.TransferBulk:
		return c.ExecuteBulk(dev, req)
	case usb.TransferInterrupt:
		return c.ExecuteInterrupt(dev, req)
	case usb.TransferIsochronous:
		return c.ExecuteIsochronous(dev, req)
	}
	return nil, usb.ErrTransferTypeMismatch
}
