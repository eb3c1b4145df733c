package transfer

import (
	"errors"
	"time"

	"github.com/usblink/usblink/pkg/usb"
)

// statusFor maps an execution error to the coarse result status.
func statusFor(err error) Status {
	var perr *usb.PlatformError
	if errors.As(err, &perr) && perr.Category == usb.CategoryTimeout {
		return StatusTimedOut
	}
	return StatusFailed
}

func failed(err error) *Result {
	return &Result{Status: statusFor(err), CompletedAt: time.Now()}
}

// ExecuteControl runs a control transfer: the 8-byte setup packet is decoded
// into the OS-level device request, executed on the default pipe, and the
// data stage is copied back only for IN transfers that completed with a
// positive actual length.
func (c *Communicator) ExecuteControl(dev *usb.DeviceDescriptor, req *Request) (*Result, error) {
	if err := c.gate(dev); err != nil {
		return nil, err
	}
	if err := c.limits.validate(req, usb.TransferControl); err != nil {
		return nil, err
	}
	setup, err := usb.ParseSetupPacket(req.Setup)
	if err != nil {
		return nil, err
	}

	ifc, err := c.interfaceFor(dev, req)
	if err != nil {
		return nil, err
	}

	buf := req.Data
	if setup.In() {
		buf = make([]byte, setup.Length)
	}
	n, err := ifc.Control(setup, buf, req.Timeout)
	if err != nil {
		return failed(err), err
	}

	res := &Result{Status: StatusCompleted, ActualLength: n, CompletedAt: time.Now()}
	if setup.In() && n > 0 {
		res.Data = buf[:n]
	}
	return res, nil
}

// ExecuteBulk runs a bulk transfer, routing by the endpoint direction bit to
// the read or write pipe primitive.
func (c *Communicator) ExecuteBulk(dev *usb.DeviceDescriptor, req *Request) (*Result, error) {
	if err := c.gate(dev); err != nil {
		return nil, err
	}
	if err := c.limits.validate(req, usb.TransferBulk); err != nil {
		return nil, err
	}
	ifc, err := c.interfaceFor(dev, req)
	if err != nil {
		return nil, err
	}

	if req.Endpoint.In() {
		buf := make([]byte, req.Length)
		n, err := ifc.ReadPipe(req.Endpoint, buf, req.Timeout)
		if err != nil {
			return failed(err), err
		}
		res := &Result{Status: StatusCompleted, ActualLength: n, CompletedAt: time.Now()}
		if n > 0 {
			res.Data = buf[:n]
		}
		return res, nil
	}

	n, err := ifc.WritePipe(req.Endpoint, req.Data, req.Timeout)
	if err != nil {
		return failed(err), err
	}
	return &Result{Status: StatusCompleted, ActualLength: n, CompletedAt: time.Now()}, nil
}

// ExecuteInterrupt runs an interrupt transfer with the timeout-bounded pipe
// primitives. A timed-out interrupt IN is a normal poll outcome, reported as
// a timed-out result with no error so callers can simply re-poll.
func (c *Communicator) ExecuteInterrupt(dev *usb.DeviceDescriptor, req *Request) (*Result, error) {
	if err := c.gate(dev); err != nil {
		return nil, err
	}
	if err := c.limits.validate(req, usb.TransferInterrupt); err != nil {
		return nil, err
	}
	ifc, err := c.interfaceFor(dev, req)
	if err != nil {
		return nil, err
	}

	if req.Endpoint.In() {
		buf := make([]byte, req.Length)
		n, err := ifc.ReadPipe(req.Endpoint, buf, req.Timeout)
		if err != nil {
			if statusFor(err) == StatusTimedOut {
				return &Result{Status: StatusTimedOut, ActualLength: n, CompletedAt: time.Now()}, nil
			}
			return failed(err), err
		}
		res := &Result{Status: StatusCompleted, ActualLength: n, CompletedAt: time.Now()}
		if n > 0 {
			res.Data = buf[:n]
		}
		return res, nil
	}

	n, err := ifc.WritePipe(req.Endpoint, req.Data, req.Timeout)
	if err != nil {
		return failed(err), err
	}
	return &Result{Status: StatusCompleted, ActualLength: n, CompletedAt: time.Now()}, nil
}
