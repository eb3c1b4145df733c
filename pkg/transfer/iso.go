package transfer

import (
	"time"

	"github.com/usblink/usblink/pkg/platform"
	"github.com/usblink/usblink/pkg/usb"
)

// isoFrameLookahead is the scheduling margin, in frames, applied when the
// caller did not pick a start frame. Scheduling too close to the current
// frame risks missing it while the request is still in flight.
const isoFrameLookahead = 10

// ExecuteIsochronous partitions the requested buffer across the declared
// packet count, resolves a start frame, executes the frame-scheduled
// transfer and aggregates per-packet actual lengths and error counts.
func (c *Communicator) ExecuteIsochronous(dev *usb.DeviceDescriptor, req *Request) (*Result, error) {
	if err := c.gate(dev); err != nil {
		return nil, err
	}
	if err := c.limits.validate(req, usb.TransferIsochronous); err != nil {
		return nil, err
	}
	ifc, err := c.interfaceFor(dev, req)
	if err != nil {
		return nil, err
	}

	// Split the declared length evenly; the final packet absorbs the
	// remainder.
	packets := make([]platform.IsoPacket, req.Packets)
	base := req.Length / req.Packets
	for i := range packets {
		packets[i].Length = uint32(base)
	}
	packets[len(packets)-1].Length += uint32(req.Length % req.Packets)

	buf := req.Data
	if req.Endpoint.In() {
		buf = make([]byte, req.Length)
	}

	frame := req.StartFrame
	if frame == 0 {
		cur, err := ifc.CurrentFrame()
		if err != nil {
			return failed(err), err
		}
		frame = cur + isoFrameLookahead
	}

	used, err := ifc.Isochronous(req.Endpoint, buf, frame, packets)
	if err != nil {
		res := failed(err)
		res.Frame = used
		return res, err
	}

	res := &Result{Status: StatusCompleted, Frame: used, CompletedAt: time.Now()}
	for _, p := range packets {
		res.ActualLength += int(p.Actual)
		if p.Status != 0 {
			res.PacketErrors++
		}
	}
	if req.Endpoint.In() && res.ActualLength > 0 {
		res.Data = buf[:res.ActualLength]
	}
	return res, nil
}
