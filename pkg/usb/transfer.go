package usb

import "fmt"

// TransferType is one of the four USB transfer kinds.
type TransferType uint8

const (
	TransferControl TransferType = iota
	TransferIsochronous
	TransferBulk
	TransferInterrupt
)

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	}
	return "invalid"
}

// EndpointAddress is a USB endpoint address with the direction encoded in the
// high bit (0x80 = IN, device to host).
type EndpointAddress uint8

const (
	endpointNumMask       = 0x0f
	endpointDirectionMask = 0x80
)

// Number returns the endpoint number (0-15).
func (e EndpointAddress) Number() uint8 {
	return uint8(e) & endpointNumMask
}

// In reports whether the endpoint transfers device-to-host.
func (e EndpointAddress) In() bool {
	return uint8(e)&endpointDirectionMask != 0
}

func (e EndpointAddress) String() string {
	dir := "OUT"
	if e.In() {
		dir = "IN"
	}
	return fmt.Sprintf("ep %d %s", e.Number(), dir)
}
