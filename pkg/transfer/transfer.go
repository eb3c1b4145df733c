// Package transfer executes the four USB transfer kinds against claimed
// devices: request validation, interface-handle management, control and
// pipe-based execution, isochronous frame scheduling, and per-pipe
// cancellation. The Communicator facade gates everything behind the external
// claim authority.
package transfer

import (
	"fmt"
	"time"

	"github.com/usblink/usblink/pkg/usb"
)

// Status is the coarse outcome of a transfer.
type Status uint8

const (
	StatusCompleted Status = iota
	StatusTimedOut
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusTimedOut:
		return "timed out"
	case StatusCancelled:
		return "cancelled"
	}
	return "failed"
}

// Request describes one transfer. Direction is encoded in the endpoint
// address high bit; control transfers address endpoint 0 and carry the
// 8-byte setup packet.
type Request struct {
	Type      usb.TransferType
	Interface uint8
	Endpoint  usb.EndpointAddress

	// Setup is the raw 8-byte setup stage, control transfers only.
	Setup []byte

	// Data is the OUT payload. For IN transfers it is ignored; the result
	// carries the received bytes.
	Data []byte

	// Length is the declared transfer length. For OUT transfers it must
	// equal len(Data) exactly.
	Length int

	Timeout time.Duration

	// StartFrame schedules an isochronous transfer; zero resolves the
	// frame from the current bus frame plus a short lookahead.
	StartFrame uint64
	// Packets is the isochronous packet count.
	Packets int
}

// Result is the outcome of one transfer.
type Result struct {
	Status       Status
	ActualLength int

	// Data holds received bytes for IN transfers that completed with a
	// positive actual length; nil otherwise.
	Data []byte

	// PacketErrors counts isochronous packets that completed with a
	// nonzero per-packet status.
	PacketErrors int
	// Frame is the bus frame an isochronous transfer actually used.
	Frame uint64

	CompletedAt time.Time
}

// Timeout ceilings per transfer kind. A request timeout must be positive and
// at or below the ceiling for its kind.
type Limits struct {
	Control     time.Duration
	Bulk        time.Duration
	Interrupt   time.Duration
	Isochronous time.Duration
}

// DefaultLimits are the accepted timeout bounds.
var DefaultLimits = Limits{
	Control:     30 * time.Second,
	Bulk:        60 * time.Second,
	Interrupt:   60 * time.Second,
	Isochronous: 30 * time.Second,
}

func (l Limits) ceiling(t usb.TransferType) time.Duration {
	switch t {
	case usb.TransferControl:
		return l.Control
	case usb.TransferBulk:
		return l.Bulk
	case usb.TransferInterrupt:
		return l.Interrupt
	case usb.TransferIsochronous:
		return l.Isochronous
	}
	return 0
}

// validate checks a request against kind, timeout, setup and buffer rules.
// All validation happens before any OS call.
func (l Limits) validate(req *Request, want usb.TransferType) error {
	if req.Type != want {
		return usb.ErrTransferTypeMismatch
	}
	if max := l.ceiling(want); req.Timeout <= 0 || req.Timeout > max {
		return &usb.TimeoutInvalidError{Value: req.Timeout.String()}
	}
	if want == usb.TransferControl {
		if len(req.Setup) != usb.SetupPacketSize {
			return usb.ErrSetupPacketInvalid
		}
	}
	out := !req.Endpoint.In()
	if want == usb.TransferControl && len(req.Setup) == usb.SetupPacketSize {
		out = req.Setup[0]&0x80 == 0
	}
	if out && len(req.Data) != req.Length {
		return &usb.BufferSizeError{Expected: req.Length, Actual: len(req.Data)}
	}
	if want == usb.TransferIsochronous && req.Packets <= 0 {
		return fmt.Errorf("isochronous packet count %d invalid", req.Packets)
	}
	return nil
}
