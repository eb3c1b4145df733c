package usb

// SetupPacketSize is the wire size of a USB SETUP packet.
const SetupPacketSize = 8

// SetupPacket is the decoded 8-byte setup stage of a control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// In reports whether the data stage transfers device-to-host.
func (s *SetupPacket) In() bool {
	return s.RequestType&endpointDirectionMask != 0
}

// ParseSetupPacket decodes an exactly 8-byte setup packet. Any other length
// is rejected with ErrSetupPacketInvalid; control transfers must never reach
// the OS with a malformed setup stage.
func ParseSetupPacket(data []byte) (*SetupPacket, error) {
	if len(data) != SetupPacketSize {
		return nil, ErrSetupPacketInvalid
	}
	return &SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       uint16(data[2]) | uint16(data[3])<<8,
		Index:       uint16(data[4]) | uint16(data[5])<<8,
		Length:      uint16(data[6]) | uint16(data[7])<<8,
	}, nil
}

// Bytes encodes the packet back into its 8-byte wire form.
func (s *SetupPacket) Bytes() []byte {
	return []byte{
		s.RequestType,
		s.Request,
		byte(s.Value), byte(s.Value >> 8),
		byte(s.Index), byte(s.Index >> 8),
		byte(s.Length), byte(s.Length >> 8),
	}
}
