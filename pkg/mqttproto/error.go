package mqttproto

import (
	"errors"
	"fmt"
)

// ErrPacketTooLarge is returned by the v3/v5 decoders when a fixed header
// claims a remaining length past the caller's configured packet ceiling,
// before any attempt is made to read that many bytes off the wire.
var ErrPacketTooLarge = errors.New("mqttproto: packet exceeds configured maximum size")

// MalformedPacketError reports bytes that cannot be parsed as the
// packet they claim to be: a remaining-length varint past four bytes or
// an unknown property identifier. A truncated field is not reported
// with it; that surfaces as the underlying read error. Maps to the v5
// reason code ReasonMalformedPacket at the connection boundary.
type MalformedPacketError struct {
	Message string
}

func (e *MalformedPacketError) Error() string {
	return fmt.Sprintf("mqttproto: malformed packet: %s", e.Message)
}

// ProtocolError reports well-formed bytes that violate the protocol's
// rules: a packet arrived where a specific packet type or protocol
// level was required, or a non-repeatable property appeared twice.
// Maps to the v5 reason code ReasonProtocolError.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mqttproto: %s", e.Message)
}
