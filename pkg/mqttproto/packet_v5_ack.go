package mqttproto

import (
	"bytes"
	"io"
)

// v5AckPacket is the shared wire shape of PUBACK/PUBREC/PUBREL/PUBCOMP:
// packet id, followed by an optional reason code and properties that may
// be omitted entirely when the reason is Success and there are no
// properties, per the MQTT 5.0 variable-header-omission rule.
type v5AckPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Reason     string
}

func encodeV5Ack(packetType byte, flags byte, p v5AckPacket) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeU16(&buf, p.PacketID); err != nil {
		return nil, err
	}
	if p.ReasonCode != ReasonSuccess || p.Reason != "" {
		if err := encodeU8(&buf, byte(p.ReasonCode)); err != nil {
			return nil, err
		}
		if p.Reason != "" {
			props := encodePropertyReasonString(p.Reason)
			if err := encodeVarInt(&buf, len(props)); err != nil {
				return nil, err
			}
			buf.Write(props)
		} else {
			if err := encodeVarInt(&buf, 0); err != nil {
				return nil, err
			}
		}
	}
	return encodePacket(packetType, flags, buf.Bytes()), nil
}

func encodePropertyReasonString(reason string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(propReasonString)
	encodeUTFString(&buf, reason)
	return buf.Bytes()
}

// byteReader is the minimal reader shape decodeV5Ack needs: decodeU16/decodeU8
// read bytes via io.Reader, while decodeVarInt needs io.ByteReader.
type byteReader interface {
	io.Reader
	io.ByteReader
}

func decodeV5Ack(r byteReader, remainingLength int) (v5AckPacket, error) {
	id, err := decodeU16(r)
	if err != nil {
		return v5AckPacket{}, err
	}
	p := v5AckPacket{PacketID: id, ReasonCode: ReasonSuccess}
	if remainingLength <= 2 {
		return p, nil
	}
	rc, err := decodeU8(r)
	if err != nil {
		return v5AckPacket{}, err
	}
	p.ReasonCode = ReasonCode(rc)
	if remainingLength <= 3 {
		return p, nil
	}
	propLen, err := decodeVarInt(r)
	if err != nil {
		return v5AckPacket{}, err
	}
	if propLen == 0 {
		return p, nil
	}
	propBytes := make([]byte, propLen)
	if _, err := io.ReadFull(r, propBytes); err != nil {
		return v5AckPacket{}, err
	}
	pr := bytes.NewReader(propBytes)
	for pr.Len() > 0 {
		id, err := pr.ReadByte()
		if err != nil {
			break
		}
		if id == propReasonString {
			s, err := decodeUTFString(pr)
			if err != nil {
				break
			}
			p.Reason = s
		} else {
			break
		}
	}
	return p, nil
}

// V5PubAck acknowledges a QoS 1 PUBLISH.
type V5PubAck struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Reason     string
}

func (p *V5PubAck) packetTypeV5() byte { return PacketPubAck }
func (p *V5PubAck) encodeV5() ([]byte, error) {
	return encodeV5Ack(PacketPubAck, 0, v5AckPacket{p.PacketID, p.ReasonCode, p.Reason})
}
func decodeV5PubAck(r byteReader, remainingLength int) (*V5PubAck, error) {
	a, err := decodeV5Ack(r, remainingLength)
	if err != nil {
		return nil, err
	}
	return &V5PubAck{a.PacketID, a.ReasonCode, a.Reason}, nil
}

// V5PubRec is the first acknowledgment of a QoS 2 PUBLISH.
type V5PubRec struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Reason     string
}

func (p *V5PubRec) packetTypeV5() byte { return PacketPubRec }
func (p *V5PubRec) encodeV5() ([]byte, error) {
	return encodeV5Ack(PacketPubRec, 0, v5AckPacket{p.PacketID, p.ReasonCode, p.Reason})
}
func decodeV5PubRec(r byteReader, remainingLength int) (*V5PubRec, error) {
	a, err := decodeV5Ack(r, remainingLength)
	if err != nil {
		return nil, err
	}
	return &V5PubRec{a.PacketID, a.ReasonCode, a.Reason}, nil
}

// V5PubRel releases a QoS 2 delivery after PUBREC.
type V5PubRel struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Reason     string
}

func (p *V5PubRel) packetTypeV5() byte { return PacketPubRel }
func (p *V5PubRel) encodeV5() ([]byte, error) {
	return encodeV5Ack(PacketPubRel, 0x02, v5AckPacket{p.PacketID, p.ReasonCode, p.Reason})
}
func decodeV5PubRel(r byteReader, remainingLength int) (*V5PubRel, error) {
	a, err := decodeV5Ack(r, remainingLength)
	if err != nil {
		return nil, err
	}
	return &V5PubRel{a.PacketID, a.ReasonCode, a.Reason}, nil
}

// V5PubComp completes a QoS 2 exchange.
type V5PubComp struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Reason     string
}

func (p *V5PubComp) packetTypeV5() byte { return PacketPubComp }
func (p *V5PubComp) encodeV5() ([]byte, error) {
	return encodeV5Ack(PacketPubComp, 0, v5AckPacket{p.PacketID, p.ReasonCode, p.Reason})
}
func decodeV5PubComp(r byteReader, remainingLength int) (*V5PubComp, error) {
	a, err := decodeV5Ack(r, remainingLength)
	if err != nil {
		return nil, err
	}
	return &V5PubComp{a.PacketID, a.ReasonCode, a.Reason}, nil
}
