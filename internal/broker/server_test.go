package broker

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq-sub007/pkg/mqttproto"
)

// detectFull feeds detectProtocolVersion the way handleConnection does:
// growing the peeked prefix until the level byte is reachable.
func detectFull(t *testing.T, packet []byte) (mqttproto.ProtocolVersion, error) {
	t.Helper()
	for need := 2; ; {
		require.LessOrEqual(t, need, len(packet), "detection must never need more bytes than the packet holds")
		v, more, err := detectProtocolVersion(packet[:need])
		if err != nil {
			return 0, err
		}
		if more == 0 {
			return v, nil
		}
		need = more
	}
}

func TestDetectProtocolVersion(t *testing.T) {
	v4 := []byte{0x10, 0x0c, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x02, 0x00, 0x3c, 0x00, 0x00}
	version, err := detectFull(t, v4)
	require.NoError(t, err)
	require.Equal(t, mqttproto.ProtocolV4, version)

	v5 := []byte{0x10, 0x0d, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x05, 0x02, 0x00, 0x3c, 0x00, 0x00, 0x00}
	version, err = detectFull(t, v5)
	require.NoError(t, err)
	require.Equal(t, mqttproto.ProtocolV5, version)

	// 3.1 carries the six-byte "MQIsdp" name before the level byte.
	v31 := []byte{0x10, 0x10, 0x00, 0x06, 'M', 'Q', 'I', 's', 'd', 'p', 0x03, 0x02, 0x00, 0x3c, 0x00, 0x00}
	version, err = detectFull(t, v31)
	require.NoError(t, err)
	require.Equal(t, mqttproto.ProtocolV4, version)
}

func TestDetectProtocolVersionRejectsGarbage(t *testing.T) {
	_, _, err := detectProtocolVersion([]byte{0x30, 0x00})
	require.Error(t, err)

	_, err = detectFull(t, []byte{0x10, 0x08, 0x00, 0x05, 'M', 'Q', 'T', 'T', 'X', 0x04})
	require.Error(t, err)

	_, _, err = detectProtocolVersion([]byte{0x10, 0x80, 0x80, 0x80, 0x80, 0x80})
	require.Error(t, err)
}

func TestDisconnectReasonMapping(t *testing.T) {
	// An oversize packet produced by the real decoder maps to the
	// PacketTooLarge disconnect.
	_, err := mqttproto.ReadV5Packet(bufio.NewReader(bytes.NewReader([]byte{0x30, 0xC8, 0x01})), 100)
	require.Error(t, err)
	code, ok := disconnectReasonFor(err)
	require.True(t, ok)
	require.Equal(t, mqttproto.ReasonPacketTooLarge, code)

	code, ok = disconnectReasonFor(&mqttproto.MalformedPacketError{Message: "unknown property identifier"})
	require.True(t, ok)
	require.Equal(t, mqttproto.ReasonMalformedPacket, code)

	code, ok = disconnectReasonFor(&mqttproto.ProtocolError{Message: "duplicate property identifier"})
	require.True(t, ok)
	require.Equal(t, mqttproto.ReasonProtocolError, code)

	// A plain transport error gets no DISCONNECT at all.
	_, ok = disconnectReasonFor(io.ErrUnexpectedEOF)
	require.False(t, ok)
}
