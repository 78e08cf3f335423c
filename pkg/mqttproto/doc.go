// Package mqttproto implements the MQTT wire protocol this module's
// broker speaks: fixed-header framing shared by v3.1/v3.1.1 and v5.0,
// full packet encode/decode for both protocol levels, and the
// transport listeners (TCP, TLS, WebSocket, WebSocket+TLS) a broker
// accepts connections on.
//
// # Decoding a connection
//
// A broker doesn't know a client's protocol level until it peeks the
// CONNECT packet's protocol-level byte. From there it decodes every
// subsequent packet with the matching family of functions:
//
//	ver, err := detectProtocolVersion(peek) // internal/broker/server.go
//	switch ver {
//	case mqttproto.ProtocolV4:
//	    pkt, err := mqttproto.ReadV4Packet(r, maxSize)
//	case mqttproto.ProtocolV5:
//	    pkt, err := mqttproto.ReadV5Packet(r, maxSize)
//	}
//
// Each decoded packet is a concrete type (V4Connect, V4Publish,
// V5Subscribe, ...); callers type-switch on the result rather than
// working through a shared envelope.
//
// # Listening
//
// Listen opens a net.Listener for any of the four supported transports:
//
//	ln, err := mqttproto.Listen("ws", ":8083", nil)
//
// A WebSocket listener upgrades incoming HTTP requests to the "mqtt"
// binary subprotocol and hands back a plain net.Conn, so the rest of
// the broker never branches on transport.
//
// # Protocol support
//
// | Protocol | Support |
// |----------|---------|
// | MQTT 3.1.1 (v4) | full CONNECT/PUBLISH/SUBSCRIBE/UNSUBSCRIBE/PING/DISCONNECT |
// | MQTT 5.0 (v5) | as above, plus properties, reason codes, and topic aliases |
//
// # Transport support
//
// | Transport | Network name | Example address |
// |-----------|--------------|------------------|
// | TCP | tcp | :1883 |
// | TLS | tls | :8883 |
// | WebSocket | ws | :8083 |
// | WebSocket+TLS | wss | :8084 |
package mqttproto
