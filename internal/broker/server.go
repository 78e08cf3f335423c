// Per-connection accept loop: detects the wire protocol version off the
// CONNECT packet's protocol name/level, then drives the
// protocol-agnostic Engine defined in engine.go. Everything that
// depends on which wire codec is in play (V4* vs V5* packet types,
// topic alias resolution, property encoding) lives here; everything
// else lives in Engine.
package broker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/robustmq/robustmq-sub007/internal/session"
	"github.com/robustmq/robustmq-sub007/pkg/mqttproto"
)

// Server accepts net.Conn connections (TCP, TLS, or WebSocket, via
// pkg/mqttproto.Listen) and drives them against a shared Engine.
type Server struct {
	Engine        *Engine
	Log           *slog.Logger
	MaxPacketSize int
}

// NewServer creates a Server bound to engine.
func NewServer(engine *Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{Engine: engine, Log: log, MaxPacketSize: 1 << 20}
}

// Serve accepts connections from ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	// Grow the peek window until the CONNECT level byte is visible;
	// peeking a fixed size instead would block forever on a minimal
	// CONNECT shorter than the window.
	var version mqttproto.ProtocolVersion
	for need := 2; ; {
		peek, err := reader.Peek(need)
		if err != nil {
			s.Log.Debug("broker: peek failed", "error", err)
			return
		}
		v, more, derr := detectProtocolVersion(peek)
		if derr != nil {
			s.Log.Debug("broker: protocol detection failed", "error", derr)
			return
		}
		if more == 0 {
			version = v
			break
		}
		need = more
	}

	switch version {
	case mqttproto.ProtocolV4:
		s.handleConnectionV4(conn, reader)
	case mqttproto.ProtocolV5:
		s.handleConnectionV5(conn, reader)
	default:
		s.Log.Debug("broker: unsupported protocol version", "version", version)
	}
}

// detectProtocolVersion inspects a peeked prefix of the CONNECT packet
// for its protocol level byte without consuming anything, so
// ReadV4Packet/ReadV5Packet can decode the same bytes afterward. When
// the prefix is too short to reach the level byte it returns the peek
// size needed to continue instead of a version.
func detectProtocolVersion(peek []byte) (version mqttproto.ProtocolVersion, need int, err error) {
	if len(peek) < 1 {
		return 0, 2, nil
	}
	if peek[0] != 0x10 {
		return 0, 0, &mqttproto.ProtocolError{Message: "expected CONNECT packet"}
	}

	headerLen := 1
	for i := 1; ; i++ {
		if i > 4 {
			return 0, 0, &mqttproto.ProtocolError{Message: "malformed remaining length"}
		}
		if i >= len(peek) {
			return 0, i + 1, nil
		}
		headerLen++
		if peek[i]&0x80 == 0 {
			break
		}
	}

	// The protocol name length precedes the name itself: 4 for "MQTT"
	// (3.1.1/5.0), 6 for "MQIsdp" (3.1). The level byte follows the name.
	if len(peek) < headerLen+2 {
		return 0, headerLen + 2, nil
	}
	nameLen := int(peek[headerLen])<<8 | int(peek[headerLen+1])
	if nameLen != 4 && nameLen != 6 {
		return 0, 0, &mqttproto.ProtocolError{Message: "unrecognized protocol name"}
	}
	levelOffset := headerLen + 2 + nameLen
	if len(peek) <= levelOffset {
		return 0, levelOffset + 1, nil
	}

	switch peek[levelOffset] {
	case 3, 4:
		return mqttproto.ProtocolV4, 0, nil
	case 5:
		return mqttproto.ProtocolV5, 0, nil
	default:
		return 0, 0, &mqttproto.ProtocolError{Message: "unsupported protocol level"}
	}
}

// disconnectReasonFor maps a decode error to the v5 DISCONNECT reason
// code it is surfaced to the client as. Transport errors get no
// DISCONNECT at all: the connection is already gone.
func disconnectReasonFor(err error) (mqttproto.ReasonCode, bool) {
	var malformed *mqttproto.MalformedPacketError
	var protocol *mqttproto.ProtocolError
	switch {
	case errors.Is(err, mqttproto.ErrPacketTooLarge):
		return mqttproto.ReasonPacketTooLarge, true
	case errors.As(err, &malformed):
		return mqttproto.ReasonMalformedPacket, true
	case errors.As(err, &protocol):
		return mqttproto.ReasonProtocolError, true
	}
	return 0, false
}

func remoteIP(conn net.Conn) string {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return conn.RemoteAddr().String()
}

// --- MQTT 3.1/3.1.1 ---

func (s *Server) handleConnectionV4(conn net.Conn, reader *bufio.Reader) {
	packet, err := mqttproto.ReadV4Packet(reader, s.MaxPacketSize)
	if err != nil {
		s.Log.Debug("broker: read connect failed", "error", err)
		return
	}
	connect, ok := packet.(*mqttproto.V4Connect)
	if !ok {
		s.Log.Debug("broker: expected CONNECT packet")
		return
	}

	var will *session.Will
	if connect.WillTopic != "" {
		will = &session.Will{Topic: connect.WillTopic, Payload: connect.WillMessage, QoS: connect.WillQoS, Retain: connect.WillRetain}
	}

	result, err := s.Engine.Connect(context.Background(), ConnectRequest{
		ClientID:        connect.ClientID,
		Username:        connect.Username,
		Password:        connect.Password,
		CleanStart:      connect.CleanSession,
		ProtocolVersion: mqttproto.ProtocolV4,
		KeepAlive:       time.Duration(connect.KeepAlive) * time.Second,
		SourceIP:        remoteIP(conn),
		Will:            will,
	})
	if err != nil {
		returnCode := mqttproto.ConnectNotAuthorized
		switch result.ReasonCode {
		case mqttproto.ReasonClientIDNotValid:
			returnCode = mqttproto.ConnectIDRejected
		case mqttproto.ReasonBadUserNameOrPassword:
			returnCode = mqttproto.ConnectBadCredentials
		case mqttproto.ReasonBanned:
			returnCode = mqttproto.ConnectNotAuthorized
		}
		mqttproto.WriteV4Packet(conn, &mqttproto.V4ConnAck{ReturnCode: returnCode})
		return
	}

	if err := mqttproto.WriteV4Packet(conn, &mqttproto.V4ConnAck{SessionPresent: result.SessionPresent, ReturnCode: mqttproto.ConnectAccepted}); err != nil {
		s.Log.Debug("broker: write connack failed", "error", err)
		return
	}

	s.Log.Info("broker: client connected", "client_id", result.AssignedClientID, "version", "3.1.1")
	s.clientLoopV4(conn, reader, result)
	s.Log.Info("broker: client disconnected", "client_id", result.AssignedClientID)
}

func (s *Server) clientLoopV4(conn net.Conn, reader *bufio.Reader, result *ConnectResult) {
	clientID := result.AssignedClientID
	var timeout time.Duration
	if result.Conn.KeepAlive > 0 {
		timeout = result.Conn.KeepAlive * 3 / 2
	}

	readCh := make(chan mqttproto.V4Packet, 1)
	errCh := make(chan error, 1)
	doneCh := make(chan struct{})

	go func() {
		defer close(errCh)
		for {
			packet, err := mqttproto.ReadV4Packet(reader, s.MaxPacketSize)
			if err != nil {
				select {
				case errCh <- err:
				case <-doneCh:
				}
				return
			}
			select {
			case readCh <- packet:
			case <-doneCh:
				return
			}
		}
	}()
	defer close(doneCh)

	graceful := false
	defer func() {
		s.Engine.Disconnect(clientID, result.Conn, graceful, sessionTTLForV4(result.Conn))
	}()

	for {
		var timeoutCh <-chan time.Time
		if timeout > 0 {
			timeoutCh = time.After(timeout)
		}

		select {
		case out, ok := <-result.Outbound:
			if !ok {
				return
			}
			if err := mqttproto.WriteV4Packet(conn, &mqttproto.V4Publish{
				Topic: out.Topic, Payload: out.Payload, Retain: out.Retain,
				Dup: out.Dup, QoS: out.QoS, PacketID: out.PacketID,
			}); err != nil {
				s.Log.Debug("broker: write publish failed", "error", err)
				return
			}

		case packet := <-readCh:
			switch p := packet.(type) {
			case *mqttproto.V4Publish:
				s.handlePublishV4(clientID, p, conn)
			case *mqttproto.V4PubAck:
				s.Engine.Acknowledge(clientID, p.PacketID)
			case *mqttproto.V4PubRec:
				s.Engine.AcknowledgePubRec(clientID, p.PacketID)
				mqttproto.WriteV4Packet(conn, &mqttproto.V4PubRel{PacketID: p.PacketID})
			case *mqttproto.V4PubRel:
				s.Engine.AckPubRel(clientID, p.PacketID)
				mqttproto.WriteV4Packet(conn, &mqttproto.V4PubComp{PacketID: p.PacketID})
			case *mqttproto.V4PubComp:
				s.Engine.Acknowledge(clientID, p.PacketID)
			case *mqttproto.V4Subscribe:
				filters := make([]SubFilter, len(p.Filters))
				for i, f := range p.Filters {
					filters[i] = SubFilter{Filter: f.Topic, QoS: f.QoS}
				}
				results := s.Engine.Subscribe(clientID, result.Conn.Username, filters)
				codes := make([]byte, len(results))
				for i, r := range results {
					codes[i] = byte(r.GrantedQoS)
					if r.ReasonCode >= mqttproto.ReasonUnspecifiedError {
						codes[i] = 0x80
					}
				}
				mqttproto.WriteV4Packet(conn, &mqttproto.V4SubAck{PacketID: p.PacketID, ReturnCodes: codes})
				s.deliverRetainedV4(clientID, conn, results)
			case *mqttproto.V4Unsubscribe:
				s.Engine.Unsubscribe(clientID, p.Topics)
				mqttproto.WriteV4Packet(conn, &mqttproto.V4UnsubAck{PacketID: p.PacketID})
			case *mqttproto.V4PingReq:
				mqttproto.WriteV4Packet(conn, &mqttproto.V4PingResp{})
			case *mqttproto.V4Disconnect:
				graceful = true
				return
			}

		case err := <-errCh:
			if err != io.EOF {
				s.Log.Debug("broker: read error", "error", err)
			}
			return

		case <-timeoutCh:
			s.Log.Debug("broker: keepalive timeout", "client_id", clientID)
			return

		case <-result.Takeover:
			return
		}
	}
}

func (s *Server) handlePublishV4(clientID string, p *mqttproto.V4Publish, conn net.Conn) {
	if p.QoS == mqttproto.ExactlyOnce {
		if s.Engine.PublishReceived(clientID, p.PacketID) {
			mqttproto.WriteV4Packet(conn, &mqttproto.V4PubRec{PacketID: p.PacketID})
			return
		}
	}

	err := s.Engine.Publish(context.Background(), PublishRequest{
		ClientID: clientID, Topic: p.Topic, Payload: p.Payload,
		QoS: p.QoS, Retain: p.Retain, PacketID: p.PacketID, Dup: p.Dup,
	})
	if err != nil {
		s.Log.Debug("broker: publish rejected", "client_id", clientID, "topic", p.Topic, "error", err)
		return
	}

	switch p.QoS {
	case mqttproto.AtLeastOnce:
		mqttproto.WriteV4Packet(conn, &mqttproto.V4PubAck{PacketID: p.PacketID})
	case mqttproto.ExactlyOnce:
		mqttproto.WriteV4Packet(conn, &mqttproto.V4PubRec{PacketID: p.PacketID})
	}
}

func (s *Server) deliverRetainedV4(clientID string, conn net.Conn, results []SubResult) {
	for _, r := range results {
		for _, ret := range r.Retained {
			mqttproto.WriteV4Packet(conn, &mqttproto.V4Publish{
				Topic: ret.Topic, Payload: ret.Payload, Retain: true, QoS: ret.QoS,
			})
		}
	}
}

func sessionTTLForV4(conn *session.Connection) time.Duration {
	return 0 // MQTT 3.1.1 has no session-expiry-interval; CleanSession governs it at CONNECT time.
}

// --- MQTT 5.0 ---

func (s *Server) handleConnectionV5(conn net.Conn, reader *bufio.Reader) {
	packet, err := mqttproto.ReadV5Packet(reader, s.MaxPacketSize)
	if err != nil {
		s.Log.Debug("broker: read connect failed", "error", err)
		return
	}
	connect, ok := packet.(*mqttproto.V5Connect)
	if !ok {
		s.Log.Debug("broker: expected CONNECT packet")
		return
	}

	var will *session.Will
	if connect.WillTopic != "" {
		will = &session.Will{Topic: connect.WillTopic, Payload: connect.WillMessage, QoS: connect.WillQoS, Retain: connect.WillRetain}
		if connect.WillProps != nil && connect.WillProps.WillDelayInterval != nil {
			will.DelayInterval = *connect.WillProps.WillDelayInterval
		}
	}

	var aliasMax uint16 = 16
	var sessionExpiry uint32
	if connect.Properties != nil {
		if connect.Properties.TopicAliasMaximum != nil {
			aliasMax = *connect.Properties.TopicAliasMaximum
		}
		if connect.Properties.SessionExpiry != nil {
			sessionExpiry = *connect.Properties.SessionExpiry
		}
	}

	result, err := s.Engine.Connect(context.Background(), ConnectRequest{
		ClientID:        connect.ClientID,
		Username:        connect.Username,
		Password:        connect.Password,
		CleanStart:      connect.CleanStart,
		ProtocolVersion: mqttproto.ProtocolV5,
		KeepAlive:       time.Duration(connect.KeepAlive) * time.Second,
		SourceIP:        remoteIP(conn),
		TopicAliasMax:   aliasMax,
		Will:            will,
	})
	if err != nil {
		mqttproto.WriteV5Packet(conn, &mqttproto.V5ConnAck{ReasonCode: result.ReasonCode})
		return
	}

	ackProps := &mqttproto.V5Properties{TopicAliasMaximum: &aliasMax}
	if result.AssignedClientID != connect.ClientID {
		ackProps.AssignedClientID = result.AssignedClientID
	}
	if err := mqttproto.WriteV5Packet(conn, &mqttproto.V5ConnAck{
		SessionPresent: result.SessionPresent, ReasonCode: mqttproto.ReasonSuccess, Properties: ackProps,
	}); err != nil {
		s.Log.Debug("broker: write connack failed", "error", err)
		return
	}

	s.Log.Info("broker: client connected", "client_id", result.AssignedClientID, "version", "5.0")
	s.clientLoopV5(conn, reader, result, time.Duration(sessionExpiry)*time.Second)
	s.Log.Info("broker: client disconnected", "client_id", result.AssignedClientID)
}

func (s *Server) clientLoopV5(conn net.Conn, reader *bufio.Reader, result *ConnectResult, sessionTTL time.Duration) {
	clientID := result.AssignedClientID
	var timeout time.Duration
	if result.Conn.KeepAlive > 0 {
		timeout = result.Conn.KeepAlive * 3 / 2
	}

	readCh := make(chan mqttproto.V5Packet, 1)
	errCh := make(chan error, 1)
	doneCh := make(chan struct{})

	go func() {
		defer close(errCh)
		for {
			packet, err := mqttproto.ReadV5Packet(reader, s.MaxPacketSize)
			if err != nil {
				select {
				case errCh <- err:
				case <-doneCh:
				}
				return
			}
			select {
			case readCh <- packet:
			case <-doneCh:
				return
			}
		}
	}()
	defer close(doneCh)

	graceful := false
	defer func() {
		s.Engine.Disconnect(clientID, result.Conn, graceful, sessionTTL)
	}()

	for {
		var timeoutCh <-chan time.Time
		if timeout > 0 {
			timeoutCh = time.After(timeout)
		}

		select {
		case out, ok := <-result.Outbound:
			if !ok {
				return
			}
			var props *mqttproto.V5Properties
			if len(out.SubscriptionIDs) > 0 {
				id := out.SubscriptionIDs[0]
				props = &mqttproto.V5Properties{SubscriptionID: &id}
			}
			if err := mqttproto.WriteV5Packet(conn, &mqttproto.V5Publish{
				Topic: out.Topic, Payload: out.Payload, Retain: out.Retain,
				Dup: out.Dup, QoS: out.QoS, PacketID: out.PacketID, Properties: props,
			}); err != nil {
				s.Log.Debug("broker: write publish failed", "error", err)
				return
			}

		case packet := <-readCh:
			switch p := packet.(type) {
			case *mqttproto.V5Publish:
				s.handlePublishV5(clientID, p, result.Conn, conn)
			case *mqttproto.V5PubAck:
				s.Engine.Acknowledge(clientID, p.PacketID)
			case *mqttproto.V5PubRec:
				s.Engine.AcknowledgePubRec(clientID, p.PacketID)
				mqttproto.WriteV5Packet(conn, &mqttproto.V5PubRel{PacketID: p.PacketID})
			case *mqttproto.V5PubRel:
				s.Engine.AckPubRel(clientID, p.PacketID)
				mqttproto.WriteV5Packet(conn, &mqttproto.V5PubComp{PacketID: p.PacketID})
			case *mqttproto.V5PubComp:
				s.Engine.Acknowledge(clientID, p.PacketID)
			case *mqttproto.V5Subscribe:
				filters := make([]SubFilter, len(p.Topics))
				for i, f := range p.Topics {
					subID := uint32(0)
					if p.Properties != nil && p.Properties.SubscriptionID != nil {
						subID = *p.Properties.SubscriptionID
					}
					filters[i] = SubFilter{
						Filter: f.Topic, QoS: f.QoS, NoLocal: f.NoLocal,
						RetainAsPublished: f.RetainAsPublished, RetainHandling: f.RetainHandling,
						SubscriptionID: subID,
					}
				}
				results := s.Engine.Subscribe(clientID, result.Conn.Username, filters)
				codes := make([]mqttproto.ReasonCode, len(results))
				for i, r := range results {
					codes[i] = r.ReasonCode
				}
				mqttproto.WriteV5Packet(conn, &mqttproto.V5SubAck{PacketID: p.PacketID, ReasonCodes: codes})
				s.deliverRetainedV5(results, conn)
			case *mqttproto.V5Unsubscribe:
				codes := s.Engine.Unsubscribe(clientID, p.Topics)
				mqttproto.WriteV5Packet(conn, &mqttproto.V5UnsubAck{PacketID: p.PacketID, ReasonCodes: codes})
			case *mqttproto.V5PingReq:
				mqttproto.WriteV5Packet(conn, &mqttproto.V5PingResp{})
			case *mqttproto.V5Disconnect:
				graceful = p.ReasonCode == mqttproto.ReasonSuccess || p.ReasonCode == mqttproto.ReasonNormalDisconnection
				if p.Properties != nil && p.Properties.SessionExpiry != nil {
					sessionTTL = time.Duration(*p.Properties.SessionExpiry) * time.Second
				}
				return
			}

		case err := <-errCh:
			if err == io.EOF {
				return
			}
			s.Log.Debug("broker: read error", "error", err)
			if code, ok := disconnectReasonFor(err); ok {
				mqttproto.WriteV5Packet(conn, &mqttproto.V5Disconnect{ReasonCode: code})
			}
			return

		case <-timeoutCh:
			mqttproto.WriteV5Packet(conn, &mqttproto.V5Disconnect{ReasonCode: mqttproto.ReasonKeepAliveTimeout})
			s.Log.Debug("broker: keepalive timeout", "client_id", clientID)
			return

		case <-result.Takeover:
			mqttproto.WriteV5Packet(conn, &mqttproto.V5Disconnect{ReasonCode: mqttproto.ReasonSessionTakenOver})
			return
		}
	}
}

func (s *Server) handlePublishV5(clientID string, p *mqttproto.V5Publish, connState *session.Connection, conn net.Conn) {
	topic := p.Topic
	if p.Properties != nil && p.Properties.TopicAlias != nil {
		alias := *p.Properties.TopicAlias
		if topic != "" {
			if err := connState.BindAlias(alias, topic); err != nil {
				mqttproto.WriteV5Packet(conn, &mqttproto.V5Disconnect{ReasonCode: mqttproto.ReasonTopicAliasInvalid})
				return
			}
		} else {
			resolved, ok := connState.ResolveAlias(alias)
			if !ok {
				mqttproto.WriteV5Packet(conn, &mqttproto.V5Disconnect{ReasonCode: mqttproto.ReasonTopicAliasInvalid})
				return
			}
			topic = resolved
		}
	}

	if p.QoS == mqttproto.ExactlyOnce {
		if s.Engine.PublishReceived(clientID, p.PacketID) {
			mqttproto.WriteV5Packet(conn, &mqttproto.V5PubRec{PacketID: p.PacketID})
			return
		}
	}

	var delayInterval time.Duration
	if p.Properties != nil {
		for _, up := range p.Properties.UserProperties {
			if up.Key == "$delay-interval" {
				if secs, err := strconv.Atoi(up.Value); err == nil {
					delayInterval = time.Duration(secs) * time.Second
				}
			}
		}
	}

	err := s.Engine.Publish(context.Background(), PublishRequest{
		ClientID: clientID, Topic: topic, Payload: p.Payload,
		QoS: p.QoS, Retain: p.Retain, PacketID: p.PacketID, Dup: p.Dup,
		DelayInterval: delayInterval,
	})
	if err != nil {
		mqttproto.WriteV5Packet(conn, &mqttproto.V5PubAck{PacketID: p.PacketID, ReasonCode: mqttproto.ReasonNotAuthorized})
		return
	}

	switch p.QoS {
	case mqttproto.AtLeastOnce:
		mqttproto.WriteV5Packet(conn, &mqttproto.V5PubAck{PacketID: p.PacketID})
	case mqttproto.ExactlyOnce:
		mqttproto.WriteV5Packet(conn, &mqttproto.V5PubRec{PacketID: p.PacketID})
	}
}

func (s *Server) deliverRetainedV5(results []SubResult, conn net.Conn) {
	for _, r := range results {
		for _, ret := range r.Retained {
			var props *mqttproto.V5Properties
			if ret.SubscriptionID != 0 {
				id := ret.SubscriptionID
				props = &mqttproto.V5Properties{SubscriptionID: &id}
			}
			mqttproto.WriteV5Packet(conn, &mqttproto.V5Publish{
				Topic: ret.Topic, Payload: ret.Payload, Retain: true, QoS: ret.QoS, Properties: props,
			})
		}
	}
}
