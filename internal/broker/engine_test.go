package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq-sub007/internal/acl"
	"github.com/robustmq/robustmq-sub007/internal/session"
	"github.com/robustmq/robustmq-sub007/internal/storageadapter"
	"github.com/robustmq/robustmq-sub007/pkg/mqttproto"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return New(Config{
		Authenticator: mqttproto.AllowAll{},
		Storage:       storageadapter.NewMemory(),
	})
}

func connect(t *testing.T, e *Engine, clientID string) *ConnectResult {
	t.Helper()
	result, err := e.Connect(context.Background(), ConnectRequest{
		ClientID:        clientID,
		CleanStart:      true,
		ProtocolVersion: mqttproto.ProtocolV5,
		KeepAlive:       30 * time.Second,
		SourceIP:        "10.0.0.1",
	})
	require.NoError(t, err)
	require.Equal(t, mqttproto.ReasonSuccess, result.ReasonCode)
	return result
}

func recvOutbound(t *testing.T, ch chan *Outbound) *Outbound {
	t.Helper()
	select {
	case out, ok := <-ch:
		require.True(t, ok, "outbound channel closed")
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func TestConnectAutoAssignsClientID(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.Connect(context.Background(), ConnectRequest{
		CleanStart:      true,
		ProtocolVersion: mqttproto.ProtocolV5,
	})
	require.NoError(t, err)
	require.Equal(t, mqttproto.ReasonSuccess, result.ReasonCode)
	require.NotEmpty(t, result.AssignedClientID)
	require.False(t, result.SessionPresent)
}

func TestConnectEmptyClientIDRejectedWithoutCleanSession(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Connect(context.Background(), ConnectRequest{
		CleanStart:      false,
		ProtocolVersion: mqttproto.ProtocolV4,
	})
	require.ErrorIs(t, err, ErrClientIDRequired)

	result, err := e.Connect(context.Background(), ConnectRequest{
		CleanStart:      true,
		ProtocolVersion: mqttproto.ProtocolV4,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.AssignedClientID)
}

func TestDuplicateClientIDTakeover(t *testing.T) {
	e := newTestEngine(t)

	first := connect(t, e, "c-1")
	second := connect(t, e, "c-1")

	select {
	case reason := <-first.Takeover:
		require.Equal(t, mqttproto.ReasonSessionTakenOver, reason)
	case <-time.After(time.Second):
		t.Fatal("first connection never saw the takeover signal")
	}
	_, stillOpen := <-first.Outbound
	require.False(t, stillOpen)

	// The newer connection is unaffected.
	select {
	case <-second.Takeover:
		t.Fatal("second connection must not be taken over")
	default:
	}
}

func TestBlacklistBansBeforeAuth(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Blacklist().Add(acl.BlacklistEntry{
		Kind:     acl.BlacklistIPCIDR,
		Resource: "127.0.0.0/24",
		EndTime:  time.Now().Unix() + 100,
	}))

	result, err := e.Connect(context.Background(), ConnectRequest{
		ClientID:        "c-banned",
		CleanStart:      true,
		ProtocolVersion: mqttproto.ProtocolV5,
		SourceIP:        "127.0.0.1",
	})
	require.ErrorIs(t, err, ErrBanned)
	require.Equal(t, mqttproto.ReasonBanned, result.ReasonCode)
}

func TestPublishRoutesToSubscriber(t *testing.T) {
	e := newTestEngine(t)
	_ = connect(t, e, "pub")
	sub := connect(t, e, "sub")

	results := e.Subscribe("sub", "", []SubFilter{{Filter: "sensors/+/temp", QoS: mqttproto.AtMostOnce}})
	require.Equal(t, mqttproto.ReasonSuccess, results[0].ReasonCode)

	require.NoError(t, e.Publish(context.Background(), PublishRequest{
		ClientID: "pub", Topic: "sensors/a/temp", Payload: []byte("21.5"),
	}))

	out := recvOutbound(t, sub.Outbound)
	require.Equal(t, "sensors/a/temp", out.Topic)
	require.Equal(t, []byte("21.5"), out.Payload)
}

func TestQoSDowngradeToSubscriptionMax(t *testing.T) {
	e := newTestEngine(t)
	sub := connect(t, e, "sub")
	e.Subscribe("sub", "", []SubFilter{{Filter: "t/1", QoS: mqttproto.AtLeastOnce}})

	require.NoError(t, e.Publish(context.Background(), PublishRequest{
		ClientID: "pub", Topic: "t/1", Payload: []byte("x"), QoS: mqttproto.ExactlyOnce,
	}))

	out := recvOutbound(t, sub.Outbound)
	require.Equal(t, mqttproto.AtLeastOnce, out.QoS)
	require.NotZero(t, out.PacketID)
}

func TestNoLocalSkipsPublisher(t *testing.T) {
	e := newTestEngine(t)
	self := connect(t, e, "self")
	e.Subscribe("self", "", []SubFilter{{Filter: "t/1", NoLocal: true}})

	require.NoError(t, e.Publish(context.Background(), PublishRequest{
		ClientID: "self", Topic: "t/1", Payload: []byte("x"),
	}))

	select {
	case out := <-self.Outbound:
		t.Fatalf("no_local subscription must not receive its own publish, got %q", out.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRetainedDelivery(t *testing.T) {
	e := newTestEngine(t)
	_ = connect(t, e, "pub")

	require.NoError(t, e.Publish(context.Background(), PublishRequest{
		ClientID: "pub", Topic: "t/1", Payload: []byte("x"), Retain: true,
	}))

	_ = connect(t, e, "sub")
	results := e.Subscribe("sub", "", []SubFilter{{Filter: "t/+"}})
	require.Len(t, results[0].Retained, 1)
	require.Equal(t, []byte("x"), results[0].Retained[0].Payload)

	// An empty retained payload clears the entry.
	require.NoError(t, e.Publish(context.Background(), PublishRequest{
		ClientID: "pub", Topic: "t/1", Retain: true,
	}))
	results = e.Subscribe("sub2", "", []SubFilter{{Filter: "t/+"}})
	require.Empty(t, results[0].Retained)
}

func TestRetainHandlingNeverSend(t *testing.T) {
	e := newTestEngine(t)
	_ = connect(t, e, "pub")
	require.NoError(t, e.Publish(context.Background(), PublishRequest{
		ClientID: "pub", Topic: "t/1", Payload: []byte("x"), Retain: true,
	}))

	results := e.Subscribe("sub", "", []SubFilter{{Filter: "t/1", RetainHandling: 2}})
	require.Empty(t, results[0].Retained)

	// RetainHandling 1 delivers only when the subscription is new.
	results = e.Subscribe("sub2", "", []SubFilter{{Filter: "t/1", RetainHandling: 1}})
	require.Len(t, results[0].Retained, 1)
	results = e.Subscribe("sub2", "", []SubFilter{{Filter: "t/1", RetainHandling: 1}})
	require.Empty(t, results[0].Retained)
}

func TestSharedSubscriptionRoundRobin(t *testing.T) {
	e := newTestEngine(t)
	a := connect(t, e, "worker-a")
	b := connect(t, e, "worker-b")
	e.Subscribe("worker-a", "", []SubFilter{{Filter: "$share/g1/jobs"}})
	e.Subscribe("worker-b", "", []SubFilter{{Filter: "$share/g1/jobs"}})

	for i := 0; i < 4; i++ {
		require.NoError(t, e.Publish(context.Background(), PublishRequest{
			ClientID: "pub", Topic: "jobs", Payload: []byte{byte(i)},
		}))
	}

	counts := map[string]int{}
	deadline := time.After(2 * time.Second)
	for len(counts) < 2 || counts["a"]+counts["b"] < 4 {
		select {
		case <-a.Outbound:
			counts["a"]++
		case <-b.Outbound:
			counts["b"]++
		case <-deadline:
			t.Fatalf("shared group delivery stalled: %v", counts)
		}
	}
	require.Equal(t, 2, counts["a"])
	require.Equal(t, 2, counts["b"])
}

func TestSharedSubscriptionSkipsOfflineMember(t *testing.T) {
	e := newTestEngine(t)
	offline := connect(t, e, "worker-off")
	online := connect(t, e, "worker-on")
	e.Subscribe("worker-off", "", []SubFilter{{Filter: "$share/g1/jobs"}})
	e.Subscribe("worker-on", "", []SubFilter{{Filter: "$share/g1/jobs"}})

	e.Disconnect("worker-off", offline.Conn, true, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Publish(context.Background(), PublishRequest{
			ClientID: "pub", Topic: "jobs", Payload: []byte("x"),
		}))
	}
	for i := 0; i < 3; i++ {
		recvOutbound(t, online.Outbound)
	}
}

func TestSubscriptionIdentifierAttached(t *testing.T) {
	e := newTestEngine(t)
	sub := connect(t, e, "sub")
	e.Subscribe("sub", "", []SubFilter{{Filter: "t/1", SubscriptionID: 7}})

	require.NoError(t, e.Publish(context.Background(), PublishRequest{
		ClientID: "pub", Topic: "t/1", Payload: []byte("x"),
	}))

	out := recvOutbound(t, sub.Outbound)
	require.Equal(t, []uint32{7}, out.SubscriptionIDs)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := newTestEngine(t)
	sub := connect(t, e, "sub")
	e.Subscribe("sub", "", []SubFilter{{Filter: "t/1"}})

	codes := e.Unsubscribe("sub", []string{"t/1", "t/never-subscribed"})
	require.Equal(t, mqttproto.ReasonSuccess, codes[0])
	require.Equal(t, mqttproto.ReasonCode(0x11), codes[1])

	require.NoError(t, e.Publish(context.Background(), PublishRequest{
		ClientID: "pub", Topic: "t/1", Payload: []byte("x"),
	}))
	select {
	case <-sub.Outbound:
		t.Fatal("delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInvalidTopicFilterRejected(t *testing.T) {
	e := newTestEngine(t)
	_ = connect(t, e, "sub")

	for _, filter := range []string{"", "a/#/b", "a/b+", "+a/b"} {
		results := e.Subscribe("sub", "", []SubFilter{{Filter: filter}})
		require.Equal(t, mqttproto.ReasonTopicFilterInvalid, results[0].ReasonCode, "filter %q", filter)
	}
	for _, filter := range []string{"a/+/b", "a/#", "#", "+"} {
		results := e.Subscribe("sub", "", []SubFilter{{Filter: filter}})
		require.Equal(t, mqttproto.ReasonSuccess, results[0].ReasonCode, "filter %q", filter)
	}
}

func TestACLDeniesPublish(t *testing.T) {
	e := newTestEngine(t)
	_ = connect(t, e, "pub")
	e.ACL().AddRule(acl.ACLEntry{Resource: "restricted/#", Action: acl.ActionPublish, Allow: false})

	err := e.Publish(context.Background(), PublishRequest{
		ClientID: "pub", Topic: "restricted/x", Payload: []byte("x"),
	})
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestQoS2DuplicateDetection(t *testing.T) {
	e := newTestEngine(t)

	require.False(t, e.PublishReceived("c-1", 10))
	require.True(t, e.PublishReceived("c-1", 10))
	e.AckPubRel("c-1", 10)
	require.False(t, e.PublishReceived("c-1", 10))
}

func TestWillPublishedOnUncleanDisconnect(t *testing.T) {
	e := newTestEngine(t)
	watcher := connect(t, e, "watcher")
	e.Subscribe("watcher", "", []SubFilter{{Filter: "wills/+"}})

	dying, err := e.Connect(context.Background(), ConnectRequest{
		ClientID:        "dying",
		CleanStart:      true,
		ProtocolVersion: mqttproto.ProtocolV5,
		Will:            &session.Will{Topic: "wills/dying", Payload: []byte("gone")},
	})
	require.NoError(t, err)

	e.Disconnect("dying", dying.Conn, false, 0)

	out := recvOutbound(t, watcher.Outbound)
	require.Equal(t, "wills/dying", out.Topic)
	require.Equal(t, []byte("gone"), out.Payload)
}

func TestWillSuppressedOnGracefulDisconnect(t *testing.T) {
	e := newTestEngine(t)
	watcher := connect(t, e, "watcher")
	e.Subscribe("watcher", "", []SubFilter{{Filter: "wills/+"}})

	leaving, err := e.Connect(context.Background(), ConnectRequest{
		ClientID:        "leaving",
		CleanStart:      true,
		ProtocolVersion: mqttproto.ProtocolV5,
		Will:            &session.Will{Topic: "wills/leaving", Payload: []byte("gone")},
	})
	require.NoError(t, err)

	e.Disconnect("leaving", leaving.Conn, true, 0)

	select {
	case out := <-watcher.Outbound:
		t.Fatalf("will published after graceful disconnect: %q", out.Topic)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDelayedWillCancelledByReconnect(t *testing.T) {
	e := newTestEngine(t)
	watcher := connect(t, e, "watcher")
	e.Subscribe("watcher", "", []SubFilter{{Filter: "wills/+"}})

	will := &session.Will{Topic: "wills/flaky", Payload: []byte("gone"), DelayInterval: 2}
	flaky, err := e.Connect(context.Background(), ConnectRequest{
		ClientID: "flaky", ProtocolVersion: mqttproto.ProtocolV5, Will: will,
	})
	require.NoError(t, err)

	e.Disconnect("flaky", flaky.Conn, false, time.Hour)
	// Reconnect within the delay window suppresses the pending will.
	_, err = e.Connect(context.Background(), ConnectRequest{
		ClientID: "flaky", ProtocolVersion: mqttproto.ProtocolV5, Will: will,
	})
	require.NoError(t, err)

	select {
	case out := <-watcher.Outbound:
		t.Fatalf("delayed will fired despite reconnect: %q", out.Topic)
	case <-time.After(2500 * time.Millisecond):
	}
}

func TestSessionPresentOnReconnect(t *testing.T) {
	e := newTestEngine(t)

	first, err := e.Connect(context.Background(), ConnectRequest{
		ClientID: "c-1", CleanStart: false, ProtocolVersion: mqttproto.ProtocolV5,
	})
	require.NoError(t, err)
	require.False(t, first.SessionPresent)
	e.Disconnect("c-1", first.Conn, true, time.Hour)

	second, err := e.Connect(context.Background(), ConnectRequest{
		ClientID: "c-1", CleanStart: false, ProtocolVersion: mqttproto.ProtocolV5,
	})
	require.NoError(t, err)
	require.True(t, second.SessionPresent)

	third, err := e.Connect(context.Background(), ConnectRequest{
		ClientID: "c-1", CleanStart: true, ProtocolVersion: mqttproto.ProtocolV5,
	})
	require.NoError(t, err)
	require.False(t, third.SessionPresent)
}

func TestPendingQoS1RedeliveredOnReconnect(t *testing.T) {
	e := newTestEngine(t)

	sub, err := e.Connect(context.Background(), ConnectRequest{
		ClientID: "sub", CleanStart: false, ProtocolVersion: mqttproto.ProtocolV5,
	})
	require.NoError(t, err)
	e.Subscribe("sub", "", []SubFilter{{Filter: "t/1", QoS: mqttproto.AtLeastOnce}})

	require.NoError(t, e.Publish(context.Background(), PublishRequest{
		ClientID: "pub", Topic: "t/1", Payload: []byte("x"), QoS: mqttproto.AtLeastOnce,
	}))
	delivered := recvOutbound(t, sub.Outbound)

	// Drop the transport without the PUBACK ever arriving.
	e.Disconnect("sub", sub.Conn, false, time.Hour)

	again, err := e.Connect(context.Background(), ConnectRequest{
		ClientID: "sub", CleanStart: false, ProtocolVersion: mqttproto.ProtocolV5,
	})
	require.NoError(t, err)
	redelivered := recvOutbound(t, again.Outbound)
	require.Equal(t, delivered.PacketID, redelivered.PacketID)
	require.Equal(t, delivered.Payload, redelivered.Payload)

	// After the PUBACK, nothing is pending for the next reconnect.
	e.Acknowledge("sub", redelivered.PacketID)
	e.Disconnect("sub", again.Conn, true, time.Hour)
	final, err := e.Connect(context.Background(), ConnectRequest{
		ClientID: "sub", CleanStart: false, ProtocolVersion: mqttproto.ProtocolV5,
	})
	require.NoError(t, err)
	select {
	case out := <-final.Outbound:
		t.Fatalf("unexpected redelivery after ack: packet id %d", out.PacketID)
	case <-time.After(100 * time.Millisecond):
	}
}
