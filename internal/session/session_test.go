package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq-sub007/pkg/mqttproto"
)

func TestTopicAliasBindResolve(t *testing.T) {
	c := NewConnection("c-1", "", mqttproto.ProtocolV5, 30*time.Second, 8)

	_, ok := c.ResolveAlias(3)
	require.False(t, ok)

	require.NoError(t, c.BindAlias(3, "t/1"))
	topic, ok := c.ResolveAlias(3)
	require.True(t, ok)
	require.Equal(t, "t/1", topic)

	// Rebinding is last-write-wins.
	require.NoError(t, c.BindAlias(3, "t/2"))
	topic, _ = c.ResolveAlias(3)
	require.Equal(t, "t/2", topic)
}

func TestTopicAliasBounds(t *testing.T) {
	c := NewConnection("c-1", "", mqttproto.ProtocolV5, 30*time.Second, 4)

	require.Error(t, c.BindAlias(0, "t/1"))
	require.Error(t, c.BindAlias(5, "t/1"))
	require.NoError(t, c.BindAlias(4, "t/1"))

	zeroMax := NewConnection("c-2", "", mqttproto.ProtocolV5, 30*time.Second, 0)
	require.Error(t, zeroMax.BindAlias(1, "t/1"))
}

func TestNextPacketIDSkipsZero(t *testing.T) {
	s := New("c-1")
	s.lastPkid = 0xFFFE

	require.Equal(t, uint16(0xFFFF), s.NextPacketID())
	require.Equal(t, uint16(1), s.NextPacketID()) // wraps past the reserved id 0
}

func TestAddSubscriptionReportsExisting(t *testing.T) {
	s := New("c-1")

	existed := s.AddSubscription(&Subscription{Filter: "t/1", QoS: mqttproto.AtLeastOnce})
	require.False(t, existed)
	existed = s.AddSubscription(&Subscription{Filter: "t/1", QoS: mqttproto.ExactlyOnce})
	require.True(t, existed)

	require.Len(t, s.ListSubscriptions(), 1)
	require.True(t, s.RemoveSubscription("t/1"))
	require.False(t, s.RemoveSubscription("t/1"))
}

func TestInflightLifecycle(t *testing.T) {
	s := New("c-1")
	s.TrackInflight(&InflightPublish{PacketID: 1, Topic: "t/1", QoS: mqttproto.ExactlyOnce, Pending: "pubrec"})

	// QoS2 advances through pubrec -> pubcomp before clearing.
	p, ok := s.Acknowledge(1, "pubcomp")
	require.True(t, ok)
	require.Equal(t, "pubcomp", p.Pending)
	require.Len(t, s.PendingRedelivery(), 1)

	_, ok = s.Acknowledge(1, "")
	require.True(t, ok)
	require.Empty(t, s.PendingRedelivery())

	_, ok = s.Acknowledge(99, "")
	require.False(t, ok)
}

func TestRegistryBindEvictsPrior(t *testing.T) {
	r := NewRegistry()
	first := NewConnection("c-1", "", mqttproto.ProtocolV4, 0, 0)
	second := NewConnection("c-1", "", mqttproto.ProtocolV4, 0, 0)

	require.Nil(t, r.Bind(first))
	require.Same(t, first, r.Bind(second))

	// The replaced connection's own teardown must not unbind the newer one.
	r.Unbind("c-1", first)
	require.Same(t, second, r.Bind(NewConnection("c-1", "", mqttproto.ProtocolV4, 0, 0)))
}

func TestRegistrySessionPresence(t *testing.T) {
	r := NewRegistry()

	s1, present := r.Session("c-1", false)
	require.False(t, present)

	s2, present := r.Session("c-1", false)
	require.True(t, present)
	require.Same(t, s1, s2)

	s3, present := r.Session("c-1", true)
	require.False(t, present)
	require.NotSame(t, s1, s3)

	r.DropSession("c-1")
	_, present = r.Session("c-1", false)
	require.False(t, present)
}
