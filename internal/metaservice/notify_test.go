package metaservice

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestHubBroadcastReachesEverySubscriber(t *testing.T) {
	h := NewHub(nil)
	a := h.Subscribe("node-a")
	b := h.Subscribe("node-b")

	h.Broadcast(Notification{Action: NotifyUpsert, Resource: "shard", Key: "s1"})

	require.Equal(t, "s1", (<-a).Key)
	require.Equal(t, "s1", (<-b).Key)
}

func TestHubSlowSubscriberSkipped(t *testing.T) {
	h := NewHub(nil)
	slow := h.Subscribe("slow")

	for i := 0; i < notifyQueueDepth+10; i++ {
		h.Broadcast(Notification{Action: NotifyUpsert, Resource: "shard"})
	}

	// The queue holds exactly its bound; the overflow was dropped, not
	// blocked on.
	require.Len(t, slow, notifyQueueDepth)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(nil)
	ch := h.Subscribe("node-a")
	h.Unsubscribe("node-a")

	_, open := <-ch
	require.False(t, open)

	// Broadcasting after unsubscribe must not panic on the closed channel.
	h.Broadcast(Notification{Action: NotifyUpsert, Resource: "shard"})
}

func TestHubResubscribeReplacesChannel(t *testing.T) {
	h := NewHub(nil)
	old := h.Subscribe("node-a")
	fresh := h.Subscribe("node-a")

	_, open := <-old
	require.False(t, open)

	h.Broadcast(Notification{Action: NotifyUpsert, Resource: "shard", Key: "s1"})
	require.Equal(t, "s1", (<-fresh).Key)
}

func TestApplyAndNotifyClassifiesCommands(t *testing.T) {
	hub := NewHub(nil)
	nc := NewNotifyingCatalog(NewCatalog(), hub)
	sub := hub.Subscribe("node-a")

	body, err := msgpack.Marshal(Shard{Name: "s1"})
	require.NoError(t, err)
	require.NoError(t, nc.ApplyAndNotify(Command{Kind: CommandSetShard, Body: body}))

	n := <-sub
	require.Equal(t, "shard", n.Resource)
	require.Equal(t, NotifyUpsert, n.Action)
	require.Equal(t, "s1", n.Key)
}

func TestShardRemovalBroadcastsStatusTransition(t *testing.T) {
	hub := NewHub(nil)
	nc := NewNotifyingCatalog(NewCatalog(), hub)
	sub := hub.Subscribe("node-a")

	body, err := msgpack.Marshal(Shard{Name: "s1"})
	require.NoError(t, err)
	require.NoError(t, nc.ApplyAndNotify(Command{Kind: CommandSetShard, Body: body}))
	<-sub

	name, err := msgpack.Marshal("s1")
	require.NoError(t, err)
	require.NoError(t, nc.ApplyAndNotify(Command{Kind: CommandDeleteShard, Body: name}))

	// Removal is an upsert carrying the deleting status; the delete
	// action is reserved for node removal.
	n := <-sub
	require.Equal(t, "shard", n.Resource)
	require.Equal(t, NotifyUpsert, n.Action)
	require.Equal(t, "s1", n.Key)
	var s Shard
	require.NoError(t, msgpack.Unmarshal(n.Body, &s))
	require.Equal(t, ShardStatusDeleting, s.Status)

	_, ok := nc.GetShard("s1")
	require.False(t, ok)
}

func TestOnlyNodeRemovalUsesDeleteAction(t *testing.T) {
	hub := NewHub(nil)
	nc := NewNotifyingCatalog(NewCatalog(), hub)
	sub := hub.Subscribe("node-a")

	nc.RegisterNode(&Node{ID: "n1", Role: "broker"})
	id, err := msgpack.Marshal("n1")
	require.NoError(t, err)
	require.NoError(t, nc.ApplyAndNotify(Command{Kind: CommandUnregisterNode, Body: id}))

	n := <-sub
	require.Equal(t, "node", n.Resource)
	require.Equal(t, NotifyDelete, n.Action)

	// A released session bind is likewise an upsert, keyed by client id.
	bind, err := msgpack.Marshal(SessionBindCmd{ClientID: "c-1", NodeID: "n2"})
	require.NoError(t, err)
	require.NoError(t, nc.ApplyAndNotify(Command{Kind: CommandUnbindSession, Body: bind}))

	n = <-sub
	require.Equal(t, "session", n.Resource)
	require.Equal(t, NotifyUpsert, n.Action)
	require.Equal(t, "c-1", n.Key)
}

func TestApplyAndNotifySuppressedOnApplyError(t *testing.T) {
	hub := NewHub(nil)
	nc := NewNotifyingCatalog(NewCatalog(), hub)
	sub := hub.Subscribe("node-a")

	require.Error(t, nc.ApplyAndNotify(Command{Kind: "bogus"}))
	require.Empty(t, sub)
}
