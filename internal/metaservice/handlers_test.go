package metaservice

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/robustmq/robustmq-sub007/pkg/kv"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := kv.NewMemory(nil)
	hub := NewHub(nil)
	catalog := NewNotifyingCatalog(NewCatalog(), hub)
	log := newTestLog(t, store, catalog)
	return NewServer(catalog, log, hub, store)
}

func call[Req any, Resp any](t *testing.T, s *Server, method string, req Req) Resp {
	t.Helper()
	payload, err := msgpack.Marshal(req)
	require.NoError(t, err)
	raw, err := s.Handle(method, payload)
	require.NoError(t, err)
	var resp Resp
	require.NoError(t, msgpack.Unmarshal(raw, &resp))
	return resp
}

func TestServerProposeAndGetShard(t *testing.T) {
	s := newTestServer(t)

	body, err := msgpack.Marshal(Shard{Name: "s1", EngineType: "journal", LeaderID: "n1"})
	require.NoError(t, err)
	resp := call[proposeRequest, proposeResponse](t, s, MethodPropose,
		proposeRequest{Cmd: Command{Kind: CommandSetShard, Body: body}})
	require.NotZero(t, resp.Index)

	shard := call[getShardRequest, Shard](t, s, MethodGetShard, getShardRequest{Name: "s1"})
	require.Equal(t, "n1", shard.LeaderID)
}

func TestServerNodeRegistration(t *testing.T) {
	s := newTestServer(t)

	call[Node, struct{}](t, s, MethodRegisterNode,
		Node{ID: "n1", Role: "journal", Addr: "10.0.0.1:7000"})
	call[Node, struct{}](t, s, MethodRegisterNode,
		Node{ID: "n2", Role: "broker", Addr: "10.0.0.2:1883"})

	node := call[getNodeRequest, Node](t, s, MethodGetNode, getNodeRequest{ID: "n1"})
	require.Equal(t, "10.0.0.1:7000", node.Addr)
	require.False(t, node.LastHeartbeat.IsZero())

	status := call[struct{}, clusterStatusResponse](t, s, MethodClusterStatus, struct{}{})
	require.Len(t, status.Nodes, 2)
	require.GreaterOrEqual(t, status.LastLogIndex, uint64(2))

	call[string, struct{}](t, s, MethodUnregisterNode, "n2")
	status = call[struct{}, clusterStatusResponse](t, s, MethodClusterStatus, struct{}{})
	require.Len(t, status.Nodes, 1)

	_, err := s.Handle(MethodGetNode, mustBody(t, getNodeRequest{ID: "n2"}))
	require.Error(t, err)
}

func TestServerRegisterNodeRequiresID(t *testing.T) {
	s := newTestServer(t)
	_, err := s.Handle(MethodRegisterNode, mustBody(t, Node{Role: "broker"}))
	require.Error(t, err)
}

func TestServerOffsetData(t *testing.T) {
	s := newTestServer(t)

	call[OffsetCommitCmd, struct{}](t, s, MethodSaveOffsetData,
		OffsetCommitCmd{Group: "g1", Shard: "s1", Offset: 42})
	call[OffsetCommitCmd, struct{}](t, s, MethodSaveOffsetData,
		OffsetCommitCmd{Group: "g1", Shard: "s2", Offset: 7})

	offsets := call[getOffsetDataRequest, map[string]uint64](t, s, MethodGetOffsetData,
		getOffsetDataRequest{Group: "g1"})
	require.Equal(t, map[string]uint64{"s1": 42, "s2": 7}, offsets)
}

func TestServerGenericKV(t *testing.T) {
	s := newTestServer(t)

	call[kvSetRequest, struct{}](t, s, MethodKVSet, kvSetRequest{Key: "feature/a", Value: []byte("on")})
	call[kvSetRequest, struct{}](t, s, MethodKVSet, kvSetRequest{Key: "feature/b", Value: []byte("off")})

	got := call[kvKeyRequest, kvGetResponse](t, s, MethodKVGet, kvKeyRequest{Key: "feature/a"})
	require.True(t, got.Found)
	require.Equal(t, []byte("on"), got.Value)

	exists := call[kvKeyRequest, kvExistsResponse](t, s, MethodKVExists, kvKeyRequest{Key: "feature/b"})
	require.True(t, exists.Exists)

	all := call[kvPrefixRequest, map[string][]byte](t, s, MethodKVGetPrefix, kvPrefixRequest{Prefix: "feature/"})
	require.Len(t, all, 2)

	call[kvKeyRequest, struct{}](t, s, MethodKVDelete, kvKeyRequest{Key: "feature/a"})
	got = call[kvKeyRequest, kvGetResponse](t, s, MethodKVGet, kvKeyRequest{Key: "feature/a"})
	require.False(t, got.Found)
}

func TestServerUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	_, err := s.Handle("no_such_method", nil)
	require.Error(t, err)
}
