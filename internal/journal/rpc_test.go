package journal

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/robustmq/robustmq-sub007/internal/rpc"
	"github.com/robustmq/robustmq-sub007/pkg/kv"
)

func TestServerLocalAppendAndRead(t *testing.T) {
	e := New(kv.NewMemory(nil), Config{Capacity: 1000}, nil)
	s := NewServer(e)

	payload, err := msgpack.Marshal(appendRequest{Shard: "s1", Payload: []byte("hello")})
	require.NoError(t, err)
	resp, err := s.Handle(MethodAppend, payload)
	require.NoError(t, err)

	var appended appendResponse
	require.NoError(t, msgpack.Unmarshal(resp, &appended))

	payload, err = msgpack.Marshal(readRequest{Shard: "s1", Offset: appended.Offset})
	require.NoError(t, err)
	resp, err = s.Handle(MethodRead, payload)
	require.NoError(t, err)

	var rec Record
	require.NoError(t, msgpack.Unmarshal(resp, &rec))
	require.Equal(t, []byte("hello"), rec.Payload)
}

func TestReplicaRejectsWriteForForeignLeader(t *testing.T) {
	e := New(kv.NewMemory(nil), Config{Capacity: 1000}, nil)
	resolver := func(shard string) (string, string, error) { return "n1", "leader:7000", nil }
	s := NewReplicaServer(e, "n2", resolver, nil)

	payload, err := msgpack.Marshal(appendRequest{Shard: "s1", Payload: []byte("x")})
	require.NoError(t, err)
	_, err = s.Handle(MethodAppend, payload)
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestReplicaAcceptsWriteWhenLeader(t *testing.T) {
	e := New(kv.NewMemory(nil), Config{Capacity: 1000}, nil)
	resolver := func(shard string) (string, string, error) { return "n2", "self:7000", nil }
	s := NewReplicaServer(e, "n2", resolver, nil)

	payload, err := msgpack.Marshal(appendRequest{Shard: "s1", Payload: []byte("x")})
	require.NoError(t, err)
	resp, err := s.Handle(MethodAppend, payload)
	require.NoError(t, err)

	var appended appendResponse
	require.NoError(t, msgpack.Unmarshal(resp, &appended))
	require.Equal(t, uint64(0), appended.Offset)
}

func TestReplicaForwardsReadToLeader(t *testing.T) {
	leaderEngine := New(kv.NewMemory(nil), Config{Capacity: 1000}, nil)
	leaderServer := NewServer(leaderEngine)

	off, err := leaderEngine.Append(context.Background(), "s1", "k1", nil, []byte("on-leader"))
	require.NoError(t, err)

	dial := func(addr string) (net.Conn, error) {
		serverConn, clientConn := net.Pipe()
		go func() {
			defer serverConn.Close()
			_ = rpc.Serve(serverConn, leaderServer.Handle)
		}()
		return clientConn, nil
	}

	replicaEngine := New(kv.NewMemory(nil), Config{Capacity: 1000}, nil)
	resolver := func(shard string) (string, string, error) { return "n1", "leader:7000", nil }
	replica := NewReplicaServer(replicaEngine, "n2", resolver, dial)

	payload, err := msgpack.Marshal(readRequest{Shard: "s1", Offset: off})
	require.NoError(t, err)
	resp, err := replica.Handle(MethodRead, payload)
	require.NoError(t, err)

	var rec Record
	require.NoError(t, msgpack.Unmarshal(resp, &rec))
	require.Equal(t, []byte("on-leader"), rec.Payload)
	require.Equal(t, "k1", rec.Key)

	// The forwarding connection is cached: a second read reuses it.
	payload, err = msgpack.Marshal(readByKeyRequest{Shard: "s1", Key: "k1"})
	require.NoError(t, err)
	resp, err = replica.Handle(MethodReadByKey, payload)
	require.NoError(t, err)
	require.NoError(t, msgpack.Unmarshal(resp, &rec))
	require.Equal(t, []byte("on-leader"), rec.Payload)
}
