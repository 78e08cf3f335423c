package journal

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/robustmq/robustmq-sub007/internal/rpc"
)

// LeaderResolver reports which node currently leads shard's active
// segment and the RPC address that node serves on. Implemented against
// the meta-service catalog by callers that run in a replicated
// deployment.
type LeaderResolver func(shard string) (nodeID, addr string, err error)

// Dialer opens a connection to another journal server, for forwarding
// reads to a shard's leader.
type Dialer func(addr string) (net.Conn, error)

// Server exposes an Engine's append/read operations over internal/rpc's
// frame protocol, the way metaservice.Server exposes the catalog,
// so brokers and the meta-service can reach segment storage without
// importing this package's Engine directly.
//
// With a LeaderResolver configured, the server enforces leader-driven
// writes: an append for a shard led elsewhere is rejected with
// ErrNotLeader (the caller re-resolves and retries against the leader),
// while reads are transparently forwarded to the leader and the
// response relayed back. Without a resolver every shard is local, the
// single-node deployment shape.
type Server struct {
	engine *Engine
	nodeID string
	leader LeaderResolver
	dial   Dialer
	reqID  atomic.Uint64

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

// NewServer builds a standalone Server over an already-initialized
// Engine: every shard is treated as locally led.
func NewServer(engine *Engine) *Server {
	return &Server{engine: engine}
}

// NewReplicaServer builds a Server that checks shard leadership through
// leader before serving. A nil dial falls back to plain TCP.
func NewReplicaServer(engine *Engine, nodeID string, leader LeaderResolver, dial Dialer) *Server {
	if dial == nil {
		dial = func(addr string) (net.Conn, error) { return net.Dial("tcp", addr) }
	}
	return &Server{
		engine:  engine,
		nodeID:  nodeID,
		leader:  leader,
		dial:    dial,
		clients: make(map[string]*rpc.Client),
	}
}

// leaderAddr resolves shard's leader, returning local=true with an
// empty addr when this node is the leader (or no resolver is
// configured).
func (s *Server) leaderAddr(shard string) (addr string, local bool, err error) {
	if s.leader == nil {
		return "", true, nil
	}
	nodeID, addr, err := s.leader(shard)
	if err != nil {
		return "", false, err
	}
	// A shard the catalog has no leader for yet is served locally; its
	// first write is what causes the segment to be registered.
	if nodeID == "" {
		return "", true, nil
	}
	return addr, nodeID == s.nodeID, nil
}

// requireLeader gates the write path: no forwarding, just rejection.
func (s *Server) requireLeader(shard string) error {
	_, local, err := s.leaderAddr(shard)
	if err != nil {
		return err
	}
	if !local {
		return ErrNotLeader
	}
	return nil
}

// forwardRead relays (method, payload) to shard's leader if it is not
// this node. forwarded=false means the caller should serve locally.
func (s *Server) forwardRead(shard, method string, payload []byte) (resp []byte, forwarded bool, err error) {
	addr, local, err := s.leaderAddr(shard)
	if err != nil {
		return nil, true, err
	}
	if local {
		return nil, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[addr]
	if !ok {
		conn, err := s.dial(addr)
		if err != nil {
			return nil, true, err
		}
		client = rpc.NewClient(conn)
		s.clients[addr] = client
	}

	env, err := client.Call(rpc.Envelope{Method: method, ReqID: s.reqID.Add(1), Payload: payload})
	if err != nil {
		// The cached connection is suspect after any transport error.
		delete(s.clients, addr)
		return nil, true, err
	}
	if env.Err != "" {
		return nil, true, fmt.Errorf("journal: leader %s: %s", addr, env.Err)
	}
	return env.Payload, true, nil
}

const (
	MethodAppend               = "append"
	MethodRead                 = "read"
	MethodReadByKey            = "read_by_key"
	MethodReadByTag            = "read_by_tag"
	MethodReadByTimestampRange = "read_by_timestamp_range"
	MethodOffsetByTimestamp    = "get_offset_by_timestamp"
	MethodCommitOffset         = "commit_offset"
	MethodOffsetsByGroup       = "get_offset_by_group"
	MethodCreateShard          = "create_shard"
	MethodDeleteShard          = "delete_shard"
	MethodListShards           = "list_shards"
)

type appendRequest struct {
	Shard   string
	Key     string
	Tags    []string
	Payload []byte
}

type appendResponse struct {
	Offset uint64
}

type readRequest struct {
	Shard  string
	Offset uint64
}

type readByKeyRequest struct {
	Shard string
	Key   string
}

type readByTagRequest struct {
	Shard string
	Tag   string
}

type readByTimestampRangeRequest struct {
	Shard    string
	From, To int64
}

type offsetByTimestampRequest struct {
	Shard     string
	Timestamp int64
}

type offsetByTimestampResponse struct {
	Offset uint64
	Found  bool
}

type commitOffsetRequest struct {
	Group   string
	Offsets map[string]uint64
}

type offsetsByGroupRequest struct {
	Group string
}

type shardRequest struct {
	Shard string
}

type listShardsRequest struct {
	Prefix string
}

// Handle implements internal/rpc.Handler, dispatching by method name.
func (s *Server) Handle(method string, payload []byte) ([]byte, error) {
	ctx := context.Background()
	switch method {
	case MethodAppend:
		var req appendRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if err := s.requireLeader(req.Shard); err != nil {
			return nil, err
		}
		offset, err := s.engine.Append(ctx, req.Shard, req.Key, req.Tags, req.Payload)
		if err != nil {
			return nil, err
		}
		return msgpack.Marshal(appendResponse{Offset: offset})

	case MethodRead:
		var req readRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if resp, forwarded, err := s.forwardRead(req.Shard, method, payload); forwarded {
			return resp, err
		}
		rec, err := s.engine.Read(ctx, req.Shard, req.Offset)
		if err != nil {
			return nil, err
		}
		return msgpack.Marshal(rec)

	case MethodReadByKey:
		var req readByKeyRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if resp, forwarded, err := s.forwardRead(req.Shard, method, payload); forwarded {
			return resp, err
		}
		rec, err := s.engine.ReadByKey(ctx, req.Shard, req.Key)
		if err != nil {
			return nil, err
		}
		return msgpack.Marshal(rec)

	case MethodReadByTag:
		var req readByTagRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if resp, forwarded, err := s.forwardRead(req.Shard, method, payload); forwarded {
			return resp, err
		}
		recs, err := s.engine.ReadByTag(ctx, req.Shard, req.Tag)
		if err != nil {
			return nil, err
		}
		return msgpack.Marshal(recs)

	case MethodReadByTimestampRange:
		var req readByTimestampRangeRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if resp, forwarded, err := s.forwardRead(req.Shard, method, payload); forwarded {
			return resp, err
		}
		recs, err := s.engine.ReadByTimestampRange(ctx, req.Shard, req.From, req.To)
		if err != nil {
			return nil, err
		}
		return msgpack.Marshal(recs)

	case MethodOffsetByTimestamp:
		var req offsetByTimestampRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if resp, forwarded, err := s.forwardRead(req.Shard, method, payload); forwarded {
			return resp, err
		}
		off, found, err := s.engine.OffsetAtOrAfter(ctx, req.Shard, req.Timestamp)
		if err != nil {
			return nil, err
		}
		return msgpack.Marshal(offsetByTimestampResponse{Offset: off, Found: found})

	case MethodCommitOffset:
		var req commitOffsetRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if err := s.engine.CommitOffset(ctx, req.Group, req.Offsets); err != nil {
			return nil, err
		}
		return msgpack.Marshal(struct{}{})

	case MethodOffsetsByGroup:
		var req offsetsByGroupRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		offsets, err := s.engine.OffsetsByGroup(ctx, req.Group)
		if err != nil {
			return nil, err
		}
		return msgpack.Marshal(offsets)

	case MethodCreateShard:
		var req shardRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if err := s.engine.CreateShard(ctx, req.Shard); err != nil {
			return nil, err
		}
		return msgpack.Marshal(struct{}{})

	case MethodDeleteShard:
		var req shardRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if err := s.engine.DeleteShard(ctx, req.Shard); err != nil {
			return nil, err
		}
		return msgpack.Marshal(struct{}{})

	case MethodListShards:
		var req listShardsRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		shards, err := s.engine.ListShards(ctx, req.Prefix)
		if err != nil {
			return nil, err
		}
		return msgpack.Marshal(shards)

	default:
		return nil, fmt.Errorf("journal: unknown rpc method %q", method)
	}
}
