package metaservice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robustmq/robustmq-sub007/internal/rpc"
	"github.com/robustmq/robustmq-sub007/pkg/kv"
	"github.com/vmihailenco/msgpack/v5"
)

func unixTime(sec int64) time.Time { return time.Unix(sec, 0) }

// subscribeWait bounds how long one MethodSubscribe call blocks waiting
// for at least one Notification before returning an empty batch, since
// internal/rpc.Serve is a synchronous request/response loop with no
// streaming push: a subscriber long-polls this method in a loop rather
// than holding one call open indefinitely.
const subscribeWait = 2 * time.Second

// Server exposes the catalog, log, and notification hub over
// internal/rpc's frame protocol, so brokers and journal servers can
// submit commands, read back catalog state, and long-poll for catalog
// change notifications without importing this package directly.
type Server struct {
	catalog *NotifyingCatalog
	log     *ReplicatedLog
	hub     *Hub
	// store backs the generic KV surface, namespaced under its own key
	// prefix so client keys can never collide with the log or indices.
	store kv.Store

	mu   sync.Mutex
	subs map[string]<-chan Notification
}

// NewServer builds a Server over an already-initialized catalog, log,
// and notification hub. store may be nil, which disables the generic
// KV methods.
func NewServer(catalog *NotifyingCatalog, log *ReplicatedLog, hub *Hub, store kv.Store) *Server {
	return &Server{catalog: catalog, log: log, hub: hub, store: store, subs: make(map[string]<-chan Notification)}
}

const (
	MethodPropose        = "propose"
	MethodGetShard       = "get_shard"
	MethodGetNode        = "get_node"
	MethodClusterStatus  = "cluster_status"
	MethodRegisterNode   = "register_node"
	MethodUnregisterNode = "un_register_node"
	MethodSubscribe      = "subscribe"
	MethodHeartbeat      = "heartbeat"
	MethodListConnectors = "list_connectors"

	MethodSaveOffsetData     = "save_offset_data"
	MethodGetOffsetData      = "get_offset_data"
	MethodListResourceConfig = "list_resource_config"

	MethodKVSet       = "kv_set"
	MethodKVGet       = "kv_get"
	MethodKVDelete    = "kv_delete"
	MethodKVExists    = "kv_exists"
	MethodKVGetPrefix = "kv_get_prefix"
)

type proposeRequest struct {
	Cmd Command
}

type proposeResponse struct {
	Index uint64
}

type getShardRequest struct {
	Name string
}

type heartbeatRequest struct {
	NodeID string
	Unix   int64
}

type subscribeRequest struct {
	NodeID string
}

type subscribeResponse struct {
	Notifications []Notification
}

type getNodeRequest struct {
	ID string
}

type clusterStatusResponse struct {
	Nodes        []Node
	Members      []string
	LastLogIndex uint64
}

type getOffsetDataRequest struct {
	Group string
}

type listResourceConfigRequest struct {
	Prefix string
}

type kvSetRequest struct {
	Key   string
	Value []byte
}

type kvKeyRequest struct {
	Key string
}

type kvGetResponse struct {
	Value []byte
	Found bool
}

type kvExistsResponse struct {
	Exists bool
}

type kvPrefixRequest struct {
	Prefix string
}

// clientKVKey namespaces a caller-supplied key under the generic KV
// prefix, away from the replicated log and catalog keys sharing the
// same store.
func clientKVKey(key string) kv.Key {
	return kv.Key{"meta", "ckv", key}
}

// Handle implements internal/rpc.Handler, dispatching by method name.
func (s *Server) Handle(method string, payload []byte) ([]byte, error) {
	ctx := context.Background()
	switch method {
	case MethodPropose:
		var req proposeRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		idx, err := s.propose(ctx, req.Cmd)
		if err != nil {
			return nil, err
		}
		return msgpack.Marshal(proposeResponse{Index: idx})

	case MethodGetShard:
		var req getShardRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		shard, ok := s.catalog.GetShard(req.Name)
		if !ok {
			return nil, fmt.Errorf("metaservice: shard %q not found", req.Name)
		}
		return msgpack.Marshal(shard)

	case MethodHeartbeat:
		var req heartbeatRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		s.catalog.Heartbeat(req.NodeID, unixTime(req.Unix))
		return msgpack.Marshal(struct{}{})

	case MethodSubscribe:
		var req subscribeRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return msgpack.Marshal(subscribeResponse{Notifications: s.drain(req.NodeID)})

	case MethodListConnectors:
		return msgpack.Marshal(s.catalog.ListConnectors())

	case MethodGetNode:
		var req getNodeRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		node, ok := s.catalog.GetNode(req.ID)
		if !ok {
			return nil, fmt.Errorf("metaservice: node %q not found", req.ID)
		}
		return msgpack.Marshal(node)

	case MethodClusterStatus:
		return msgpack.Marshal(clusterStatusResponse{
			Nodes:        s.catalog.ListNodes(),
			Members:      s.log.Members(),
			LastLogIndex: s.log.LastIndex(),
		})

	case MethodRegisterNode:
		var node Node
		if err := msgpack.Unmarshal(payload, &node); err != nil {
			return nil, err
		}
		if node.ID == "" {
			return nil, fmt.Errorf("metaservice: register_node requires a node id")
		}
		if node.LastHeartbeat.IsZero() {
			node.LastHeartbeat = time.Now()
		}
		if _, err := s.proposeBody(ctx, CommandRegisterNode, node); err != nil {
			return nil, err
		}
		return msgpack.Marshal(struct{}{})

	case MethodUnregisterNode:
		var id string
		if err := msgpack.Unmarshal(payload, &id); err != nil {
			return nil, err
		}
		if _, err := s.proposeBody(ctx, CommandUnregisterNode, id); err != nil {
			return nil, err
		}
		return msgpack.Marshal(struct{}{})

	case MethodSaveOffsetData:
		var oc OffsetCommitCmd
		if err := msgpack.Unmarshal(payload, &oc); err != nil {
			return nil, err
		}
		if _, err := s.proposeBody(ctx, CommandSaveOffset, oc); err != nil {
			return nil, err
		}
		return msgpack.Marshal(struct{}{})

	case MethodGetOffsetData:
		var req getOffsetDataRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return msgpack.Marshal(s.catalog.GroupOffset(req.Group))

	case MethodListResourceConfig:
		var req listResourceConfigRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return msgpack.Marshal(s.catalog.ListResourceConfigs(req.Prefix))

	case MethodKVSet:
		var req kvSetRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if s.store == nil {
			return nil, fmt.Errorf("metaservice: kv surface disabled")
		}
		if err := s.store.Set(ctx, clientKVKey(req.Key), req.Value); err != nil {
			return nil, err
		}
		return msgpack.Marshal(struct{}{})

	case MethodKVGet:
		var req kvKeyRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if s.store == nil {
			return nil, fmt.Errorf("metaservice: kv surface disabled")
		}
		value, err := s.store.Get(ctx, clientKVKey(req.Key))
		if err == kv.ErrNotFound {
			return msgpack.Marshal(kvGetResponse{})
		}
		if err != nil {
			return nil, err
		}
		return msgpack.Marshal(kvGetResponse{Value: value, Found: true})

	case MethodKVDelete:
		var req kvKeyRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if s.store == nil {
			return nil, fmt.Errorf("metaservice: kv surface disabled")
		}
		if err := s.store.Delete(ctx, clientKVKey(req.Key)); err != nil {
			return nil, err
		}
		return msgpack.Marshal(struct{}{})

	case MethodKVExists:
		var req kvKeyRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if s.store == nil {
			return nil, fmt.Errorf("metaservice: kv surface disabled")
		}
		_, err := s.store.Get(ctx, clientKVKey(req.Key))
		if err == kv.ErrNotFound {
			return msgpack.Marshal(kvExistsResponse{})
		}
		if err != nil {
			return nil, err
		}
		return msgpack.Marshal(kvExistsResponse{Exists: true})

	case MethodKVGetPrefix:
		var req kvPrefixRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if s.store == nil {
			return nil, fmt.Errorf("metaservice: kv surface disabled")
		}
		// List matches whole key segments; a partial client prefix is
		// filtered after decoding instead.
		out := make(map[string][]byte)
		for entry, err := range s.store.List(ctx, kv.Key{"meta", "ckv"}) {
			if err != nil {
				return nil, err
			}
			if len(entry.Key) < 3 {
				continue
			}
			// A client key containing the separator decodes into several
			// segments; rejoin everything past the namespace.
			name := strings.Join(entry.Key[2:], ":")
			if strings.HasPrefix(name, req.Prefix) {
				out[name] = entry.Value
			}
		}
		return msgpack.Marshal(out)

	default:
		return nil, fmt.Errorf("metaservice: unknown rpc method %q", method)
	}
}

// propose commits cmd through the replicated log. The raft FSM folds
// it into the catalog (and broadcasts the notification) as part of the
// commit, so a returned index means the mutation is durable, applied,
// and announced.
func (s *Server) propose(ctx context.Context, cmd Command) (uint64, error) {
	return s.log.Append(ctx, cmd)
}

// proposeBody marshals body and proposes it under kind.
func (s *Server) proposeBody(ctx context.Context, kind string, body any) (uint64, error) {
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return 0, err
	}
	return s.propose(ctx, Command{Kind: kind, Body: raw})
}

// subscriberChan returns nodeID's notification channel, subscribing it
// with the hub on first use and reusing the same channel on every
// subsequent poll (re-subscribing per call would replace and close the
// channel out from under whatever was queued between polls).
func (s *Server) subscriberChan(nodeID string) <-chan Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[nodeID]; ok {
		return ch
	}
	ch := s.hub.Subscribe(nodeID)
	s.subs[nodeID] = ch
	return ch
}

// drain long-polls nodeID's notification channel for up to
// subscribeWait, then returns every notification queued by that point
// without blocking further, the poll-based stand-in for a true
// streaming subscription that internal/rpc's request/response framing
// doesn't support.
func (s *Server) drain(nodeID string) []Notification {
	ch := s.subscriberChan(nodeID)
	var out []Notification

	select {
	case n, ok := <-ch:
		if !ok {
			return out
		}
		out = append(out, n)
	case <-time.After(subscribeWait):
		return out
	}

	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, n)
		default:
			return out
		}
	}
}

var _ rpc.Handler = (&Server{}).Handle
