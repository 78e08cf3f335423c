package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/robustmq/robustmq-sub007/internal/acl"
	"github.com/robustmq/robustmq-sub007/internal/metaservice"
	"github.com/robustmq/robustmq-sub007/internal/rpc"
	"github.com/vmihailenco/msgpack/v5"
)

// MetaClient is the real SessionBinder: it proposes session-bind and
// session-unbind commands to meta-service over internal/rpc, dialing
// fresh per call since MaxInflightRate-style connection pooling isn't
// warranted for a call made once per CONNECT/session-drop rather than
// per message.
type MetaClient struct {
	nodeID   string
	metaAddr string
}

// NewMetaClient creates a MetaClient that proposes commands as nodeID
// against the meta-service listening at metaAddr.
func NewMetaClient(nodeID, metaAddr string) *MetaClient {
	return &MetaClient{nodeID: nodeID, metaAddr: metaAddr}
}

func (m *MetaClient) propose(cmd metaservice.Command) error {
	conn, err := net.DialTimeout("tcp", m.metaAddr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	payload, err := rpc.Encode(struct{ Cmd metaservice.Command }{Cmd: cmd})
	if err != nil {
		return err
	}
	resp, err := rpc.NewClient(conn).Call(rpc.Envelope{Method: metaservice.MethodPropose, Payload: payload})
	if err != nil {
		return err
	}
	if resp.Err != "" {
		return fmt.Errorf("metaservice: %s", resp.Err)
	}
	return nil
}

// BindSession proposes a session-bind record for clientID owned by
// this node; meta-service rejects it if another node already holds the
// binding, which Connect surfaces as ErrSessionBoundElsewhere.
func (m *MetaClient) BindSession(ctx context.Context, clientID string) error {
	body, err := msgpack.Marshal(metaservice.SessionBindCmd{ClientID: clientID, NodeID: m.nodeID})
	if err != nil {
		return err
	}
	return m.propose(metaservice.Command{Kind: metaservice.CommandBindSession, Body: body})
}

// UnbindSession releases clientID's binding so another node may claim
// it. A failed release isn't fatal to the disconnect path: the binding
// self-heals the next time this client id reconnects to this same
// node, since a same-node rebind always succeeds regardless of the
// old record.
func (m *MetaClient) UnbindSession(ctx context.Context, clientID string) {
	body, err := msgpack.Marshal(metaservice.SessionBindCmd{ClientID: clientID, NodeID: m.nodeID})
	if err != nil {
		return
	}
	_ = m.propose(metaservice.Command{Kind: metaservice.CommandUnbindSession, Body: body})
}

// CatalogSync long-polls meta-service's notification hub (via the
// MethodSubscribe poll Server.drain implements) and applies every
// upsert/delete to this node's local read-through state: ACL rules,
// the blacklist, and the Shard cache Engine.resolveShard consults, the
// way a cache-invalidation subscriber is meant to keep a node's local
// copies in sync with the control plane without polling the full
// catalog on every request.
type CatalogSync struct {
	engine   *Engine
	nodeID   string
	metaAddr string
	log      *slog.Logger

	shards *Cache[metaservice.Shard]
}

// NewCatalogSync creates a CatalogSync that applies notifications onto
// engine's ACL checker and blacklist, and keeps its own Shards() cache
// warm.
func NewCatalogSync(engine *Engine, nodeID, metaAddr string, log *slog.Logger) *CatalogSync {
	if log == nil {
		log = slog.Default()
	}
	return &CatalogSync{
		engine:   engine,
		nodeID:   nodeID,
		metaAddr: metaAddr,
		log:      log,
		shards:   NewCache[metaservice.Shard](1024),
	}
}

// Shards exposes the read-through shard cache this sync keeps warm, for
// wiring into Engine.SetShardCache.
func (cs *CatalogSync) Shards() *Cache[metaservice.Shard] { return cs.shards }

// Run polls meta-service for notifications until ctx is cancelled. A
// poll failure (meta-service unreachable) backs off a second before
// retrying rather than busy-looping.
func (cs *CatalogSync) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		notifications, err := cs.poll(ctx)
		if err != nil {
			cs.log.Debug("broker: catalog sync poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, n := range notifications {
			cs.apply(n)
		}
	}
}

func (cs *CatalogSync) poll(ctx context.Context) ([]metaservice.Notification, error) {
	conn, err := net.DialTimeout("tcp", cs.metaAddr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	payload, err := rpc.Encode(struct{ NodeID string }{NodeID: cs.nodeID})
	if err != nil {
		return nil, err
	}
	resp, err := rpc.NewClient(conn).Call(rpc.Envelope{Method: metaservice.MethodSubscribe, Payload: payload})
	if err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("metaservice: %s", resp.Err)
	}

	var out struct{ Notifications []metaservice.Notification }
	if err := rpc.Decode(resp.Payload, &out); err != nil {
		return nil, err
	}
	return out.Notifications, nil
}

func (cs *CatalogSync) apply(n metaservice.Notification) {
	switch n.Resource {
	case "acl":
		var e metaservice.ACLEntry
		if err := msgpack.Unmarshal(n.Body, &e); err != nil {
			cs.log.Debug("broker: decode acl notification", "error", err)
			return
		}
		cs.engine.ACL().AddRule(acl.ACLEntry{
			Username: e.Username, Resource: e.Resource, Action: acl.Action(e.Action), Allow: e.Allow,
		})

	case "blacklist":
		var e metaservice.BlacklistEntry
		if err := msgpack.Unmarshal(n.Body, &e); err != nil {
			cs.log.Debug("broker: decode blacklist notification", "error", err)
			return
		}
		if err := cs.engine.Blacklist().Add(acl.BlacklistEntry{Kind: acl.BlacklistKind(e.Kind), Resource: e.Value}); err != nil {
			cs.log.Warn("broker: install blacklist entry failed", "error", err)
		}

	case "shard":
		var s metaservice.Shard
		if err := msgpack.Unmarshal(n.Body, &s); err != nil {
			cs.log.Debug("broker: decode shard notification", "error", err)
			return
		}
		// Shard removal arrives as a status transition, not a
		// delete-action notification; only node removal uses delete.
		if s.Status == metaservice.ShardStatusDeleting {
			cs.shards.Delete(s.Name)
			return
		}
		cs.shards.Set(s.Name, s)
	}
}
