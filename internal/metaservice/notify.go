package metaservice

import (
	"log/slog"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Notification is a typed cache-invalidation event broadcast to every
// subscribed node whenever the catalog changes in a way that node's
// read-through caches need to know about (a shard's leader moved, a
// user's ACL changed, a segment sealed).
type Notification struct {
	Action   string // upsert, delete
	Resource string // shard, segment, node, user, acl, blacklist, connector, schema
	Key      string
	Body     []byte
}

const (
	NotifyUpsert = "upsert"
	NotifyDelete = "delete"
)

// notifyQueueDepth bounds each subscriber's channel; a notification for
// a subscriber whose queue is full is dropped rather than allowed to
// stall the broadcaster.
const notifyQueueDepth = 256

// Hub fans Notifications out to one bounded channel per registered
// node, each drained by a single applier goroutine the caller supplies
// via Subscribe.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]chan Notification
	log  *slog.Logger
}

// NewHub creates an empty notification hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{subs: make(map[string]chan Notification), log: log}
}

// Subscribe registers nodeID and returns its receive channel. Calling
// Subscribe again for the same node replaces its channel (the old one
// is closed).
func (h *Hub) Subscribe(nodeID string) <-chan Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.subs[nodeID]; ok {
		close(old)
	}
	ch := make(chan Notification, notifyQueueDepth)
	h.subs[nodeID] = ch
	return ch
}

// Unsubscribe removes and closes nodeID's channel.
func (h *Hub) Unsubscribe(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[nodeID]; ok {
		close(ch)
		delete(h.subs, nodeID)
	}
}

// Broadcast delivers n to every subscriber. A subscriber whose queue is
// full is skipped for this notification and logged, rather than
// blocking the rest of the cluster on one laggard.
func (h *Hub) Broadcast(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for nodeID, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.log.Warn("metaservice: dropped notification for slow subscriber",
				"node", nodeID, "resource", n.Resource, "action", n.Action)
		}
	}
}

// NotifyingCatalog wraps a Catalog so every mutation also broadcasts a
// Notification, letting brokers and journal servers invalidate their
// read-through caches without polling.
type NotifyingCatalog struct {
	*Catalog
	hub *Hub
}

// NewNotifyingCatalog pairs a Catalog with a Hub.
func NewNotifyingCatalog(c *Catalog, hub *Hub) *NotifyingCatalog {
	return &NotifyingCatalog{Catalog: c, hub: hub}
}

// ApplyAndNotify folds cmd into the wrapped Catalog and, if it applied
// cleanly, broadcasts the corresponding Notification.
func (nc *NotifyingCatalog) ApplyAndNotify(cmd Command) error {
	if err := Apply(nc.Catalog, cmd); err != nil {
		return err
	}
	nc.hub.Broadcast(classify(cmd))
	return nil
}

// classify builds the Notification for cmd, decoding its body only far
// enough to recover the key a subscriber's cache is indexed by (a shard
// or connector name); a decode failure just falls back to an empty key
// rather than failing the broadcast. The delete action is reserved for
// node removal: every other resource's removal rides a status
// transition in an upsert body (a deleted shard is broadcast with
// ShardStatusDeleting; a released session bind carries the releasing
// node), so receivers reconcile state rather than react to a bare
// deletion.
func classify(cmd Command) Notification {
	n := Notification{Action: NotifyUpsert, Body: cmd.Body}
	switch cmd.Kind {
	case CommandSetShard:
		var s Shard
		_ = msgpack.Unmarshal(cmd.Body, &s)
		n.Resource, n.Key = "shard", s.Name
	case CommandDeleteShard:
		var name string
		_ = msgpack.Unmarshal(cmd.Body, &name)
		n.Resource, n.Key = "shard", name
		if body, err := msgpack.Marshal(Shard{Name: name, Status: ShardStatusDeleting}); err == nil {
			n.Body = body
		}
	case CommandSetSegmentMeta, CommandUpdateSegStatus, CommandDeleteSegmentMeta:
		n.Resource = "segment"
	case CommandRegisterNode:
		n.Resource = "node"
	case CommandUnregisterNode:
		n.Resource, n.Action = "node", NotifyDelete
	case CommandSetUser, CommandDeleteUser:
		n.Resource = "user"
	case CommandSetACL, CommandDeleteACL:
		n.Resource = "acl"
	case CommandSetBlacklist, CommandDeleteBlacklist:
		n.Resource = "blacklist"
	case CommandSetConnector:
		var c Connector
		_ = msgpack.Unmarshal(cmd.Body, &c)
		n.Resource, n.Key = "connector", c.ID
	case CommandDeleteConnector:
		var id string
		_ = msgpack.Unmarshal(cmd.Body, &id)
		n.Resource, n.Key = "connector", id
	case CommandSetSchema, CommandDeleteSchema, CommandSetSchemaBind, CommandDeleteSchemaBind:
		n.Resource = "schema"
	case CommandSetResourceConfig, CommandDeleteResourceConfig:
		n.Resource = "resource_config"
	case CommandSaveOffset:
		var oc OffsetCommitCmd
		_ = msgpack.Unmarshal(cmd.Body, &oc)
		n.Resource, n.Key = "offset", oc.Group
	case CommandBindSession, CommandUnbindSession:
		var b SessionBindCmd
		_ = msgpack.Unmarshal(cmd.Body, &b)
		n.Resource, n.Key = "session", b.ClientID
	default:
		n.Resource = "unknown"
	}
	return n
}
