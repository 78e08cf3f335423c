// Package metaservice implements the replicated control-plane state
// machine: a catalog of shards, segments, nodes, connectors, ACL and
// blacklist entries, applied from a typed command log, plus the
// connector scheduler and the per-node notification channel that
// propagates cache invalidation to brokers and journal servers.
package metaservice

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/robustmq/robustmq-sub007/internal/journal"
)

// ShardStatusDeleting marks a shard that has been removed from the
// catalog. Shard removal is broadcast as a status transition carrying
// this value rather than a delete-action notification; only node
// removal uses the delete action.
const ShardStatusDeleting = "deleting"

// Shard is a named partition of a topic's message stream, bound to one
// storage engine type and a set of replica node ids.
type Shard struct {
	Name       string
	EngineType string
	ReplicaIDs []string
	LeaderID   string
	// Status is empty for a live shard; ShardStatusDeleting once it has
	// been removed.
	Status string
}

// SegmentMeta describes one segment of a shard's journal.
type SegmentMeta struct {
	Shard      string
	SegmentNo  uint64
	Status     string
	StartOffset uint64
	EndOffset   uint64
}

// Node is a broker, journal-server, or meta-service process registered
// with the cluster.
type Node struct {
	ID            string
	Role          string // broker, journal, meta
	Addr          string
	LastHeartbeat time.Time
}

// User and ACL/Blacklist entries mirror the broker-facing auth surface.
type User struct {
	Username     string
	PasswordHash string
	IsSuperuser  bool
}

type ACLEntry struct {
	Resource string // topic filter
	Username string
	Action   string // publish, subscribe
	Allow    bool
}

type BlacklistEntry struct {
	Kind  string // client_id, username, ip
	Value string
}

// ConnectorIdle/ConnectorRunning are the two connector lifecycle
// states: an Idle connector is placed (or waiting for placement) but
// not dispatching; the scheduler promotes an Idle connector with an
// assigned node to Running, and only a Running connector's broker
// starts the sink thread.
const (
	ConnectorIdle    = "idle"
	ConnectorRunning = "running"
)

// Connector describes a connector pipeline instance.
type Connector struct {
	ID            string
	SourceShard   string
	SinkType      string
	Status        string // ConnectorIdle or ConnectorRunning
	AssignedNode  string
	LastHeartbeat time.Time
}

// Schema is a registered payload schema definition. The catalog only
// stores and distributes it; validation against payloads happens (if at
// all) behind the broker's dispatch hook.
type Schema struct {
	ID         string
	SchemaType string // json, avro, ...
	Definition []byte
}

// SchemaBind associates a topic with a registered payload schema, used
// only to route through the dispatch hook; schema validation itself is
// out of scope here.
type SchemaBind struct {
	Topic    string
	SchemaID string
}

// Catalog is the full in-memory state, guarded by one RWMutex and
// persisted through pkg/kv as each mutation is applied from the command
// log.
type Catalog struct {
	mu sync.RWMutex

	Shards      map[string]*Shard
	Segments    map[string]*SegmentMeta // key: shard+"#"+segmentNo
	Nodes       map[string]*Node
	Users       map[string]*User
	ACLs        []*ACLEntry
	Blacklist   []*BlacklistEntry
	Connectors  map[string]*Connector
	Schemas     map[string]*Schema
	SchemaBinds map[string]*SchemaBind
	// ResourceConfigs holds opaque per-resource configuration blobs keyed
	// by resource name, served back to nodes on demand.
	ResourceConfigs map[string][]byte
	// GroupOffsets mirrors consumer-group progress into the control
	// plane: group -> shard -> committed offset.
	GroupOffsets map[string]map[string]uint64
	// Idempotency records prevent a replayed command from double-applying.
	Idempotency map[string]struct{}
	// SessionOwners maps a client id to the node id currently holding its
	// live session, enforcing cluster-wide client-id uniqueness.
	SessionOwners map[string]string
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		Shards:      make(map[string]*Shard),
		Segments:    make(map[string]*SegmentMeta),
		Nodes:       make(map[string]*Node),
		Users:       make(map[string]*User),
		Connectors:      make(map[string]*Connector),
		Schemas:         make(map[string]*Schema),
		SchemaBinds:     make(map[string]*SchemaBind),
		ResourceConfigs: make(map[string][]byte),
		GroupOffsets:    make(map[string]map[string]uint64),
		Idempotency:     make(map[string]struct{}),
		SessionOwners:   make(map[string]string),
	}
}

func segmentKey(shard string, segmentNo uint64) string {
	return shard + "#" + formatSegNo(segmentNo)
}

func formatSegNo(n uint64) string {
	const digits = "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}

// SnapshotBytes serializes the whole catalog for a consensus snapshot.
// Only exported fields are encoded, which is exactly the replicated
// state; the mutex and nothing else is skipped.
func (c *Catalog) SnapshotBytes() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return msgpack.Marshal(c)
}

// RestoreBytes replaces the catalog's state wholesale with a snapshot
// produced by SnapshotBytes, decoding into a fresh catalog first so a
// decode failure cannot leave this one half-replaced.
func (c *Catalog) RestoreBytes(data []byte) error {
	fresh := NewCatalog()
	if err := msgpack.Unmarshal(data, fresh); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Shards = fresh.Shards
	c.Segments = fresh.Segments
	c.Nodes = fresh.Nodes
	c.Users = fresh.Users
	c.ACLs = fresh.ACLs
	c.Blacklist = fresh.Blacklist
	c.Connectors = fresh.Connectors
	c.Schemas = fresh.Schemas
	c.SchemaBinds = fresh.SchemaBinds
	c.ResourceConfigs = fresh.ResourceConfigs
	c.GroupOffsets = fresh.GroupOffsets
	c.Idempotency = fresh.Idempotency
	c.SessionOwners = fresh.SessionOwners
	return nil
}

// SetShard installs or replaces a shard definition.
func (c *Catalog) SetShard(s *Shard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Shards[s.Name] = s
}

// DeleteShard removes a shard definition.
func (c *Catalog) DeleteShard(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Shards, name)
}

// GetShard returns a copy of the named shard, if present.
func (c *Catalog) GetShard(name string) (Shard, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.Shards[name]
	if !ok {
		return Shard{}, false
	}
	return *s, true
}

// SetSegmentMeta installs or replaces segment metadata.
func (c *Catalog) SetSegmentMeta(m *SegmentMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Segments[segmentKey(m.Shard, m.SegmentNo)] = m
}

// UpdateSegmentStatus validates and applies a status transition for one
// segment. The caller asserts the status it believes the segment is in:
// a mismatch, an unknown segment, or a transition that is not the next
// lifecycle step all return false (the caller is expected to surface
// the rejection upward rather than silently dropping it). A request
// whose target equals the current status is an idempotent no-op success,
// so a retried scheduler command cannot fail its second delivery.
func (c *Catalog) UpdateSegmentStatus(shard string, segmentNo uint64, currentStatus, newStatus string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.Segments[segmentKey(shard, segmentNo)]
	if !ok {
		return false
	}
	if m.Status == newStatus {
		return true
	}
	if m.Status != currentStatus {
		return false
	}
	if journal.ValidateTransition(journal.Status(m.Status), journal.Status(newStatus)) != nil {
		return false
	}
	m.Status = newStatus
	return true
}

// DeleteSegmentMeta removes one segment's metadata record. Shards whose
// segments are still live go through the PreDelete/Deleting lifecycle
// instead; this is the final cleanup once a Deleting segment's files
// are gone.
func (c *Catalog) DeleteSegmentMeta(shard string, segmentNo uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Segments, segmentKey(shard, segmentNo))
}

// SegmentsOf returns every segment record for shard, sorted by
// segment number.
func (c *Catalog) SegmentsOf(shard string) []SegmentMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []SegmentMeta
	for _, m := range c.Segments {
		if m.Shard == shard {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentNo < out[j].SegmentNo })
	return out
}

// RegisterNode adds or refreshes a cluster node.
func (c *Catalog) RegisterNode(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Nodes[n.ID] = n
}

// UnregisterNode removes a cluster node.
func (c *Catalog) UnregisterNode(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Nodes, id)
}

// Heartbeat refreshes a node's last-heartbeat timestamp. Connectors
// assigned to the node ride along: a broker's heartbeat is the liveness
// signal for every connector it hosts, so their own timestamps advance
// with it.
func (c *Catalog) Heartbeat(id string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.Nodes[id]; ok {
		n.LastHeartbeat = at
	}
	for _, conn := range c.Connectors {
		if conn.AssignedNode == id {
			conn.LastHeartbeat = at
		}
	}
}

// StaleNodes returns every node whose last heartbeat is older than ttl.
func (c *Catalog) StaleNodes(ttl time.Duration, now time.Time) []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Node
	for _, n := range c.Nodes {
		if now.Sub(n.LastHeartbeat) > ttl {
			out = append(out, *n)
		}
	}
	return out
}

// SetUser installs or replaces a user record.
func (c *Catalog) SetUser(u *User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Users[u.Username] = u
}

// DeleteUser removes a user record.
func (c *Catalog) DeleteUser(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Users, username)
}

// SetACL appends an ACL entry.
func (c *Catalog) SetACL(e *ACLEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ACLs = append(c.ACLs, e)
}

// DeleteACL removes every ACL entry equal to e.
func (c *Catalog) DeleteACL(e *ACLEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.ACLs[:0]
	for _, existing := range c.ACLs {
		if *existing != *e {
			kept = append(kept, existing)
		}
	}
	c.ACLs = kept
}

// SetBlacklist appends a blacklist entry.
func (c *Catalog) SetBlacklist(e *BlacklistEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Blacklist = append(c.Blacklist, e)
}

// DeleteBlacklist removes every blacklist entry equal to e.
func (c *Catalog) DeleteBlacklist(e *BlacklistEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.Blacklist[:0]
	for _, existing := range c.Blacklist {
		if *existing != *e {
			kept = append(kept, existing)
		}
	}
	c.Blacklist = kept
}

// CheckIdempotent reports whether key has already been applied,
// recording it as applied if not.
func (c *Catalog) CheckIdempotent(key string) (alreadyApplied bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.Idempotency[key]; ok {
		return true
	}
	c.Idempotency[key] = struct{}{}
	return false
}

// SetConnector installs or replaces a connector instance record.
func (c *Catalog) SetConnector(conn *Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Connectors[conn.ID] = conn
}

// ListConnectors returns a snapshot of every connector instance.
func (c *Catalog) ListConnectors() []Connector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Connector, 0, len(c.Connectors))
	for _, conn := range c.Connectors {
		out = append(out, *conn)
	}
	return out
}

// DeleteConnector removes a connector instance record.
func (c *Catalog) DeleteConnector(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Connectors, id)
}

// SetSchema registers (or replaces) a payload schema definition.
func (c *Catalog) SetSchema(s *Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Schemas[s.ID] = s
}

// DeleteSchema removes a schema definition. Binds referencing it are
// left in place; a bind to a missing schema is a no-op at dispatch.
func (c *Catalog) DeleteSchema(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Schemas, id)
}

// GetSchema returns a copy of the schema registered under id.
func (c *Catalog) GetSchema(id string) (Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.Schemas[id]
	if !ok {
		return Schema{}, false
	}
	return *s, true
}

// SetSchemaBind installs a topic-to-schema binding.
func (c *Catalog) SetSchemaBind(b *SchemaBind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SchemaBinds[b.Topic] = b
}

// DeleteSchemaBind removes the binding for topic.
func (c *Catalog) DeleteSchemaBind(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.SchemaBinds, topic)
}

// SetResourceConfig stores an opaque configuration blob under name.
func (c *Catalog) SetResourceConfig(name string, config []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ResourceConfigs[name] = config
}

// DeleteResourceConfig removes the configuration stored under name.
func (c *Catalog) DeleteResourceConfig(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ResourceConfigs, name)
}

// ListResourceConfigs returns every stored config whose name starts
// with prefix (empty prefix lists all).
func (c *Catalog) ListResourceConfigs(prefix string) map[string][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]byte)
	for name, config := range c.ResourceConfigs {
		if strings.HasPrefix(name, prefix) {
			out[name] = config
		}
	}
	return out
}

// SaveGroupOffset records a consumer group's committed offset for one
// shard in the control plane's mirror of consumer progress.
func (c *Catalog) SaveGroupOffset(group, shard string, offset uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	shards, ok := c.GroupOffsets[group]
	if !ok {
		shards = make(map[string]uint64)
		c.GroupOffsets[group] = shards
	}
	shards[shard] = offset
}

// GroupOffset returns a copy of every shard offset saved under group.
func (c *Catalog) GroupOffset(group string) map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.GroupOffsets[group]))
	for shard, off := range c.GroupOffsets[group] {
		out[shard] = off
	}
	return out
}

// ListNodes returns a snapshot of every registered cluster node.
func (c *Catalog) ListNodes() []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Node, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		out = append(out, *n)
	}
	return out
}

// GetNode returns a copy of the node registered under id.
func (c *Catalog) GetNode(id string) (Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.Nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// BindSession claims clientID for nodeID, succeeding if the client id
// is unclaimed or already claimed by that same node (a reconnect), and
// failing if another node currently holds it.
func (c *Catalog) BindSession(clientID, nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.SessionOwners[clientID]; ok && owner != nodeID {
		return false
	}
	c.SessionOwners[clientID] = nodeID
	return true
}

// UnbindSession releases clientID's claim if nodeID is the current
// owner; a release from a node that doesn't (or no longer) owns the
// binding is a no-op, since a newer bind from elsewhere must win.
func (c *Catalog) UnbindSession(clientID, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.SessionOwners[clientID]; ok && owner == nodeID {
		delete(c.SessionOwners, clientID)
	}
}
