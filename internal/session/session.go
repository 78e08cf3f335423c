// Package session holds the per-connection and per-client-id state a
// broker tracks across the lifetime of an MQTT session: the live
// transport-level Connection, the durable Session (subscriptions,
// in-flight QoS 1/2 state, topic aliases), and the single-session
// invariant that a client id may have at most one live Connection at a
// time on a given broker process.
package session

import (
	"sync"
	"time"

	"github.com/robustmq/robustmq-sub007/pkg/mqttproto"
)

// Will describes a last-will message registered at CONNECT time.
type Will struct {
	Topic   string
	Payload []byte
	QoS     mqttproto.QoS
	Retain  bool
	// DelayInterval postpones will delivery after an unclean disconnect
	// by this many seconds (MQTT 5 Will Delay Interval); zero means
	// immediate.
	DelayInterval uint32
}

// Subscription is one entry in a session's subscription table.
type Subscription struct {
	Filter            string
	QoS               mqttproto.QoS
	NoLocal           bool
	RetainAsPublished bool
	SubscriptionID    uint32
	// Group is non-empty for $share/<group>/... and $queue/... filters.
	Group string
}

// Connection is the live transport-level state of one client: the
// negotiated protocol options and the topic alias table, reset on every
// new physical connection even when the underlying Session survives.
type Connection struct {
	ClientID        string
	Username        string
	ProtocolVersion mqttproto.ProtocolVersion
	KeepAlive       time.Duration
	ConnectedAt     time.Time

	mu          sync.Mutex
	aliasToName []string // index 0 unused, aliases are 1-based
	aliasMax    uint16
}

// NewConnection creates a Connection with a topic alias table sized to
// aliasMax (0 disables topic aliasing).
func NewConnection(clientID, username string, version mqttproto.ProtocolVersion, keepAlive time.Duration, aliasMax uint16) *Connection {
	var table []string
	if aliasMax > 0 {
		table = make([]string, aliasMax+1)
	}
	return &Connection{
		ClientID:        clientID,
		Username:        username,
		ProtocolVersion: version,
		KeepAlive:       keepAlive,
		ConnectedAt:     time.Now(),
		aliasToName:     table,
		aliasMax:        aliasMax,
	}
}

// ErrInvalidAlias is returned when a topic alias is zero or exceeds the
// negotiated maximum.
type ErrInvalidAlias struct{ Alias uint16 }

func (e *ErrInvalidAlias) Error() string { return "session: invalid topic alias" }

// BindAlias records topic for reuse under alias, rebinding last-write-wins
// if the alias is already in use, per the MQTT 5 topic alias contract.
func (c *Connection) BindAlias(alias uint16, topic string) error {
	if alias == 0 || alias > c.aliasMax {
		return &ErrInvalidAlias{Alias: alias}
	}
	c.mu.Lock()
	c.aliasToName[alias] = topic
	c.mu.Unlock()
	return nil
}

// ResolveAlias returns the topic name bound to alias, or false if none is
// bound yet (a protocol violation from the sender's side).
func (c *Connection) ResolveAlias(alias uint16) (string, bool) {
	if alias == 0 || alias > c.aliasMax {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	name := c.aliasToName[alias]
	return name, name != ""
}

// Session is the durable per-client-id state that survives reconnects
// when CleanSession/CleanStart is false: subscriptions and in-flight QoS
// 1/2 packet ids. It outlives any single Connection.
type Session struct {
	mu sync.RWMutex

	ClientID     string
	CreatedAt    time.Time
	Subscriptions map[string]*Subscription
	Will         *Will

	// inflight tracks PUBLISH packet ids awaiting PUBACK/PUBCOMP, keyed
	// by packet id, for QoS 1/2 redelivery on reconnect.
	inflight map[uint16]*InflightPublish
	lastPkid uint16
}

// InflightPublish is an unacknowledged outbound QoS 1/2 delivery.
type InflightPublish struct {
	PacketID uint16
	Topic    string
	Payload  []byte
	QoS      mqttproto.QoS
	// Pending is "puback" for QoS1, or "pubrec"/"pubcomp" for the two
	// legs of the QoS2 handshake.
	Pending   string
	FirstSent time.Time
}

// New creates an empty Session for clientID.
func New(clientID string) *Session {
	return &Session{
		ClientID:      clientID,
		CreatedAt:     time.Now(),
		Subscriptions: make(map[string]*Subscription),
		inflight:      make(map[uint16]*InflightPublish),
	}
}

// AddSubscription installs or replaces the subscription for filter,
// reporting whether a subscription for that filter already existed (the
// MQTT 5 "new subscription" distinction that governs Retain Handling).
func (s *Session) AddSubscription(sub *Subscription) (existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed = s.Subscriptions[sub.Filter]
	s.Subscriptions[sub.Filter] = sub
	return existed
}

// NextPacketID allocates the next outbound QoS 1/2 packet id for this
// session, wrapping past zero (packet id 0 is reserved and invalid).
func (s *Session) NextPacketID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPkid++
	if s.lastPkid == 0 {
		s.lastPkid = 1
	}
	return s.lastPkid
}

// RemoveSubscription deletes the subscription for filter, reporting
// whether it existed.
func (s *Session) RemoveSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Subscriptions[filter]; !ok {
		return false
	}
	delete(s.Subscriptions, filter)
	return true
}

// ListSubscriptions returns a snapshot of current subscriptions.
func (s *Session) ListSubscriptions() []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subscription, 0, len(s.Subscriptions))
	for _, sub := range s.Subscriptions {
		out = append(out, sub)
	}
	return out
}

// TrackInflight records a new in-flight QoS 1/2 publish.
func (s *Session) TrackInflight(p *InflightPublish) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[p.PacketID] = p
}

// Acknowledge removes (QoS1) or advances (QoS2) in-flight state for a
// packet id, returning the record that was found, if any.
func (s *Session) Acknowledge(packetID uint16, nextPending string) (*InflightPublish, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.inflight[packetID]
	if !ok {
		return nil, false
	}
	if nextPending == "" {
		delete(s.inflight, packetID)
	} else {
		p.Pending = nextPending
	}
	return p, true
}

// PendingRedelivery returns every in-flight publish that must be resent
// (with Dup set) after a reconnect.
func (s *Session) PendingRedelivery() []*InflightPublish {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*InflightPublish, 0, len(s.inflight))
	for _, p := range s.inflight {
		out = append(out, p)
	}
	return out
}

// Registry is the process-wide client-id → session/connection table
// enforcing the single-session invariant for this broker node.
type Registry struct {
	mu          sync.Mutex
	connections map[string]*Connection
	sessions    map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]*Session),
	}
}

// Bind installs conn as the live connection for its client id, evicting
// (and returning) any previous connection for the same id so the caller
// can close it — MQTT requires the older connection be disconnected when
// a new CONNECT arrives for the same client id.
func (r *Registry) Bind(conn *Connection) (evicted *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted = r.connections[conn.ClientID]
	r.connections[conn.ClientID] = conn
	return evicted
}

// Unbind removes the connection for clientID if it is still conn (a
// connection that was already replaced by a newer one must not unbind
// the newer one on its own teardown).
func (r *Registry) Unbind(clientID string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connections[clientID] == conn {
		delete(r.connections, clientID)
	}
}

// Session returns the existing session for clientID, creating one if
// cleanStart is false and none exists, or always creating fresh if
// cleanStart is true. The second return value reports session presence
// for the CONNACK session-present flag.
func (r *Registry) Session(clientID string, cleanStart bool) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.sessions[clientID]
	if cleanStart || !ok {
		s := New(clientID)
		r.sessions[clientID] = s
		return s, false
	}
	return existing, true
}

// DropSession deletes the durable session for clientID (DISCONNECT with
// session-expiry-interval 0, or expiry timer firing).
func (r *Registry) DropSession(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, clientID)
}
