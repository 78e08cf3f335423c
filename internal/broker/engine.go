// Package broker implements the protocol-version-agnostic MQTT session,
// subscription-routing, retained-message, will, and delayed-publish
// engine described for a broker node: everything downstream of CONNECT
// that does not depend on whether the wire codec is MQTT 3.1.1 or 5.0.
// The wire-specific accept loop lives in server.go and translates each
// protocol's packets into calls against the Engine defined here, so one
// routing core serves both protocol-specific connection handlers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/robustmq/robustmq-sub007/internal/acl"
	"github.com/robustmq/robustmq-sub007/internal/delay"
	"github.com/robustmq/robustmq-sub007/internal/metaservice"
	"github.com/robustmq/robustmq-sub007/internal/session"
	"github.com/robustmq/robustmq-sub007/internal/storageadapter"
	"github.com/robustmq/robustmq-sub007/pkg/kv"
	"github.com/robustmq/robustmq-sub007/pkg/mqttproto"
	"github.com/robustmq/robustmq-sub007/pkg/topicmatch"
)

var (
	// ErrBanned is returned when a connecting client matches a blacklist entry.
	ErrBanned = errors.New("broker: client is banned")
	// ErrAuthFailed is returned when credential authentication fails.
	ErrAuthFailed = errors.New("broker: authentication failed")
	// ErrClientIDRequired is returned when a protocol/clean-session
	// combination requires a client-supplied id and none was given.
	ErrClientIDRequired = errors.New("broker: client identifier required")
	// ErrNotAuthorized is returned when an ACL check denies an operation.
	ErrNotAuthorized = errors.New("broker: not authorized")
	// ErrInvalidTopicFilter is returned for a malformed subscription filter.
	ErrInvalidTopicFilter = errors.New("broker: invalid topic filter")
	// ErrSessionBoundElsewhere is returned when a SessionBinder reports
	// that another node already owns a live session for this client id.
	ErrSessionBoundElsewhere = errors.New("broker: client id already bound on another node")
)

// subEntry is one installed subscription in the routing trie.
type subEntry struct {
	clientID          string
	qos               mqttproto.QoS
	noLocal           bool
	retainAsPublished bool
	subscriptionID    uint32
	group             string // non-empty for a $share/$queue member
}

// Outbound is a message ready to hand to a connection's write side,
// independent of which wire version will encode it.
type Outbound struct {
	Topic           string
	Payload         []byte
	QoS             mqttproto.QoS
	Retain          bool
	Dup             bool
	PacketID        uint16
	SubscriptionIDs []uint32
}

// liveClient is the live delivery handle for one connected client id,
// separate from session.Connection because it additionally carries the
// outbound message channel and the takeover signal a newer CONNECT for
// the same client id raises against the connection it replaces.
type liveClient struct {
	clientID string
	conn     *session.Connection
	sess     *session.Session
	out      chan *Outbound
	takeover chan mqttproto.ReasonCode
	limiter  *rate.Limiter // nil when Config.MaxInflightRate is 0 (no limiting)
}

// ConnectRequest is the protocol-agnostic view of an inbound CONNECT,
// already decoded by the wire-specific server loop.
type ConnectRequest struct {
	ClientID        string
	Username        string
	Password        []byte
	CleanStart      bool
	ProtocolVersion mqttproto.ProtocolVersion
	KeepAlive       time.Duration
	SourceIP        string
	TopicAliasMax   uint16
	Will            *session.Will
}

// ConnectResult reports the outcome of Connect.
type ConnectResult struct {
	ReasonCode       mqttproto.ReasonCode
	AssignedClientID string
	SessionPresent   bool
	Conn             *session.Connection
	Sess             *session.Session
	Outbound         chan *Outbound
	Takeover         chan mqttproto.ReasonCode
}

// SubFilter is one filter entry of an inbound SUBSCRIBE.
type SubFilter struct {
	Filter            string
	QoS               mqttproto.QoS
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte // 0 = send, 1 = send if new, 2 = never send
	SubscriptionID    uint32
}

// SubResult reports the outcome of one SubFilter.
type SubResult struct {
	ReasonCode mqttproto.ReasonCode
	GrantedQoS mqttproto.QoS
	Retained   []*Retained
}

// PublishRequest is the protocol-agnostic view of an inbound PUBLISH,
// after topic-alias resolution has already happened in the wire layer.
type PublishRequest struct {
	ClientID string
	Username string
	Topic    string
	Payload  []byte
	QoS      mqttproto.QoS
	Retain   bool
	PacketID uint16
	Dup      bool
	// DelayInterval is non-zero for a publish carrying a delayed-delivery
	// request (MQTT 5 user property convention used by this broker).
	DelayInterval time.Duration
}

// SessionBinder enforces cluster-wide client-id uniqueness against the
// meta-service catalog: Connect must hold the binding before admitting
// a client, and Disconnect releases it once the durable session (if
// any) is dropped. A nil SessionBinder makes client-id admission a
// purely local decision, as is appropriate for a single-node
// deployment with no meta-service configured.
type SessionBinder interface {
	BindSession(ctx context.Context, clientID string) error
	UnbindSession(ctx context.Context, clientID string)
}

// Config bundles the collaborators Engine needs; every field has a
// sensible zero-value-free construction helper in this package except
// Authenticator and Storage, which the caller supplies.
type Config struct {
	Authenticator   mqttproto.Authenticator
	Storage         storageadapter.Adapter
	DelayStore      kv.Store // persists delay-queue entries; a kv.NewMemory() is fine for tests
	DelayShardNum   uint64
	RetainedMaxTTL  time.Duration
	MaxInflightRate int // per-connection outbound sends/sec, 0 disables limiting
	SessionBinder   SessionBinder
	Log             *slog.Logger
}

// Engine owns every piece of broker state that is not tied to one wire
// protocol version: the client registry, the subscription trie (normal
// and shared), retained messages, ACL/blacklist, storage adapter, and
// the delay-queue manager. One Engine is shared by every accepted
// connection regardless of transport or protocol version.
type Engine struct {
	cfg Config
	log *slog.Logger

	sessions   *session.Registry
	acl        *acl.Checker
	blocked    *acl.Blacklist
	retained   *RetainedStore
	storage    storageadapter.Adapter
	delay      *delay.Manager
	shardCache *Cache[metaservice.Shard] // read-through, populated by CatalogSync; nil until SetShardCache is called

	mu           sync.Mutex
	live         map[string]*liveClient
	trie         *topicmatch.Trie[*subEntry]
	sharedTrie   *topicmatch.Trie[*subEntry]
	sharedRing   map[string][]string // "<group>:<topic>" -> member client ids, insertion order
	ringCounters map[string]int      // "<group>:<topic>" -> next ring position to try
	willTimers   map[string]*time.Timer
	qos2Pending  map[string]map[uint16]struct{} // clientID -> inbound packet ids awaiting PUBREL
}

// New creates an Engine. cfg.Storage and cfg.Authenticator must be
// non-nil. cfg.DelayShardNum only sets the delay manager's ShardFor
// modulus: a publish with a DelayInterval goes to the delay queue even
// when it is zero.
func New(cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:         cfg,
		log:         log,
		sessions:    session.NewRegistry(),
		acl:         acl.NewChecker(),
		blocked:     acl.NewBlacklist(0),
		retained:    NewRetainedStore(),
		storage:     cfg.Storage,
		live:        make(map[string]*liveClient),
		trie:         topicmatch.New[*subEntry](),
		sharedTrie:   topicmatch.New[*subEntry](),
		sharedRing:   make(map[string][]string),
		ringCounters: make(map[string]int),
		willTimers:   make(map[string]*time.Timer),
		qos2Pending:  make(map[string]map[uint16]struct{}),
	}
	store := cfg.DelayStore
	if store == nil {
		store = kv.NewMemory(nil)
	}
	e.delay = delay.New(store, (*delayDeliverer)(e), cfg.DelayShardNum, log)
	return e
}

// ACL exposes the checker so the server loop / meta-service applier can
// install rules fetched from the catalog.
func (e *Engine) ACL() *acl.Checker { return e.acl }

// Blacklist exposes the blacklist so the meta-service applier can feed
// it ban entries from catalog notifications.
func (e *Engine) Blacklist() *acl.Blacklist { return e.blocked }

// SetShardCache installs the read-through Shard cache a CatalogSync
// keeps warm from meta-service notifications; Publish consults it to
// resolve a topic's catalog-assigned shard before falling back to the
// local hash partition.
func (e *Engine) SetShardCache(c *Cache[metaservice.Shard]) { e.shardCache = c }

// resolveShard prefers a catalog-assigned shard name for topic, falling
// back to the local hash partition when the shard cache is unset or
// has no entry for this topic yet (the common case absent a
// meta-service deployment, or before the first notification arrives).
func (e *Engine) resolveShard(topic string) string {
	if e.shardCache != nil {
		if s, ok := e.shardCache.Get(topic); ok {
			return s.Name
		}
	}
	return shardFor(topic)
}

// delayDeliverer adapts Engine to delay.Deliverer without exposing
// Engine's internal Publish path as part of the delay package's
// surface.
type delayDeliverer Engine

func (d *delayDeliverer) Deliver(ctx context.Context, info delay.Info) error {
	e := (*Engine)(d)
	return e.route(ctx, PublishRequest{Topic: info.Topic, Payload: info.Payload, QoS: mqttproto.AtMostOnce})
}

// assignClientID applies the per-protocol-version rule for a CONNECT
// that arrived without a client identifier.
func assignClientID(version mqttproto.ProtocolVersion, cleanStart bool) (string, error) {
	if version == mqttproto.ProtocolV5 {
		return "auto-" + uuid.NewString(), nil
	}
	// MQTT 3.1.1: a server MAY assign a client id only when CleanSession
	// is set; otherwise the identifier is required so the session can be
	// looked up again on a future connection.
	if cleanStart {
		return "auto-" + uuid.NewString(), nil
	}
	return "", ErrClientIDRequired
}

// Connect authenticates and admits a new connection, evicting any prior
// live connection for the same client id. The returned Outbound channel
// is the caller's write-side feed for this connection's lifetime.
func (e *Engine) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	if e.blocked.Banned(req.ClientID, req.Username, req.SourceIP, time.Now().Unix()) {
		return &ConnectResult{ReasonCode: mqttproto.ReasonBanned}, ErrBanned
	}

	clientID := req.ClientID
	if clientID == "" {
		assigned, err := assignClientID(req.ProtocolVersion, req.CleanStart)
		if err != nil {
			return &ConnectResult{ReasonCode: mqttproto.ReasonClientIDNotValid}, err
		}
		clientID = assigned
	}

	if e.cfg.Authenticator != nil && !e.cfg.Authenticator.Authenticate(clientID, req.Username, req.Password) {
		return &ConnectResult{ReasonCode: mqttproto.ReasonBadUserNameOrPassword}, ErrAuthFailed
	}

	if e.cfg.SessionBinder != nil {
		if err := e.cfg.SessionBinder.BindSession(ctx, clientID); err != nil {
			return &ConnectResult{ReasonCode: mqttproto.ReasonClientIDNotValid}, fmt.Errorf("%w: %s", ErrSessionBoundElsewhere, clientID)
		}
	}

	if req.CleanStart {
		// Clear out whatever the previous durable session (if any) left
		// in the routing tries before a fresh, empty Session replaces it
		// — otherwise those subscriptions would keep matching publishes
		// for a client id that no longer remembers subscribing to them.
		e.dropSubscriptions(clientID)
	}

	sess, present := e.sessions.Session(clientID, req.CleanStart)
	if req.Will != nil {
		sess.Will = req.Will
	} else if req.CleanStart {
		sess.Will = nil
	}

	conn := session.NewConnection(clientID, req.Username, req.ProtocolVersion, req.KeepAlive, req.TopicAliasMax)
	lc := &liveClient{clientID: clientID, conn: conn, sess: sess, out: make(chan *Outbound, 256), takeover: make(chan mqttproto.ReasonCode, 1)}
	if e.cfg.MaxInflightRate > 0 {
		lc.limiter = rate.NewLimiter(rate.Limit(e.cfg.MaxInflightRate), e.cfg.MaxInflightRate)
	}

	e.mu.Lock()
	prior := e.live[clientID]
	e.live[clientID] = lc
	e.mu.Unlock()

	e.sessions.Bind(conn)
	if prior != nil {
		select {
		case prior.takeover <- mqttproto.ReasonSessionTakenOver:
		default:
		}
		close(prior.out)
	}
	e.cancelWill(clientID)

	if !req.CleanStart && present {
		e.redeliverPending(clientID, lc)
	}

	return &ConnectResult{
		ReasonCode:       mqttproto.ReasonSuccess,
		AssignedClientID: clientID,
		SessionPresent:   present && !req.CleanStart,
		Conn:             conn,
		Sess:             sess,
		Outbound:         lc.out,
		Takeover:         lc.takeover,
	}, nil
}

func (e *Engine) redeliverPending(clientID string, lc *liveClient) {
	for _, p := range lc.sess.PendingRedelivery() {
		out := &Outbound{Topic: p.Topic, Payload: p.Payload, QoS: p.QoS, PacketID: p.PacketID, Dup: p.Pending != "queued"}
		select {
		case lc.out <- out:
		default:
			e.log.Warn("broker: dropped redelivery, outbound buffer full", "client_id", clientID)
		}
	}
}

// dropSubscriptions removes every trie entry owned by clientID, used
// when a CleanStart connection discards a prior durable session or a
// DISCONNECT with session-expiry 0 ends it for good.
func (e *Engine) dropSubscriptions(clientID string) {
	sess, existed := e.sessions.Session(clientID, false)
	if existed {
		for _, sub := range sess.ListSubscriptions() {
			e.removeSubscription(clientID, sub.Filter)
		}
	}
	e.sessions.DropSession(clientID)
}

// Disconnect tears down the live connection for clientID. graceful is
// true for a client-initiated DISCONNECT (no will is sent); sessionTTL
// is the negotiated session expiry interval, zero meaning the durable
// session is dropped immediately.
func (e *Engine) Disconnect(clientID string, conn *session.Connection, graceful bool, sessionTTL time.Duration) {
	e.sessions.Unbind(clientID, conn)

	e.mu.Lock()
	lc, ok := e.live[clientID]
	if ok && lc.conn == conn {
		delete(e.live, clientID)
	}
	e.mu.Unlock()
	if ok && lc.conn == conn {
		close(lc.out)
	}

	sess, _ := e.sessions.Session(clientID, false)
	if !graceful && sess.Will != nil {
		e.scheduleWill(clientID, sess.Will)
	}

	if sessionTTL <= 0 {
		e.dropSubscriptions(clientID)
		if e.cfg.SessionBinder != nil {
			e.cfg.SessionBinder.UnbindSession(context.Background(), clientID)
		}
	}
}

// scheduleWill arms a timer to publish will after its configured delay
// interval; a reconnect before it fires cancels it via cancelWill.
func (e *Engine) scheduleWill(clientID string, will *session.Will) {
	delay := time.Duration(will.DelayInterval) * time.Second
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.willTimers[clientID]; ok {
		t.Stop()
	}
	e.willTimers[clientID] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.willTimers, clientID)
		e.mu.Unlock()
		_ = e.route(context.Background(), PublishRequest{
			ClientID: clientID,
			Topic:    will.Topic,
			Payload:  will.Payload,
			QoS:      will.QoS,
			Retain:   will.Retain,
		})
	})
}

func (e *Engine) cancelWill(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.willTimers[clientID]; ok {
		t.Stop()
		delete(e.willTimers, clientID)
	}
}

// validateTopicFilter rejects empty filters and a `#`/`+` used anywhere
// but as a whole path segment, or `#` anywhere but the final segment.
func validateTopicFilter(filter string) error {
	if filter == "" {
		return ErrInvalidTopicFilter
	}
	segs := splitTopic(filter)
	for i, seg := range segs {
		if seg == "" {
			continue
		}
		if (len(seg) > 1) && (containsByte(seg, '+') || containsByte(seg, '#')) {
			return ErrInvalidTopicFilter
		}
		if seg == "#" && i != len(segs)-1 {
			return ErrInvalidTopicFilter
		}
	}
	return nil
}

func splitTopic(topic string) []string {
	var out []string
	start := 0
	for i := 0; i < len(topic); i++ {
		if topic[i] == '/' {
			out = append(out, topic[start:i])
			start = i + 1
		}
	}
	out = append(out, topic[start:])
	return out
}

func containsByte(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}

// Subscribe installs each filter for clientID and returns the retained
// messages that must be delivered immediately for each, per its Retain
// Handling option.
func (e *Engine) Subscribe(clientID, username string, filters []SubFilter) []SubResult {
	sess, _ := e.sessions.Session(clientID, false)
	results := make([]SubResult, len(filters))

	for i, f := range filters {
		if err := validateTopicFilter(f.Filter); err != nil {
			results[i] = SubResult{ReasonCode: mqttproto.ReasonTopicFilterInvalid}
			continue
		}

		shared, group, topic := topicmatch.IsShared(f.Filter)
		action := acl.ActionSubscribe
		if !e.acl.Allow(username, topic, action) {
			results[i] = SubResult{ReasonCode: mqttproto.ReasonNotAuthorized}
			continue
		}

		entry := &subEntry{
			clientID:          clientID,
			qos:               f.QoS,
			noLocal:           f.NoLocal,
			retainAsPublished: f.RetainAsPublished,
			subscriptionID:    f.SubscriptionID,
			group:             group,
		}

		existed := sess.AddSubscription(&session.Subscription{
			Filter: f.Filter, QoS: f.QoS, NoLocal: f.NoLocal,
			RetainAsPublished: f.RetainAsPublished, SubscriptionID: f.SubscriptionID, Group: group,
		})

		e.mu.Lock()
		if shared {
			e.sharedTrie.Insert(topic, entry)
			ringKey := group + ":" + topic
			e.sharedRing[ringKey] = appendUnique(e.sharedRing[ringKey], clientID)
		} else {
			e.trie.Insert(topic, entry)
		}
		e.mu.Unlock()

		var retained []*Retained
		if f.RetainHandling == 0 || (f.RetainHandling == 1 && !existed) {
			retained = e.retained.Match(topic)
		}

		results[i] = SubResult{ReasonCode: reasonForQoS(f.QoS), GrantedQoS: f.QoS, Retained: retained}
	}
	return results
}

func reasonForQoS(qos mqttproto.QoS) mqttproto.ReasonCode {
	return mqttproto.ReasonCode(qos)
}

func appendUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}

// Unsubscribe removes each filter's subscription for clientID, reporting
// ReasonSuccess for each that existed and ReasonCode 0x11 (no subscription
// existed) otherwise.
func (e *Engine) Unsubscribe(clientID string, filters []string) []mqttproto.ReasonCode {
	sess, _ := e.sessions.Session(clientID, false)
	out := make([]mqttproto.ReasonCode, len(filters))
	for i, filter := range filters {
		if !sess.RemoveSubscription(filter) {
			out[i] = 0x11 // No Subscription Existed
			continue
		}
		e.removeSubscription(clientID, filter)
		out[i] = mqttproto.ReasonSuccess
	}
	return out
}

func (e *Engine) removeSubscription(clientID, filter string) {
	shared, group, topic := topicmatch.IsShared(filter)
	match := func(s *subEntry) bool { return s.clientID == clientID }

	e.mu.Lock()
	defer e.mu.Unlock()
	if shared {
		e.sharedTrie.Remove(topic, match)
		ringKey := group + ":" + topic
		e.sharedRing[ringKey] = removeString(e.sharedRing[ringKey], clientID)
	} else {
		e.trie.Remove(topic, match)
	}
}

func removeString(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Publish handles an inbound PUBLISH: ACL check, retained-message
// update, persistence for QoS>=1, and delay-queue diversion when
// DelayInterval is set, otherwise immediate routing to subscribers. For
// QoS 2, callers must also call PublishReceived/AckPubRel around the
// handshake to dedupe retried packet ids; Publish itself is idempotent
// only at the routing layer, not at the packet-id layer.
func (e *Engine) Publish(ctx context.Context, req PublishRequest) error {
	if req.Topic == "" || req.Topic[0] == '$' {
		return fmt.Errorf("broker: %w: client publish to %q", ErrInvalidTopicFilter, req.Topic)
	}
	if !e.acl.Allow(req.Username, req.Topic, acl.ActionPublish) {
		return ErrNotAuthorized
	}

	if req.Retain {
		e.retained.Set(req.Topic, req.Payload, req.QoS, 0, retainExpiry(e.cfg.RetainedMaxTTL))
	}

	if req.QoS > mqttproto.AtMostOnce && e.storage != nil {
		shard := e.resolveShard(req.Topic)
		if _, err := e.storage.Write(ctx, shard, req.ClientID, []string{req.Topic}, req.Payload); err != nil {
			e.log.Error("broker: storage write failed", "topic", req.Topic, "error", err)
		}
	}

	if req.DelayInterval > 0 {
		info := delay.Info{
			Shard:          shardFor(req.Topic),
			Topic:          req.Topic,
			Payload:        req.Payload,
			DelayTimestamp: time.Now().Add(req.DelayInterval),
		}
		if err := e.delay.Persist(ctx, info); err != nil {
			return err
		}
		e.delay.Enqueue(info)
		return nil
	}

	return e.route(ctx, req)
}

func retainExpiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func shardFor(topic string) string {
	h := uint64(2166136261)
	for i := 0; i < len(topic); i++ {
		h ^= uint64(topic[i])
		h *= 16777619
	}
	const shards = 16
	return fmt.Sprintf("shard-%d", h%shards)
}

// PublishReceived dedupes a retried QoS2 PUBLISH by (clientID, packetID),
// reporting true when this exact packet id is already pending PUBREL
// (a retransmit that must not be routed a second time).
func (e *Engine) PublishReceived(clientID string, packetID uint16) (duplicate bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.qos2Pending[clientID]
	if !ok {
		set = make(map[uint16]struct{})
		e.qos2Pending[clientID] = set
	}
	if _, exists := set[packetID]; exists {
		return true
	}
	set[packetID] = struct{}{}
	return false
}

// AckPubRel forgets a QoS2 inbound packet id once the client's PUBREL
// arrives and the broker is about to answer with PUBCOMP.
func (e *Engine) AckPubRel(clientID string, packetID uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.qos2Pending[clientID], packetID)
}

// route fans req out to every matching subscriber, including shared
// subscription groups, without touching retained state or storage
// (those are handled once by Publish before routing, and again by
// delay redelivery, which should not re-retain or re-persist).
func (e *Engine) route(ctx context.Context, req PublishRequest) error {
	e.mu.Lock()
	normal := e.trie.Get(req.Topic)
	sharedCandidates := e.sharedTrie.Get(req.Topic)
	e.mu.Unlock()

	for _, sub := range normal {
		if sub.noLocal && sub.clientID == req.ClientID {
			continue
		}
		e.deliverTo(sub.clientID, req, sub)
	}

	groups := map[string][]*subEntry{}
	for _, sub := range sharedCandidates {
		key := sub.group + ":" + req.Topic
		groups[key] = append(groups[key], sub)
	}
	for key, members := range groups {
		picked := e.pickSharedMember(key, members, req.ClientID)
		if picked != nil {
			e.deliverTo(picked.clientID, req, picked)
		}
	}
	return nil
}

// pickSharedMember advances the round-robin counter for key, skipping
// members that are offline (no live connection) and members excluded
// by NoLocal, up to one full lap of the ring.
func (e *Engine) pickSharedMember(key string, members []*subEntry, publisher string) *subEntry {
	byID := make(map[string]*subEntry, len(members))
	for _, m := range members {
		byID[m.clientID] = m
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ring := e.sharedRing[key]
	if len(ring) == 0 {
		if len(members) == 0 {
			return nil
		}
		return members[0]
	}

	for i := 0; i < len(ring); i++ {
		pos := e.ringCounters[key] % len(ring)
		e.ringCounters[key] = pos + 1
		candidate := ring[pos]

		m, ok := byID[candidate]
		if !ok {
			continue
		}
		if m.noLocal && candidate == publisher {
			continue
		}
		if _, connected := e.live[candidate]; !connected {
			continue
		}
		return m
	}
	return members[0]
}

func (e *Engine) deliverTo(clientID string, req PublishRequest, sub *subEntry) {
	qos := req.QoS
	if sub.qos < qos {
		qos = sub.qos
	}

	sess, _ := e.sessions.Session(clientID, false)

	e.mu.Lock()
	lc, online := e.live[clientID]
	e.mu.Unlock()

	out := &Outbound{Topic: req.Topic, Payload: req.Payload, QoS: qos, Retain: req.Retain && sub.retainAsPublished}
	if sub.subscriptionID != 0 {
		out.SubscriptionIDs = []uint32{sub.subscriptionID}
	}

	if qos > mqttproto.AtMostOnce {
		out.PacketID = sess.NextPacketID()
		sess.TrackInflight(&session.InflightPublish{
			PacketID: out.PacketID, Topic: out.Topic, Payload: out.Payload, QoS: qos,
			Pending: pendingStateFor(qos), FirstSent: time.Now(),
		})
	}

	if !online {
		return // durable session keeps it in inflight for redelivery on reconnect
	}

	if lc.limiter != nil {
		// Block this router goroutine, bounded, rather than immediately
		// dropping: a client that is merely bursty gets throttled back to
		// its configured rate instead of losing messages outright. Only a
		// client that is stalled long enough to exhaust the wait still
		// hits the full-buffer drop below.
		waitCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		err := lc.limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			e.log.Warn("broker: outbound rate limit exceeded, dropping publish", "client_id", clientID, "topic", req.Topic)
			return
		}
	}

	select {
	case lc.out <- out:
	default:
		e.log.Warn("broker: dropped publish, outbound buffer full", "client_id", clientID, "topic", req.Topic)
	}
}

func pendingStateFor(qos mqttproto.QoS) string {
	if qos == mqttproto.AtLeastOnce {
		return "puback"
	}
	return "pubrec"
}

// Acknowledge processes a PUBACK (QoS1) or PUBCOMP (QoS2 final leg),
// clearing the in-flight record.
func (e *Engine) Acknowledge(clientID string, packetID uint16) {
	sess, _ := e.sessions.Session(clientID, false)
	sess.Acknowledge(packetID, "")
}

// AcknowledgePubRec advances a QoS2 delivery from "pubrec" to "pubcomp"
// pending, called when the broker receives the subscriber's PUBREC.
func (e *Engine) AcknowledgePubRec(clientID string, packetID uint16) {
	sess, _ := e.sessions.Session(clientID, false)
	sess.Acknowledge(packetID, "pubcomp")
}

// Delay exposes the delay manager so cmd/broker can call Recover/Start
// once at startup, and Stop during shutdown.
func (e *Engine) Delay() *delay.Manager { return e.delay }
