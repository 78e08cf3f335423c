package metaservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/robustmq/robustmq-sub007/pkg/kv"
)

// Command is one entry appended to the replicated log. Kind names the
// catalog mutation to apply; Body is the msgpack-encoded payload for
// that kind (a Shard, SegmentMeta, Node, ...).
type Command struct {
	Kind string
	Body []byte
	// ID is a caller-supplied idempotency token; a command whose ID has
	// already been applied is skipped rather than applied twice.
	ID string
}

const (
	CommandSetShard             = "set_shard"
	CommandDeleteShard          = "delete_shard"
	CommandSetSegmentMeta       = "set_segment_meta"
	CommandDeleteSegmentMeta    = "delete_segment_meta"
	CommandUpdateSegStatus      = "update_segment_status"
	CommandRegisterNode         = "register_node"
	CommandUnregisterNode       = "unregister_node"
	CommandSetUser              = "set_user"
	CommandDeleteUser           = "delete_user"
	CommandSetACL               = "set_acl"
	CommandDeleteACL            = "delete_acl"
	CommandSetBlacklist         = "set_blacklist"
	CommandDeleteBlacklist      = "delete_blacklist"
	CommandSetConnector         = "set_connector"
	CommandDeleteConnector      = "delete_connector"
	CommandSetSchema            = "set_schema"
	CommandDeleteSchema         = "delete_schema"
	CommandSetSchemaBind        = "set_schema_bind"
	CommandDeleteSchemaBind     = "delete_schema_bind"
	CommandSetResourceConfig    = "set_resource_config"
	CommandDeleteResourceConfig = "delete_resource_config"
	CommandSaveOffset           = "save_offset"
	CommandBindSession          = "bind_session"
	CommandUnbindSession        = "unbind_session"
)

type segStatusCmd struct {
	Shard     string
	SegmentNo uint64
	// CurrentStatus is the status the proposer believes the segment is
	// in; the apply loop rejects the command if the catalog disagrees,
	// so a stale proposal can never skip a lifecycle step.
	CurrentStatus string
	Status        string
}

type deleteSegmentCmd struct {
	Shard     string
	SegmentNo uint64
}

// ResourceConfigCmd is the body of a CommandSetResourceConfig entry;
// CommandDeleteResourceConfig carries just the name.
type ResourceConfigCmd struct {
	Name   string
	Config []byte
}

// OffsetCommitCmd is the body of a CommandSaveOffset entry, mirroring
// one consumer group's committed offset for one shard into the catalog.
type OffsetCommitCmd struct {
	Group  string
	Shard  string
	Offset uint64
}

// SessionBindCmd is the body of a CommandBindSession/CommandUnbindSession
// entry: clientID is the MQTT client identifier being claimed, and
// nodeID is the broker node proposing the claim.
type SessionBindCmd struct {
	ClientID string
	NodeID   string
}

// Errors surfaced by log writes. A not-leader rejection tells the
// caller to re-resolve the leader and retry there; a commit timeout is
// terminal for the attempt (writes are never retried automatically).
var (
	ErrLogCommitTimeout = errors.New("metaservice: meta log commit timeout")
	ErrNotLeaderNode    = errors.New("metaservice: not the meta cluster leader node")
)

// defaultApplyTimeout bounds a single log commit.
const defaultApplyTimeout = 10 * time.Second

// ReplicatedLog is the consensus-backed command log of the control
// plane, built on hashicorp/raft: every catalog mutation is committed
// through the raft quorum and applied to the catalog by the FSM, so
// any node that replays the log (or restores a snapshot) converges on
// the same catalog state. Log entries and raft's stable state persist
// through the same pkg/kv store as everything else on the node.
type ReplicatedLog struct {
	raft    *raft.Raft
	timeout time.Duration
}

// LogConfig configures a ReplicatedLog node.
type LogConfig struct {
	// NodeID is this node's stable raft server id.
	NodeID string
	// BindAddr is the TCP address the consensus transport listens on.
	// Ignored when Transport is set.
	BindAddr string
	// Bootstrap starts a fresh single-node cluster when no prior raft
	// state exists; peers join later through AddLearner/ChangeMembership.
	Bootstrap bool
	// SnapshotDir stores compaction snapshots; empty keeps them in
	// memory (tests and throwaway nodes).
	SnapshotDir string
	// Transport overrides the TCP transport; tests pass an inmem one.
	Transport raft.Transport
	// ApplyTimeout bounds each Append; zero means the 10 s default.
	ApplyTimeout time.Duration
	// HeartbeatTimeout/ElectionTimeout/LeaderLeaseTimeout override the
	// raft defaults when non-zero; tests shorten them so a single-node
	// cluster elects itself quickly.
	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	LeaderLeaseTimeout time.Duration
	// LogOutput receives raft's internal logging; nil keeps its default.
	LogOutput io.Writer
}

// NewReplicatedLog opens (or bootstraps) this node's raft instance over
// store, applying committed commands to catalog. A stored snapshot is
// restored before this returns; committed log entries present in store
// are applied to catalog afterwards, once raft re-establishes its commit
// index.
func NewReplicatedLog(ctx context.Context, store kv.Store, catalog *NotifyingCatalog, cfg LogConfig) (*ReplicatedLog, error) {
	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.NodeID)
	if cfg.HeartbeatTimeout > 0 {
		conf.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	if cfg.ElectionTimeout > 0 {
		conf.ElectionTimeout = cfg.ElectionTimeout
	}
	if cfg.LeaderLeaseTimeout > 0 {
		conf.LeaderLeaseTimeout = cfg.LeaderLeaseTimeout
	}
	if cfg.LogOutput != nil {
		conf.LogOutput = cfg.LogOutput
	}

	logs, err := newRaftStore(ctx, store)
	if err != nil {
		return nil, err
	}

	var snaps raft.SnapshotStore
	if cfg.SnapshotDir != "" {
		snaps, err = raft.NewFileSnapshotStore(cfg.SnapshotDir, 2, cfg.LogOutput)
		if err != nil {
			return nil, err
		}
	} else {
		snaps = raft.NewInmemSnapshotStore()
	}

	trans := cfg.Transport
	if trans == nil {
		addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
		if err != nil {
			return nil, err
		}
		trans, err = raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, cfg.LogOutput)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logs, logs, snaps)
		if err != nil {
			return nil, err
		}
		if !hasState {
			configuration := raft.Configuration{Servers: []raft.Server{
				{ID: conf.LocalID, Address: trans.LocalAddr()},
			}}
			if err := raft.BootstrapCluster(conf, logs, logs, snaps, trans, configuration); err != nil {
				return nil, err
			}
		}
	}

	r, err := raft.NewRaft(conf, &catalogFSM{catalog: catalog}, logs, logs, snaps, trans)
	if err != nil {
		return nil, err
	}

	timeout := cfg.ApplyTimeout
	if timeout == 0 {
		timeout = defaultApplyTimeout
	}
	return &ReplicatedLog{raft: r, timeout: timeout}, nil
}

// Append commits cmd through the raft quorum and returns its log index.
// The FSM applies it to the catalog as part of the commit, so a nil
// error means the mutation is both durable and visible.
func (l *ReplicatedLog) Append(ctx context.Context, cmd Command) (uint64, error) {
	data, err := msgpack.Marshal(cmd)
	if err != nil {
		return 0, err
	}

	timeout := l.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	f := l.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		switch {
		case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost):
			return 0, ErrNotLeaderNode
		case errors.Is(err, raft.ErrEnqueueTimeout):
			return 0, ErrLogCommitTimeout
		}
		return 0, err
	}
	if resp := f.Response(); resp != nil {
		if applyErr, ok := resp.(error); ok {
			return 0, applyErr
		}
	}
	return f.Index(), nil
}

// LastIndex returns the index of the most recently appended entry.
func (l *ReplicatedLog) LastIndex() uint64 {
	return l.raft.LastIndex()
}

// IsLeader reports whether this node currently holds raft leadership.
func (l *ReplicatedLog) IsLeader() bool {
	return l.raft.State() == raft.Leader
}

// WaitForLeader blocks until this node wins leadership or timeout
// elapses, for single-node bootstrap callers that must not propose
// before the election settles.
func (l *ReplicatedLog) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l.IsLeader() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return ErrNotLeaderNode
}

// Snapshot forces a compaction snapshot of the FSM state.
func (l *ReplicatedLog) Snapshot() error {
	return l.raft.Snapshot().Error()
}

// AddLearner adds a non-voting member, the first step of a membership
// change; promote it to voter with ChangeMembership once caught up.
func (l *ReplicatedLog) AddLearner(id, addr string) error {
	return l.raft.AddNonvoter(raft.ServerID(id), raft.ServerAddress(addr), 0, l.timeout).Error()
}

// ChangeMembership reconciles the voting member set to servers
// (id -> address): missing servers are added as voters, servers not in
// the map are removed. The caller is responsible for not removing a
// quorum's worth of members at once.
func (l *ReplicatedLog) ChangeMembership(servers map[string]string) error {
	future := l.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return err
	}
	current := future.Configuration().Servers

	for id, addr := range servers {
		if err := l.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, l.timeout).Error(); err != nil {
			return err
		}
	}
	for _, srv := range current {
		if _, keep := servers[string(srv.ID)]; !keep {
			if err := l.raft.RemoveServer(srv.ID, 0, l.timeout).Error(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Members returns the address of every server in the current raft
// configuration, voters and learners alike.
func (l *ReplicatedLog) Members() []string {
	future := l.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil
	}
	var out []string
	for _, srv := range future.Configuration().Servers {
		out = append(out, string(srv.Address))
	}
	return out
}

// Shutdown stops the raft instance, blocking until it has fully wound
// down.
func (l *ReplicatedLog) Shutdown() error {
	return l.raft.Shutdown().Error()
}

// catalogFSM is the raft state machine: committed commands fold into
// the catalog (broadcasting the matching notification), snapshots
// serialize the whole catalog, and a restore replaces it wholesale.
type catalogFSM struct {
	catalog *NotifyingCatalog
}

func (f *catalogFSM) Apply(entry *raft.Log) any {
	var cmd Command
	if err := msgpack.Unmarshal(entry.Data, &cmd); err != nil {
		return err
	}
	if err := f.catalog.ApplyAndNotify(cmd); err != nil {
		return err
	}
	return nil
}

func (f *catalogFSM) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.catalog.SnapshotBytes()
	if err != nil {
		return nil, err
	}
	return &catalogSnapshot{data: data}, nil
}

func (f *catalogFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return f.catalog.RestoreBytes(data)
}

type catalogSnapshot struct {
	data []byte
}

func (s *catalogSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *catalogSnapshot) Release() {}

// raftStore implements raft.LogStore and raft.StableStore over pkg/kv,
// so raft's log entries and vote/term markers live in the same Badger
// store as the rest of the node. First/last indexes are cached and
// maintained on every mutation; only opening the store scans the log
// prefix.
type raftStore struct {
	store kv.Store

	mu    sync.Mutex
	first uint64
	last  uint64
}

func raftLogKey(idx uint64) kv.Key    { return kv.Key{"raft", "l", kv.U64(idx)} }
func raftStableKey(key []byte) kv.Key { return kv.Key{"raft", "s", string(key)} }

func newRaftStore(ctx context.Context, store kv.Store) (*raftStore, error) {
	s := &raftStore{store: store}
	prefix := kv.Key{"raft", "l"}
	for entry, err := range store.List(ctx, prefix) {
		if err != nil {
			return nil, err
		}
		idx, err := kv.ParseU64(entry.Key[len(entry.Key)-1])
		if err != nil {
			continue
		}
		if s.first == 0 {
			s.first = idx
		}
		s.last = idx
	}
	return s, nil
}

func (s *raftStore) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first, nil
}

func (s *raftStore) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *raftStore) GetLog(index uint64, out *raft.Log) error {
	raw, err := s.store.Get(context.Background(), raftLogKey(index))
	if err == kv.ErrNotFound {
		return raft.ErrLogNotFound
	}
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(raw, out)
}

func (s *raftStore) StoreLog(entry *raft.Log) error {
	return s.StoreLogs([]*raft.Log{entry})
}

func (s *raftStore) StoreLogs(entries []*raft.Log) error {
	batch := make([]kv.Entry, 0, len(entries))
	for _, entry := range entries {
		raw, err := msgpack.Marshal(entry)
		if err != nil {
			return err
		}
		batch = append(batch, kv.Entry{Key: raftLogKey(entry.Index), Value: raw})
	}
	if err := s.store.BatchSet(context.Background(), batch); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		if s.first == 0 || entry.Index < s.first {
			s.first = entry.Index
		}
		if entry.Index > s.last {
			s.last = entry.Index
		}
	}
	return nil
}

func (s *raftStore) DeleteRange(min, max uint64) error {
	keys := make([]kv.Key, 0, max-min+1)
	for idx := min; idx <= max; idx++ {
		keys = append(keys, raftLogKey(idx))
	}
	if err := s.store.BatchDelete(context.Background(), keys); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if min <= s.first && max >= s.last {
		s.first, s.last = 0, 0
	} else if min <= s.first {
		s.first = max + 1
	} else if max >= s.last {
		s.last = min - 1
	}
	return nil
}

func (s *raftStore) Set(key []byte, val []byte) error {
	return s.store.Set(context.Background(), raftStableKey(key), val)
}

func (s *raftStore) Get(key []byte) ([]byte, error) {
	v, err := s.store.Get(context.Background(), raftStableKey(key))
	if err == kv.ErrNotFound {
		return nil, nil
	}
	return v, err
}

func (s *raftStore) SetUint64(key []byte, val uint64) error {
	return s.store.Set(context.Background(), raftStableKey(key), kv.EncodeU64(val))
}

func (s *raftStore) GetUint64(key []byte) (uint64, error) {
	v, err := s.store.Get(context.Background(), raftStableKey(key))
	if err == kv.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return kv.DecodeU64(v)
}

var (
	_ raft.LogStore    = (*raftStore)(nil)
	_ raft.StableStore = (*raftStore)(nil)
	_ raft.FSM         = (*catalogFSM)(nil)
)

// Apply folds a single Command into the Catalog, skipping it if its ID
// has already been applied.
func Apply(c *Catalog, cmd Command) error {
	if cmd.ID != "" && c.CheckIdempotent(cmd.ID) {
		return nil
	}
	switch cmd.Kind {
	case CommandSetShard:
		var s Shard
		if err := msgpack.Unmarshal(cmd.Body, &s); err != nil {
			return err
		}
		c.SetShard(&s)
	case CommandDeleteShard:
		var name string
		if err := msgpack.Unmarshal(cmd.Body, &name); err != nil {
			return err
		}
		c.DeleteShard(name)
	case CommandSetSegmentMeta:
		var m SegmentMeta
		if err := msgpack.Unmarshal(cmd.Body, &m); err != nil {
			return err
		}
		c.SetSegmentMeta(&m)
	case CommandDeleteSegmentMeta:
		var d deleteSegmentCmd
		if err := msgpack.Unmarshal(cmd.Body, &d); err != nil {
			return err
		}
		c.DeleteSegmentMeta(d.Shard, d.SegmentNo)
	case CommandUpdateSegStatus:
		var u segStatusCmd
		if err := msgpack.Unmarshal(cmd.Body, &u); err != nil {
			return err
		}
		if !c.UpdateSegmentStatus(u.Shard, u.SegmentNo, u.CurrentStatus, u.Status) {
			return fmt.Errorf("metaservice: rejected status change %s#%d %s -> %s",
				u.Shard, u.SegmentNo, u.CurrentStatus, u.Status)
		}
	case CommandRegisterNode:
		var n Node
		if err := msgpack.Unmarshal(cmd.Body, &n); err != nil {
			return err
		}
		c.RegisterNode(&n)
	case CommandUnregisterNode:
		var id string
		if err := msgpack.Unmarshal(cmd.Body, &id); err != nil {
			return err
		}
		c.UnregisterNode(id)
	case CommandSetUser:
		var u User
		if err := msgpack.Unmarshal(cmd.Body, &u); err != nil {
			return err
		}
		c.SetUser(&u)
	case CommandDeleteUser:
		var username string
		if err := msgpack.Unmarshal(cmd.Body, &username); err != nil {
			return err
		}
		c.DeleteUser(username)
	case CommandSetACL:
		var e ACLEntry
		if err := msgpack.Unmarshal(cmd.Body, &e); err != nil {
			return err
		}
		c.SetACL(&e)
	case CommandDeleteACL:
		var e ACLEntry
		if err := msgpack.Unmarshal(cmd.Body, &e); err != nil {
			return err
		}
		c.DeleteACL(&e)
	case CommandSetBlacklist:
		var e BlacklistEntry
		if err := msgpack.Unmarshal(cmd.Body, &e); err != nil {
			return err
		}
		c.SetBlacklist(&e)
	case CommandDeleteBlacklist:
		var e BlacklistEntry
		if err := msgpack.Unmarshal(cmd.Body, &e); err != nil {
			return err
		}
		c.DeleteBlacklist(&e)
	case CommandSetConnector:
		var conn Connector
		if err := msgpack.Unmarshal(cmd.Body, &conn); err != nil {
			return err
		}
		c.SetConnector(&conn)
	case CommandDeleteConnector:
		var id string
		if err := msgpack.Unmarshal(cmd.Body, &id); err != nil {
			return err
		}
		c.DeleteConnector(id)
	case CommandSetSchema:
		var s Schema
		if err := msgpack.Unmarshal(cmd.Body, &s); err != nil {
			return err
		}
		c.SetSchema(&s)
	case CommandDeleteSchema:
		var id string
		if err := msgpack.Unmarshal(cmd.Body, &id); err != nil {
			return err
		}
		c.DeleteSchema(id)
	case CommandSetSchemaBind:
		var b SchemaBind
		if err := msgpack.Unmarshal(cmd.Body, &b); err != nil {
			return err
		}
		c.SetSchemaBind(&b)
	case CommandDeleteSchemaBind:
		var topic string
		if err := msgpack.Unmarshal(cmd.Body, &topic); err != nil {
			return err
		}
		c.DeleteSchemaBind(topic)
	case CommandSetResourceConfig:
		var rc ResourceConfigCmd
		if err := msgpack.Unmarshal(cmd.Body, &rc); err != nil {
			return err
		}
		c.SetResourceConfig(rc.Name, rc.Config)
	case CommandDeleteResourceConfig:
		var name string
		if err := msgpack.Unmarshal(cmd.Body, &name); err != nil {
			return err
		}
		c.DeleteResourceConfig(name)
	case CommandSaveOffset:
		var oc OffsetCommitCmd
		if err := msgpack.Unmarshal(cmd.Body, &oc); err != nil {
			return err
		}
		c.SaveGroupOffset(oc.Group, oc.Shard, oc.Offset)
	case CommandBindSession:
		var b SessionBindCmd
		if err := msgpack.Unmarshal(cmd.Body, &b); err != nil {
			return err
		}
		if !c.BindSession(b.ClientID, b.NodeID) {
			return fmt.Errorf("metaservice: client %q already bound on another node", b.ClientID)
		}
	case CommandUnbindSession:
		var b SessionBindCmd
		if err := msgpack.Unmarshal(cmd.Body, &b); err != nil {
			return err
		}
		c.UnbindSession(b.ClientID, b.NodeID)
	default:
		return fmt.Errorf("metaservice: unknown command kind %q", cmd.Kind)
	}
	return nil
}
