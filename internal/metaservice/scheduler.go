package metaservice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Scheduler drives the connector lifecycle on the meta-service leader.
// Each tick runs three phases over the catalog:
//
//  1. clearStale — a connector whose heartbeat has gone quiet for
//     longer than the TTL is demoted to Idle and its assigned node is
//     cleared, within the same tick that observes the staleness.
//  2. assignUnassigned — every connector without an assigned node is
//     placed on the broker currently carrying the fewest connectors,
//     still Idle.
//  3. promoteIdle — an Idle connector that has a node is promoted to
//     Running; the promotion rides ApplyAndNotify, so the connector
//     notification reaching the broker is what starts the sink thread.
type Scheduler struct {
	catalog *NotifyingCatalog
	rlog    *ReplicatedLog
	log     *slog.Logger

	heartbeatTTL time.Duration
	tickInterval time.Duration

	stop chan struct{}
}

// NewScheduler creates a Scheduler over catalog. heartbeatTTL bounds how
// long a connector may go without a heartbeat before it's cleared off
// its node; tickInterval controls how often the phases run.
func NewScheduler(catalog *NotifyingCatalog, heartbeatTTL, tickInterval time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		catalog:      catalog,
		log:          log,
		heartbeatTTL: heartbeatTTL,
		tickInterval: tickInterval,
		stop:         make(chan struct{}),
	}
}

// UseLog routes the scheduler's mutations through the replicated log
// and restricts ticking to the consensus leader, so follower nodes
// never race the leader's placement decisions. Without it mutations
// apply straight to the catalog, the single-node shape.
func (s *Scheduler) UseLog(rlog *ReplicatedLog) {
	s.rlog = rlog
}

// Assign registers connID and places it on the least-loaded broker
// node, status Idle; the next tick's promoteIdle phase moves it to
// Running. Registration without any live broker fails rather than
// queueing silently.
func (s *Scheduler) Assign(connID, sourceShard, sinkType string, now time.Time) (string, error) {
	node := s.leastLoadedNode(now)
	if node == "" {
		return "", fmt.Errorf("metaservice: no broker node available to assign connector %s", connID)
	}
	conn := Connector{
		ID:            connID,
		SourceShard:   sourceShard,
		SinkType:      sinkType,
		Status:        ConnectorIdle,
		AssignedNode:  node,
		LastHeartbeat: now,
	}
	if err := s.applyConnector(conn); err != nil {
		return "", err
	}
	return node, nil
}

// leastLoadedNode returns the id of the live broker-role node currently
// carrying the fewest assigned connectors, or "" if none qualifies. A
// node whose own heartbeat is past the TTL is never a placement target,
// so a connector cleared off a dead broker cannot land right back on it.
func (s *Scheduler) leastLoadedNode(now time.Time) string {
	s.catalog.mu.RLock()
	load := make(map[string]int)
	for _, n := range s.catalog.Nodes {
		if n.Role == "broker" && now.Sub(n.LastHeartbeat) <= s.heartbeatTTL {
			load[n.ID] = 0
		}
	}
	for _, conn := range s.catalog.Connectors {
		if _, ok := load[conn.AssignedNode]; ok {
			load[conn.AssignedNode]++
		}
	}
	s.catalog.mu.RUnlock()

	best, bestLoad := "", -1
	for id, n := range load {
		if bestLoad == -1 || n < bestLoad {
			best, bestLoad = id, n
		}
	}
	return best
}

// Tick runs the three scheduling phases once. On a replicated
// deployment only the leader ticks; followers observe the outcome
// through the log.
func (s *Scheduler) Tick(now time.Time) {
	if s.rlog != nil && !s.rlog.IsLeader() {
		return
	}
	s.clearStale(now)
	s.assignUnassigned(now)
	s.promoteIdle()
}

// clearStale demotes every connector whose heartbeat is older than the
// TTL: status back to Idle, assigned node cleared. Placement is left to
// the assign phase of this same tick, so the cleared state is applied
// (and observable) even when no replacement node exists yet.
func (s *Scheduler) clearStale(now time.Time) {
	for _, conn := range s.catalog.ListConnectors() {
		if conn.AssignedNode == "" || now.Sub(conn.LastHeartbeat) <= s.heartbeatTTL {
			continue
		}
		s.log.Info("metaservice: clearing stale connector off its node",
			"connector", conn.ID, "node", conn.AssignedNode)
		conn.Status = ConnectorIdle
		conn.AssignedNode = ""
		if err := s.applyConnector(conn); err != nil {
			s.log.Error("metaservice: failed to clear stale connector", "connector", conn.ID, "error", err)
		}
	}
}

// assignUnassigned places every node-less connector on the least-loaded
// broker, keeping it Idle until the promote phase.
func (s *Scheduler) assignUnassigned(now time.Time) {
	for _, conn := range s.catalog.ListConnectors() {
		if conn.AssignedNode != "" {
			continue
		}
		node := s.leastLoadedNode(now)
		if node == "" {
			s.log.Warn("metaservice: no broker node for unassigned connector", "connector", conn.ID)
			continue
		}
		s.log.Info("metaservice: assigning connector", "connector", conn.ID, "node", node)
		conn.Status = ConnectorIdle
		conn.AssignedNode = node
		conn.LastHeartbeat = now
		if err := s.applyConnector(conn); err != nil {
			s.log.Error("metaservice: failed to assign connector", "connector", conn.ID, "error", err)
		}
	}
}

// promoteIdle transitions every placed Idle connector to Running. The
// broadcast ApplyAndNotify emits is the start signal the assigned
// broker acts on.
func (s *Scheduler) promoteIdle() {
	for _, conn := range s.catalog.ListConnectors() {
		if conn.Status != ConnectorIdle || conn.AssignedNode == "" {
			continue
		}
		conn.Status = ConnectorRunning
		if err := s.applyConnector(conn); err != nil {
			s.log.Error("metaservice: failed to promote connector", "connector", conn.ID, "error", err)
		}
	}
}

func (s *Scheduler) applyConnector(conn Connector) error {
	body, err := msgpack.Marshal(conn)
	if err != nil {
		return err
	}
	cmd := Command{Kind: CommandSetConnector, Body: body}
	if s.rlog != nil {
		_, err := s.rlog.Append(context.Background(), cmd)
		return err
	}
	return s.catalog.ApplyAndNotify(cmd)
}

// Run ticks the scheduling phases until ctx is cancelled or Stop is
// called.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Stop ends a running Run loop.
func (s *Scheduler) Stop() {
	close(s.stop)
}
