package metaservice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCatalogShardLifecycle(t *testing.T) {
	c := NewCatalog()
	c.SetShard(&Shard{Name: "s1", EngineType: "journal", LeaderID: "n1"})

	got, ok := c.GetShard("s1")
	require.True(t, ok)
	require.Equal(t, "n1", got.LeaderID)

	c.DeleteShard("s1")
	_, ok = c.GetShard("s1")
	require.False(t, ok)
}

func TestCatalogSegmentStatusUpdate(t *testing.T) {
	c := NewCatalog()
	require.False(t, c.UpdateSegmentStatus("s1", 0, "write", "pre_seal_up"), "unknown segment must be rejected")

	c.SetSegmentMeta(&SegmentMeta{Shard: "s1", SegmentNo: 0, Status: "write"})
	require.True(t, c.UpdateSegmentStatus("s1", 0, "write", "pre_seal_up"))
	require.Equal(t, "pre_seal_up", c.Segments[segmentKey("s1", 0)].Status)

	// Re-delivering the same transition is an idempotent no-op success.
	require.True(t, c.UpdateSegmentStatus("s1", 0, "write", "pre_seal_up"))
	require.Equal(t, "pre_seal_up", c.Segments[segmentKey("s1", 0)].Status)
}

func TestCatalogSegmentStatusRejectsBadTransitions(t *testing.T) {
	c := NewCatalog()
	c.SetSegmentMeta(&SegmentMeta{Shard: "s1", SegmentNo: 0, Status: "write"})

	// The caller's asserted current status must match the catalog's.
	require.False(t, c.UpdateSegmentStatus("s1", 0, "pre_write", "pre_seal_up"))
	require.Equal(t, "write", c.Segments[segmentKey("s1", 0)].Status)

	// Skipping a lifecycle step is rejected even with the right
	// asserted current status.
	require.False(t, c.UpdateSegmentStatus("s1", 0, "write", "seal_up"))
	require.False(t, c.UpdateSegmentStatus("s1", 0, "write", "deleting"))
	require.Equal(t, "write", c.Segments[segmentKey("s1", 0)].Status)
}

func TestCatalogStaleNodes(t *testing.T) {
	c := NewCatalog()
	now := time.Now()
	c.RegisterNode(&Node{ID: "fresh", Role: "broker", LastHeartbeat: now})
	c.RegisterNode(&Node{ID: "stale", Role: "broker", LastHeartbeat: now.Add(-time.Minute)})

	stale := c.StaleNodes(30*time.Second, now)
	require.Len(t, stale, 1)
	require.Equal(t, "stale", stale[0].ID)

	c.Heartbeat("stale", now)
	require.Empty(t, c.StaleNodes(30*time.Second, now))
}

func TestCatalogIdempotency(t *testing.T) {
	c := NewCatalog()
	require.False(t, c.CheckIdempotent("cmd-1"))
	require.True(t, c.CheckIdempotent("cmd-1"))
	require.False(t, c.CheckIdempotent("cmd-2"))
}

func TestCatalogSessionBinding(t *testing.T) {
	c := NewCatalog()

	require.True(t, c.BindSession("client-1", "node-a"))
	require.True(t, c.BindSession("client-1", "node-a"), "rebind by the owner is a reconnect")
	require.False(t, c.BindSession("client-1", "node-b"), "another node must not steal a live binding")

	// Release by a non-owner is a no-op.
	c.UnbindSession("client-1", "node-b")
	require.False(t, c.BindSession("client-1", "node-b"))

	c.UnbindSession("client-1", "node-a")
	require.True(t, c.BindSession("client-1", "node-b"))
}

func TestCatalogSchemaLifecycle(t *testing.T) {
	c := NewCatalog()
	c.SetSchema(&Schema{ID: "telemetry-v1", SchemaType: "json", Definition: []byte(`{"type":"object"}`)})

	got, ok := c.GetSchema("telemetry-v1")
	require.True(t, ok)
	require.Equal(t, "json", got.SchemaType)

	c.SetSchemaBind(&SchemaBind{Topic: "sensors/+/state", SchemaID: "telemetry-v1"})
	require.Contains(t, c.SchemaBinds, "sensors/+/state")

	c.DeleteSchemaBind("sensors/+/state")
	require.NotContains(t, c.SchemaBinds, "sensors/+/state")

	c.DeleteSchema("telemetry-v1")
	_, ok = c.GetSchema("telemetry-v1")
	require.False(t, ok)
}

func TestCatalogACLAndBlacklistDeletion(t *testing.T) {
	c := NewCatalog()
	allow := &ACLEntry{Resource: "t/#", Username: "alice", Action: "publish", Allow: true}
	deny := &ACLEntry{Resource: "t/#", Username: "bob", Action: "publish", Allow: false}
	c.SetACL(allow)
	c.SetACL(deny)

	c.DeleteACL(&ACLEntry{Resource: "t/#", Username: "alice", Action: "publish", Allow: true})
	require.Len(t, c.ACLs, 1)
	require.Equal(t, "bob", c.ACLs[0].Username)

	c.SetBlacklist(&BlacklistEntry{Kind: "ip", Value: "10.0.0.0/8"})
	c.SetBlacklist(&BlacklistEntry{Kind: "client_id", Value: "evil-*"})
	c.DeleteBlacklist(&BlacklistEntry{Kind: "ip", Value: "10.0.0.0/8"})
	require.Len(t, c.Blacklist, 1)
	require.Equal(t, "client_id", c.Blacklist[0].Kind)
}

func TestCatalogResourceConfigs(t *testing.T) {
	c := NewCatalog()
	c.SetResourceConfig("broker/b1/limits", []byte("max_conns: 100"))
	c.SetResourceConfig("broker/b2/limits", []byte("max_conns: 200"))
	c.SetResourceConfig("journal/j1/limits", []byte("segment_bytes: 1024"))

	brokers := c.ListResourceConfigs("broker/")
	require.Len(t, brokers, 2)
	require.Equal(t, []byte("max_conns: 100"), brokers["broker/b1/limits"])

	c.DeleteResourceConfig("broker/b1/limits")
	require.Len(t, c.ListResourceConfigs("broker/"), 1)
}

func TestCatalogGroupOffsets(t *testing.T) {
	c := NewCatalog()
	c.SaveGroupOffset("g1", "s1", 42)
	c.SaveGroupOffset("g1", "s2", 7)
	c.SaveGroupOffset("g1", "s1", 43) // re-commit advances

	offsets := c.GroupOffset("g1")
	require.Equal(t, map[string]uint64{"s1": 43, "s2": 7}, offsets)
	require.Empty(t, c.GroupOffset("unknown-group"))
}

func TestCatalogSegmentsOfOrdering(t *testing.T) {
	c := NewCatalog()
	c.SetSegmentMeta(&SegmentMeta{Shard: "s1", SegmentNo: 2, Status: "write"})
	c.SetSegmentMeta(&SegmentMeta{Shard: "s1", SegmentNo: 0, Status: "seal_up"})
	c.SetSegmentMeta(&SegmentMeta{Shard: "s1", SegmentNo: 1, Status: "seal_up"})
	c.SetSegmentMeta(&SegmentMeta{Shard: "other", SegmentNo: 0, Status: "write"})

	segs := c.SegmentsOf("s1")
	require.Len(t, segs, 3)
	for i, seg := range segs {
		require.Equal(t, uint64(i), seg.SegmentNo)
	}

	c.DeleteSegmentMeta("s1", 0)
	require.Len(t, c.SegmentsOf("s1"), 2)
}
