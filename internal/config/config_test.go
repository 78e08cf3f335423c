package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadBrokerAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
node_id: broker-1
tcp_addr: ":1883"
`)
	c, err := LoadBroker(path)
	require.NoError(t, err)
	require.Equal(t, "broker-1", c.NodeID)
	require.Equal(t, ":1883", c.TCPAddr)
	require.Equal(t, 1024*1024, c.MaxPacketSz)
	require.Equal(t, 65535, c.MaxTopicAlen)
	require.Equal(t, 60*time.Second, c.KeepAlive)
	require.Equal(t, "info", c.Logging.Level)
	require.Equal(t, "json", c.Logging.Format)
}

func TestLoadBrokerExplicitValuesWin(t *testing.T) {
	path := writeConfig(t, `
node_id: broker-1
max_packet_size: 4096
default_keep_alive: 10s
logging:
  level: debug
  format: text
`)
	c, err := LoadBroker(path)
	require.NoError(t, err)
	require.Equal(t, 4096, c.MaxPacketSz)
	require.Equal(t, 10*time.Second, c.KeepAlive)
	require.Equal(t, "debug", c.Logging.Level)
	require.Equal(t, "text", c.Logging.Format)
}

func TestLoadMetaServiceDefaults(t *testing.T) {
	path := writeConfig(t, `
node_id: meta-1
rpc_addr: ":7000"
peer_addrs: [":7001", ":7002"]
`)
	c, err := LoadMetaService(path)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, c.HeartbeatTTL)
	require.Equal(t, 5*time.Second, c.SchedulerTick)
	require.Len(t, c.PeerAddrs, 2)
}

func TestLoadJournalServerDefaults(t *testing.T) {
	path := writeConfig(t, `
node_id: journal-1
rpc_addr: ":8000"
`)
	c, err := LoadJournalServer(path)
	require.NoError(t, err)
	require.Equal(t, int64(1<<30), c.SegmentBytes)
	require.Equal(t, "./data/journal-server", c.DataDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadBroker(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "{{not yaml")
	_, err := LoadMetaService(path)
	require.Error(t, err)
}
