// Package config loads the YAML configuration for each of the three
// binaries (meta-service, broker, journal-server): struct tags drive
// the decode via github.com/goccy/go-yaml, defaults are filled in
// after unmarshal.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Broker is the configuration for cmd/broker.
type Broker struct {
	NodeID       string        `yaml:"node_id"`
	TCPAddr      string        `yaml:"tcp_addr"`
	TLSAddr      string        `yaml:"tls_addr"`
	WSAddr       string        `yaml:"ws_addr"`
	MetaAddrs    []string      `yaml:"meta_addrs"`
	JournalAddrs []string      `yaml:"journal_addrs"`
	MaxPacketSz  int           `yaml:"max_packet_size"`
	MaxTopicAlen int           `yaml:"max_topic_alias"`
	KeepAlive    time.Duration `yaml:"default_keep_alive"`
	TLSCertFile  string        `yaml:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file"`
	DataDir      string        `yaml:"data_dir"`
	// MaxInflightRate bounds outbound sends per connection per second;
	// 0 disables the limiter.
	MaxInflightRate int     `yaml:"max_inflight_rate"`
	Logging         Logging `yaml:"logging"`
}

// MetaService is the configuration for cmd/meta-service.
type MetaService struct {
	NodeID    string   `yaml:"node_id"`
	RPCAddr   string   `yaml:"rpc_addr"`
	PeerAddrs []string `yaml:"peer_addrs"`
	// RaftAddr is the consensus transport's listen address.
	RaftAddr string `yaml:"raft_addr"`
	// RaftBootstrap starts a fresh single-node cluster when no prior
	// raft state exists; peers join through membership changes.
	RaftBootstrap bool          `yaml:"raft_bootstrap"`
	DataDir       string        `yaml:"data_dir"`
	HeartbeatTTL  time.Duration `yaml:"heartbeat_ttl"`
	SchedulerTick time.Duration `yaml:"scheduler_tick"`
	Logging       Logging       `yaml:"logging"`
}

// JournalServer is the configuration for cmd/journal-server.
type JournalServer struct {
	NodeID       string  `yaml:"node_id"`
	RPCAddr      string  `yaml:"rpc_addr"`
	MetaAddrs    []string `yaml:"meta_addrs"`
	DataDir      string  `yaml:"data_dir"`
	SegmentBytes int64   `yaml:"segment_max_bytes"`
	Logging      Logging `yaml:"logging"`
}

// Logging configures the process-wide slog handler.
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

func (l Logging) withDefaults() Logging {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
	return l
}

// LoadBroker reads and parses a broker config file at path.
func LoadBroker(path string) (*Broker, error) {
	var c Broker
	if err := loadYAML(path, &c); err != nil {
		return nil, err
	}
	if c.MaxPacketSz == 0 {
		c.MaxPacketSz = 1024 * 1024
	}
	if c.MaxTopicAlen == 0 {
		c.MaxTopicAlen = 65535
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = "./data/broker"
	}
	c.Logging = c.Logging.withDefaults()
	return &c, nil
}

// LoadMetaService reads and parses a meta-service config file at path.
func LoadMetaService(path string) (*MetaService, error) {
	var c MetaService
	if err := loadYAML(path, &c); err != nil {
		return nil, err
	}
	if c.HeartbeatTTL == 0 {
		c.HeartbeatTTL = 30 * time.Second
	}
	if c.SchedulerTick == 0 {
		c.SchedulerTick = 5 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = "./data/meta-service"
	}
	if c.RaftAddr == "" {
		c.RaftAddr = "127.0.0.1:9642"
	}
	// A node with no configured peers can only ever form a cluster by
	// bootstrapping itself.
	if len(c.PeerAddrs) == 0 {
		c.RaftBootstrap = true
	}
	c.Logging = c.Logging.withDefaults()
	return &c, nil
}

// LoadJournalServer reads and parses a journal-server config file at path.
func LoadJournalServer(path string) (*JournalServer, error) {
	var c JournalServer
	if err := loadYAML(path, &c); err != nil {
		return nil, err
	}
	if c.SegmentBytes == 0 {
		c.SegmentBytes = 1 << 30 // 1 GiB
	}
	if c.DataDir == "" {
		c.DataDir = "./data/journal-server"
	}
	c.Logging = c.Logging.withDefaults()
	return &c, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
