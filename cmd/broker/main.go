// Command broker runs an MQTT broker node: it accepts client
// connections over TCP, TLS, and WebSocket, drives them against the
// protocol-agnostic session/routing engine in internal/broker, persists
// QoS 1/2 publishes to an embedded Badger-backed storage adapter, and
// heartbeats to the meta-service control plane.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robustmq/robustmq-sub007/internal/broker"
	"github.com/robustmq/robustmq-sub007/internal/config"
	"github.com/robustmq/robustmq-sub007/internal/connector"
	"github.com/robustmq/robustmq-sub007/internal/logging"
	"github.com/robustmq/robustmq-sub007/internal/metaservice"
	"github.com/robustmq/robustmq-sub007/internal/rpc"
	"github.com/robustmq/robustmq-sub007/internal/storageadapter"
	"github.com/robustmq/robustmq-sub007/pkg/kv"
	"github.com/robustmq/robustmq-sub007/pkg/mqttproto"
	"github.com/robustmq/robustmq-sub007/pkg/storage"
)

func main() {
	configPath := flag.String("config", "broker.yaml", "path to broker config file")
	flag.Parse()

	cfg, err := config.LoadBroker(*configPath)
	if err != nil {
		logging.Bootstrap.Error("broker: load config", "error", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging)

	store, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.DataDir})
	if err != nil {
		log.Error("broker: open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var binder broker.SessionBinder
	if len(cfg.MetaAddrs) > 0 {
		binder = broker.NewMetaClient(cfg.NodeID, cfg.MetaAddrs[0])
	}

	engine := broker.New(broker.Config{
		Authenticator:   mqttproto.AllowAll{},
		Storage:         storageadapter.NewRocksDB(store),
		DelayStore:      store,
		DelayShardNum:   16,
		MaxInflightRate: cfg.MaxInflightRate,
		SessionBinder:   binder,
		Log:             log,
	})
	if err := engine.Delay().Recover(ctx); err != nil {
		log.Error("broker: recover delayed publishes", "error", err)
	}
	go engine.Delay().Start(ctx, time.Second)
	defer engine.Delay().Stop()

	if len(cfg.MetaAddrs) > 0 {
		catalogSync := broker.NewCatalogSync(engine, cfg.NodeID, cfg.MetaAddrs[0], log)
		engine.SetShardCache(catalogSync.Shards())
		go catalogSync.Run(ctx)
	}

	srv := broker.NewServer(engine, log)
	srv.MaxPacketSize = cfg.MaxPacketSz

	var wg sync.WaitGroup
	for _, bind := range listenSpecs(cfg) {
		ln, err := mqttproto.Listen(bind.network, bind.addr, bind.tls)
		if err != nil {
			log.Error("broker: listen", "network", bind.network, "addr", bind.addr, "error", err)
			os.Exit(1)
		}
		log.Info("broker: listening", "network", bind.network, "addr", bind.addr)
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			if err := srv.Serve(ln); err != nil {
				log.Debug("broker: listener stopped", "error", err)
			}
		}(ln)
		closer := ln
		go func() {
			<-ctx.Done()
			closer.Close()
		}()
	}

	if len(cfg.MetaAddrs) > 0 {
		go heartbeatLoop(ctx, cfg.NodeID, cfg.MetaAddrs[0], log)
	}

	if len(cfg.MetaAddrs) > 0 && len(cfg.JournalAddrs) > 0 {
		sinkRoot, err := storage.NewLocal(cfg.DataDir + "/connectors")
		if err != nil {
			log.Error("broker: open connector sink root", "error", err)
		} else {
			journalClient := connector.NewRPCJournalReader(cfg.JournalAddrs[0])
			runner := connector.NewRunner(
				cfg.NodeID,
				connector.NewRPCAssignmentSource(cfg.MetaAddrs[0]),
				journalClient,
				journalClient,
				connector.DefaultSinkFactory(sinkRoot),
				log,
			)
			go runner.Run(ctx)
		}
	}

	<-ctx.Done()
	log.Info("broker: shutting down")
	wg.Wait()
}

type listenSpec struct {
	network string
	addr    string
	tls     *tls.Config
}

func listenSpecs(cfg *config.Broker) []listenSpec {
	var specs []listenSpec
	if cfg.TCPAddr != "" {
		specs = append(specs, listenSpec{network: "tcp", addr: cfg.TCPAddr})
	}
	if cfg.TLSAddr != "" && cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		if cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile); err == nil {
			specs = append(specs, listenSpec{
				network: "tls", addr: cfg.TLSAddr,
				tls: &tls.Config{Certificates: []tls.Certificate{cert}},
			})
		}
	}
	if cfg.WSAddr != "" {
		specs = append(specs, listenSpec{network: "ws", addr: cfg.WSAddr})
	}
	return specs
}

// heartbeatLoop periodically reports this node's liveness to the
// meta-service's scheduler so it can detect and reassign stale nodes.
func heartbeatLoop(ctx context.Context, nodeID, metaAddr string, log *slog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sendHeartbeat(nodeID, metaAddr); err != nil {
				log.Debug("broker: heartbeat failed", "error", err)
			}
		}
	}
}

func sendHeartbeat(nodeID, metaAddr string) error {
	conn, err := net.DialTimeout("tcp", metaAddr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	client := rpc.NewClient(conn)
	payload, err := rpc.Encode(struct {
		NodeID string
		Unix   int64
	}{NodeID: nodeID, Unix: time.Now().Unix()})
	if err != nil {
		return err
	}
	_, err = client.Call(rpc.Envelope{Method: metaservice.MethodHeartbeat, Payload: payload})
	return err
}
