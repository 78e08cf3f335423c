// Command meta-service runs the control-plane node: the replicated
// catalog of shards, segment metadata, users, ACLs, blacklists,
// connectors, and schema bindings, served to brokers and journal
// servers over internal/rpc.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/robustmq/robustmq-sub007/internal/config"
	"github.com/robustmq/robustmq-sub007/internal/logging"
	"github.com/robustmq/robustmq-sub007/internal/metaservice"
	"github.com/robustmq/robustmq-sub007/internal/rpc"
	"github.com/robustmq/robustmq-sub007/pkg/kv"
)

func main() {
	configPath := flag.String("config", "meta-service.yaml", "path to meta-service config file")
	flag.Parse()

	cfg, err := config.LoadMetaService(*configPath)
	if err != nil {
		logging.Bootstrap.Error("meta-service: load config", "error", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging)

	store, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.DataDir})
	if err != nil {
		log.Error("meta-service: open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := metaservice.NewHub(log)
	notifying := metaservice.NewNotifyingCatalog(metaservice.NewCatalog(), hub)

	// The raft instance replays any committed log entries through the
	// catalog FSM before returning, so no manual replay step follows.
	replicatedLog, err := metaservice.NewReplicatedLog(ctx, store, notifying, metaservice.LogConfig{
		NodeID:      cfg.NodeID,
		BindAddr:    cfg.RaftAddr,
		Bootstrap:   cfg.RaftBootstrap,
		SnapshotDir: filepath.Join(cfg.DataDir, "raft-snapshots"),
	})
	if err != nil {
		log.Error("meta-service: open raft log", "error", err)
		os.Exit(1)
	}
	defer replicatedLog.Shutdown()

	scheduler := metaservice.NewScheduler(notifying, cfg.HeartbeatTTL, cfg.SchedulerTick, log)
	scheduler.UseLog(replicatedLog)
	go scheduler.Run(ctx)
	defer scheduler.Stop()

	server := metaservice.NewServer(notifying, replicatedLog, hub, store)

	ln, err := net.Listen("tcp", cfg.RPCAddr)
	if err != nil {
		log.Error("meta-service: listen", "addr", cfg.RPCAddr, "error", err)
		os.Exit(1)
	}
	log.Info("meta-service: listening", "addr", cfg.RPCAddr, "node_id", cfg.NodeID)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Error("meta-service: accept", "error", err)
				return
			}
		}
		go serveConn(conn, server, log)
	}
}

func serveConn(conn net.Conn, server *metaservice.Server, log *slog.Logger) {
	defer conn.Close()
	if err := rpc.Serve(conn, server.Handle); err != nil {
		log.Error("meta-service: rpc session ended", "error", err)
	}
}
