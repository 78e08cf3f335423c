// Command journal-server runs a journal storage node: an append-only
// segment engine over an embedded Badger store, exposed to brokers and
// the meta-service over internal/rpc.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robustmq/robustmq-sub007/internal/config"
	"github.com/robustmq/robustmq-sub007/internal/journal"
	"github.com/robustmq/robustmq-sub007/internal/logging"
	"github.com/robustmq/robustmq-sub007/internal/metaservice"
	"github.com/robustmq/robustmq-sub007/internal/rpc"
	"github.com/robustmq/robustmq-sub007/pkg/kv"
	"github.com/vmihailenco/msgpack/v5"
)

func main() {
	configPath := flag.String("config", "journal-server.yaml", "path to journal-server config file")
	flag.Parse()

	cfg, err := config.LoadJournalServer(*configPath)
	if err != nil {
		logging.Bootstrap.Error("journal-server: load config", "error", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging)

	store, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.DataDir})
	if err != nil {
		log.Error("journal-server: open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	journalCfg := journal.Config{
		Capacity: uint64(cfg.SegmentBytes),
		OnStatusChange: func(shard string, status journal.Status) {
			log.Info("journal-server: segment status changed", "shard", shard, "status", status)
		},
	}
	if len(cfg.MetaAddrs) > 0 {
		metaAddr := cfg.MetaAddrs[0]
		journalCfg.RegisterSegment = func(ctx context.Context, shard string, segNo, start, end uint64, status string) error {
			return registerSegment(metaAddr, shard, segNo, start, end, status)
		}
	}
	engine := journal.New(store, journalCfg, log)

	server := journal.NewServer(engine)
	if len(cfg.MetaAddrs) > 0 && cfg.NodeID != "" {
		// In a replicated deployment the meta-service catalog decides
		// which node leads each shard; writes for foreign shards are
		// rejected and reads forwarded to the leader.
		resolver := newLeaderResolver(cfg.MetaAddrs[0])
		server = journal.NewReplicaServer(engine, cfg.NodeID, resolver, nil)
	}

	ln, err := net.Listen("tcp", cfg.RPCAddr)
	if err != nil {
		log.Error("journal-server: listen", "addr", cfg.RPCAddr, "error", err)
		os.Exit(1)
	}
	log.Info("journal-server: listening", "addr", cfg.RPCAddr, "node_id", cfg.NodeID)

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
				log.Error("journal-server: accept", "error", err)
				return
			}
		}
		go serveConn(conn, server, log)
	}
}

func serveConn(conn net.Conn, server *journal.Server, log *slog.Logger) {
	defer conn.Close()
	if err := rpc.Serve(conn, server.Handle); err != nil {
		log.Error("journal-server: rpc session ended", "error", err)
	}
}

// newLeaderResolver builds a journal.LeaderResolver that asks the
// meta-service which node leads a shard and where that node serves.
// Shards the catalog doesn't know yet resolve to the local node, so a
// fresh shard's first write isn't rejected before its metadata exists.
func newLeaderResolver(metaAddr string) journal.LeaderResolver {
	return func(shard string) (string, string, error) {
		conn, err := net.DialTimeout("tcp", metaAddr, 5*time.Second)
		if err != nil {
			return "", "", err
		}
		defer conn.Close()
		client := rpc.NewClient(conn)

		payload, err := rpc.Encode(struct{ Name string }{Name: shard})
		if err != nil {
			return "", "", err
		}
		resp, err := client.Call(rpc.Envelope{Method: metaservice.MethodGetShard, Payload: payload})
		if err != nil {
			return "", "", err
		}
		if resp.Err != "" {
			return "", "", nil
		}
		var shardInfo metaservice.Shard
		if err := rpc.Decode(resp.Payload, &shardInfo); err != nil {
			return "", "", err
		}
		if shardInfo.LeaderID == "" {
			return "", "", nil
		}

		payload, err = rpc.Encode(struct{ ID string }{ID: shardInfo.LeaderID})
		if err != nil {
			return "", "", err
		}
		resp, err = client.Call(rpc.Envelope{Method: metaservice.MethodGetNode, Payload: payload})
		if err != nil {
			return "", "", err
		}
		if resp.Err != "" {
			return "", "", fmt.Errorf("metaservice: %s", resp.Err)
		}
		var node metaservice.Node
		if err := rpc.Decode(resp.Payload, &node); err != nil {
			return "", "", err
		}
		return node.ID, node.Addr, nil
	}
}

// registerSegment proposes a SegmentMeta entry to meta-service for one
// segment generation of shard, the RPC journal.Engine's RegisterSegment
// hook calls once when rollover seals a segment and once when it opens
// the successor, so the catalog carries a genuine record per generation
// instead of one record whose status is overwritten in place.
func registerSegment(metaAddr, shard string, segNo, start, end uint64, status string) error {
	conn, err := net.DialTimeout("tcp", metaAddr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	body, err := msgpack.Marshal(metaservice.SegmentMeta{
		Shard:       shard,
		SegmentNo:   segNo,
		Status:      status,
		StartOffset: start,
		EndOffset:   end,
	})
	if err != nil {
		return err
	}
	cmd := metaservice.Command{Kind: metaservice.CommandSetSegmentMeta, Body: body}

	payload, err := rpc.Encode(struct{ Cmd metaservice.Command }{Cmd: cmd})
	if err != nil {
		return err
	}
	resp, err := rpc.NewClient(conn).Call(rpc.Envelope{Method: metaservice.MethodPropose, Payload: payload})
	if err != nil {
		return err
	}
	if resp.Err != "" {
		return fmt.Errorf("metaservice: %s", resp.Err)
	}
	return nil
}
