package connector

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/robustmq/robustmq-sub007/internal/journal"
	"github.com/robustmq/robustmq-sub007/internal/rpc"
)

// RPCJournalReader is the real JournalReader: it calls a journal-server's
// MethodReadByTimestampRange over internal/rpc, the read path a dispatch
// goroutine polls instead of importing internal/journal.Engine directly.
type RPCJournalReader struct {
	journalAddr string
}

// NewRPCJournalReader creates a JournalReader backed by the
// journal-server listening at journalAddr.
func NewRPCJournalReader(journalAddr string) *RPCJournalReader {
	return &RPCJournalReader{journalAddr: journalAddr}
}

type readByTimestampRangeRequest struct {
	Shard    string
	From, To int64
}

func (r *RPCJournalReader) ReadByTimestampRange(ctx context.Context, shard string, from, to int64) ([]Record, error) {
	var recs []journal.Record
	if err := r.call(journal.MethodReadByTimestampRange, readByTimestampRangeRequest{Shard: shard, From: from, To: to}, &recs); err != nil {
		return nil, err
	}
	out := make([]Record, len(recs))
	for i, rec := range recs {
		out[i] = fromJournalRecord(rec)
	}
	return out, nil
}

// fromJournalRecord converts a journal record to the connector-facing
// view, recovering the MQTT topic from the tag a broker publish always
// indexes its record under (see internal/broker/engine.go's Publish,
// which passes []string{req.Topic} as the record's tags).
func fromJournalRecord(r journal.Record) Record {
	var topic string
	if len(r.Tags) > 0 {
		topic = r.Tags[0]
	}
	return Record{Offset: r.Offset, Topic: topic, Key: r.Key, Payload: r.Payload, Timestamp: r.Timestamp}
}

// call dials the journal server, issues one request, and decodes the
// response into out (out may be nil for methods with no payload the
// caller cares about).
func (r *RPCJournalReader) call(method string, req, out any) error {
	conn, err := net.DialTimeout("tcp", r.journalAddr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	payload, err := rpc.Encode(req)
	if err != nil {
		return err
	}
	resp, err := rpc.NewClient(conn).Call(rpc.Envelope{Method: method, Payload: payload})
	if err != nil {
		return err
	}
	if resp.Err != "" {
		return fmt.Errorf("journal: %s", resp.Err)
	}
	if out == nil {
		return nil
	}
	return rpc.Decode(resp.Payload, out)
}

type readAtRequest struct {
	Shard  string
	Offset uint64
}

// ReadAt returns the record stored at shard/offset, used to recover the
// timestamp cursor behind a committed group offset on dispatch start.
func (r *RPCJournalReader) ReadAt(ctx context.Context, shard string, offset uint64) (Record, error) {
	var rec journal.Record
	if err := r.call(journal.MethodRead, readAtRequest{Shard: shard, Offset: offset}, &rec); err != nil {
		return Record{}, err
	}
	return fromJournalRecord(rec), nil
}

type commitOffsetRequest struct {
	Group   string
	Offsets map[string]uint64
}

// CommitOffset durably records the per-shard offsets group has
// delivered up to.
func (r *RPCJournalReader) CommitOffset(ctx context.Context, group string, offsets map[string]uint64) error {
	return r.call(journal.MethodCommitOffset, commitOffsetRequest{Group: group, Offsets: offsets}, nil)
}

type offsetsByGroupRequest struct {
	Group string
}

// GroupOffsets returns every shard offset committed under group.
func (r *RPCJournalReader) GroupOffsets(ctx context.Context, group string) (map[string]uint64, error) {
	var out map[string]uint64
	if err := r.call(journal.MethodOffsetsByGroup, offsetsByGroupRequest{Group: group}, &out); err != nil {
		return nil, err
	}
	return out, nil
}
