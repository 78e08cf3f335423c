package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticsearchSink bulk-indexes records into an Elasticsearch index.
type ElasticsearchSink struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticsearchSink creates a sink bulk-indexing into index.
func NewElasticsearchSink(client *elasticsearch.Client, index string) *ElasticsearchSink {
	return &ElasticsearchSink{client: client, index: index}
}

func (s *ElasticsearchSink) SendBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, rec := range records {
		meta := map[string]any{"index": map[string]any{"_index": s.index}}
		if rec.Key != "" {
			meta["index"].(map[string]any)["_id"] = rec.Key
		}
		if err := json.NewEncoder(&buf).Encode(meta); err != nil {
			return err
		}

		doc := map[string]any{
			"topic":     rec.Topic,
			"timestamp": rec.Timestamp,
			"payload":   rec.Payload,
		}
		if err := json.NewEncoder(&buf).Encode(doc); err != nil {
			return err
		}
	}

	req := esapi.BulkRequest{Body: bytes.NewReader(buf.Bytes())}
	resp, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("connector: elasticsearch bulk request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return fmt.Errorf("connector: elasticsearch bulk request returned status %s", resp.Status())
	}
	return nil
}

func (s *ElasticsearchSink) Close() error { return nil }
