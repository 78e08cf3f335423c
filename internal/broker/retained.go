package broker

import (
	"strings"
	"sync"
	"time"

	"github.com/robustmq/robustmq-sub007/pkg/mqttproto"
)

// Retained is one stored retained message for a topic.
type Retained struct {
	Topic          string
	Payload        []byte
	QoS            mqttproto.QoS
	SubscriptionID uint32
	ExpiresAt      time.Time // zero means no expiry
}

func (r *Retained) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// RetainedStore holds the most recent retained message per topic. A
// retained publish with an empty payload clears the entry for its
// topic rather than storing an empty message, per the MQTT retained
// message contract.
type RetainedStore struct {
	mu sync.RWMutex
	// byTopic indexes every retained message directly by exact topic
	// name, the hot path for the common non-wildcard lookup.
	byTopic map[string]*Retained
}

// NewRetainedStore creates an empty RetainedStore.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{byTopic: make(map[string]*Retained)}
}

// Set stores or clears the retained message for topic. An empty
// payload clears it.
func (s *RetainedStore) Set(topic string, payload []byte, qos mqttproto.QoS, subID uint32, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(payload) == 0 {
		delete(s.byTopic, topic)
		return
	}
	s.byTopic[topic] = &Retained{Topic: topic, Payload: payload, QoS: qos, SubscriptionID: subID, ExpiresAt: expiresAt}
}

// Match returns every live (unexpired) retained message whose topic
// matches filter, for delivery to a fresh SUBSCRIBE.
func (s *RetainedStore) Match(filter string) []*Retained {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*Retained
	for topic, r := range s.byTopic {
		if r.expired(now) {
			continue
		}
		if filterMatchesTopic(filter, topic) {
			out = append(out, r)
		}
	}
	return out
}

// filterMatchesTopic reimplements the segment-wise `+`/`#` wildcard
// comparison the subscription trie performs, without needing to build
// a trie over the (usually small) retained-message set. A filter must
// not match a `$`-prefixed topic unless the filter itself starts with
// `$`, per the MQTT wildcard rule for system-reserved topics.
func filterMatchesTopic(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && !strings.HasPrefix(filter, "$") {
		return false
	}
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")
	i := 0
	for ; i < len(fParts); i++ {
		if fParts[i] == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if fParts[i] != "+" && fParts[i] != tParts[i] {
			return false
		}
	}
	return i == len(tParts)
}
