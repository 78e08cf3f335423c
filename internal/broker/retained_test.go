package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq-sub007/pkg/mqttproto"
)

func TestRetainedStoreSetAndMatch(t *testing.T) {
	s := NewRetainedStore()
	s.Set("t/1", []byte("a"), mqttproto.AtMostOnce, 0, time.Time{})
	s.Set("t/2", []byte("b"), mqttproto.AtLeastOnce, 0, time.Time{})
	s.Set("other", []byte("c"), mqttproto.AtMostOnce, 0, time.Time{})

	matches := s.Match("t/+")
	require.Len(t, matches, 2)

	matches = s.Match("#")
	require.Len(t, matches, 3)

	matches = s.Match("t/1")
	require.Len(t, matches, 1)
	require.Equal(t, []byte("a"), matches[0].Payload)
}

func TestRetainedStoreOverwriteAndClear(t *testing.T) {
	s := NewRetainedStore()
	s.Set("t/1", []byte("old"), mqttproto.AtMostOnce, 0, time.Time{})
	s.Set("t/1", []byte("new"), mqttproto.AtMostOnce, 0, time.Time{})

	matches := s.Match("t/1")
	require.Len(t, matches, 1)
	require.Equal(t, []byte("new"), matches[0].Payload)

	s.Set("t/1", nil, mqttproto.AtMostOnce, 0, time.Time{})
	require.Empty(t, s.Match("t/1"))
}

func TestRetainedStoreExpiry(t *testing.T) {
	s := NewRetainedStore()
	s.Set("t/1", []byte("a"), mqttproto.AtMostOnce, 0, time.Now().Add(-time.Second))
	s.Set("t/2", []byte("b"), mqttproto.AtMostOnce, 0, time.Now().Add(time.Hour))

	matches := s.Match("t/+")
	require.Len(t, matches, 1)
	require.Equal(t, "t/2", matches[0].Topic)
}

func TestRetainedStoreSystemTopicHidden(t *testing.T) {
	s := NewRetainedStore()
	s.Set("$sys/stats", []byte("a"), mqttproto.AtMostOnce, 0, time.Time{})

	require.Empty(t, s.Match("#"))
	require.Len(t, s.Match("$sys/+"), 1)
}
