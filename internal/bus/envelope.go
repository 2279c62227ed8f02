package bus

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Priority orders envelopes for outage handling. Low-priority traffic is
// shed first; critical traffic bypasses compression and dedupe.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Envelope is the cross-node message format carried over the pub/sub
// transport. Payload is opaque to the gateway.
type Envelope struct {
	Topic           string          `json:"topic"`
	Kind            string          `json:"kind"`
	OriginNodeID    string          `json:"origin_node_id"`
	OriginSessionID string          `json:"origin_session_id,omitempty"`
	Priority        Priority        `json:"priority"`
	TTLSeconds      int             `json:"ttl_s,omitempty"`
	CreatedAt       int64           `json:"created_at"` // unix ms
	DedupeKey       string          `json:"dedupe_key,omitempty"`
	// Broadcast envelopes are delivered on the origin node too when they
	// come back over the transport.
	Broadcast  bool            `json:"broadcast,omitempty"`
	Compressed bool            `json:"compressed,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Expired reports whether the envelope's TTL has elapsed. TTL is enforced by
// consumers, in seconds.
func (e *Envelope) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	age := now.UnixMilli() - e.CreatedAt
	return age > int64(e.TTLSeconds)*1000
}

// encodeWire serializes the envelope for the transport, compressing the
// payload when requested.
func encodeWire(env *Envelope, compress bool) ([]byte, error) {
	wire := *env
	if compress && env.Priority != PriorityCritical && len(env.Payload) > 0 {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(env.Payload); err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		compressed, err := json.Marshal(buf.Bytes())
		if err != nil {
			return nil, err
		}
		wire.Payload = compressed
		wire.Compressed = true
	}
	return json.Marshal(&wire)
}

// decodeWire parses a transport frame back into an envelope, decompressing
// the payload when needed.
func decodeWire(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Compressed {
		var packed []byte
		if err := json.Unmarshal(env.Payload, &packed); err != nil {
			return nil, fmt.Errorf("decode compressed payload: %w", err)
		}
		zr, err := gzip.NewReader(bytes.NewReader(packed))
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		raw, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		env.Payload = raw
		env.Compressed = false
	}
	return &env, nil
}

// topicMatches reports whether a subscription pattern covers a topic.
// Topics are hierarchical dot paths; a subscription on "a.b" does not cover
// "a.b.c" unless it uses the suffix wildcard: "a.b.>".
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if pattern == ">" {
		return true
	}
	const wildcard = ".>"
	if len(pattern) > len(wildcard) && pattern[len(pattern)-len(wildcard):] == wildcard {
		prefix := pattern[:len(pattern)-1] // keep trailing dot
		return len(topic) > len(prefix) && topic[:len(prefix)] == prefix
	}
	return false
}
