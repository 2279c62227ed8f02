package session

import "encoding/json"

// Event is the client wire frame: UTF-8 JSON with an event name, a payload
// and an optional client-chosen correlation id echoed back in replies.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    string          `json:"id,omitempty"`
}

// ErrorBody is the payload of an "error" frame.
type ErrorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message,omitempty"`
	Field      string `json:"field,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

// WebSocket close codes of the client protocol.
const (
	CodeAuthFailure      = 4001
	CodeRateLimited      = 4008
	CodeShutdown         = 4009
	CodeSlowConsumer     = 4010
	CodeHeartbeatTimeout = 4011
	CodeBanned           = 4013
	CodeBlacklisted      = 4014
)
