// Package sandbox is the execution core of the eval service: it admits
// untrusted JavaScript snippets through a bounded FIFO queue, runs each in
// a fresh V8 isolate with heap and wall-clock caps, and exposes a guarded
// fetch() so guest code can reach the network without reaching the host.
package sandbox

import (
	"encoding/json"
	"time"
)

// Config holds runtime limits for the evaluation core.
type Config struct {
	MemoryLimitMB       int           // per-isolate heap limit
	EvalTimeout         time.Duration // wall clock per evaluation
	FetchTimeout        time.Duration // wall clock per outbound request
	MaxFetchConcurrency int           // in-flight outbound requests per snippet
	MaxResponseBytes    int           // outbound response body bound
	MaxResultLength     int           // result truncation, UTF-16 units
}

// DefaultConfig returns the limits the service runs with unless overridden.
func DefaultConfig() Config {
	return Config{
		MemoryLimitMB:       8,
		EvalTimeout:         5000 * time.Millisecond,
		FetchTimeout:        5000 * time.Millisecond,
		MaxFetchConcurrency: 5,
		MaxResponseBytes:    5 * 1024 * 1024,
		MaxResultLength:     3000,
	}
}

// PotatContext identifies the chat message an evaluation runs on behalf of.
// It is serialized into the x-potat-data header of every guest-initiated
// outbound request.
type PotatContext struct {
	User      any    `json:"user,omitempty"`
	Channel   any    `json:"channel,omitempty"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Platform  string `json:"platform"`
	IsSilent  bool   `json:"isSilent"`
}

// ContextFromMessage derives a PotatContext from the request's message
// object. Missing fields get defaults; the message itself stays untouched.
func ContextFromMessage(msg map[string]any) PotatContext {
	pc := PotatContext{
		Timestamp: time.Now().UnixMilli(),
		Platform:  "PotatEval",
	}
	if msg == nil {
		return pc
	}
	pc.User = msg["user"]
	pc.Channel = msg["channel"]
	if id, ok := msg["id"].(string); ok {
		pc.ID = id
	}
	if ts, ok := asInt64(msg["timestamp"]); ok {
		pc.Timestamp = ts
	}
	if p, ok := msg["platform"].(string); ok && p != "" {
		pc.Platform = p
	}
	if silent, ok := msg["isSilent"].(bool); ok {
		pc.IsSilent = silent
	}
	return pc
}

// asInt64 coerces the numeric types encoding/json may produce.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
