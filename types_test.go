package sandbox

import (
	"testing"
	"time"
)

func TestContextFromMessage(t *testing.T) {
	msg := map[string]any{
		"user":      map[string]any{"name": "ryan"},
		"channel":   map[string]any{"name": "potat"},
		"id":        "abc-123",
		"timestamp": float64(1700000000000),
		"platform":  "twitch",
		"isSilent":  true,
	}

	pc := ContextFromMessage(msg)
	if pc.ID != "abc-123" {
		t.Errorf("ID = %q", pc.ID)
	}
	if pc.Timestamp != 1700000000000 {
		t.Errorf("Timestamp = %d", pc.Timestamp)
	}
	if pc.Platform != "twitch" {
		t.Errorf("Platform = %q", pc.Platform)
	}
	if !pc.IsSilent {
		t.Error("IsSilent = false, want true")
	}
	if pc.User == nil || pc.Channel == nil {
		t.Error("user/channel should carry through")
	}
}

func TestContextFromMessage_Defaults(t *testing.T) {
	before := time.Now().UnixMilli()
	pc := ContextFromMessage(nil)
	after := time.Now().UnixMilli()

	if pc.ID != "" {
		t.Errorf("ID = %q, want empty", pc.ID)
	}
	if pc.Platform != "PotatEval" {
		t.Errorf("Platform = %q, want PotatEval", pc.Platform)
	}
	if pc.IsSilent {
		t.Error("IsSilent = true, want false")
	}
	if pc.Timestamp < before || pc.Timestamp > after {
		t.Errorf("Timestamp = %d, want within [%d, %d]", pc.Timestamp, before, after)
	}
}

func TestContextFromMessage_MissingTimestamp(t *testing.T) {
	before := time.Now().UnixMilli()
	pc := ContextFromMessage(map[string]any{"platform": "discord"})
	if pc.Timestamp < before {
		t.Errorf("missing timestamp not filled with now: %d", pc.Timestamp)
	}
	if pc.Platform != "discord" {
		t.Errorf("Platform = %q", pc.Platform)
	}
}
