// Copyright 2024-2026 Aiku AI

package bridge

import (
	"strings"
	"testing"

	"maunium.net/go/mautrix/id"
)

func TestSanitizeLocalpart(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"ou_7d8a6e6df7621556ce0d21922b676706ccs", "ou_7d8a6e6df7621556ce0d21922b676706ccs"},
		{"OU_ABC123", "ou_abc123"},
		{"user name!", "user_name"},
		{"__trimmed__", "trimmed"},
		{"123abc", "u_123abc"},
		{"", "unknown"},
		{"!!!", "unknown"},
	}
	for _, tc := range cases {
		if got := sanitizeLocalpart(tc.in); got != tc.want {
			t.Errorf("sanitizeLocalpart(%q): got %q, want %q", tc.in, got, tc.want)
		}
	}

	long := strings.Repeat("a", 100)
	if got := sanitizeLocalpart(long); len(got) != 64 {
		t.Errorf("long localpart: got len %d, want 64", len(got))
	}
}

func TestPuppetMXIDRoundTrip(t *testing.T) {
	t.Parallel()
	br, _, _ := newTestBridge(t)

	puppet := br.puppetMXID("ou_abc123")
	if puppet != id.UserID("@feishu_ou_abc123:test.lan") {
		t.Errorf("puppetMXID: got %q", puppet)
	}
	if !br.isPuppetMXID(puppet) {
		t.Error("isPuppetMXID should recognize its own puppet")
	}
	if !br.isPuppetMXID(br.botMXID) {
		t.Error("isPuppetMXID should recognize the bot")
	}
	if br.isPuppetMXID("@alice:test.lan") {
		t.Error("isPuppetMXID should not match plain users")
	}
	if br.isPuppetMXID("@feishu_ou_abc123:other.server") {
		t.Error("isPuppetMXID should not match foreign homeservers")
	}
}

func TestOutboundUUID(t *testing.T) {
	t.Parallel()
	a := outboundUUID("$event1", "send")
	b := outboundUUID("$event1", "send")
	if a != b {
		t.Errorf("same event and kind must produce the same uuid: %q vs %q", a, b)
	}
	if len(a) != 32 {
		t.Errorf("uuid length: got %d, want 32", len(a))
	}
	if outboundUUID("$event1", "degrade") == a {
		t.Error("different kinds must produce different uuids")
	}
	if outboundUUID("$event2", "send") == a {
		t.Error("different events must produce different uuids")
	}
}

func TestContentHash(t *testing.T) {
	t.Parallel()
	a := contentHash("text", `{"text":"hi"}`)
	if a != contentHash("text", `{"text":"hi"}`) {
		t.Error("hash must be stable")
	}
	if a == contentHash("text", `{"text":"bye"}`) {
		t.Error("different content must hash differently")
	}
	if a == contentHash("post", `{"text":"hi"}`) {
		t.Error("different msg types must hash differently")
	}
}
