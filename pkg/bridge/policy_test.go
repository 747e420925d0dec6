// Copyright 2024-2026 Aiku AI

package bridge

import (
	"strings"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-feishu/pkg/config"
)

func testPolicy(t *testing.T, mutate func(*config.BridgeConfig)) *policy {
	t.Helper()
	cfg := newTestConfig(t)
	if mutate != nil {
		mutate(&cfg.Bridge)
	}
	return newPolicy(&cfg.Bridge, NewMetrics())
}

func TestPolicyBlockedMsgtypes(t *testing.T) {
	t.Parallel()
	p := testPolicy(t, func(bc *config.BridgeConfig) {
		bc.BlockedMsgtypes = []string{"m.location"}
	})
	if p.allowMsgType(event.MsgLocation) {
		t.Error("blocked msgtype should be rejected")
	}
	if !p.allowMsgType(event.MsgText) {
		t.Error("unblocked msgtype should pass")
	}
}

func TestPolicyRateLimit(t *testing.T) {
	t.Parallel()
	p := testPolicy(t, func(bc *config.BridgeConfig) {
		bc.MessageLimit = 2
		bc.MessageCooldownMS = 1000
	})
	now := time.Unix(1700000000, 0)
	p.now = func() time.Time { return now }

	if !p.allowSend("!room:test.lan") || !p.allowSend("!room:test.lan") {
		t.Fatal("first two sends should pass")
	}
	if p.allowSend("!room:test.lan") {
		t.Error("third send inside the window should be limited")
	}
	if !p.allowSend("!other:test.lan") {
		t.Error("limit must be per room")
	}

	// Past the window the budget is back.
	now = now.Add(1100 * time.Millisecond)
	if !p.allowSend("!room:test.lan") {
		t.Error("send after the window should pass")
	}
}

func TestPolicyRateLimitDisabled(t *testing.T) {
	t.Parallel()
	p := testPolicy(t, nil)
	for i := 0; i < 100; i++ {
		if !p.allowSend("!room:test.lan") {
			t.Fatal("zero limit must disable the check")
		}
	}
}

func TestPolicyTruncate(t *testing.T) {
	t.Parallel()
	p := testPolicy(t, func(bc *config.BridgeConfig) {
		bc.MaxTextLength = 10
	})

	if got, cut := p.truncate("short"); cut || got != "short" {
		t.Errorf("short body: got (%q, %v)", got, cut)
	}
	long := strings.Repeat("x", 20)
	got, cut := p.truncate(long)
	if !cut {
		t.Fatal("long body should be cut")
	}
	if runes := []rune(got); len(runes) != 10 || runes[9] != '…' {
		t.Errorf("truncated body: got %q (len %d)", got, len(runes))
	}

	// Multibyte runes must not be split.
	cjk := strings.Repeat("消", 20)
	got, cut = p.truncate(cjk)
	if !cut || !strings.HasSuffix(got, "…") || strings.Contains(got, "�") {
		t.Errorf("multibyte truncate: got %q", got)
	}
}

func TestPolicyFailureNotice(t *testing.T) {
	t.Parallel()
	p := testPolicy(t, nil)
	text := p.failureNotice("$evt", "!room:test.lan", "boom")
	if !strings.Contains(text, "$evt") || !strings.Contains(text, "boom") {
		t.Errorf("default notice missing placeholders: %q", text)
	}

	p = testPolicy(t, func(bc *config.BridgeConfig) {
		bc.FailureNoticeTemplate = "bridge error in {matrix_room_id}: {error}"
	})
	text = p.failureNotice("$evt", "!room:test.lan", "boom")
	if text != "bridge error in !room:test.lan: boom" {
		t.Errorf("custom notice: got %q", text)
	}
}
