// Copyright 2024-2026 Aiku AI

package bridge

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-feishu/pkg/config"
)

// policy enforces the per-room bridging rules: msgtype blocklist, sliding
// window rate limit and text length cap.
type policy struct {
	cfg     *config.BridgeConfig
	metrics *Metrics

	mu      sync.Mutex
	windows map[id.RoomID][]time.Time
	now     func() time.Time
}

func newPolicy(cfg *config.BridgeConfig, metrics *Metrics) *policy {
	return &policy{
		cfg:     cfg,
		metrics: metrics,
		windows: make(map[id.RoomID][]time.Time),
		now:     time.Now,
	}
}

// allowMsgType checks the configured blocklist.
func (p *policy) allowMsgType(msgType event.MessageType) bool {
	for _, blocked := range p.cfg.BlockedMsgtypes {
		if string(msgType) == blocked {
			p.metrics.PolicyBlocked("blocked_msgtype")
			return false
		}
	}
	return true
}

// allowSend applies the sliding-window rate limit for a room: at most
// message_limit sends per message_cooldown_ms. A zero limit disables the
// check.
func (p *policy) allowSend(roomID id.RoomID) bool {
	if p.cfg.MessageLimit <= 0 {
		return true
	}
	window := time.Duration(p.cfg.MessageCooldownMS) * time.Millisecond
	now := p.now()
	cutoff := now.Add(-window)

	p.mu.Lock()
	defer p.mu.Unlock()
	times := p.windows[roomID]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= p.cfg.MessageLimit {
		p.windows[roomID] = kept
		p.metrics.PolicyBlocked("rate_limit")
		return false
	}
	p.windows[roomID] = append(kept, now)
	return true
}

// truncate caps the body at max_text_length runes, ending the kept part with
// an ellipsis. Reports whether anything was cut.
func (p *policy) truncate(body string) (string, bool) {
	max := p.cfg.MaxTextLength
	if max <= 0 || utf8.RuneCountInString(body) <= max {
		return body, false
	}
	runes := []rune(body)
	if max == 1 {
		return "…", true
	}
	return string(runes[:max-1]) + "…", true
}

// failureNotice renders the configured delivery-failure template.
func (p *policy) failureNotice(eventID id.EventID, roomID id.RoomID, errText string) string {
	tpl := p.cfg.FailureNoticeTemplate
	if tpl == "" {
		tpl = "Failed to bridge message {matrix_event_id}: {error}"
	}
	return strings.NewReplacer(
		"{matrix_event_id}", string(eventID),
		"{matrix_room_id}", string(roomID),
		"{error}", errText,
	).Replace(tpl)
}
