// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package feishu

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestParseWebhookURLVerification(t *testing.T) {
	t.Parallel()
	body := []byte(`{"challenge":"abc123","token":"verify-token","type":"url_verification"}`)
	payload, err := ParseWebhook(body, "")
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if !payload.IsURLVerification() {
		t.Error("IsURLVerification: got false, want true")
	}
	if payload.Challenge != "abc123" {
		t.Errorf("Challenge: got %q, want %q", payload.Challenge, "abc123")
	}
	if got := payload.VerificationToken(); got != "verify-token" {
		t.Errorf("VerificationToken: got %q, want %q", got, "verify-token")
	}
	if got := payload.EventType(); got != "" {
		t.Errorf("EventType on handshake: got %q, want empty", got)
	}
}

func TestParseWebhookEvent(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"schema": "2.0",
		"header": {
			"event_id": "evt-1",
			"event_type": "im.message.receive_v1",
			"create_time": "1693565712000",
			"token": "verify-token",
			"app_id": "cli_test",
			"tenant_key": "tenant-1"
		},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_sender"}, "sender_type": "user"},
			"message": {
				"message_id": "om_1",
				"chat_id": "oc_1",
				"chat_type": "group",
				"message_type": "text",
				"create_time": "1693565712000",
				"content": "{\"text\":\"hi there\"}",
				"mentions": [{"key": "@_user_1", "id": {"open_id": "ou_target"}, "name": "Target"}]
			}
		}
	}`)
	payload, err := ParseWebhook(body, "")
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if payload.IsURLVerification() {
		t.Error("IsURLVerification: got true, want false")
	}
	if got := payload.EventType(); got != EventMessageReceive {
		t.Errorf("EventType: got %q, want %q", got, EventMessageReceive)
	}
	if got := payload.EventID(); got != "evt-1" {
		t.Errorf("EventID: got %q, want %q", got, "evt-1")
	}
	if got := payload.VerificationToken(); got != "verify-token" {
		t.Errorf("VerificationToken: got %q, want %q", got, "verify-token")
	}

	var msg MessageReceiveEvent
	if err := json.Unmarshal(payload.Event, &msg); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if msg.Message.MessageID != "om_1" {
		t.Errorf("MessageID: got %q, want %q", msg.Message.MessageID, "om_1")
	}
	if msg.Sender.SenderID.OpenID != "ou_sender" {
		t.Errorf("sender open_id: got %q, want %q", msg.Sender.SenderID.OpenID, "ou_sender")
	}
	if len(msg.Message.Mentions) != 1 || msg.Message.Mentions[0].ID.OpenID != "ou_target" {
		t.Errorf("mentions not decoded: %+v", msg.Message.Mentions)
	}
	var text TextContent
	if err := RawContent(msg.Message.Content, &text); err != nil {
		t.Fatalf("RawContent: %v", err)
	}
	if text.Text != "hi there" {
		t.Errorf("text content: got %q, want %q", text.Text, "hi there")
	}
}

func TestParseWebhookEncrypted(t *testing.T) {
	t.Parallel()
	inner := `{"schema":"2.0","header":{"event_id":"evt-enc","event_type":"im.chat.disbanded_v1","token":"verify-token"},"event":{"chat_id":"oc_gone"}}`
	encrypted := encryptEvent(t, "encrypt-key", []byte(inner))
	body := []byte(fmt.Sprintf(`{"encrypt":%q}`, encrypted))

	payload, err := ParseWebhook(body, "encrypt-key")
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if got := payload.EventType(); got != EventChatDisbanded {
		t.Errorf("EventType: got %q, want %q", got, EventChatDisbanded)
	}
	if got := ExtractChatID(payload.Event); got != "oc_gone" {
		t.Errorf("ExtractChatID: got %q, want %q", got, "oc_gone")
	}
}

func TestParseWebhookEncryptedWithoutKey(t *testing.T) {
	t.Parallel()
	encrypted := encryptEvent(t, "encrypt-key", []byte(`{"type":"url_verification"}`))
	body := []byte(fmt.Sprintf(`{"encrypt":%q}`, encrypted))
	if _, err := ParseWebhook(body, ""); err == nil {
		t.Error("ParseWebhook should reject encrypted events without a key")
	}
}

func TestParseWebhookMalformed(t *testing.T) {
	t.Parallel()
	if _, err := ParseWebhook([]byte("not json"), ""); err == nil {
		t.Error("ParseWebhook should reject non-JSON bodies")
	}
	body := []byte(`{"encrypt":"bm90IGVuY3J5cHRlZCBkYXRhIGF0IGFsbCE="}`)
	if _, err := ParseWebhook(body, "key"); err == nil {
		t.Error("ParseWebhook should reject undecryptable payloads")
	}
}

func TestExtractChatID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		event string
		want  string
	}{
		{"top level chat_id", `{"chat_id":"oc_a"}`, "oc_a"},
		{"nested chat", `{"chat":{"chat_id":"oc_b"}}`, "oc_b"},
		{"open_chat_id", `{"open_chat_id":"oc_c"}`, "oc_c"},
		{"nested open_chat_id", `{"chat":{"open_chat_id":"oc_d"}}`, "oc_d"},
		{"message chat_id", `{"message":{"chat_id":"oc_e"}}`, "oc_e"},
		{"chat_id wins over message", `{"chat_id":"oc_f","message":{"chat_id":"oc_g"}}`, "oc_f"},
		{"none", `{"operator_id":{"open_id":"ou_x"}}`, ""},
		{"invalid json", `{`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ExtractChatID(json.RawMessage(tc.event)); got != tc.want {
				t.Errorf("ExtractChatID(%s): got %q, want %q", tc.event, got, tc.want)
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"seconds", "1693565712", time.Unix(1693565712, 0)},
		{"milliseconds", "1693565712000", time.UnixMilli(1693565712000)},
		{"rfc3339", "2023-09-01T10:15:12Z", time.Date(2023, 9, 1, 10, 15, 12, 0, time.UTC)},
		{"padded", "  1693565712  ", time.Unix(1693565712, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ParseTimestamp(tc.raw); !got.Equal(tc.want) {
				t.Errorf("ParseTimestamp(%q): got %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
	// Garbage and empty values fall back to the current time.
	for _, raw := range []string{"", "yesterday"} {
		got := ParseTimestamp(raw)
		if d := time.Since(got); d < 0 || d > time.Minute {
			t.Errorf("ParseTimestamp(%q): got %v, want approximately now", raw, got)
		}
	}
}

func TestPostContentAnyLocale(t *testing.T) {
	t.Parallel()
	zh := PostBody{Title: "zh", Content: [][]PostNode{{{Tag: "text", Text: "zh"}}}}
	en := PostBody{Title: "en", Content: [][]PostNode{{{Tag: "text", Text: "en"}}}}
	ja := PostBody{Title: "ja", Content: [][]PostNode{{{Tag: "text", Text: "ja"}}}}

	cases := []struct {
		name      string
		content   PostContent
		wantTitle string
		wantOK    bool
	}{
		{"prefers zh_cn", PostContent{"zh_cn": zh, "en_us": en, "ja_jp": ja}, "zh", true},
		{"falls back to en_us", PostContent{"en_us": en, "ja_jp": ja}, "en", true},
		{"lexicographic fallback", PostContent{"ja_jp": ja, "ko_kr": zh}, "ja", true},
		{"empty", PostContent{}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			body, ok := tc.content.AnyLocale()
			if ok != tc.wantOK {
				t.Fatalf("AnyLocale ok: got %v, want %v", ok, tc.wantOK)
			}
			if body.Title != tc.wantTitle {
				t.Errorf("AnyLocale title: got %q, want %q", body.Title, tc.wantTitle)
			}
		})
	}
}
