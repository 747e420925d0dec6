// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package feishu

import (
	"encoding/json"
	"fmt"
)

// Event subscription types the bridge handles.
const (
	EventMessageReceive  = "im.message.receive_v1"
	EventMessageRecalled = "im.message.recalled_v1"
	EventMemberAdded     = "im.chat.member.user.added_v1"
	EventMemberDeleted   = "im.chat.member.user.deleted_v1"
	EventChatUpdated     = "im.chat.updated_v1"
	EventChatDisbanded   = "im.chat.disbanded_v1"
)

// Webhook request headers.
const (
	HeaderTimestamp = "X-Lark-Request-Timestamp"
	HeaderNonce     = "X-Lark-Request-Nonce"
	HeaderSignature = "X-Lark-Signature"
)

// EventHeader is the schema 2.0 event metadata block.
type EventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Token      string `json:"token"`
	AppID      string `json:"app_id"`
	TenantKey  string `json:"tenant_key"`
}

// WebhookPayload is a decoded (and, when needed, decrypted) webhook body.
// It covers both the url_verification handshake and schema 2.0 events.
type WebhookPayload struct {
	// Encrypt carries the ciphertext when the app has an encrypt key
	// configured; every other field is empty in that case.
	Encrypt string `json:"encrypt"`

	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`

	Schema string          `json:"schema"`
	Header *EventHeader    `json:"header"`
	Event  json.RawMessage `json:"event"`
}

// ParseWebhook decodes a webhook body, transparently decrypting the
// {"encrypt": ...} wrapper when encryptKey is set. A wrapper received
// without a configured key is an error.
func ParseWebhook(body []byte, encryptKey string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed webhook body: %w", err)
	}
	if payload.Encrypt == "" {
		return &payload, nil
	}
	if encryptKey == "" {
		return nil, fmt.Errorf("received encrypted event but no encrypt key is configured")
	}
	plaintext, err := DecryptEvent(encryptKey, payload.Encrypt)
	if err != nil {
		return nil, err
	}
	payload = WebhookPayload{}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("malformed decrypted event: %w", err)
	}
	return &payload, nil
}

// IsURLVerification reports whether the payload is the subscription
// handshake.
func (p *WebhookPayload) IsURLVerification() bool {
	return p.Type == "url_verification"
}

// EventType returns the subscription event type, or "" if absent.
func (p *WebhookPayload) EventType() string {
	if p.Header != nil {
		return p.Header.EventType
	}
	return ""
}

// EventID returns the platform-assigned event ID used for webhook
// deduplication, or "" if absent.
func (p *WebhookPayload) EventID() string {
	if p.Header != nil {
		return p.Header.EventID
	}
	return ""
}

// VerificationToken returns the token to match against the configured
// verification token: the header token for schema 2.0 events, the top-level
// token for the handshake.
func (p *WebhookPayload) VerificationToken() string {
	if p.Header != nil && p.Header.Token != "" {
		return p.Header.Token
	}
	return p.Token
}

// MessageReceiveEvent is the body of im.message.receive_v1.
type MessageReceiveEvent struct {
	Sender struct {
		SenderID   IDTriple `json:"sender_id"`
		SenderType string   `json:"sender_type"`
		TenantKey  string   `json:"tenant_key"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		RootID      string `json:"root_id"`
		ParentID    string `json:"parent_id"`
		CreateTime  string `json:"create_time"`
		UpdateTime  string `json:"update_time"`
		ChatID      string `json:"chat_id"`
		ChatType    string `json:"chat_type"`
		ThreadID    string `json:"thread_id"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
		Mentions    []struct {
			Key  string   `json:"key"`
			ID   IDTriple `json:"id"`
			Name string   `json:"name"`
		} `json:"mentions"`
	} `json:"message"`
}

// MessageRecalledEvent is the body of im.message.recalled_v1.
type MessageRecalledEvent struct {
	MessageID  string `json:"message_id"`
	ChatID     string `json:"chat_id"`
	RecallTime string `json:"recall_time"`
	RecallType string `json:"recall_type"`
}

// ChatMemberEvent is the body of im.chat.member.user.added_v1 and
// …deleted_v1.
type ChatMemberEvent struct {
	ChatID            string   `json:"chat_id"`
	OperatorID        IDTriple `json:"operator_id"`
	External          bool     `json:"external"`
	OperatorTenantKey string   `json:"operator_tenant_key"`
	Users             []struct {
		Name      string   `json:"name"`
		TenantKey string   `json:"tenant_key"`
		UserID    IDTriple `json:"user_id"`
	} `json:"users"`
}

// ChatChange carries the fields of a chat-updated event the bridge patches
// into its room mapping.
type ChatChange struct {
	Name     string `json:"name"`
	ChatMode string `json:"chat_mode"`
}

// ChatUpdatedEvent is the body of im.chat.updated_v1.
type ChatUpdatedEvent struct {
	ChatID       string      `json:"chat_id"`
	OperatorID   IDTriple    `json:"operator_id"`
	AfterChange  *ChatChange `json:"after_change"`
	BeforeChange *ChatChange `json:"before_change"`
}

// ChatDisbandedEvent is the body of im.chat.disbanded_v1.
type ChatDisbandedEvent struct {
	ChatID     string   `json:"chat_id"`
	OperatorID IDTriple `json:"operator_id"`
}

// ExtractChatID pulls the chat ID out of an undecoded event body, checking
// the locations the different event schemas use. Returns "" when no chat is
// referenced.
func ExtractChatID(event json.RawMessage) string {
	var probe struct {
		ChatID     string `json:"chat_id"`
		OpenChatID string `json:"open_chat_id"`
		Chat       struct {
			ChatID     string `json:"chat_id"`
			OpenChatID string `json:"open_chat_id"`
		} `json:"chat"`
		Message struct {
			ChatID string `json:"chat_id"`
		} `json:"message"`
	}
	if err := json.Unmarshal(event, &probe); err != nil {
		return ""
	}
	for _, candidate := range []string{
		probe.ChatID, probe.Chat.ChatID,
		probe.OpenChatID, probe.Chat.OpenChatID,
		probe.Message.ChatID,
	} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}
