// Copyright 2024-2026 Aiku AI

package feishu

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// IDTriple is the identifier bundle Feishu attaches to users. The open ID is
// app-scoped and is the one the bridge keys on.
type IDTriple struct {
	OpenID  string `json:"open_id"`
	UnionID string `json:"union_id"`
	UserID  string `json:"user_id"`
}

// MessageInfo is the message body returned by send, reply and get calls.
type MessageInfo struct {
	MessageID  string `json:"message_id"`
	RootID     string `json:"root_id"`
	ParentID   string `json:"parent_id"`
	ChatID     string `json:"chat_id"`
	MsgType    string `json:"msg_type"`
	CreateTime string `json:"create_time"`
	UpdateTime string `json:"update_time"`
	Deleted    bool   `json:"deleted"`
	Updated    bool   `json:"updated"`
	Sender     struct {
		ID         string `json:"id"`
		IDType     string `json:"id_type"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Body struct {
		Content string `json:"content"`
	} `json:"body"`
}

// ChatInfo is the subset of the chat detail API the bridge uses.
type ChatInfo struct {
	ChatID      string `json:"chat_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Avatar      string `json:"avatar"`
	OwnerID     string `json:"owner_id"`
	OwnerIDType string `json:"owner_id_type"`
	// ChatMode is "group", "topic" or "p2p".
	ChatMode string `json:"chat_mode"`
	ChatType string `json:"chat_type"`
}

// UserInfo is the subset of the contact API the bridge uses for puppet
// profiles.
type UserInfo struct {
	OpenID  string `json:"open_id"`
	UnionID string `json:"union_id"`
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	EnName  string `json:"en_name"`
	Avatar  struct {
		Avatar72     string `json:"avatar_72"`
		Avatar240    string `json:"avatar_240"`
		Avatar640    string `json:"avatar_640"`
		AvatarOrigin string `json:"avatar_origin"`
	} `json:"avatar"`
}

// AvatarURL returns the best available avatar variant.
func (u *UserInfo) AvatarURL() string {
	for _, url := range []string{u.Avatar.AvatarOrigin, u.Avatar.Avatar640, u.Avatar.Avatar240, u.Avatar.Avatar72} {
		if url != "" {
			return url
		}
	}
	return ""
}

// DisplayName prefers the localized name over the romanized one.
func (u *UserInfo) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	if u.EnName != "" {
		return u.EnName
	}
	return u.OpenID
}

// Msg types the bridge sends and receives.
const (
	MsgTypeText        = "text"
	MsgTypePost        = "post"
	MsgTypeImage       = "image"
	MsgTypeFile        = "file"
	MsgTypeAudio       = "audio"
	MsgTypeMedia       = "media"
	MsgTypeSticker     = "sticker"
	MsgTypeInteractive = "interactive"
	MsgTypeShareChat   = "share_chat"
)

// TextContent is the JSON body of a text message.
type TextContent struct {
	Text string `json:"text"`
}

// ImageContent is the JSON body of an image message.
type ImageContent struct {
	ImageKey string `json:"image_key"`
}

// FileContent is the JSON body of file, audio and media messages.
type FileContent struct {
	FileKey  string `json:"file_key"`
	FileName string `json:"file_name,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

// PostNode is one inline element of a rich-text (post) message. Tag is one
// of "text", "a", "at", "img", "emotion".
type PostNode struct {
	Tag      string   `json:"tag"`
	Text     string   `json:"text,omitempty"`
	Href     string   `json:"href,omitempty"`
	UserID   string   `json:"user_id,omitempty"`
	UserName string   `json:"user_name,omitempty"`
	ImageKey string   `json:"image_key,omitempty"`
	EmojiKey string   `json:"emoji_type,omitempty"`
	Style    []string `json:"style,omitempty"`
}

// PostBody is one locale variant of a post message: a title plus paragraphs
// of inline nodes.
type PostBody struct {
	Title   string       `json:"title,omitempty"`
	Content [][]PostNode `json:"content"`
}

// PostContent maps locale tags ("zh_cn", "en_us") to bodies.
type PostContent map[string]PostBody

// AnyLocale returns a deterministic body: zh_cn, then en_us, then the
// lexicographically first key.
func (pc PostContent) AnyLocale() (PostBody, bool) {
	if body, ok := pc["zh_cn"]; ok {
		return body, true
	}
	if body, ok := pc["en_us"]; ok {
		return body, true
	}
	var firstKey string
	for key := range pc {
		if firstKey == "" || key < firstKey {
			firstKey = key
		}
	}
	if firstKey == "" {
		return PostBody{}, false
	}
	return pc[firstKey], true
}

// ParseTimestamp interprets the loosely typed timestamps Feishu sends:
// integer seconds, integer milliseconds or RFC 3339 strings. Unparseable
// values fall back to now.
func ParseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now()
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 10_000_000_000 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	return time.Now()
}

// RawContent unmarshals a message content string into out, tolerating the
// double-encoded JSON Feishu uses for message bodies.
func RawContent(content string, out any) error {
	return json.Unmarshal([]byte(content), out)
}
