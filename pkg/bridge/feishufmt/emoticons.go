// Copyright 2024-2026 Aiku AI

package feishufmt

import "strings"

// Bracket emoticons Feishu renders in plain text, mapped to Unicode.
var emoticonUnicode = []struct{ key, emoji string }{
	{"[微笑]", "😊"},
	{"[哈哈]", "😄"},
	{"[赞]", "👍"},
	{"[握手]", "🤝"},
	{"[抱拳]", "🙏"},
	{"[加油]", "💪"},
	{"[庆祝]", "🎉"},
	{"[鲜花]", "💐"},
	{"[爱心]", "❤️"},
	{"[强]", "🔥"},
}

// Emoticons replaces Feishu bracket emoticons with Unicode equivalents.
// Unknown brackets pass through unchanged.
func Emoticons(text string) string {
	if !strings.Contains(text, "[") {
		return text
	}
	for _, entry := range emoticonUnicode {
		text = strings.ReplaceAll(text, entry.key, entry.emoji)
	}
	return text
}

// Emoji keys used by post emotion nodes.
var emotionEmoji = map[string]string{
	"SMILE":     "😊",
	"LAUGH":     "😄",
	"THUMBSUP":  "👍",
	"HANDSHAKE": "🤝",
	"THANKS":    "🙏",
	"MUSCLE":    "💪",
	"CELEBRATE": "🎉",
	"ROSE":      "💐",
	"HEART":     "❤️",
	"FIRE":      "🔥",
}

func emotionToEmoji(key string) string {
	if emoji, ok := emotionEmoji[key]; ok {
		return emoji
	}
	if key == "" {
		return ""
	}
	return Emoticons("[" + key + "]")
}
