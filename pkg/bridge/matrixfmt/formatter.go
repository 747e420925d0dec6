// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix event content to Feishu message bodies.
package matrixfmt

import (
	"encoding/json"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-feishu/pkg/feishu"
)

// MentionResolver maps the Matrix user ID from a mention pill to a Feishu
// open ID. Returning false renders the mention as plain text.
type MentionResolver func(userID id.UserID) (string, bool)

// Converted is the Feishu rendering of one Matrix message: the msg_type plus
// its encoded content JSON.
type Converted struct {
	MsgType  string
	Content  string
	Degraded bool
	Reason   string
}

var (
	preRe        = regexp.MustCompile(`(?s)<pre><code(?: class="language-[^"]*")?>(.*?)</code></pre>`)
	headingRe    = regexp.MustCompile(`(?s)<h[1-6]>(.*?)</h[1-6]>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	liRe         = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	listWrapRe   = regexp.MustCompile(`</?[ou]l>`)
	pRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	anchorRe     = regexp.MustCompile(`(?s)<a\s+href="([^"]*)"[^>]*>(.*?)</a>`)
	styleTagRe   = regexp.MustCompile(`</?(strong|b|em|i|u|del|s|strike|code)>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
	matrixToRe   = regexp.MustCompile(`^https?://matrix\.to/#/([^?]+)`)
)

// ToFeishu converts Matrix message content to a Feishu message body. Plain
// messages become text, HTML becomes a post block tree. Content that cannot
// be fully represented falls back to best-effort text with Degraded set.
func ToFeishu(content *event.MessageEventContent, resolve MentionResolver) *Converted {
	if content == nil {
		return textMessage("", false, "")
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return textMessage(Emoticons(content.Body), false, "")
	}
	post, degraded, reason := htmlToPost(content.FormattedBody, resolve)
	if len(post.Content) == 0 {
		return textMessage(Emoticons(content.Body), degraded, reason)
	}
	payload, err := json.Marshal(feishu.PostContent{"zh_cn": post})
	if err != nil {
		return textMessage(Emoticons(content.Body), true, "encode_failed")
	}
	return &Converted{
		MsgType:  feishu.MsgTypePost,
		Content:  string(payload),
		Degraded: degraded,
		Reason:   reason,
	}
}

func textMessage(body string, degraded bool, reason string) *Converted {
	payload, _ := json.Marshal(feishu.TextContent{Text: body})
	return &Converted{
		MsgType:  feishu.MsgTypeText,
		Content:  string(payload),
		Degraded: degraded,
		Reason:   reason,
	}
}

// TextFallback encodes a bare string as a Feishu text message, for callers
// that need a delivery of last resort.
func TextFallback(body string) (msgType, content string) {
	conv := textMessage(body, false, "")
	return conv.MsgType, conv.Content
}

func htmlToPost(formatted string, resolve MentionResolver) (feishu.PostBody, bool, string) {
	// Code blocks first, preserving their content verbatim.
	var blocks []string
	text := preRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := preRe.FindStringSubmatch(match)
		idx := len(blocks)
		blocks = append(blocks, strings.TrimSuffix(html.UnescapeString(parts[1]), "\n"))
		return "\n\x00BLOCK" + strconv.Itoa(idx) + "\x00\n"
	})

	// Flatten block structure into newline-separated lines.
	text = headingRe.ReplaceAllString(text, "<strong>$1</strong>\n")
	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := blockquoteRe.FindStringSubmatch(match)
		lines := strings.Split(strings.TrimSpace(parts[1]), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n") + "\n"
	})
	text = liRe.ReplaceAllString(text, "- $1\n")
	text = listWrapRe.ReplaceAllString(text, "")
	text = pRe.ReplaceAllString(text, "$1\n")
	text = brRe.ReplaceAllString(text, "\n")

	var post feishu.PostBody
	degraded := false
	reason := ""
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if idx, ok := blockIndex(line); ok && idx < len(blocks) {
			post.Content = append(post.Content, []feishu.PostNode{{Tag: "text", Text: blocks[idx]}})
			continue
		}
		nodes, foreign := parseInline(line, resolve)
		if foreign && !degraded {
			degraded = true
			reason = "html_fidelity"
		}
		if len(nodes) > 0 {
			post.Content = append(post.Content, nodes)
		}
	}
	return post, degraded, reason
}

func blockIndex(line string) (int, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "\x00BLOCK") || !strings.HasSuffix(line, "\x00") {
		return 0, false
	}
	n, err := strconv.Atoi(line[len("\x00BLOCK") : len(line)-1])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

type styleState struct {
	bold, italic, underline, strike, code bool
}

func (s styleState) list() []string {
	var styles []string
	if s.bold {
		styles = append(styles, "bold")
	}
	if s.italic {
		styles = append(styles, "italic")
	}
	if s.underline {
		styles = append(styles, "underline")
	}
	if s.strike {
		styles = append(styles, "lineThrough")
	}
	return styles
}

func (s *styleState) toggle(tag string, on bool) {
	switch tag {
	case "strong", "b":
		s.bold = on
	case "em", "i":
		s.italic = on
	case "u":
		s.underline = on
	case "del", "s", "strike":
		s.strike = on
	case "code":
		s.code = on
	}
}

// parseInline scans one line of HTML and emits post nodes, tracking style
// tags as it goes. Returns true when unsupported tags had to be stripped.
func parseInline(text string, resolve MentionResolver) ([]feishu.PostNode, bool) {
	var nodes []feishu.PostNode
	var state styleState
	foreign := false

	emit := func(raw string) {
		if raw == "" {
			return
		}
		cleaned := tagRe.ReplaceAllString(raw, "")
		if cleaned != raw {
			foreign = true
		}
		content := Emoticons(html.UnescapeString(cleaned))
		if content == "" {
			return
		}
		if state.code {
			content = "`" + content + "`"
		}
		nodes = append(nodes, feishu.PostNode{Tag: "text", Text: content, Style: state.list()})
	}

	for text != "" {
		anchor := anchorRe.FindStringSubmatchIndex(text)
		style := styleTagRe.FindStringSubmatchIndex(text)
		switch {
		case anchor == nil && style == nil:
			emit(text)
			text = ""
		case style == nil || (anchor != nil && anchor[0] <= style[0]):
			emit(text[:anchor[0]])
			href := text[anchor[2]:anchor[3]]
			label := html.UnescapeString(tagRe.ReplaceAllString(text[anchor[4]:anchor[5]], ""))
			nodes = append(nodes, anchorNode(href, label, resolve))
			text = text[anchor[1]:]
		default:
			emit(text[:style[0]])
			closing := strings.HasPrefix(text[style[0]:], "</")
			state.toggle(text[style[2]:style[3]], !closing)
			text = text[style[1]:]
		}
	}
	return nodes, foreign
}

func anchorNode(href, label string, resolve MentionResolver) feishu.PostNode {
	if m := matrixToRe.FindStringSubmatch(href); m != nil {
		target := m[1]
		if decoded, err := url.PathUnescape(target); err == nil {
			target = decoded
		}
		if strings.HasPrefix(target, "@") {
			name := strings.TrimPrefix(label, "@")
			if resolve != nil {
				if openID, ok := resolve(id.UserID(target)); ok {
					return feishu.PostNode{Tag: "at", UserID: openID, UserName: name}
				}
			}
			return feishu.PostNode{Tag: "text", Text: "@" + name}
		}
		// Room and event links pass through as ordinary links.
	}
	if label == "" {
		label = href
	}
	if safeHref(href) {
		return feishu.PostNode{Tag: "a", Text: label, Href: href}
	}
	// Unsafe scheme (javascript:, data:, etc.), keep the label only.
	return feishu.PostNode{Tag: "text", Text: label}
}

func safeHref(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:")
}
