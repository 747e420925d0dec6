// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrixfmt

import (
	"encoding/json"
	"strings"
	"testing"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-feishu/pkg/feishu"
)

// ---------------------------------------------------------------------------
// FuzzToFeishu — feeds arbitrary plain bodies and HTML through the converter.
// No input should cause a panic, the output must always be valid JSON, and
// unsafe link schemes must never survive into an href.
// ---------------------------------------------------------------------------

func FuzzToFeishu(f *testing.F) {
	f.Add("hello", "")
	f.Add("styled", "<strong>bold</strong> and <em>italic</em>")
	f.Add("link", `<a href="https://example.com">x</a>`)
	f.Add("evil", `<a href="javascript:alert(1)">x</a>`)
	f.Add("evil2", `<a href="JAVASCRIPT:alert(1)">x</a>`)
	f.Add("evil3", `<a href=" javascript:alert(1)">x</a>`)
	f.Add("evil4", `<a href="data:text/html,<script>alert(1)</script>">x</a>`)
	f.Add("mention", `<a href="https://matrix.to/#/@alice:example.com">Alice</a>`)
	f.Add("code", "<pre><code>func main() {}</code></pre>")
	f.Add("structure", "<h1>t</h1><ul><li>a</li><li>b</li></ul><blockquote>q</blockquote>")
	f.Add("broken", `<a href="`)
	f.Add("broken2", "<strong>unclosed")
	f.Add("broken3", "</strong></em></del>")
	f.Add("marker", "\x00BLOCK99\x00")
	f.Add("marker2", "<pre><code>x</code></pre>\x00BLOCK0\x00")
	f.Add("entities", "&amp;&lt;&gt;&quot;&#39;")
	f.Add(string([]byte{0x00}), string([]byte{0x00, 0xff})) // null bytes
	f.Add("long", strings.Repeat("<p>a</p>", 500))
	f.Add("emoji", "👍 <p>🎉</p>")

	f.Fuzz(func(t *testing.T, body, formatted string) {
		content := &event.MessageEventContent{MsgType: event.MsgText, Body: body}
		if formatted != "" {
			content.Format = event.FormatHTML
			content.FormattedBody = formatted
		}
		converted := ToFeishu(content, testResolver)

		// Determinism: same input, same output.
		again := ToFeishu(content, testResolver)
		if converted.MsgType != again.MsgType || converted.Content != again.Content {
			t.Errorf("non-deterministic: %q/%q then %q/%q",
				converted.MsgType, converted.Content, again.MsgType, again.Content)
		}

		if converted.MsgType != feishu.MsgTypeText && converted.MsgType != feishu.MsgTypePost {
			t.Errorf("unexpected msg_type %q", converted.MsgType)
		}

		switch converted.MsgType {
		case feishu.MsgTypeText:
			var text feishu.TextContent
			if err := json.Unmarshal([]byte(converted.Content), &text); err != nil {
				t.Errorf("text content is not valid JSON: %v (%q)", err, converted.Content)
			}
		case feishu.MsgTypePost:
			var locales feishu.PostContent
			if err := json.Unmarshal([]byte(converted.Content), &locales); err != nil {
				t.Fatalf("post content is not valid JSON: %v (%q)", err, converted.Content)
			}
			for _, post := range locales {
				for _, paragraph := range post.Content {
					for _, node := range paragraph {
						if node.Tag != "a" {
							continue
						}
						href := strings.ToLower(strings.TrimSpace(node.Href))
						if !strings.HasPrefix(href, "http://") &&
							!strings.HasPrefix(href, "https://") &&
							!strings.HasPrefix(href, "mailto:") {
							t.Errorf("unsafe href survived: %q", node.Href)
						}
					}
				}
			}
		}
	})
}

// ---------------------------------------------------------------------------
// FuzzEmoticons — the emoji → Feishu emoticon substitution must be
// deterministic and idempotent (a second pass finds nothing left to replace).
// ---------------------------------------------------------------------------

func FuzzEmoticons(f *testing.F) {
	f.Add("👍")
	f.Add("good 👍 job 🎉")
	f.Add("[赞]") // already in Feishu form
	f.Add("")
	f.Add(string([]byte{0x00}))
	f.Add(strings.Repeat("😊", 200))
	f.Add("👍👍👍")

	f.Fuzz(func(t *testing.T, text string) {
		once := Emoticons(text)
		if again := Emoticons(text); again != once {
			t.Errorf("non-deterministic: %q then %q", once, again)
		}
		if twice := Emoticons(once); twice != once {
			t.Errorf("not idempotent: %q became %q", once, twice)
		}
	})
}
