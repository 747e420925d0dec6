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
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-feishu/pkg/feishu"
)

func testResolver(userID id.UserID) (string, bool) {
	switch userID {
	case "@alice:example.com":
		return "ou_alice", true
	case "@bob:example.com":
		return "ou_bob", true
	}
	return "", false
}

// firstLocale unwraps the locale map a post message is sent with.
func firstLocale(t *testing.T, content string) feishu.PostBody {
	t.Helper()
	var locales feishu.PostContent
	if err := json.Unmarshal([]byte(content), &locales); err != nil {
		t.Fatalf("unmarshal post content: %v", err)
	}
	body, ok := locales.AnyLocale()
	if !ok {
		t.Fatal("post content has no locale body")
	}
	return body
}

func htmlMessage(body, formatted string) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}

func TestToFeishuNil(t *testing.T) {
	t.Parallel()
	converted := ToFeishu(nil, nil)
	if converted.MsgType != feishu.MsgTypeText {
		t.Errorf("MsgType: got %q, want text", converted.MsgType)
	}
	if converted.Content != `{"text":""}` {
		t.Errorf("Content: got %q", converted.Content)
	}
}

func TestToFeishuPlainText(t *testing.T) {
	t.Parallel()
	converted := ToFeishu(&event.MessageEventContent{MsgType: event.MsgText, Body: "hello world"}, nil)
	if converted.MsgType != feishu.MsgTypeText {
		t.Errorf("MsgType: got %q, want text", converted.MsgType)
	}
	if converted.Content != `{"text":"hello world"}` {
		t.Errorf("Content: got %q", converted.Content)
	}
	if converted.Degraded {
		t.Errorf("plain text should not degrade: %s", converted.Reason)
	}
}

func TestToFeishuEmoticons(t *testing.T) {
	t.Parallel()
	converted := ToFeishu(&event.MessageEventContent{MsgType: event.MsgText, Body: "nice 👍 🎉"}, nil)
	var text feishu.TextContent
	if err := json.Unmarshal([]byte(converted.Content), &text); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if text.Text != "nice [赞] [庆祝]" {
		t.Errorf("text: got %q, want %q", text.Text, "nice [赞] [庆祝]")
	}
}

func TestToFeishuStyles(t *testing.T) {
	t.Parallel()
	converted := ToFeishu(htmlMessage("styled", "<strong>bold</strong> plain <em><del>both</del></em>"), nil)
	if converted.MsgType != feishu.MsgTypePost {
		t.Fatalf("MsgType: got %q, want post", converted.MsgType)
	}
	post := firstLocale(t, converted.Content)
	if len(post.Content) != 1 {
		t.Fatalf("paragraphs: got %d, want 1", len(post.Content))
	}
	nodes := post.Content[0]
	if len(nodes) != 3 {
		t.Fatalf("nodes: got %d (%+v), want 3", len(nodes), nodes)
	}
	if nodes[0].Text != "bold" || len(nodes[0].Style) != 1 || nodes[0].Style[0] != "bold" {
		t.Errorf("bold node: %+v", nodes[0])
	}
	if nodes[1].Text != " plain " || len(nodes[1].Style) != 0 {
		t.Errorf("plain node: %+v", nodes[1])
	}
	wantStyles := []string{"italic", "lineThrough"}
	if nodes[2].Text != "both" || strings.Join(nodes[2].Style, ",") != strings.Join(wantStyles, ",") {
		t.Errorf("stacked style node: %+v", nodes[2])
	}
}

func TestToFeishuInlineCode(t *testing.T) {
	t.Parallel()
	converted := ToFeishu(htmlMessage("code", "run <code>go test</code> now"), nil)
	post := firstLocale(t, converted.Content)
	nodes := post.Content[0]
	if len(nodes) != 3 || nodes[1].Text != "`go test`" {
		t.Errorf("code run: %+v", nodes)
	}
}

func TestToFeishuLink(t *testing.T) {
	t.Parallel()
	converted := ToFeishu(htmlMessage("docs", `see <a href="https://example.com/docs">the docs</a>`), nil)
	post := firstLocale(t, converted.Content)
	nodes := post.Content[0]
	if len(nodes) != 2 {
		t.Fatalf("nodes: got %d, want 2", len(nodes))
	}
	if nodes[1].Tag != "a" || nodes[1].Href != "https://example.com/docs" || nodes[1].Text != "the docs" {
		t.Errorf("link node: %+v", nodes[1])
	}
}

func TestToFeishuUnsafeLink(t *testing.T) {
	t.Parallel()
	converted := ToFeishu(htmlMessage("x", `<a href="javascript:alert(1)">click</a>`), nil)
	post := firstLocale(t, converted.Content)
	nodes := post.Content[0]
	if nodes[0].Tag != "text" || nodes[0].Text != "click" {
		t.Errorf("unsafe link should become plain text: %+v", nodes[0])
	}
	if strings.Contains(converted.Content, "javascript:") {
		t.Errorf("unsafe scheme leaked: %q", converted.Content)
	}
}

func TestToFeishuMentionResolved(t *testing.T) {
	t.Parallel()
	converted := ToFeishu(htmlMessage("@Alice",
		`<a href="https://matrix.to/#/@alice:example.com">Alice</a>`), testResolver)
	post := firstLocale(t, converted.Content)
	nodes := post.Content[0]
	if len(nodes) != 1 || nodes[0].Tag != "at" {
		t.Fatalf("nodes: %+v, want one at node", nodes)
	}
	if nodes[0].UserID != "ou_alice" || nodes[0].UserName != "Alice" {
		t.Errorf("at node: %+v", nodes[0])
	}
}

func TestToFeishuMentionEscaped(t *testing.T) {
	t.Parallel()
	converted := ToFeishu(htmlMessage("@Alice",
		`<a href="https://matrix.to/#/%40alice%3Aexample.com">Alice</a>`), testResolver)
	post := firstLocale(t, converted.Content)
	if post.Content[0][0].UserID != "ou_alice" {
		t.Errorf("escaped mention URL not resolved: %+v", post.Content[0][0])
	}
}

func TestToFeishuMentionUnresolved(t *testing.T) {
	t.Parallel()
	converted := ToFeishu(htmlMessage("@Nobody",
		`<a href="https://matrix.to/#/@nobody:example.com">Nobody</a>`), testResolver)
	post := firstLocale(t, converted.Content)
	nodes := post.Content[0]
	if nodes[0].Tag != "text" || nodes[0].Text != "@Nobody" {
		t.Errorf("unresolved mention: %+v, want plain @Nobody", nodes[0])
	}
}

func TestToFeishuCodeBlock(t *testing.T) {
	t.Parallel()
	formatted := `before<pre><code class="language-go">func main() {
	fmt.Println(&quot;hi&quot;)
}</code></pre>after`
	converted := ToFeishu(htmlMessage("code", formatted), nil)
	post := firstLocale(t, converted.Content)
	if len(post.Content) != 3 {
		t.Fatalf("paragraphs: got %d (%+v), want 3", len(post.Content), post.Content)
	}
	block := post.Content[1][0]
	if !strings.Contains(block.Text, `fmt.Println("hi")`) {
		t.Errorf("code block: %q, want unescaped content", block.Text)
	}
}

func TestToFeishuParagraphsAndBreaks(t *testing.T) {
	t.Parallel()
	converted := ToFeishu(htmlMessage("x", "<p>first</p><p>second<br/>third</p>"), nil)
	post := firstLocale(t, converted.Content)
	if len(post.Content) != 3 {
		t.Fatalf("paragraphs: got %d (%+v), want 3", len(post.Content), post.Content)
	}
	for i, want := range []string{"first", "second", "third"} {
		if post.Content[i][0].Text != want {
			t.Errorf("paragraph %d: got %q, want %q", i, post.Content[i][0].Text, want)
		}
	}
}

func TestToFeishuHeadingListQuote(t *testing.T) {
	t.Parallel()
	formatted := "<h2>Title</h2><ul><li>one</li><li>two</li></ul><blockquote>wise words</blockquote>"
	converted := ToFeishu(htmlMessage("x", formatted), nil)
	post := firstLocale(t, converted.Content)
	if len(post.Content) != 4 {
		t.Fatalf("paragraphs: got %d (%+v), want 4", len(post.Content), post.Content)
	}
	title := post.Content[0][0]
	if title.Text != "Title" || len(title.Style) != 1 || title.Style[0] != "bold" {
		t.Errorf("heading: %+v, want bold Title", title)
	}
	if post.Content[1][0].Text != "- one" || post.Content[2][0].Text != "- two" {
		t.Errorf("list items: %+v / %+v", post.Content[1][0], post.Content[2][0])
	}
	if post.Content[3][0].Text != "> wise words" {
		t.Errorf("blockquote: %+v", post.Content[3][0])
	}
}

func TestToFeishuStripsUnknownTags(t *testing.T) {
	t.Parallel()
	converted := ToFeishu(htmlMessage("x", `<table><tr><td>cell</td></tr></table>`), nil)
	if !converted.Degraded || converted.Reason != "html_fidelity" {
		t.Errorf("degraded: got %v/%q, want true/html_fidelity", converted.Degraded, converted.Reason)
	}
	post := firstLocale(t, converted.Content)
	if post.Content[0][0].Text != "cell" {
		t.Errorf("stripped content: %+v", post.Content[0][0])
	}
}

func TestToFeishuEmptyHTMLFallsBack(t *testing.T) {
	t.Parallel()
	converted := ToFeishu(htmlMessage("fallback body", `<img src="mxc://x/y">`), nil)
	if converted.MsgType != feishu.MsgTypeText {
		t.Fatalf("MsgType: got %q, want text", converted.MsgType)
	}
	var text feishu.TextContent
	if err := json.Unmarshal([]byte(converted.Content), &text); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if text.Text != "fallback body" {
		t.Errorf("text: got %q, want fallback body", text.Text)
	}
	if !converted.Degraded {
		t.Error("stripped-to-nothing HTML should degrade")
	}
}

func TestToFeishuHTMLEntities(t *testing.T) {
	t.Parallel()
	converted := ToFeishu(htmlMessage("x", "a &amp; b &lt;c&gt;"), nil)
	post := firstLocale(t, converted.Content)
	if post.Content[0][0].Text != "a & b <c>" {
		t.Errorf("entities: got %q, want %q", post.Content[0][0].Text, "a & b <c>")
	}
}
