// Copyright 2024-2026 Aiku AI

package feishufmt

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// FuzzToMatrix — feeds arbitrary msg_type/content pairs through the
// converter. No input should cause a panic, every result must carry usable
// Matrix content, and script schemes must never reach an href attribute.
// ---------------------------------------------------------------------------

func FuzzToMatrix(f *testing.F) {
	f.Add("text", `{"text":"hello"}`)
	f.Add("text", `{"text":"hi @_user_1"}`)
	f.Add("post", `{"title":"t","content":[[{"tag":"text","text":"x"}]]}`)
	f.Add("post", `{"zh_cn":{"content":[[{"tag":"at","user_id":"ou_alice"}]]}}`)
	f.Add("post", `{"content":[[{"tag":"a","text":"x","href":"javascript:alert(1)"}]]}`)
	f.Add("post", `{"content":[[{"tag":"a","text":"x","href":"JavaScript:alert(1)"}]]}`)
	f.Add("post", `{"content":[[{"tag":"text","text":"href=\"javascript:x\""}]]}`)
	f.Add("image", `{"image_key":"img_v2_x"}`)
	f.Add("file", `{"file_key":"f","file_name":"a.pdf"}`)
	f.Add("sticker", `{"file_key":"s"}`)
	f.Add("interactive", `{"header":{"title":"t"},"elements":[{"tag":"div","text":{"content":"x"}}]}`)
	f.Add("interactive", `{"elements":[{"tag":"button","button":{"text":"Go","url":"https://x"}}]}`)
	f.Add("share_chat", `{"chat_id":"oc_x"}`)
	f.Add("text", `{not json`)
	f.Add("post", "")
	f.Add("audio", string([]byte{0x00, 0xff})) // binary garbage
	f.Add("unknown_type", `{"a":1}`)
	f.Add("text", strings.Repeat(`{"text":"a"}`, 100))
	f.Add("post", `{"content":[[`+strings.Repeat(`{"tag":"text","text":"a"},`, 200)+`{"tag":"text","text":"z"}]]}`)

	f.Fuzz(func(t *testing.T, msgType, content string) {
		converted := ToMatrix(msgType, content, nil, testResolver)
		if converted == nil || converted.Content == nil {
			t.Fatalf("ToMatrix(%q, %q) returned nil content", msgType, content)
		}

		// Determinism: same input, same output.
		again := ToMatrix(msgType, content, nil, testResolver)
		if converted.Content.Body != again.Content.Body ||
			converted.Content.FormattedBody != again.Content.FormattedBody ||
			converted.Degraded != again.Degraded ||
			!bytes.Equal(converted.CardRaw, again.CardRaw) {
			t.Errorf("non-deterministic output for (%q, %q)", msgType, content)
		}

		// Script schemes never survive into href attributes. Escaped text
		// content cannot trip this: quotes inside text are entity-escaped.
		formatted := strings.ToLower(converted.Content.FormattedBody)
		if strings.Contains(formatted, `href="javascript:`) || strings.Contains(formatted, `href="data:`) {
			t.Errorf("unsafe href in formatted body: %q", converted.Content.FormattedBody)
		}

		if converted.CardRaw != nil && !json.Valid(converted.CardRaw) {
			t.Errorf("CardRaw is not valid JSON: %q", converted.CardRaw)
		}
		if converted.Degraded && converted.Reason == "" {
			t.Error("degraded result without a reason")
		}
	})
}

// ---------------------------------------------------------------------------
// FuzzEmoticons — the Feishu emoticon → emoji substitution must be
// deterministic and idempotent.
// ---------------------------------------------------------------------------

func FuzzEmoticons(f *testing.F) {
	f.Add("[赞]")
	f.Add("nice [赞] [庆祝]")
	f.Add("👍") // already unicode
	f.Add("[[赞]")
	f.Add("[未知]")
	f.Add("")
	f.Add(string([]byte{0x00}))
	f.Add(strings.Repeat("[哈哈]", 200))

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
