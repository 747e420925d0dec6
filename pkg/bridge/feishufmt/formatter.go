// Copyright 2024-2026 Aiku AI

// Package feishufmt converts Feishu message content JSON to Matrix event
// content.
package feishufmt

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-feishu/pkg/feishu"
)

// UserResolver maps a Feishu open ID to the Matrix ghost user and display
// name. A zero user ID means the user is unknown and the mention is rendered
// as plain text.
type UserResolver func(openID string) (id.UserID, string)

// Mention is one entry of a message's mention list: the token embedded in
// the text plus the referenced user.
type Mention struct {
	Key    string
	OpenID string
	Name   string
}

// Converted is the Matrix rendering of one Feishu message. For media message
// types Content carries a placeholder body and MediaKey names the resource
// the caller must transfer before sending.
type Converted struct {
	Content *event.MessageEventContent
	// MediaKey and MediaKind identify the attachment for the resource
	// download API ("image" or "file").
	MediaKey  string
	MediaKind string
	// CardRaw preserves the original card JSON for interactive messages.
	CardRaw  json.RawMessage
	Degraded bool
	Reason   string
}

// ToMatrix converts one Feishu message body to Matrix event content. It
// never fails: unusable input degrades to a notice with Degraded set.
func ToMatrix(msgType, content string, mentions []Mention, resolve UserResolver) *Converted {
	switch msgType {
	case feishu.MsgTypeText:
		return textToMatrix(content, mentions, resolve)
	case feishu.MsgTypePost:
		return postToMatrix(content, resolve)
	case feishu.MsgTypeImage:
		var img feishu.ImageContent
		if err := feishu.RawContent(content, &img); err != nil || img.ImageKey == "" {
			return degraded("[Image]", "malformed_content")
		}
		return &Converted{
			Content:   &event.MessageEventContent{MsgType: event.MsgImage, Body: "image"},
			MediaKey:  img.ImageKey,
			MediaKind: "image",
		}
	case feishu.MsgTypeFile, feishu.MsgTypeAudio, feishu.MsgTypeMedia:
		var file feishu.FileContent
		if err := feishu.RawContent(content, &file); err != nil || file.FileKey == "" {
			return degraded("[File]", "malformed_content")
		}
		msgtype := event.MsgFile
		body := file.FileName
		switch msgType {
		case feishu.MsgTypeAudio:
			msgtype = event.MsgAudio
			if body == "" {
				body = "audio"
			}
		case feishu.MsgTypeMedia:
			msgtype = event.MsgVideo
			if body == "" {
				body = "video"
			}
		default:
			if body == "" {
				body = "file"
			}
		}
		return &Converted{
			Content:   &event.MessageEventContent{MsgType: msgtype, Body: body},
			MediaKey:  file.FileKey,
			MediaKind: "file",
		}
	case feishu.MsgTypeSticker:
		var file feishu.FileContent
		if err := feishu.RawContent(content, &file); err != nil || file.FileKey == "" {
			return degraded("(sticker)", "malformed_content")
		}
		return &Converted{
			Content:   &event.MessageEventContent{MsgType: event.MsgImage, Body: "(sticker)"},
			MediaKey:  file.FileKey,
			MediaKind: "image",
		}
	case feishu.MsgTypeInteractive:
		return cardToMatrix(content)
	case feishu.MsgTypeShareChat:
		var shared struct {
			ChatID string `json:"chat_id"`
		}
		_ = feishu.RawContent(content, &shared)
		body := "Shared a chat"
		if shared.ChatID != "" {
			body = "Shared a chat: " + shared.ChatID
		}
		return &Converted{Content: &event.MessageEventContent{MsgType: event.MsgNotice, Body: body}}
	default:
		return degraded(fmt.Sprintf("[Unsupported message type: %s]", msgType), "unsupported_type")
	}
}

func degraded(body, reason string) *Converted {
	return &Converted{
		Content:  &event.MessageEventContent{MsgType: event.MsgNotice, Body: body},
		Degraded: true,
		Reason:   reason,
	}
}

func textToMatrix(content string, mentions []Mention, resolve UserResolver) *Converted {
	var text feishu.TextContent
	if err := feishu.RawContent(content, &text); err != nil {
		return degraded("[Unparseable message]", "malformed_content")
	}
	body := Emoticons(text.Text)
	if len(mentions) == 0 {
		return &Converted{Content: &event.MessageEventContent{MsgType: event.MsgText, Body: body}}
	}

	formatted := html.EscapeString(body)
	pill := false
	for _, mention := range mentions {
		if mention.Key == "" {
			continue
		}
		name := mention.Name
		var userID id.UserID
		if resolve != nil {
			if resolved, resolvedName := resolve(mention.OpenID); resolved != "" {
				userID = resolved
				if resolvedName != "" {
					name = resolvedName
				}
			}
		}
		if name == "" {
			name = mention.OpenID
		}
		body = strings.ReplaceAll(body, mention.Key, "@"+name)
		if userID != "" {
			pill = true
			formatted = strings.ReplaceAll(formatted, mention.Key, mentionPill(userID, name))
		} else {
			formatted = strings.ReplaceAll(formatted, mention.Key, html.EscapeString("@"+name))
		}
	}
	converted := &Converted{Content: &event.MessageEventContent{MsgType: event.MsgText, Body: body}}
	if pill {
		converted.Content.Format = event.FormatHTML
		converted.Content.FormattedBody = strings.ReplaceAll(formatted, "\n", "<br/>")
	}
	return converted
}

func mentionPill(userID id.UserID, name string) string {
	return `<a href="https://matrix.to/#/` + string(userID) + `">` + html.EscapeString(name) + `</a>`
}

func postToMatrix(content string, resolve UserResolver) *Converted {
	body, ok := decodePost(content)
	if !ok {
		return degraded("[Unparseable message]", "malformed_content")
	}
	plain, formatted, deg, reason := renderPost(body, resolve)
	return &Converted{
		Content: &event.MessageEventContent{
			MsgType:       event.MsgText,
			Body:          plain,
			Format:        event.FormatHTML,
			FormattedBody: formatted,
		},
		Degraded: deg,
		Reason:   reason,
	}
}

// decodePost accepts both shapes the platform uses: the bare body carried by
// webhook events and the locale map used when sending.
func decodePost(content string) (feishu.PostBody, bool) {
	var direct feishu.PostBody
	if err := feishu.RawContent(content, &direct); err == nil && (len(direct.Content) > 0 || direct.Title != "") {
		return direct, true
	}
	var locales feishu.PostContent
	if err := feishu.RawContent(content, &locales); err == nil {
		if body, ok := locales.AnyLocale(); ok && (len(body.Content) > 0 || body.Title != "") {
			return body, true
		}
	}
	return feishu.PostBody{}, false
}

func renderPost(post feishu.PostBody, resolve UserResolver) (plain, formatted string, deg bool, reason string) {
	var plainParts, htmlParts []string
	mark := func(r string) {
		if !deg {
			deg = true
			reason = r
		}
	}
	if post.Title != "" {
		plainParts = append(plainParts, post.Title)
		htmlParts = append(htmlParts, "<p><strong>"+html.EscapeString(post.Title)+"</strong></p>")
	}
	for _, paragraph := range post.Content {
		var plainRuns, htmlRuns []string
		for _, node := range paragraph {
			switch node.Tag {
			case "text":
				text := Emoticons(node.Text)
				plainRuns = append(plainRuns, text)
				htmlRuns = append(htmlRuns, styleWrap(html.EscapeString(text), node.Style))
			case "a":
				label := node.Text
				if label == "" {
					label = node.Href
				}
				plainRuns = append(plainRuns, label)
				if safeHref(node.Href) {
					htmlRuns = append(htmlRuns, `<a href="`+html.EscapeString(node.Href)+`">`+html.EscapeString(label)+`</a>`)
				} else {
					htmlRuns = append(htmlRuns, html.EscapeString(label))
				}
			case "at":
				name := node.UserName
				var userID id.UserID
				if resolve != nil {
					if resolved, resolvedName := resolve(node.UserID); resolved != "" {
						userID = resolved
						if resolvedName != "" {
							name = resolvedName
						}
					}
				}
				if name == "" {
					name = node.UserID
				}
				plainRuns = append(plainRuns, "@"+name)
				if userID != "" {
					htmlRuns = append(htmlRuns, mentionPill(userID, name))
				} else {
					htmlRuns = append(htmlRuns, html.EscapeString("@"+name))
				}
			case "img":
				plainRuns = append(plainRuns, "[Image]")
				htmlRuns = append(htmlRuns, "<em>[Image]</em>")
				mark("post_inline_image")
			case "code_inline":
				plainRuns = append(plainRuns, "`"+node.Text+"`")
				htmlRuns = append(htmlRuns, "<code>"+html.EscapeString(node.Text)+"</code>")
			case "emotion":
				emoji := emotionToEmoji(node.EmojiKey)
				plainRuns = append(plainRuns, emoji)
				htmlRuns = append(htmlRuns, html.EscapeString(emoji))
			default:
				mark("unsupported_node")
			}
		}
		plainParts = append(plainParts, strings.Join(plainRuns, ""))
		htmlParts = append(htmlParts, "<p>"+strings.Join(htmlRuns, "")+"</p>")
	}
	return strings.Join(plainParts, "\n"), strings.Join(htmlParts, ""), deg, reason
}

func styleWrap(text string, styles []string) string {
	for _, style := range styles {
		switch style {
		case "bold":
			text = "<strong>" + text + "</strong>"
		case "italic":
			text = "<em>" + text + "</em>"
		case "underline":
			text = "<u>" + text + "</u>"
		case "lineThrough":
			text = "<del>" + text + "</del>"
		}
	}
	return text
}

func safeHref(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:")
}

// cardText tolerates both card title shapes: a bare string and the
// {"tag": ..., "content": ...} object.
type cardText struct {
	Content string
}

func (ct *cardText) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &ct.Content)
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	ct.Content = obj.Content
	return nil
}

type cardElement struct {
	Tag     string        `json:"tag"`
	Text    *cardText     `json:"text"`
	Content string        `json:"content"`
	Alt     *cardText     `json:"alt"`
	Actions []cardElement `json:"actions"`
	URL     string        `json:"url"`
	Button  *struct {
		Text cardText `json:"text"`
		URL  string   `json:"url"`
	} `json:"button"`
}

type cardBody struct {
	Header struct {
		Title    cardText `json:"title"`
		Subtitle cardText `json:"subtitle"`
	} `json:"header"`
	Elements []cardElement `json:"elements"`
}

func cardToMatrix(content string) *Converted {
	var card cardBody
	if err := feishu.RawContent(content, &card); err != nil {
		return degraded("[Unparseable card]", "malformed_content")
	}
	var lines []string
	if card.Header.Title.Content != "" {
		lines = append(lines, card.Header.Title.Content)
	}
	if card.Header.Subtitle.Content != "" {
		lines = append(lines, card.Header.Subtitle.Content)
	}
	lines = append(lines, cardElementLines(card.Elements)...)
	if len(lines) == 0 {
		lines = []string{"[Card]"}
	}
	htmlParts := make([]string, len(lines))
	for i, line := range lines {
		htmlParts[i] = "<p>" + html.EscapeString(line) + "</p>"
	}
	return &Converted{
		Content: &event.MessageEventContent{
			MsgType:       event.MsgText,
			Body:          strings.Join(lines, "\n"),
			Format:        event.FormatHTML,
			FormattedBody: strings.Join(htmlParts, ""),
		},
		CardRaw: json.RawMessage(content),
	}
}

func cardElementLines(elements []cardElement) []string {
	var lines []string
	for _, element := range elements {
		switch element.Tag {
		case "div", "markdown", "md", "note", "plain_text":
			if element.Text != nil && element.Text.Content != "" {
				lines = append(lines, element.Text.Content)
			} else if element.Content != "" {
				lines = append(lines, element.Content)
			}
		case "button":
			label := ""
			buttonURL := element.URL
			if element.Text != nil {
				label = element.Text.Content
			}
			if element.Button != nil {
				if label == "" {
					label = element.Button.Text.Content
				}
				if buttonURL == "" {
					buttonURL = element.Button.URL
				}
			}
			if label == "" {
				label = "[Button]"
			}
			if buttonURL != "" {
				label = label + " (" + buttonURL + ")"
			}
			lines = append(lines, label)
		case "action":
			lines = append(lines, cardElementLines(element.Actions)...)
		case "img", "image":
			if element.Alt != nil && element.Alt.Content != "" {
				lines = append(lines, element.Alt.Content)
			} else {
				lines = append(lines, "[Image]")
			}
		case "hr":
			// Separators carry no text.
		default:
			if element.Text != nil && element.Text.Content != "" {
				lines = append(lines, element.Text.Content)
			}
		}
	}
	return lines
}
