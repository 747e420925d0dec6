// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrixfmt

import "strings"

// Unicode emoji Feishu renders as bracket emoticons.
var emoticonKeys = []struct{ emoji, key string }{
	{"😊", "[微笑]"},
	{"😄", "[哈哈]"},
	{"👍", "[赞]"},
	{"🤝", "[握手]"},
	{"🙏", "[抱拳]"},
	{"💪", "[加油]"},
	{"🎉", "[庆祝]"},
	{"💐", "[鲜花]"},
	{"❤️", "[爱心]"},
	{"🔥", "[强]"},
}

// Emoticons replaces Unicode emoji with Feishu bracket emoticons.
func Emoticons(text string) string {
	for _, entry := range emoticonKeys {
		if strings.Contains(text, entry.emoji) {
			text = strings.ReplaceAll(text, entry.emoji, entry.key)
		}
	}
	return text
}
