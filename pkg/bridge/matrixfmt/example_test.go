// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrixfmt_test

import (
	"fmt"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-feishu/pkg/bridge/matrixfmt"
)

func ExampleToFeishu() {
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          "hello",
		Format:        event.FormatHTML,
		FormattedBody: "<strong>hello</strong>",
	}

	converted := matrixfmt.ToFeishu(content, nil)
	fmt.Println(converted.MsgType)
	fmt.Println(converted.Content)
	// Output: post
	// {"zh_cn":{"content":[[{"tag":"text","text":"hello","style":["bold"]}]]}}
}
