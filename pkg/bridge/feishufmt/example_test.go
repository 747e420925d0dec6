// Copyright 2024-2026 Aiku AI

package feishufmt_test

import (
	"fmt"

	"github.com/aiku/mautrix-feishu/pkg/bridge/feishufmt"
)

func ExampleToMatrix() {
	converted := feishufmt.ToMatrix("text", `{"text":"hello [微笑]"}`, nil, nil)
	fmt.Println(converted.Content.Body)
	// Output: hello 😊
}
