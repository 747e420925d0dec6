// Copyright 2024-2026 Aiku AI

package config

import (
	up "go.mau.fi/util/configupgrade"
)

// Upgrader merges user config files with new keys from the bundled example
// while keeping the user's values and comments.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks:         SpacedBlocks,
	Base:           ExampleConfig,
}

// SpacedBlocks are the top-level sections separated by blank lines when the
// upgraded config is written back.
var SpacedBlocks = [][]string{
	{"homeserver"},
	{"appservice"},
	{"feishu"},
	{"bridge"},
	{"admin"},
	{"logging"},
}

// Upgrade reads the config at path, merges in newly added keys and
// optionally writes the result back.
func Upgrade(path string, save bool) ([]byte, error) {
	data, _, err := up.Do(path, save, Upgrader)
	return data, err
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")

	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "bot", "username")
	helper.Copy(up.Str, "appservice", "bot", "displayname")
	helper.Copy(up.Str, "appservice", "bot", "avatar")
	helper.Copy(up.Str, "appservice", "as_token")
	helper.Copy(up.Str, "appservice", "hs_token")
	helper.Copy(up.Str, "appservice", "database", "type")
	helper.Copy(up.Str, "appservice", "database", "uri")
	helper.Copy(up.Int, "appservice", "database", "max_open_conns")
	helper.Copy(up.Int, "appservice", "database", "max_idle_conns")

	helper.Copy(up.Str, "feishu", "app_id")
	helper.Copy(up.Str, "feishu", "app_secret")
	helper.Copy(up.Str, "feishu", "base_url")
	helper.Copy(up.Str, "feishu", "webhook_path")
	helper.Copy(up.Str, "feishu", "listen_secret")
	helper.Copy(up.Str, "feishu", "encrypt_key")
	helper.Copy(up.Str, "feishu", "verification_token")
	helper.Copy(up.Int, "feishu", "api_timeout_seconds")
	helper.Copy(up.Int, "feishu", "webhook_ack_seconds")
	helper.Copy(up.Int, "feishu", "max_retries")
	helper.Copy(up.Int, "feishu", "retry_backoff_ms")
	helper.Copy(up.Int, "feishu", "token_refresh_margin_ms")

	helper.Copy(up.Str, "bridge", "username_template")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Str, "bridge", "command_prefix")
	helper.Copy(up.Map, "bridge", "permissions")
	helper.Copy(up.Int, "bridge", "message_limit")
	helper.Copy(up.Int, "bridge", "message_cooldown_ms")
	helper.Copy(up.List, "bridge", "blocked_msgtypes")
	helper.Copy(up.Int, "bridge", "max_text_length")
	helper.Copy(up.Bool, "bridge", "enable_failure_degrade")
	helper.Copy(up.Str, "bridge", "failure_notice_template")
	helper.Copy(up.Bool, "bridge", "delivery_error_notices")
	helper.Copy(up.Int, "bridge", "user_stale_ttl_hours")
	helper.Copy(up.Int, "bridge", "processed_event_ttl_hours")
	helper.Copy(up.Int, "bridge", "shutdown_grace_seconds")
	helper.Copy(up.Int, "bridge", "queue", "workers")
	helper.Copy(up.Int, "bridge", "queue", "depth")
	helper.Copy(up.Int, "bridge", "queue", "idle_gc_seconds")

	helper.Copy(up.Str, "admin", "address")
	helper.Copy(up.Str, "admin", "admin_token")
	helper.Copy(up.Str, "admin", "read_token")
	helper.Copy(up.Str, "admin", "write_token")
	helper.Copy(up.Str, "admin", "delete_token")

	helper.Copy(up.Map, "logging")
}
