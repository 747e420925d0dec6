// Copyright 2024-2026 Aiku AI

// Package config loads and validates the bridge configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"go.mau.fi/util/dbutil"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the root of the bridge configuration tree.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	AppService AppServiceConfig  `yaml:"appservice"`
	Feishu     FeishuConfig      `yaml:"feishu"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Admin      AdminConfig       `yaml:"admin"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

// HomeserverConfig points the bridge at the Matrix homeserver.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// BotConfig describes the bridge bot user.
type BotConfig struct {
	Username    string `yaml:"username"`
	Displayname string `yaml:"displayname"`
	Avatar      string `yaml:"avatar"`
}

// AppServiceConfig holds the application-service registration parameters and
// the listen address of the AS HTTP server.
type AppServiceConfig struct {
	Address  string `yaml:"address"`
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`

	ID  string    `yaml:"id"`
	Bot BotConfig `yaml:"bot"`

	ASToken string `yaml:"as_token"`
	HSToken string `yaml:"hs_token"`

	Database dbutil.Config `yaml:"database"`
}

// FeishuConfig holds the Feishu application credentials and webhook
// verification options.
type FeishuConfig struct {
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`
	// BaseURL is the Feishu open platform API root. Overridable for tests
	// and for Lark international deployments.
	BaseURL string `yaml:"base_url"`

	// WebhookPath is the path the event subscription posts to.
	WebhookPath string `yaml:"webhook_path"`
	// ListenSecret signs webhook requests (X-Lark-Signature).
	ListenSecret string `yaml:"listen_secret"`
	// EncryptKey enables the encrypted webhook body mode.
	EncryptKey string `yaml:"encrypt_key"`
	// VerificationToken is matched against the token field of event payloads.
	VerificationToken string `yaml:"verification_token"`

	APITimeoutSeconds    int `yaml:"api_timeout_seconds"`
	WebhookAckSeconds    int `yaml:"webhook_ack_seconds"`
	MaxRetries           int `yaml:"max_retries"`
	RetryBackoffMillis   int `yaml:"retry_backoff_ms"`
	TokenRefreshMarginMS int `yaml:"token_refresh_margin_ms"`
}

// QueueConfig bounds the per-chat ordering queues.
type QueueConfig struct {
	// Workers caps concurrently running chat tasks. 0 means max(4, NumCPU).
	Workers int `yaml:"workers"`
	// Depth is the per-chat queue capacity. Enqueues beyond it fail with
	// backpressure and the event is dead-lettered.
	Depth int `yaml:"depth"`
	// IdleGCSeconds is how long an empty queue survives before removal.
	IdleGCSeconds int `yaml:"idle_gc_seconds"`
}

// BridgeConfig holds identity templates, permissions and bridging policies.
type BridgeConfig struct {
	UsernameTemplate    string `yaml:"username_template"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	CommandPrefix       string `yaml:"command_prefix"`

	// Permissions maps an mxid, a homeserver domain, or "*" to a level
	// (user or admin). Commands and self-service bridging check it.
	Permissions map[string]string `yaml:"permissions"`

	MessageLimit      int      `yaml:"message_limit"`
	MessageCooldownMS int      `yaml:"message_cooldown_ms"`
	BlockedMsgtypes   []string `yaml:"blocked_msgtypes"`
	MaxTextLength     int      `yaml:"max_text_length"`

	EnableFailureDegrade  bool   `yaml:"enable_failure_degrade"`
	FailureNoticeTemplate string `yaml:"failure_notice_template"`
	// DeliveryErrorNotices posts an m.notice into the Matrix room when a
	// Matrix->Feishu delivery is dead-lettered.
	DeliveryErrorNotices bool `yaml:"delivery_error_notices"`

	UserStaleTTLHours      int `yaml:"user_stale_ttl_hours"`
	ProcessedEventTTLHours int `yaml:"processed_event_ttl_hours"`
	ShutdownGraceSeconds   int `yaml:"shutdown_grace_seconds"`

	Queue QueueConfig `yaml:"queue"`

	usernameTemplate    *template.Template `yaml:"-"`
	displaynameTemplate *template.Template `yaml:"-"`
}

// AdminConfig configures the admin/metrics listener and its bearer tokens.
// ReadToken, WriteToken and DeleteToken scope individual endpoints; the
// AdminToken is accepted for every scope. Empty scope tokens fall back to
// the admin token alone.
type AdminConfig struct {
	Address     string `yaml:"address"`
	AdminToken  string `yaml:"admin_token"`
	ReadToken   string `yaml:"read_token"`
	WriteToken  string `yaml:"write_token"`
	DeleteToken string `yaml:"delete_token"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess compiles templates and applies defaults. It must run after
// unmarshalling and before the config is used.
func (c *Config) PostProcess() error {
	var err error
	c.Bridge.usernameTemplate, err = template.New("username").Parse(c.Bridge.UsernameTemplate)
	if err != nil {
		return fmt.Errorf("invalid username_template: %w", err)
	}
	c.Bridge.displaynameTemplate, err = template.New("displayname").Parse(c.Bridge.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("invalid displayname_template: %w", err)
	}
	if c.Feishu.BaseURL == "" {
		c.Feishu.BaseURL = "https://open.feishu.cn/open-apis"
	}
	if c.Feishu.WebhookPath == "" {
		c.Feishu.WebhookPath = "/webhook"
	}
	if c.Feishu.APITimeoutSeconds <= 0 {
		c.Feishu.APITimeoutSeconds = 60
	}
	if c.Feishu.WebhookAckSeconds <= 0 {
		c.Feishu.WebhookAckSeconds = 5
	}
	if c.Feishu.MaxRetries < 0 {
		c.Feishu.MaxRetries = 0
	} else if c.Feishu.MaxRetries == 0 {
		c.Feishu.MaxRetries = 2
	}
	if c.Feishu.RetryBackoffMillis <= 0 {
		c.Feishu.RetryBackoffMillis = 250
	}
	if c.Feishu.TokenRefreshMarginMS <= 0 {
		c.Feishu.TokenRefreshMarginMS = 60_000
	}
	if c.Bridge.CommandPrefix == "" {
		c.Bridge.CommandPrefix = "!feishu"
	}
	if c.Bridge.Queue.Depth <= 0 {
		c.Bridge.Queue.Depth = 1024
	}
	if c.Bridge.Queue.IdleGCSeconds <= 0 {
		c.Bridge.Queue.IdleGCSeconds = 300
	}
	if c.Bridge.ShutdownGraceSeconds <= 0 {
		c.Bridge.ShutdownGraceSeconds = 10
	}
	if c.Bridge.UserStaleTTLHours <= 0 {
		c.Bridge.UserStaleTTLHours = 24
	}
	if c.Bridge.ProcessedEventTTLHours <= 0 {
		c.Bridge.ProcessedEventTTLHours = 48
	}
	return nil
}

// FormatUsername renders the puppet localpart for a Feishu user ID.
func (bc *BridgeConfig) FormatUsername(feishuUserID string) string {
	return executeTemplate(bc.usernameTemplate, feishuUserID)
}

// FormatDisplayname renders the puppet displayname for a Feishu user name.
func (bc *BridgeConfig) FormatDisplayname(name string) string {
	return executeTemplate(bc.displaynameTemplate, name)
}

func executeTemplate(tpl *template.Template, value string) string {
	if tpl == nil {
		return value
	}
	var buf strings.Builder
	if err := tpl.Execute(&buf, value); err != nil {
		return value
	}
	return buf.String()
}

// PermissionLevel returns the configured level for a Matrix user ID,
// checking the exact mxid, then the homeserver domain, then the wildcard.
func (bc *BridgeConfig) PermissionLevel(userID string) string {
	if level, ok := bc.Permissions[userID]; ok {
		return level
	}
	if _, domain, found := strings.Cut(userID, ":"); found {
		if level, ok := bc.Permissions[domain]; ok {
			return level
		}
	}
	return bc.Permissions["*"]
}

// IsAdmin reports whether the Matrix user has the admin permission level.
func (bc *BridgeConfig) IsAdmin(userID string) bool {
	return bc.PermissionLevel(userID) == "admin"
}

// CanUse reports whether the Matrix user may issue bridge commands.
func (bc *BridgeConfig) CanUse(userID string) bool {
	level := bc.PermissionLevel(userID)
	return level == "user" || level == "admin"
}

// Validate rejects configs that would start a broken bridge. Placeholder
// detection intentionally catches the example values shipped in
// example-config.yaml.
func (c *Config) Validate() error {
	if c.Homeserver.Address == "" || c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.address and homeserver.domain are required")
	}
	dbType := strings.ToLower(strings.TrimSpace(c.AppService.Database.Type))
	if dbType != "sqlite3" && dbType != "sqlite3-fk-wal" {
		return fmt.Errorf("appservice.database.type %q is not supported, use sqlite3", c.AppService.Database.Type)
	}
	if !strings.Contains(c.Bridge.UsernameTemplate, "{{.}}") {
		return fmt.Errorf("bridge.username_template is missing the {{.}} placeholder")
	}
	if !c.hasRealPermissions() {
		return fmt.Errorf("bridge.permissions is not configured")
	}
	for _, field := range []struct{ name, value string }{
		{"appservice.as_token", c.AppService.ASToken},
		{"appservice.hs_token", c.AppService.HSToken},
		{"feishu.app_id", c.Feishu.AppID},
		{"feishu.app_secret", c.Feishu.AppSecret},
	} {
		if err := checkPlaceholder(field.name, field.value); err != nil {
			return err
		}
	}
	if c.Bridge.MessageLimit > 0 && c.Bridge.MessageCooldownMS <= 0 {
		return fmt.Errorf("bridge.message_cooldown_ms must be positive when bridge.message_limit is set")
	}
	hasSig := strings.TrimSpace(c.Feishu.ListenSecret) != ""
	hasKey := strings.TrimSpace(c.Feishu.EncryptKey) != ""
	hasToken := strings.TrimSpace(c.Feishu.VerificationToken) != ""
	if !hasSig && !hasKey && !hasToken {
		return fmt.Errorf("at least one of feishu.listen_secret, feishu.encrypt_key or feishu.verification_token must be set")
	}
	if hasKey && !hasToken {
		return fmt.Errorf("feishu.verification_token is required when feishu.encrypt_key is set")
	}
	return nil
}

func (c *Config) hasRealPermissions() bool {
	exampleKeys := 0
	for key := range c.Bridge.Permissions {
		switch key {
		case "*", "example.com", "@admin:example.com":
			exampleKeys++
		}
	}
	return len(c.Bridge.Permissions) > exampleKeys
}

func checkPlaceholder(name, value string) error {
	lowered := strings.ToLower(strings.TrimSpace(value))
	if lowered == "generate" {
		// Resolved by registration generation.
		return nil
	}
	bad := lowered == "" ||
		strings.Contains(lowered, "your_") ||
		strings.Contains(lowered, "changeme") ||
		strings.Contains(lowered, "replace_me") ||
		strings.Contains(lowered, "example") ||
		strings.HasSuffix(lowered, "_here")
	if bad {
		return fmt.Errorf("config field %s still has a placeholder value", name)
	}
	return nil
}

const envPrefix = "MAUTRIX_FEISHU_"

// ApplyEnv overrides secret-bearing fields from the environment so that
// config files can be committed without credentials.
func (c *Config) ApplyEnv() {
	overrideFromEnv(&c.AppService.ASToken, "AS_TOKEN")
	overrideFromEnv(&c.AppService.HSToken, "HS_TOKEN")
	overrideFromEnv(&c.AppService.Database.URI, "DB_URI")
	overrideFromEnv(&c.Feishu.AppID, "APP_ID")
	overrideFromEnv(&c.Feishu.AppSecret, "APP_SECRET")
	overrideFromEnv(&c.Feishu.ListenSecret, "LISTEN_SECRET")
	overrideFromEnv(&c.Feishu.EncryptKey, "ENCRYPT_KEY")
	overrideFromEnv(&c.Feishu.VerificationToken, "VERIFICATION_TOKEN")
	overrideFromEnv(&c.Admin.AdminToken, "ADMIN_TOKEN")
}

func overrideFromEnv(target *string, suffix string) {
	if value, ok := os.LookupEnv(envPrefix + suffix); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

// Load reads, upgrades, parses and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := Upgrade(path, true)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
