// Package config holds the TaskClaw configuration model and its defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration loaded from config.yaml.
type Config struct {
	// Name identifies this deployment in logs and the status API.
	Name string `yaml:"name"`

	Logging     LoggingConfig     `yaml:"logging"`
	Database    DatabaseConfig    `yaml:"database"`
	Skills      SkillsConfig      `yaml:"skills"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	Session     SessionConfig     `yaml:"session"`
	Queue       QueueConfig       `yaml:"queue"`
	Agent       AgentConfig       `yaml:"agent"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Memory      MemoryConfig      `yaml:"memory"`
	Sealing     SealingConfig     `yaml:"sealing"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Gateway     GatewayConfig     `yaml:"gateway"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// SkillsConfig describes the skill filesystem layout.
type SkillsConfig struct {
	// Root holds one directory per user plus the shared directory.
	Root string `yaml:"root"`

	// SharedDir is the name of the shared skill directory under Root.
	SharedDir string `yaml:"shared_dir"`

	// SecretsFile is the per-user YAML secrets file name.
	SecretsFile string `yaml:"secrets_file"`
}

// WorkspaceConfig describes per-user working and temp directories.
type WorkspaceConfig struct {
	Root     string `yaml:"root"`
	TempRoot string `yaml:"temp_root"`

	// ClearOnNewSession removes the user's workspace contents on "new".
	ClearOnNewSession bool `yaml:"clear_on_new_session"`
}

// SessionConfig controls the session lifecycle.
type SessionConfig struct {
	// MaxMessages is the processed-message ceiling that triggers extraction.
	MaxMessages int `yaml:"max_messages"`

	// MaxHistory bounds the in-memory turn window passed to the agent.
	MaxHistory int `yaml:"max_history"`

	// ExtractionTimeout bounds the long-term memory extraction call.
	ExtractionTimeout time.Duration `yaml:"extraction_timeout"`
}

// QueueConfig controls the per-user dispatcher.
type QueueConfig struct {
	// MaxDepth is the per-user queue ceiling (queued entries, excluding the one in flight).
	MaxDepth int `yaml:"max_depth"`

	// MaxConcurrency bounds how many users are processed in parallel.
	MaxConcurrency int `yaml:"max_concurrency"`

	// RatePerSecond and Burst configure an optional per-user limiter. Zero disables it.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// AgentConfig selects and configures the agent runtime.
type AgentConfig struct {
	// Runtime is "exec" or "http".
	Runtime string `yaml:"runtime"`

	// Command and Args configure the exec runtime.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Endpoint, Model and APIKey configure the http runtime.
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	// SystemPrompt is prepended to every invocation.
	SystemPrompt string `yaml:"system_prompt"`

	// Timeout bounds a single invocation.
	Timeout time.Duration `yaml:"timeout"`
}

// AttachmentsConfig controls file staging and retention.
type AttachmentsConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MaxFileSizeMB     int           `yaml:"max_file_size_mb"`
	AllowedExtensions []string      `yaml:"allowed_extensions"`
	DownloadTimeout   time.Duration `yaml:"download_timeout"`
	Retention         time.Duration `yaml:"retention"`
	CleanupSchedule   string        `yaml:"cleanup_schedule"`
}

// MaxBytes returns the size ceiling in bytes.
func (a AttachmentsConfig) MaxBytes() int64 {
	return int64(a.MaxFileSizeMB) * 1024 * 1024
}

// MemoryConfig configures the long-term memory collaborator.
type MemoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// SealingConfig configures at-rest encryption of stored secrets.
type SealingConfig struct {
	Enabled bool `yaml:"enabled"`

	// IdentityFile is an age identity file used when the keyring has none.
	IdentityFile string `yaml:"identity_file"`

	// KeyringService is the OS keyring service name.
	KeyringService string `yaml:"keyring_service"`
}

// ChannelsConfig holds per-channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Token        string  `yaml:"token"`
	AllowedUsers []int64 `yaml:"allowed_users"`

	// Mode is "polling" or "webhook". Webhook mode receives updates via the gateway.
	Mode string `yaml:"mode"`

	// WebhookSecret is compared against X-Telegram-Bot-Api-Secret-Token.
	WebhookSecret string `yaml:"webhook_secret"`
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	AuthToken string `yaml:"auth_token"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "taskclaw",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Path:        "./data/taskclaw.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		Skills: SkillsConfig{
			Root:        "./skills",
			SharedDir:   "shared",
			SecretsFile: "skills_secrets.yml",
		},
		Workspace: WorkspaceConfig{
			Root:              "./workspace",
			TempRoot:          "./temp_files",
			ClearOnNewSession: true,
		},
		Session: SessionConfig{
			MaxMessages:       30,
			MaxHistory:        20,
			ExtractionTimeout: 60 * time.Second,
		},
		Queue: QueueConfig{
			MaxDepth:       16,
			MaxConcurrency: 8,
		},
		Agent: AgentConfig{
			Runtime: "exec",
			Timeout: 5 * time.Minute,
		},
		Attachments: AttachmentsConfig{
			Enabled:       true,
			MaxFileSizeMB: 20,
			AllowedExtensions: []string{
				".txt", ".md", ".csv", ".json", ".yaml", ".yml", ".xml", ".log",
				".pdf", ".docx", ".xlsx", ".pptx",
				".py", ".go", ".js", ".ts", ".sh", ".sql", ".html", ".css",
				".png", ".jpg", ".jpeg", ".gif", ".webp",
				".zip",
			},
			DownloadTimeout: 60 * time.Second,
			Retention:       24 * time.Hour,
			CleanupSchedule: "@every 1h",
		},
		Memory: MemoryConfig{
			Enabled: true,
			Dir:     "./data/memory",
		},
		Sealing: SealingConfig{
			KeyringService: "taskclaw",
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Mode: "polling",
			},
		},
		Gateway: GatewayConfig{
			Address: "127.0.0.1:8085",
		},
	}
}

// Validate checks for settings that would make the orchestrator misbehave.
func (c *Config) Validate() error {
	var errs []error

	if c.Session.MaxMessages <= 0 {
		errs = append(errs, fmt.Errorf("session.max_messages must be positive, got %d", c.Session.MaxMessages))
	}
	if c.Queue.MaxDepth <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_depth must be positive, got %d", c.Queue.MaxDepth))
	}
	if c.Queue.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_concurrency must be positive, got %d", c.Queue.MaxConcurrency))
	}
	if c.Queue.RatePerSecond < 0 {
		errs = append(errs, errors.New("queue.rate_per_second must not be negative"))
	}
	switch c.Agent.Runtime {
	case "exec":
		if c.Agent.Command == "" {
			errs = append(errs, errors.New("agent.command is required for the exec runtime"))
		}
	case "http":
		if c.Agent.Endpoint == "" {
			errs = append(errs, errors.New("agent.endpoint is required for the http runtime"))
		}
	default:
		errs = append(errs, fmt.Errorf("agent.runtime must be exec or http, got %q", c.Agent.Runtime))
	}
	if c.Attachments.Enabled && c.Attachments.MaxFileSizeMB <= 0 {
		errs = append(errs, errors.New("attachments.max_file_size_mb must be positive"))
	}
	for _, ext := range c.Attachments.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("attachments.allowed_extensions entry %q must start with a dot", ext))
		}
	}
	if c.Skills.Root == "" || c.Skills.SharedDir == "" || c.Skills.SecretsFile == "" {
		errs = append(errs, errors.New("skills.root, skills.shared_dir and skills.secrets_file are required"))
	}
	if tg := c.Channels.Telegram; tg.Enabled {
		if tg.Token == "" {
			errs = append(errs, errors.New("channels.telegram.token is required when telegram is enabled"))
		}
		if tg.Mode != "polling" && tg.Mode != "webhook" {
			errs = append(errs, fmt.Errorf("channels.telegram.mode must be polling or webhook, got %q", tg.Mode))
		}
		if tg.Mode == "webhook" && !c.Gateway.Enabled {
			errs = append(errs, errors.New("telegram webhook mode requires gateway.enabled"))
		}
	}

	return errors.Join(errs...)
}
