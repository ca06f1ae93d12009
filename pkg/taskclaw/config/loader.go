package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}
//   - ${VAR_NAME:-default}
//   - ${VAR_NAME:?error message}
//   - $VAR_NAME (uppercase only)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads a YAML config file, loads .env files, expands
// environment references and resolves relative paths against the file's
// directory.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig parses YAML bytes on top of DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches the standard locations and returns the first hit.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"taskclaw.yaml",
		"taskclaw.yml",
		"configs/config.yaml",
		"configs/taskclaw.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ExpandEnv replaces environment references in input. A ${VAR:?msg} whose
// variable is unset or empty makes the whole expansion fail.
func ExpandEnv(input string) (string, error) {
	var firstErr error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if groups[4] != "" {
			return os.Getenv(groups[4])
		}

		name, modifier, arg := groups[1], groups[2], groups[3]
		value, set := os.LookupEnv(name)
		if set && value != "" {
			return value
		}

		switch modifier {
		case "-":
			return arg
		case "?":
			if firstErr == nil {
				if arg == "" {
					arg = "required environment variable not set"
				}
				firstErr = fmt.Errorf("%s: %s", name, arg)
			}
			return ""
		default:
			return value
		}
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// loadEnvFiles loads .env files without overriding variables already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// resolveSecrets fills credentials from well-known variables when the file
// leaves them empty.
func resolveSecrets(cfg *Config) {
	if cfg.Channels.Telegram.Token == "" {
		cfg.Channels.Telegram.Token = os.Getenv("TASKCLAW_TELEGRAM_TOKEN")
	}
	if cfg.Agent.APIKey == "" {
		if key := os.Getenv("TASKCLAW_AGENT_API_KEY"); key != "" {
			cfg.Agent.APIKey = key
		} else {
			cfg.Agent.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if cfg.Gateway.AuthToken == "" {
		cfg.Gateway.AuthToken = os.Getenv("TASKCLAW_GATEWAY_TOKEN")
	}
}

// resolveRelativePaths anchors relative paths at the config file directory so
// the daemon behaves the same regardless of its working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	for _, p := range []*string{
		&cfg.Database.Path,
		&cfg.Skills.Root,
		&cfg.Workspace.Root,
		&cfg.Workspace.TempRoot,
		&cfg.Memory.Dir,
		&cfg.Sealing.IdentityFile,
	} {
		*p = resolvePath(*p, dir)
	}
}

func resolvePath(p, base string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// checkFilePermissions warns when the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
