package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CHATRELAY_HOST", &c.Gateway.Host)
	if v := os.Getenv("CHATRELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("CHATRELAY_GATEWAY_TOKEN", &c.Gateway.Token)
	if v := os.Getenv("CHATRELAY_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = strings.Split(v, ",")
	}

	if v := os.Getenv("CHATRELAY_DEBOUNCE_WAIT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Scheduler.DebounceWaitMS = ms
		}
	}
	if v := os.Getenv("CHATRELAY_DAILY_REPLY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Chat.DailyReplyLimit = n
		}
	}

	// Database (DSN is a secret, env only)
	envStr("CHATRELAY_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CHATRELAY_SQLITE_PATH", &c.Database.SQLitePath)

	// Agent service
	envStr("CHATRELAY_AGENT_ENDPOINT", &c.Agent.Endpoint)

	// Sandbox
	if v := os.Getenv("CHATRELAY_SANDBOX_ENABLED"); v != "" {
		c.Sandbox.Enabled = v == "true" || v == "1"
	}
	envStr("CHATRELAY_SANDBOX_PREFIX", &c.Sandbox.ContainerPrefix)

	// Telemetry
	envStr("CHATRELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CHATRELAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CHATRELAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CHATRELAY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CHATRELAY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ExpandHome resolves a leading ~ against the current user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
