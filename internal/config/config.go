package config

import "time"

// Config is the root configuration for the chatrelay gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Chat      ChatConfig      `json:"chat"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Sandbox   SandboxConfig   `json:"sandbox,omitempty"`
	Agent     AgentConfig     `json:"agent"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Triggers  []TriggerConfig `json:"triggers,omitempty"`
}

// GatewayConfig configures the HTTP/WebSocket admin surface.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"` // bearer token, env only
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm"` // 0 disables
	EventBuffer    int      `json:"event_buffer"`   // per-subscriber inbox capacity
}

// SchedulerConfig tunes the debounced agent scheduler.
type SchedulerConfig struct {
	DebounceWaitMS int `json:"debounce_wait_ms"`
}

// DebounceWait returns the debounce window as a duration.
func (c SchedulerConfig) DebounceWait() time.Duration {
	return time.Duration(c.DebounceWaitMS) * time.Millisecond
}

// ChatConfig governs the message pipeline.
type ChatConfig struct {
	// DailyReplyLimit caps bot replies per channel per day; 0 disables the
	// limit. Quota boosts raise the effective limit for the current day.
	DailyReplyLimit int `json:"daily_reply_limit"`
	// ForbiddenWords blocks messages containing any of these substrings.
	ForbiddenWords []string `json:"forbidden_words,omitempty"`
}

// DatabaseConfig selects the persistence backend. With a Postgres DSN the
// gateway runs against Postgres; otherwise it falls back to a local SQLite
// file.
type DatabaseConfig struct {
	PostgresDSN string `json:"postgres_dsn,omitempty"` // env only, never persisted
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// SandboxConfig configures sandbox container control on cancel.
type SandboxConfig struct {
	Enabled bool `json:"enabled"`
	// ContainerPrefix is prepended to the sanitized chat key to form the
	// container name.
	ContainerPrefix string `json:"container_prefix,omitempty"`
	StopTimeoutSec  int    `json:"stop_timeout_sec,omitempty"`
}

// AgentConfig points at the external agent service that executes runs.
type AgentConfig struct {
	Endpoint   string `json:"endpoint"`
	TimeoutSec int    `json:"timeout_sec,omitempty"` // 0 = no client timeout
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "http" (default) or "grpc"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// TriggerConfig is a cron-style timed agent trigger for one channel.
type TriggerConfig struct {
	ChatKey string `json:"chat_key"`
	Cron    string `json:"cron"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18791,
			RateLimitRPM: 20,
			EventBuffer:  64,
		},
		Scheduler: SchedulerConfig{
			DebounceWaitMS: 1000,
		},
		Chat: ChatConfig{
			DailyReplyLimit: 0,
		},
		Database: DatabaseConfig{
			SQLitePath: "~/.chatrelay/chatrelay.db",
		},
		Sandbox: SandboxConfig{
			ContainerPrefix: "chatrelay-sandbox-",
			StopTimeoutSec:  10,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "http",
			ServiceName: "chatrelay",
		},
	}
}
