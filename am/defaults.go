package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "engage.db")

	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.log_theme", "everforest")

	// Quota: conservative daily limits, reset in place at local midnight
	v.SetDefault("quota.mode", "reset")
	v.SetDefault("quota.limits.likes", 100)
	v.SetDefault("quota.limits.comments", 20)
	v.SetDefault("quota.limits.shares", 10)
	v.SetDefault("quota.limits.follows", 30)
	v.SetDefault("quota.limits.connections", 20)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "engage:quota")

	v.SetDefault("business_hours.enabled", false)
	v.SetDefault("business_hours.work_days", []string{"mon", "tue", "wed", "thu", "fri"})
	v.SetDefault("business_hours.start_hour", 9)
	v.SetDefault("business_hours.end_hour", 18)

	v.SetDefault("executor.retry_attempts", 3)
	v.SetDefault("executor.retry_base_delay_ms", 2000)
	v.SetDefault("executor.discovery_timeout_seconds", 600)
	v.SetDefault("executor.discovery_idle_timeout_seconds", 90)
	v.SetDefault("executor.max_pages_per_target", 200)
	v.SetDefault("executor.poll_interval_seconds", 5)
	v.SetDefault("executor.history_limit", 100)

	v.SetDefault("scheduler.tolerance_seconds", 120)
	v.SetDefault("scheduler.resync_interval_seconds", 30)
	v.SetDefault("scheduler.history_limit", 50)

	v.SetDefault("agent.kind", "chrome")
	v.SetDefault("agent.chrome.headless", true)
	v.SetDefault("agent.chrome.navigations_per_minute", 6) // Stay well under bot-detection thresholds
	v.SetDefault("agent.chrome.min_available_memory_mb", 512)
	v.SetDefault("agent.chrome.page_load_timeout_seconds", 45)

	v.SetDefault("comment.provider", "auto")
	v.SetDefault("comment.max_length", 280)
	v.SetDefault("comment.timeout_seconds", 30)

	v.SetDefault("openrouter.model", "openai/gpt-4o-mini")
	v.SetDefault("openrouter.temperature", 0.7)
	v.SetDefault("openrouter.max_tokens", 200)

	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.temperature", 0.7)
	v.SetDefault("anthropic.max_tokens", 200)
}

// BindSensitiveEnvVars explicitly binds secrets to environment variables
// so they never have to be written into a config file.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "ENGAGE_DATABASE_PATH")
	v.BindEnv("openrouter.api_key", "ENGAGE_OPENROUTER_API_KEY", "OPENROUTER_API_KEY")
	v.BindEnv("anthropic.api_key", "ENGAGE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("redis.password", "ENGAGE_REDIS_PASSWORD")
}

// GetServerPort returns server.port, or DefaultServerPort when unset
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "engage.db"
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{"http://localhost", "http://127.0.0.1"}
	}
	return c.Server.AllowedOrigins
}

// GetServerLogTheme returns the log theme (default: everforest)
func (c *Config) GetServerLogTheme() string {
	if c.Server.LogTheme == "" {
		return "everforest"
	}
	return c.Server.LogTheme
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Quota: {Mode: %s}, Agent: %s, Comment: %s}",
		c.Database.Path, c.Quota.Mode, c.Agent.Kind, c.Comment.Provider)
}
