// Package am ("am" as in "I am configured like this") loads engage's configuration
// from defaults, TOML files and ENGAGE_* environment variables.
package am

// Config represents the complete engage configuration
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Server        ServerConfig        `mapstructure:"server"`
	Quota         QuotaConfig         `mapstructure:"quota"`
	Redis         RedisConfig         `mapstructure:"redis"`
	BusinessHours BusinessHoursConfig `mapstructure:"business_hours"`
	Executor      ExecutorConfig      `mapstructure:"executor"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Comment       CommentConfig       `mapstructure:"comment"`
	OpenRouter    OpenRouterConfig    `mapstructure:"openrouter"`
	Anthropic     AnthropicConfig     `mapstructure:"anthropic"`
	// Features are FeatureGate flags as nested tables: [features.run] keyword = true
	// becomes "run.keyword". See FeatureFlags.
	Features map[string]any `mapstructure:"features"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the dashboard API server
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // nil = default 8787, 0 is invalid (omit for default)
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	LogTheme       string   `mapstructure:"log_theme"` // gruvbox, everforest
}

// DefaultServerPort is used when server.port is unset.
const DefaultServerPort = 8787

// QuotaConfig configures daily action limits.
type QuotaConfig struct {
	// Limits per category (likes, comments, shares, follows, connections).
	// An absent category is unlimited; 0 allows nothing.
	Limits map[string]int `mapstructure:"limits"`
	// Mode selects counter storage: reset (one record, reset in place), per_date, or redis.
	Mode string `mapstructure:"mode"`
	// ExceededPolicy per category: stopped (default) or failed.
	ExceededPolicy map[string]string `mapstructure:"exceeded_policy"`
}

// RedisConfig configures the shared quota backend used when quota.mode = "redis".
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// BusinessHoursConfig restricts when schedules may fire.
type BusinessHoursConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	WorkDays  []string `mapstructure:"work_days"` // mon, tue, ... or full names
	StartHour int      `mapstructure:"start_hour"`
	EndHour   int      `mapstructure:"end_hour"`
}

// ExecutorConfig tunes every family's run executor.
type ExecutorConfig struct {
	RetryAttempts               int      `mapstructure:"retry_attempts"`
	RetryBaseDelayMS            int      `mapstructure:"retry_base_delay_ms"`
	DiscoveryTimeoutSeconds     int      `mapstructure:"discovery_timeout_seconds"`
	DiscoveryIdleTimeoutSeconds int      `mapstructure:"discovery_idle_timeout_seconds"`
	MaxPagesPerTarget           int      `mapstructure:"max_pages_per_target"`
	PollIntervalSeconds         int      `mapstructure:"poll_interval_seconds"`
	HistoryLimit                int      `mapstructure:"history_limit"`
	CommentTemplates            []string `mapstructure:"comment_templates"`
}

// SchedulerConfig tunes every family's scheduler.
type SchedulerConfig struct {
	ToleranceSeconds      int `mapstructure:"tolerance_seconds"`
	ResyncIntervalSeconds int `mapstructure:"resync_interval_seconds"`
	HistoryLimit          int `mapstructure:"history_limit"`
}

// AgentConfig selects and configures the PageAgent.
type AgentConfig struct {
	Kind    string       `mapstructure:"kind"`    // chrome or fixture
	Fixture string       `mapstructure:"fixture"` // YAML file for kind = fixture
	Chrome  ChromeConfig `mapstructure:"chrome"`
}

// ChromeConfig configures the chromedp-backed agent. The scripts are the
// page-specific part: each is a JavaScript expression evaluated in the page.
type ChromeConfig struct {
	UserDataDir            string            `mapstructure:"user_data_dir"`
	Headless               bool              `mapstructure:"headless"`
	ExecPath               string            `mapstructure:"exec_path"`
	SearchURL              string            `mapstructure:"search_url"` // {keyword} is the escaped keyword
	FeedURL                string            `mapstructure:"feed_url"`
	NavigationsPerMinute   int               `mapstructure:"navigations_per_minute"`
	MinAvailableMemoryMB   int               `mapstructure:"min_available_memory_mb"`
	PageLoadTimeoutSeconds int               `mapstructure:"page_load_timeout_seconds"`
	ExtractScript          string            `mapstructure:"extract_script"`
	ScrollScript           string            `mapstructure:"scroll_script"`
	ActionScripts          map[string]string `mapstructure:"action_scripts"` // like, comment, ...
}

// CommentConfig configures AI comment generation.
type CommentConfig struct {
	Provider       string `mapstructure:"provider"` // auto, openrouter, anthropic, none
	MaxLength      int    `mapstructure:"max_length"`
	Persona        string `mapstructure:"persona"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// OpenRouterConfig configures OpenRouter.ai API access
type OpenRouterConfig struct {
	APIKey      string   `mapstructure:"api_key"`
	Model       string   `mapstructure:"model"`
	Temperature *float64 `mapstructure:"temperature"` // nil = default 0.7
	MaxTokens   *int     `mapstructure:"max_tokens"`  // nil = default 200
}

// AnthropicConfig configures direct Anthropic API access
type AnthropicConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
