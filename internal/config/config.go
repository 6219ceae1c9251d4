package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Actions   ActionConfig    `mapstructure:"actions"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	AddSource   bool   `mapstructure:"add_source"`
	ServiceName string `mapstructure:"service_name"`
	LogFile     string `mapstructure:"log_file"`
	MaxSize     int    `mapstructure:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"`
	Compress    bool   `mapstructure:"compress"`
}

// ServerConfig configures the HTTP action surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// StorageConfig locates the on-disk state owned by the process.
type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	DownloadsDir string `mapstructure:"downloads_dir"`
	Database     string `mapstructure:"database"`
}

// BrowserConfig holds settings for the headless browser process.
type BrowserConfig struct {
	Launcher       string        `mapstructure:"launcher"`
	Headless       bool          `mapstructure:"headless"`
	ExecPath       string        `mapstructure:"exec_path"`
	Args           []string      `mapstructure:"args"`
	UserAgent      string        `mapstructure:"user_agent"`
	ViewportWidth  int           `mapstructure:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	Docker         DockerConfig  `mapstructure:"docker"`
}

// DockerConfig configures the containerized browser launcher.
type DockerConfig struct {
	Image       string `mapstructure:"image"`
	PullImage   bool   `mapstructure:"pull_image"`
	Host        string `mapstructure:"host"`
	StopTimeout int    `mapstructure:"stop_timeout"`
}

// ActionConfig tunes the action execution protocol.
type ActionConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	VisibleTimeout    time.Duration `mapstructure:"visible_timeout"`
	TypeDelay         time.Duration `mapstructure:"type_delay"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	TextLimit         int           `mapstructure:"text_limit"`
	ScreenshotQuality int           `mapstructure:"screenshot_quality"`
	DefaultScroll     int           `mapstructure:"default_scroll"`
	DefaultWait       time.Duration `mapstructure:"default_wait"`
	PartialSuffix     string        `mapstructure:"partial_suffix"`
	ScreenshotTimeout time.Duration `mapstructure:"screenshot_timeout"`
}

// AgentConfig configures the orchestration loop and its language model.
type AgentConfig struct {
	Provider      string        `mapstructure:"provider"`
	Model         string        `mapstructure:"model"`
	APIKey        string        `mapstructure:"api_key"`
	Endpoint      string        `mapstructure:"endpoint"`
	MaxRoundTrips int           `mapstructure:"max_round_trips"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SystemPrompt  string        `mapstructure:"system_prompt"`
	Backend       string        `mapstructure:"backend"`
}

// SchedulerConfig configures the wall-clock scheduler.
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Cadence  time.Duration `mapstructure:"cadence"`
	Cooldown time.Duration `mapstructure:"cooldown"`
	Prefix   string        `mapstructure:"prefix"`
}

// RateLimitConfig configures per-profile limits on the action routes.
type RateLimitConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	RequestsPerHour int  `mapstructure:"requests_per_hour"`
	Burst           int  `mapstructure:"burst"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "browserbot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.addr", ":3001")
	v.SetDefault("server.read_timeout", "15s")
	// Navigation alone may take the full navigation timeout.
	v.SetDefault("server.write_timeout", "90s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_body_bytes", 10<<20)

	// -- Storage --
	v.SetDefault("storage.data_dir", "./user_data")
	v.SetDefault("storage.downloads_dir", "./downloads")
	v.SetDefault("storage.database", "./browserbot.db")

	// -- Browser --
	v.SetDefault("browser.launcher", "local")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36")
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.startup_timeout", "30s")
	v.SetDefault("browser.docker.image", "browserless/chrome:latest")
	v.SetDefault("browser.docker.pull_image", true)
	v.SetDefault("browser.docker.stop_timeout", 10)

	// -- Actions --
	v.SetDefault("actions.navigation_timeout", "60s")
	v.SetDefault("actions.visible_timeout", "5s")
	v.SetDefault("actions.type_delay", "50ms")
	v.SetDefault("actions.settle_delay", "1s")
	v.SetDefault("actions.text_limit", 20000)
	v.SetDefault("actions.screenshot_quality", 60)
	v.SetDefault("actions.default_scroll", 500)
	v.SetDefault("actions.default_wait", "2s")
	v.SetDefault("actions.partial_suffix", ".crdownload")
	v.SetDefault("actions.screenshot_timeout", "10s")

	// -- Agent --
	v.SetDefault("agent.provider", "gemini")
	v.SetDefault("agent.model", "gemini-2.5-flash")
	v.SetDefault("agent.max_round_trips", 10)
	v.SetDefault("agent.timeout", "5m")
	v.SetDefault("agent.backend", "")

	// -- Scheduler --
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cadence", "10s")
	v.SetDefault("scheduler.cooldown", "60s")
	v.SetDefault("scheduler.prefix", "[SCHEDULED TASK %s]")

	// -- Rate limit --
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests_per_hour", 3600)
	v.SetDefault("ratelimit.burst", 60)
}

// BindEnv wires the environment variables that do not follow the BROWSERBOT_ prefix.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("BROWSERBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The first variable that is set wins.
	_ = v.BindEnv("agent.api_key", "BROWSERBOT_AGENT_API_KEY", "GEMINI_API_KEY", "API_KEY", "OPENAI_API_KEY")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Browser.Launcher {
	case "local", "docker":
	default:
		return fmt.Errorf("browser.launcher must be \"local\" or \"docker\", got %q", c.Browser.Launcher)
	}
	switch c.Agent.Provider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("agent.provider must be \"gemini\" or \"openai\", got %q", c.Agent.Provider)
	}
	if c.Agent.MaxRoundTrips <= 0 {
		return fmt.Errorf("agent.max_round_trips must be a positive integer")
	}
	if c.Scheduler.Cadence <= 0 {
		return fmt.Errorf("scheduler.cadence must be a positive duration")
	}
	// Ticking slower than once a minute can skip a task's minute entirely.
	if c.Scheduler.Cadence >= time.Minute {
		return fmt.Errorf("scheduler.cadence must be shorter than one minute")
	}
	if c.Scheduler.Cooldown <= 0 {
		return fmt.Errorf("scheduler.cooldown must be a positive duration")
	}
	if c.Actions.NavigationTimeout <= 0 || c.Actions.VisibleTimeout <= 0 {
		return fmt.Errorf("actions timeouts must be positive durations")
	}
	if c.Actions.ScreenshotQuality < 1 || c.Actions.ScreenshotQuality > 100 {
		return fmt.Errorf("actions.screenshot_quality must be between 1 and 100")
	}
	if c.Storage.DataDir == "" || c.Storage.DownloadsDir == "" {
		return fmt.Errorf("storage.data_dir and storage.downloads_dir are required")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerHour <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("ratelimit.requests_per_hour and ratelimit.burst must be positive")
	}
	return nil
}
