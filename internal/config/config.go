package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Browser      BrowserConfig      `mapstructure:"browser"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Chat         ChatConfig         `mapstructure:"chat"`
	Discord      DiscordConfig      `mapstructure:"discord"`
	Slack        SlackConfig        `mapstructure:"slack"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Schedules    []ScheduleConfig   `mapstructure:"schedules"`
	Log          LogConfig          `mapstructure:"log"`
	Security     SecurityConfig     `mapstructure:"security"`
}

type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout  time.Duration `mapstructure:"idleTimeout"`
}

type BrowserConfig struct {
	Driver         string        `mapstructure:"driver"` // chromedp, playwright
	ExecutablePath string        `mapstructure:"executablePath"`
	Headless       bool          `mapstructure:"headless"`
	UserDataDir    string        `mapstructure:"userDataDir"`
	ActionTimeout  time.Duration `mapstructure:"actionTimeout"`
	ResetTimeout   time.Duration `mapstructure:"resetTimeout"`
}

// PoolConfig bounds the browser session pool.
type PoolConfig struct {
	MaxSessions       int           `mapstructure:"maxSessions"`
	IdleSessionTTL    time.Duration `mapstructure:"idleSessionTTL"`
	MaxUsesPerSession int           `mapstructure:"maxUsesPerSession"`
	WarmSessions      int           `mapstructure:"warmSessions"`
}

type ExecutorConfig struct {
	RetryLimit      int                      `mapstructure:"retryLimit"`
	RetryBackoff    time.Duration            `mapstructure:"retryBackoff"`
	DefaultDeadline time.Duration            `mapstructure:"defaultDeadline"`
	Deadlines       map[string]time.Duration `mapstructure:"deadlines"` // task kind -> max duration
}

type OrchestratorConfig struct {
	DrainGracePeriod time.Duration `mapstructure:"drainGracePeriod"`
}

type ChatConfig struct {
	Driver          string   `mapstructure:"driver"` // discord, slack, http
	Prefix          string   `mapstructure:"prefix"` // empty picks the driver default, see DefaultPrefix
	AllowedChannels []string `mapstructure:"allowedChannels"` // empty means all
}

type DiscordConfig struct {
	Token string `mapstructure:"token"`
}

type SlackConfig struct {
	BotToken string `mapstructure:"botToken"`
	AppToken string `mapstructure:"appToken"`
}

type AdminConfig struct {
	OwnerID    string `mapstructure:"ownerID"`
	TOTPSecret string `mapstructure:"totpSecret"`
}

// ScheduleConfig injects Command into Channel on every tick of Spec. An
// empty Transport means the configured chat driver.
type ScheduleConfig struct {
	Name      string `mapstructure:"name"`
	Spec      string `mapstructure:"spec"`
	Transport string `mapstructure:"transport"`
	Channel   string `mapstructure:"channel"`
	Command   string `mapstructure:"command"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"` // debug, info, warn, error
	Development bool   `mapstructure:"development"`
}

type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
	ApiKey         string   `mapstructure:"apiKey"`
}

// DeadlineFor returns the configured maximum duration for a task kind, or
// fallback when the kind has no override.
func (c ExecutorConfig) DeadlineFor(kind string, fallback time.Duration) time.Duration {
	if d, ok := c.Deadlines[kind]; ok && d > 0 {
		return d
	}
	if fallback > 0 {
		return fallback
	}
	return c.DefaultDeadline
}

func (c *Config) Validate() error {
	if c.Pool.MaxSessions < 1 {
		return fmt.Errorf("pool.maxSessions must be at least 1, got %d", c.Pool.MaxSessions)
	}
	if c.Pool.WarmSessions < 0 || c.Pool.WarmSessions > c.Pool.MaxSessions {
		return fmt.Errorf("pool.warmSessions must be between 0 and pool.maxSessions (%d), got %d", c.Pool.MaxSessions, c.Pool.WarmSessions)
	}
	if c.Pool.MaxUsesPerSession < 0 {
		return fmt.Errorf("pool.maxUsesPerSession cannot be negative")
	}
	if c.Executor.RetryLimit < 0 {
		return fmt.Errorf("executor.retryLimit cannot be negative")
	}
	if c.Executor.DefaultDeadline <= 0 {
		return fmt.Errorf("executor.defaultDeadline must be positive")
	}
	if c.Orchestrator.DrainGracePeriod < 0 {
		return fmt.Errorf("orchestrator.drainGracePeriod cannot be negative")
	}
	switch c.Browser.Driver {
	case "chromedp", "playwright":
	default:
		return fmt.Errorf("unknown browser.driver %q", c.Browser.Driver)
	}
	switch c.Chat.Driver {
	case "discord":
		if c.Discord.Token == "" {
			return fmt.Errorf("discord.token is required for the discord chat driver")
		}
	case "slack":
		if c.Slack.BotToken == "" || c.Slack.AppToken == "" {
			return fmt.Errorf("slack.botToken and slack.appToken are required for the slack chat driver")
		}
	case "http":
		if !c.Server.Enabled {
			return fmt.Errorf("the http chat driver requires server.enabled")
		}
	default:
		return fmt.Errorf("unknown chat.driver %q", c.Chat.Driver)
	}
	if c.Chat.Prefix == "" {
		return fmt.Errorf("chat.prefix cannot be empty")
	}
	// Slack clients treat "/..." as a native slash command and never deliver
	// it as a message event.
	if c.Chat.Driver == "slack" && strings.HasPrefix(c.Chat.Prefix, "/") {
		return fmt.Errorf("chat.prefix %q cannot be used with the slack chat driver, Slack intercepts / as slash commands", c.Chat.Prefix)
	}
	for _, s := range c.Schedules {
		if s.Spec == "" || s.Channel == "" || s.Command == "" {
			return fmt.Errorf("schedule %q needs spec, channel and command", s.Name)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", "15s")
	v.SetDefault("server.writeTimeout", "15s")
	v.SetDefault("server.idleTimeout", "60s")

	v.SetDefault("browser.driver", "chromedp")
	v.SetDefault("browser.executablePath", "") // Attempt auto-detect if empty
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.userDataDir", "") // Empty means temporary profile
	v.SetDefault("browser.actionTimeout", "30s")
	v.SetDefault("browser.resetTimeout", "5s")

	v.SetDefault("pool.maxSessions", 3)
	v.SetDefault("pool.idleSessionTTL", "5m")
	v.SetDefault("pool.maxUsesPerSession", 50)
	v.SetDefault("pool.warmSessions", 1)

	v.SetDefault("executor.retryLimit", 2)
	v.SetDefault("executor.retryBackoff", "1s")
	v.SetDefault("executor.defaultDeadline", "60s")

	v.SetDefault("orchestrator.drainGracePeriod", "30s")

	v.SetDefault("chat.driver", "discord")
	v.SetDefault("chat.prefix", "")

	// Secrets usually arrive through the environment; they need a known key
	// for AutomaticEnv to pick them up during Unmarshal.
	v.SetDefault("discord.token", "")
	v.SetDefault("slack.botToken", "")
	v.SetDefault("slack.appToken", "")
	v.SetDefault("admin.ownerID", "")
	v.SetDefault("admin.totpSecret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("security.allowedOrigins", []string{"*"})
	v.SetDefault("security.apiKey", "")
}

// DefaultPrefix is the command prefix used when chat.prefix is unset. Slack
// gets "!" because it reserves "/" for its own slash commands.
func DefaultPrefix(driver string) string {
	if driver == "slack" {
		return "!"
	}
	return "/"
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mercury")
		v.AddConfigPath("/etc/mercury")
	}

	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("MERCURY")

	err := v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	err = v.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Chat.Prefix == "" {
		cfg.Chat.Prefix = DefaultPrefix(cfg.Chat.Driver)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
