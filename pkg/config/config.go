package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: STEPWISE_MEMORY_PATH and so on.
const EnvPrefix = "STEPWISE"

type Config struct {
	App        AppConfig                 `mapstructure:"app" json:"app"`
	Gateways   GatewaysConfig            `mapstructure:"gateways" json:"gateways"`
	Providers  map[string]ProviderConfig `mapstructure:"providers" json:"providers"`
	Memory     MemoryConfig              `mapstructure:"memory" json:"memory"`
	Browser    BrowserConfig             `mapstructure:"browser" json:"browser"`
	Executor   ExecutorConfig            `mapstructure:"executor" json:"executor"`
	Agent      AgentConfig               `mapstructure:"agent" json:"agent"`
	Governance GovernanceConfig          `mapstructure:"governance" json:"governance"`
	Logs       LogsConfig                `mapstructure:"logs" json:"logs"`
}

type AppConfig struct {
	Name      string `mapstructure:"name" json:"name"`
	Workspace string `mapstructure:"workspace" json:"workspace"`
	// PromptsDir overrides the built-in assistant prompts.
	PromptsDir string `mapstructure:"prompts_dir" json:"prompts_dir"`
}

type GatewaysConfig struct {
	Telegram GatewayConfig `mapstructure:"telegram" json:"telegram"`
	Discord  GatewayConfig `mapstructure:"discord" json:"discord"`
}

type GatewayConfig struct {
	Token   string   `mapstructure:"token" json:"token"`
	Enabled bool     `mapstructure:"enabled" json:"enabled"`
	Allowed []string `mapstructure:"allowed" json:"allowed,omitempty"`
}

type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key" json:"api_key"`
	Model   string `mapstructure:"model" json:"model"`
	BaseURL string `mapstructure:"base_url" json:"base_url,omitempty"`
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
}

type MemoryConfig struct {
	Type string `mapstructure:"type" json:"type"`
	Path string `mapstructure:"path" json:"path"`
}

type BrowserConfig struct {
	Headless    bool   `mapstructure:"headless" json:"headless"`
	ChromePath  string `mapstructure:"chrome_path" json:"chrome_path"`
	CDPURL      string `mapstructure:"cdp_url" json:"cdp_url"`
	UserDataDir string `mapstructure:"user_data_dir" json:"user_data_dir"`
	StartURL    string `mapstructure:"start_url" json:"start_url"`
}

type ExecutorConfig struct {
	Attempts    int           `mapstructure:"attempts" json:"attempts"`
	Interval    time.Duration `mapstructure:"interval" json:"interval"`
	DefaultWait time.Duration `mapstructure:"default_wait" json:"default_wait"`
}

type AgentConfig struct {
	NavPolls        int           `mapstructure:"nav_polls" json:"nav_polls"`
	PollInterval    time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" json:"settle_delay"`
	RestoreAttempts int           `mapstructure:"restore_attempts" json:"restore_attempts"`
	RestoreInterval time.Duration `mapstructure:"restore_interval" json:"restore_interval"`
}

// GovernanceConfig lists what custom-script steps may not do.
type GovernanceConfig struct {
	DenyScripts    []string `mapstructure:"deny_scripts" json:"deny_scripts"`
	DenyURLs       []string `mapstructure:"deny_urls" json:"deny_urls"`
	DisableScripts bool     `mapstructure:"disable_scripts" json:"disable_scripts"`
}

type LogsConfig struct {
	Level      string `mapstructure:"level" json:"level"`
	MaxRunLogs int    `mapstructure:"max_run_logs" json:"max_run_logs"`
	LLMLogPath string `mapstructure:"llm_log_path" json:"llm_log_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "stepwise")
	v.SetDefault("app.workspace", ".")
	v.SetDefault("app.prompts_dir", "")
	v.SetDefault("gateways.telegram.enabled", false)
	v.SetDefault("gateways.telegram.token", "")
	v.SetDefault("gateways.discord.enabled", false)
	v.SetDefault("gateways.discord.token", "")
	v.SetDefault("memory.type", "sqlite")
	v.SetDefault("memory.path", "stepwise.db")
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.chrome_path", "")
	v.SetDefault("browser.cdp_url", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.start_url", "about:blank")
	v.SetDefault("executor.attempts", 5)
	v.SetDefault("executor.interval", 500*time.Millisecond)
	v.SetDefault("executor.default_wait", 500*time.Millisecond)
	v.SetDefault("agent.nav_polls", 20)
	v.SetDefault("agent.poll_interval", 500*time.Millisecond)
	v.SetDefault("agent.settle_delay", time.Second)
	v.SetDefault("agent.restore_attempts", 5)
	v.SetDefault("agent.restore_interval", time.Second)
	v.SetDefault("governance.disable_scripts", false)
	v.SetDefault("logs.level", "info")
	v.SetDefault("logs.max_run_logs", 200)
	v.SetDefault("logs.llm_log_path", "logs/llm.jsonl")
}

// Load reads the JSON config at path, falling back to defaults for
// anything unset. STEPWISE_* environment variables override both. An
// empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.Executor.Attempts < 1 {
		return fmt.Errorf("executor.attempts must be at least 1, got %d", c.Executor.Attempts)
	}
	if c.Agent.NavPolls < 1 {
		return fmt.Errorf("agent.nav_polls must be at least 1, got %d", c.Agent.NavPolls)
	}
	if c.Logs.MaxRunLogs < 1 {
		return fmt.Errorf("logs.max_run_logs must be at least 1, got %d", c.Logs.MaxRunLogs)
	}
	switch c.Memory.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("memory.type must be sqlite or memory, got %q", c.Memory.Type)
	}
	if c.Gateways.Telegram.Enabled && c.Gateways.Telegram.Token == "" {
		return fmt.Errorf("gateways.telegram is enabled without a token")
	}
	if c.Gateways.Discord.Enabled && c.Gateways.Discord.Token == "" {
		return fmt.Errorf("gateways.discord is enabled without a token")
	}
	return nil
}

// GetDefaultProvider returns the first enabled provider by name.
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if p := c.Providers[name]; p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetTelegramConfig returns telegram config if enabled
func (c *Config) GetTelegramConfig() (GatewayConfig, bool) {
	return c.Gateways.Telegram, c.Gateways.Telegram.Enabled
}

func (c *Config) GetDiscordConfig() (GatewayConfig, bool) {
	return c.Gateways.Discord, c.Gateways.Discord.Enabled
}
