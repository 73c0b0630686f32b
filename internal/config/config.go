package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// envPrefix namespaces environment overrides, e.g. REMINDME_SERVER_PORT.
const envPrefix = "REMINDME"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
	Timezone  string          `yaml:"timezone" envconfig:"TIMEZONE"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Confirm   ConfirmConfig   `yaml:"confirm"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	MCP       MCPConfig       `yaml:"mcp"`
}

type ServerConfig struct {
	Host string `yaml:"host" envconfig:"HOST"`
	Port int    `yaml:"port" envconfig:"PORT"`
}

type APIConfig struct {
	// Token is the bearer token for the HTTP API. Secret.
	Token string `yaml:"token" envconfig:"TOKEN"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR"`
}

type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"` // "text" or "json"
}

type SchedulerConfig struct {
	// Driver selects the trigger backend: "timer" keeps triggers in memory,
	// "poll" keeps them in SQLite.
	Driver           string        `yaml:"driver" envconfig:"DRIVER"`
	PollInterval     time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	FollowUpInterval time.Duration `yaml:"followup_interval" envconfig:"FOLLOWUP_INTERVAL"`
}

type ConfirmConfig struct {
	Capacity int           `yaml:"capacity" envconfig:"CAPACITY"`
	TTL      time.Duration `yaml:"ttl" envconfig:"TTL"`
}

type TelegramConfig struct {
	BotToken      string `yaml:"bot_token" envconfig:"BOT_TOKEN"`
	BaseURL       string `yaml:"base_url" envconfig:"BASE_URL"`
	WebhookSecret string `yaml:"webhook_secret" envconfig:"WEBHOOK_SECRET"`
	// Poll enables the getUpdates long-poll loop. Leave it off when a
	// webhook is registered.
	Poll         bool `yaml:"poll" envconfig:"POLL"`
	AutoRegister bool `yaml:"auto_register" envconfig:"AUTO_REGISTER"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
}

// Scheduler drivers.
const (
	DriverTimer = "timer"
	DriverPoll  = "poll"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Timezone: "America/Guayaquil",
		Scheduler: SchedulerConfig{
			Driver:           DriverTimer,
			PollInterval:     5 * time.Second,
			FollowUpInterval: time.Hour,
		},
		Confirm: ConfirmConfig{
			Capacity: 10_000,
			TTL:      24 * time.Hour,
		},
		Telegram: TelegramConfig{
			Poll: true,
		},
	}
}

// Load reads configuration from the YAML file, environment variables and
// the platform secret store, in increasing order of precedence for
// everything except secrets, which fall back to the secret store only when
// still empty.
//
// The file lives at $XDG_CONFIG_HOME/remindme/config.yaml unless
// REMINDME_CONFIG names another path. Environment variables (REMINDME_*)
// override file values.
func Load() (Config, error) {
	return loadFromPath(configFilePath(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadFromPath(path string, kc keychain) (Config, error) {
	cfg := defaults()

	if err := readFile(path, &cfg); err != nil {
		return Config{}, err
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.Scheduler.Driver != DriverTimer && c.Scheduler.Driver != DriverPoll {
		errs = append(errs, fmt.Errorf("scheduler.driver must be %q or %q, got %q", DriverTimer, DriverPoll, c.Scheduler.Driver))
	}
	if c.Scheduler.FollowUpInterval <= 0 {
		errs = append(errs, errors.New("scheduler.followup_interval must be positive"))
	}
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval must be positive"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Telegram.BotToken != "" && !c.Telegram.Poll && c.Telegram.WebhookSecret == "" {
		errs = append(errs, errors.New("telegram.webhook_secret is required when telegram.poll is off"))
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Location returns the default timezone for owners without one.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// SlogLevel parses Log.Level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
