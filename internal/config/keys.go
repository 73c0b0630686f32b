package config

import (
	"fmt"
	"strconv"
)

// keychainService is the secret store service name for remindme secrets.
const keychainService = "remindme"

type keySpec struct {
	key    string
	env    string
	secret bool
	// apply is only needed for secrets, which may come from the secret store.
	apply   func(cfg *Config, v string)
	extract func(cfg Config) string
}

var specs = []keySpec{
	{key: "server.host", env: "REMINDME_SERVER_HOST",
		extract: func(cfg Config) string { return cfg.Server.Host }},
	{key: "server.port", env: "REMINDME_SERVER_PORT",
		extract: func(cfg Config) string { return strconv.Itoa(cfg.Server.Port) }},
	{key: "api.token", env: "REMINDME_API_TOKEN", secret: true,
		apply:   func(cfg *Config, v string) { cfg.API.Token = v },
		extract: func(cfg Config) string { return cfg.API.Token }},
	{key: "storage.data_dir", env: "REMINDME_STORAGE_DATA_DIR",
		extract: func(cfg Config) string { return cfg.Storage.DataDir }},
	{key: "log.level", env: "REMINDME_LOG_LEVEL",
		extract: func(cfg Config) string { return cfg.Log.Level }},
	{key: "log.format", env: "REMINDME_LOG_FORMAT",
		extract: func(cfg Config) string { return cfg.Log.Format }},
	{key: "timezone", env: "REMINDME_TIMEZONE",
		extract: func(cfg Config) string { return cfg.Timezone }},
	{key: "scheduler.driver", env: "REMINDME_SCHEDULER_DRIVER",
		extract: func(cfg Config) string { return cfg.Scheduler.Driver }},
	{key: "scheduler.poll_interval", env: "REMINDME_SCHEDULER_POLL_INTERVAL",
		extract: func(cfg Config) string { return cfg.Scheduler.PollInterval.String() }},
	{key: "scheduler.followup_interval", env: "REMINDME_SCHEDULER_FOLLOWUP_INTERVAL",
		extract: func(cfg Config) string { return cfg.Scheduler.FollowUpInterval.String() }},
	{key: "confirm.capacity", env: "REMINDME_CONFIRM_CAPACITY",
		extract: func(cfg Config) string { return strconv.Itoa(cfg.Confirm.Capacity) }},
	{key: "confirm.ttl", env: "REMINDME_CONFIRM_TTL",
		extract: func(cfg Config) string { return cfg.Confirm.TTL.String() }},
	{key: "telegram.bot_token", env: "REMINDME_TELEGRAM_BOT_TOKEN", secret: true,
		apply:   func(cfg *Config, v string) { cfg.Telegram.BotToken = v },
		extract: func(cfg Config) string { return cfg.Telegram.BotToken }},
	{key: "telegram.base_url", env: "REMINDME_TELEGRAM_BASE_URL",
		extract: func(cfg Config) string { return cfg.Telegram.BaseURL }},
	{key: "telegram.webhook_secret", env: "REMINDME_TELEGRAM_WEBHOOK_SECRET", secret: true,
		apply:   func(cfg *Config, v string) { cfg.Telegram.WebhookSecret = v },
		extract: func(cfg Config) string { return cfg.Telegram.WebhookSecret }},
	{key: "telegram.poll", env: "REMINDME_TELEGRAM_POLL",
		extract: func(cfg Config) string { return strconv.FormatBool(cfg.Telegram.Poll) }},
	{key: "telegram.auto_register", env: "REMINDME_TELEGRAM_AUTO_REGISTER",
		extract: func(cfg Config) string { return strconv.FormatBool(cfg.Telegram.AutoRegister) }},
	{key: "mcp.enabled", env: "REMINDME_MCP_ENABLED",
		extract: func(cfg Config) string { return strconv.FormatBool(cfg.MCP.Enabled) }},
}

func findSpec(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key == key {
			return s, nil
		}
	}
	return keySpec{}, fmt.Errorf("unknown config key: %q", key)
}
