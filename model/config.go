package model

import "time"

// Config 存储应用程序的配置
type Config struct {
	BotToken      string          `mapstructure:"bot_token"`
	LogChannelID  string          `mapstructure:"log_channel_id"`
	DataDir       string          `mapstructure:"data_dir"`
	DatabasePath  string          `mapstructure:"database_path"`
	RuleSetDir    string          `mapstructure:"ruleset_dir"`
	RedisURL      string          `mapstructure:"redis_url"`
	MetricsListen string          `mapstructure:"metrics_listen"`
	LogLevel      string          `mapstructure:"log_level"`
	LogFormat     string          `mapstructure:"log_format"`
	Scheduler     SchedulerConfig `mapstructure:"scheduler"`
	SweepInterval time.Duration   `mapstructure:"sweep_interval"`
	// RuleSets is keyed by guild ID.
	RuleSets map[string]GuildRuleSet `mapstructure:"-"`
}

// SchedulerConfig tunes the delayed reversal scheduler.
type SchedulerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	ClaimTimeout   time.Duration `mapstructure:"claim_timeout"`
}
