package config

import (
	"discord-automod/model"
	"discord-automod/utils"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var logger = logrus.WithField("module", "Config")

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot_token", "")
	v.SetDefault("log_channel_id", "")
	v.SetDefault("data_dir", "data")
	v.SetDefault("database_path", "")
	v.SetDefault("ruleset_dir", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("metrics_listen", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("sweep_interval", "1m")
	v.SetDefault("scheduler.poll_interval", "1m")
	v.SetDefault("scheduler.max_attempts", 5)
	v.SetDefault("scheduler.initial_backoff", "2s")
	v.SetDefault("scheduler.max_backoff", "2m")
	v.SetDefault("scheduler.claim_timeout", "15m")
}

// Load loads the configuration from the .env file, an optional config file
// and AUTOMOD_* environment variables, then reads the guild rule sets.
// An empty path looks for data/config.yaml.
func Load(path string) (*model.Config, error) {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		logger.Info(".env file not found, relying on environment variables")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("AUTOMOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = filepath.Join("data", "config.yaml")
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		logger.WithField("path", path).Info("config file loaded")
	}

	cfg := &model.Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(utils.DecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// BOT_TOKEN and LOG_CHANNEL_ID keep working without the prefix.
	if cfg.BotToken == "" {
		cfg.BotToken = os.Getenv("BOT_TOKEN")
	}
	if cfg.LogChannelID == "" {
		cfg.LogChannelID = os.Getenv("LOG_CHANNEL_ID")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "automod.db")
	}
	if cfg.RuleSetDir == "" {
		cfg.RuleSetDir = filepath.Join(cfg.DataDir, "rulesets")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.LogChannelID == "" {
		logger.Warn("LOG_CHANNEL_ID not set, log channel will be disabled")
	}

	sets, errs := utils.LoadRuleSets(cfg.RuleSetDir)
	for _, err := range errs {
		logger.WithError(err).Warn("rule set skipped")
	}
	cfg.RuleSets = sets

	return cfg, nil
}

// Validate checks the settings the bot cannot start without.
func Validate(cfg *model.Config) error {
	if cfg.BotToken == "" {
		return errors.New("BOT_TOKEN is not set")
	}
	return nil
}

// SetupLogging applies the level and format of cfg to logrus.
func SetupLogging(cfg *model.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logrus.SetLevel(level)
	switch cfg.LogFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
