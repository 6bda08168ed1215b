package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PMBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PMBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Postgres.DSN, "PMBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PMBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PMBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PMBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PMBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PMBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PMBOT_POSTGRES_SSLMODE")
	setBool(&cfg.Postgres.RunMigrations, "PMBOT_POSTGRES_RUN_MIGRATIONS")

	setBool(&cfg.Redis.Enabled, "PMBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PMBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PMBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PMBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PMBOT_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "PMBOT_REDIS_TLS_ENABLED")

	setStr(&cfg.Broker.Name, "PMBOT_BROKER_NAME")
	setStr(&cfg.Broker.BaseURL, "PMBOT_BROKER_BASE_URL")
	setStr(&cfg.Broker.APIKey, "PMBOT_BROKER_API_KEY")
	setStr(&cfg.Broker.Product, "PMBOT_BROKER_PRODUCT")

	setInt(&cfg.Coordinator.LeaderTTLSeconds, "PMBOT_COORDINATOR_LEADER_TTL_SECONDS")
	setFloat64(&cfg.Coordinator.HeartbeatRenewalRatio, "PMBOT_COORDINATOR_HEARTBEAT_RENEWAL_RATIO")
	setFloat64(&cfg.Coordinator.ElectionIntervalSec, "PMBOT_COORDINATOR_ELECTION_INTERVAL_SECONDS")
	setStr(&cfg.Coordinator.IdentityFile, "PMBOT_COORDINATOR_IDENTITY_FILE")

	setFloat64(&cfg.Risk.RiskPercent, "PMBOT_RISK_PERCENT")
	setFloat64(&cfg.Risk.InitialCapital, "PMBOT_RISK_INITIAL_CAPITAL")

	setStr(&cfg.Execution.Strategy, "PMBOT_EXECUTION_STRATEGY")
	setStr(&cfg.Execution.PartialFillStrategy, "PMBOT_EXECUTION_PARTIAL_FILL_STRATEGY")
	setFloat64(&cfg.Execution.HardSlippageLimit, "PMBOT_EXECUTION_HARD_SLIPPAGE_LIMIT")

	setBool(&cfg.Validation.Enabled, "PMBOT_VALIDATION_ENABLED")
	setInt(&cfg.Validation.MaxSignalAgeSeconds, "PMBOT_VALIDATION_MAX_SIGNAL_AGE_SECONDS")

	setBool(&cfg.EOD.Enabled, "PMBOT_EOD_ENABLED")
	setBool(&cfg.Rollover.Enabled, "PMBOT_ROLLOVER_ENABLED")

	setInt(&cfg.Confirm.TimeoutSeconds, "PMBOT_CONFIRM_TIMEOUT_SECONDS")
	setStr(&cfg.Confirm.DialogCommand, "PMBOT_CONFIRM_DIALOG_COMMAND")
	setStr(&cfg.Confirm.TelegramToken, "PMBOT_CONFIRM_TELEGRAM_TOKEN")
	setStr(&cfg.Confirm.TelegramChatID, "PMBOT_CONFIRM_TELEGRAM_CHAT_ID")

	setStr(&cfg.Notify.TelegramToken, "PMBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PMBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PMBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PMBOT_NOTIFY_EVENTS")

	setStr(&cfg.S3.Endpoint, "PMBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PMBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PMBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PMBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PMBOT_S3_SECRET_KEY")

	setBool(&cfg.Archive.Enabled, "PMBOT_ARCHIVE_ENABLED")

	setInt(&cfg.Server.Port, "PMBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PMBOT_SERVER_CORS_ORIGINS")

	setBool(&cfg.TestMode, "PMBOT_TEST_MODE")
	setStr(&cfg.LogLevel, "PMBOT_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
