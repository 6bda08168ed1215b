// Package config defines the top-level configuration for pmbot and provides
// loading and validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by PMBOT_* environment variables.
type Config struct {
	Postgres    PostgresConfig               `toml:"postgres"`
	Redis       RedisConfig                  `toml:"redis"`
	Broker      BrokerConfig                 `toml:"broker"`
	Coordinator CoordinatorConfig            `toml:"coordinator"`
	Risk        RiskConfig                   `toml:"risk"`
	Execution   ExecutionConfig              `toml:"execution"`
	Validation  ValidationConfig             `toml:"validation"`
	EOD         EODConfig                    `toml:"eod"`
	Rollover    RolloverConfig               `toml:"rollover"`
	Confirm     ConfirmConfig                `toml:"confirm"`
	Notify      NotifyConfig                 `toml:"notify"`
	S3          S3Config                     `toml:"s3"`
	Archive     ArchiveConfig                `toml:"archive"`
	Server      ServerConfig                 `toml:"server"`
	Instruments map[string]InstrumentConfig  `toml:"instruments"`
	TestMode    bool                         `toml:"test_mode"`
	LogLevel    string                       `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds connection parameters for the shared in-memory store.
// When Enabled is false the coordinator runs fail-closed as a permanent
// follower and the webhook layer refuses all signals.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// BrokerConfig holds the brokerage HTTP gateway parameters.
type BrokerConfig struct {
	Name           string  `toml:"name"`
	BaseURL        string  `toml:"base_url"`
	APIKey         string  `toml:"api_key"`
	Product        string  `toml:"product"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	QuoteTimeout   float64 `toml:"quote_timeout_seconds"`
	QuoteRetries   int     `toml:"quote_retries"`
}

// CoordinatorConfig controls leader election and split-brain detection.
type CoordinatorConfig struct {
	LeaderTTLSeconds       int     `toml:"leader_ttl_seconds"`
	HeartbeatRenewalRatio  float64 `toml:"heartbeat_renewal_ratio"`
	ElectionIntervalSec    float64 `toml:"election_interval_seconds"`
	SplitBrainCheckEvery   int     `toml:"split_brain_check_every"`
	LeaderFreshnessSeconds int     `toml:"leader_freshness_seconds"`
	HeartbeatStaleWarnSec  int     `toml:"heartbeat_stale_warning_seconds"`
	HeartbeatStaleCritSec  int     `toml:"heartbeat_stale_critical_seconds"`
	IdentityFile           string  `toml:"identity_file"`
}

// RiskConfig holds portfolio-wide sizing and gating parameters.
type RiskConfig struct {
	RiskPercent        float64 `toml:"risk_percent"`
	VolPercent         float64 `toml:"vol_percent"`
	MaxPortfolioRisk   float64 `toml:"max_portfolio_risk_percent"`
	MaxPortfolioVol    float64 `toml:"max_portfolio_vol_percent"`
	MaxPyramidLevels   int     `toml:"max_pyramid_levels"`
	PyramidShrink      float64 `toml:"pyramid_shrink_factor"`
	InitialCapital     float64 `toml:"initial_capital"`
}

// ExecutionConfig controls the order executor.
type ExecutionConfig struct {
	Strategy            string  `toml:"execution_strategy"`   // simple_limit | progressive
	PartialFillStrategy string  `toml:"partial_fill_strategy"` // cancel | wait | reattempt
	HardSlippageLimit   float64 `toml:"hard_slippage_limit"`
	LimitOffsets        []float64 `toml:"limit_offsets_pct"`
	AttemptTimeoutSec   int     `toml:"attempt_timeout_seconds"`
	PollIntervalSec     float64 `toml:"poll_interval_seconds"`
	PartialWaitSec      int     `toml:"partial_wait_seconds"`
	ReattemptBumpPct    float64 `toml:"reattempt_bump_pct"`
	MarketConfirmSec    int     `toml:"market_confirm_seconds"`
}

// ValidationConfig controls the two-stage signal validator. Divergence
// thresholds are fractions: 0.02 means 2%.
type ValidationConfig struct {
	Enabled                 bool    `toml:"signal_validation_enabled"`
	MaxSignalAgeSeconds     int     `toml:"max_signal_age_seconds"`
	BaseEntryDivergence     float64 `toml:"base_entry_divergence_threshold"`
	PyramidDivergence       float64 `toml:"pyramid_divergence_threshold"`
	DedupWindowSeconds      int     `toml:"dedup_window_seconds"`
}

// EODConfig controls the pre-close scheduler.
type EODConfig struct {
	Enabled             bool            `toml:"enabled"`
	InstrumentsEnabled  map[string]bool `toml:"instruments_enabled"`
	ConditionCheckSec   int             `toml:"condition_check_seconds"`
	ExecutionSec        int             `toml:"execution_seconds"`
	TrackingSec         int             `toml:"tracking_seconds"`
	MisfireGraceSec     int             `toml:"misfire_grace_seconds"`
	Workers             int             `toml:"workers"`
}

// RolloverConfig controls automatic contract rollover.
type RolloverConfig struct {
	Enabled          bool    `toml:"enable_auto_rollover"`
	InitialBufferPct float64 `toml:"rollover_initial_buffer_pct"`
	IncrementPct     float64 `toml:"rollover_increment_pct"`
	MaxRetries       int     `toml:"rollover_max_retries"`
	RetryIntervalSec int     `toml:"rollover_retry_interval_sec"`
	ScanIntervalMin  int     `toml:"scan_interval_minutes"`
}

// ConfirmConfig controls the dual-channel confirmation manager.
type ConfirmConfig struct {
	TimeoutSeconds int    `toml:"timeout_seconds"`
	DialogCommand  string `toml:"dialog_command"`
	TelegramToken  string `toml:"telegram_token"`
	TelegramChatID string `toml:"telegram_chat_id"`
}

// NotifyConfig holds operator alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// S3Config holds S3-compatible object storage parameters for audit archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls cold-storage export of old audit rows.
type ArchiveConfig struct {
	Enabled       bool `toml:"enabled"`
	RetentionDays int  `toml:"retention_days"`
	IntervalHours int  `toml:"interval_hours"`
}

// ServerConfig holds the HTTP ingress parameters. APIKey guards the
// operational endpoints; WebhookSecret authenticates the charting platform's
// webhook payloads. Either may be empty to disable its check.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	WebhookSecret   string   `toml:"webhook_secret"`
	RateLimitPerMin int      `toml:"rate_limit_per_minute"`
}

// InstrumentConfig holds per-instrument contract parameters. The map key in
// Config.Instruments is the instrument tag used in signals (e.g.
// "BANK_NIFTY").
type InstrumentConfig struct {
	LotSize          int     `toml:"lot_size"`
	PointValue       float64 `toml:"point_value"`
	MarginPerLot     float64 `toml:"margin_per_lot"`
	Exchange         string  `toml:"exchange"` // NFO | MCX
	SymbolRoot       string  `toml:"symbol_root"`
	TwoLeg           bool    `toml:"two_leg"` // synthetic future via options
	StrikeInterval   float64 `toml:"strike_interval"`
	PreferThousand   bool    `toml:"prefer_thousand_strikes"`
	UseMonthlyExpiry bool    `toml:"use_monthly_expiry"`
	RolloverDays     int     `toml:"rollover_days"`
	TrailATRMult     float64 `toml:"trail_atr_multiplier"`
	CloseTime        string  `toml:"close_time"` // HH:MM exchange-local
	Timezone         string  `toml:"timezone"`
	MarketOpen       string  `toml:"market_open"` // HH:MM
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validPartialFill = map[string]bool{
	"cancel": true, "wait": true, "reattempt": true,
}

var validExecStrategy = map[string]bool{
	"simple_limit": true, "progressive": true,
}

// LeaderTTL returns the leader key TTL as a duration.
func (c CoordinatorConfig) LeaderTTL() time.Duration {
	return time.Duration(c.LeaderTTLSeconds) * time.Second
}

// RenewalInterval returns how often the leader renews its lock.
func (c CoordinatorConfig) RenewalInterval() time.Duration {
	ratio := c.HeartbeatRenewalRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	return time.Duration(float64(c.LeaderTTL()) * ratio)
}

// ElectionInterval returns how often a follower attempts acquisition.
func (c CoordinatorConfig) ElectionInterval() time.Duration {
	return time.Duration(c.ElectionIntervalSec * float64(time.Second))
}

// Validate checks the configuration for internal consistency. It collects
// all problems rather than failing on the first one.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port %d out of range", c.Postgres.Port))
		}
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty when enabled")
	}

	if c.Broker.BaseURL == "" {
		errs = append(errs, "broker: base_url must not be empty")
	}

	if c.Coordinator.LeaderTTLSeconds <= 0 {
		errs = append(errs, "coordinator: leader_ttl_seconds must be positive")
	}
	if r := c.Coordinator.HeartbeatRenewalRatio; r <= 0 || r >= 1 {
		errs = append(errs, fmt.Sprintf("coordinator: heartbeat_renewal_ratio must be in (0,1), got %g", r))
	}

	if c.Risk.RiskPercent <= 0 || c.Risk.RiskPercent > 100 {
		errs = append(errs, fmt.Sprintf("risk: risk_percent %g out of range (0,100]", c.Risk.RiskPercent))
	}
	if c.Risk.InitialCapital <= 0 {
		errs = append(errs, "risk: initial_capital must be positive")
	}

	if !validExecStrategy[c.Execution.Strategy] {
		errs = append(errs, fmt.Sprintf("execution: unknown execution_strategy %q", c.Execution.Strategy))
	}
	if !validPartialFill[c.Execution.PartialFillStrategy] {
		errs = append(errs, fmt.Sprintf("execution: unknown partial_fill_strategy %q", c.Execution.PartialFillStrategy))
	}
	if c.Execution.HardSlippageLimit <= 0 {
		errs = append(errs, "execution: hard_slippage_limit must be positive")
	}

	if c.Validation.MaxSignalAgeSeconds <= 0 {
		errs = append(errs, "validation: max_signal_age_seconds must be positive")
	}

	if len(c.Instruments) == 0 {
		errs = append(errs, "instruments: at least one instrument must be configured")
	}
	for tag, ic := range c.Instruments {
		if ic.LotSize <= 0 {
			errs = append(errs, fmt.Sprintf("instruments.%s: lot_size must be positive", tag))
		}
		if ic.MarginPerLot <= 0 {
			errs = append(errs, fmt.Sprintf("instruments.%s: margin_per_lot must be positive", tag))
		}
		if ic.Exchange != "NFO" && ic.Exchange != "MCX" {
			errs = append(errs, fmt.Sprintf("instruments.%s: exchange must be NFO or MCX, got %q", tag, ic.Exchange))
		}
		if ic.SymbolRoot == "" {
			errs = append(errs, fmt.Sprintf("instruments.%s: symbol_root must not be empty", tag))
		}
		if ic.TwoLeg && ic.StrikeInterval <= 0 {
			errs = append(errs, fmt.Sprintf("instruments.%s: strike_interval must be positive for two-leg instruments", tag))
		}
		if _, err := parseClock(ic.CloseTime); err != nil {
			errs = append(errs, fmt.Sprintf("instruments.%s: close_time: %v", tag, err))
		}
		if ic.Timezone != "" {
			if _, err := time.LoadLocation(ic.Timezone); err != nil {
				errs = append(errs, fmt.Sprintf("instruments.%s: timezone: %v", tag, err))
			}
		}
	}

	if c.EOD.Enabled {
		if c.EOD.ConditionCheckSec <= c.EOD.ExecutionSec || c.EOD.ExecutionSec <= c.EOD.TrackingSec {
			errs = append(errs, "eod: offsets must satisfy condition_check > execution > tracking")
		}
		if c.EOD.Workers <= 0 {
			errs = append(errs, "eod: workers must be positive")
		}
	}

	if c.Confirm.TimeoutSeconds <= 0 {
		errs = append(errs, "confirm: timeout_seconds must be positive")
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "archive: s3.bucket must be set when archival is enabled")
		}
		if c.Archive.RetentionDays <= 0 {
			errs = append(errs, "archive: retention_days must be positive")
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// parseClock parses an "HH:MM" wall-clock string into hour and minute.
func parseClock(s string) (hm [2]int, err error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return hm, fmt.Errorf("want HH:MM, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return hm, fmt.Errorf("out of range: %q", s)
	}
	return [2]int{h, m}, nil
}

// CloseClock returns the parsed close_time. Call Validate first; invalid
// values return 00:00.
func (ic InstrumentConfig) CloseClock() (hour, minute int) {
	hm, err := parseClock(ic.CloseTime)
	if err != nil {
		return 0, 0
	}
	return hm[0], hm[1]
}

// OpenClock returns the parsed market_open, defaulting to 09:15.
func (ic InstrumentConfig) OpenClock() (hour, minute int) {
	if ic.MarketOpen == "" {
		return 9, 15
	}
	hm, err := parseClock(ic.MarketOpen)
	if err != nil {
		return 9, 15
	}
	return hm[0], hm[1]
}

// Location returns the instrument's exchange timezone, defaulting to
// Asia/Kolkata.
func (ic InstrumentConfig) Location() *time.Location {
	tz := ic.Timezone
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Defaults returns a Config populated with the documented default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "pmbot",
			User:          "pmbot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   50,
			MaxRetries: 3,
		},
		Broker: BrokerConfig{
			Name:           "openalgo",
			BaseURL:        "http://localhost:5000/api/v1",
			Product:        "NRML",
			TimeoutSeconds: 10,
			QuoteTimeout:   2,
			QuoteRetries:   3,
		},
		Coordinator: CoordinatorConfig{
			LeaderTTLSeconds:       10,
			HeartbeatRenewalRatio:  0.5,
			ElectionIntervalSec:    2.5,
			SplitBrainCheckEvery:   10,
			LeaderFreshnessSeconds: 30,
			HeartbeatStaleWarnSec:  30,
			HeartbeatStaleCritSec:  60,
			IdentityFile:           ".redis_instance_id",
		},
		Risk: RiskConfig{
			RiskPercent:      1.5,
			VolPercent:       2.0,
			MaxPortfolioRisk: 6.0,
			MaxPortfolioVol:  8.0,
			MaxPyramidLevels: 5,
			PyramidShrink:    0.8,
			InitialCapital:   1_000_000,
		},
		Execution: ExecutionConfig{
			Strategy:            "progressive",
			PartialFillStrategy: "cancel",
			HardSlippageLimit:   2.0,
			LimitOffsets:        []float64{0, 0.5, 1.0, 1.5},
			AttemptTimeoutSec:   10,
			PollIntervalSec:     2,
			PartialWaitSec:      30,
			ReattemptBumpPct:    0.1,
			MarketConfirmSec:    2,
		},
		Validation: ValidationConfig{
			Enabled:             true,
			MaxSignalAgeSeconds: 60,
			BaseEntryDivergence: 0.02,
			PyramidDivergence:   0.01,
			DedupWindowSeconds:  60,
		},
		EOD: EODConfig{
			Enabled:           true,
			ConditionCheckSec: 45,
			ExecutionSec:      30,
			TrackingSec:       15,
			MisfireGraceSec:   10,
			Workers:           4,
		},
		Rollover: RolloverConfig{
			Enabled:          true,
			InitialBufferPct: 0.25,
			IncrementPct:     0.05,
			MaxRetries:       5,
			RetryIntervalSec: 3,
			ScanIntervalMin:  30,
		},
		Confirm: ConfirmConfig{
			TimeoutSeconds: 30,
		},
		S3: S3Config{
			Region:         "us-east-1",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 30,
			IntervalHours: 24,
		},
		Server: ServerConfig{
			Port:            8080,
			RateLimitPerMin: 120,
		},
		Instruments: map[string]InstrumentConfig{
			"BANK_NIFTY": {
				LotSize:          15,
				PointValue:       1,
				MarginPerLot:     180_000,
				Exchange:         "NFO",
				SymbolRoot:       "BANKNIFTY",
				TwoLeg:           true,
				StrikeInterval:   100,
				PreferThousand:   false,
				UseMonthlyExpiry: true,
				RolloverDays:     7,
				TrailATRMult:     2.5,
				CloseTime:        "15:30",
				Timezone:         "Asia/Kolkata",
				MarketOpen:       "09:15",
			},
			"GOLD": {
				LotSize:          10,
				PointValue:       1,
				MarginPerLot:     120_000,
				Exchange:         "MCX",
				SymbolRoot:       "GOLDM",
				TwoLeg:           false,
				UseMonthlyExpiry: true,
				RolloverDays:     8,
				TrailATRMult:     2.5,
				CloseTime:        "23:30",
				Timezone:         "Asia/Kolkata",
				MarketOpen:       "09:00",
			},
		},
		LogLevel: "info",
	}
}
