package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tradeflow TradeflowConfig `yaml:"tradeflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Venues    VenuesConfig    `yaml:"venues"`
	Feed      FeedConfig      `yaml:"feed"`
	Exec      ExecConfig      `yaml:"exec"`
	Engine    EngineConfig    `yaml:"engine"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Storage   StorageConfig   `yaml:"storage"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type TradeflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type VenuesConfig struct {
	Polymarket PolymarketConfig `yaml:"polymarket"`
	Kalshi     KalshiConfig     `yaml:"kalshi"`
}

type PolymarketConfig struct {
	Enabled  bool   `yaml:"enabled"`
	WSURL    string `yaml:"ws_url"`
	ClobURL  string `yaml:"clob_url"`
	GammaURL string `yaml:"gamma_url"`
	// DefaultFeeRate applies when the per-token fee lookup fails.
	DefaultFeeRate float64 `yaml:"default_fee_rate"`
	APIKey         string  `yaml:"api_key"`
	APISecret      string  `yaml:"api_secret"`
	Passphrase     string  `yaml:"passphrase"`
}

type KalshiConfig struct {
	Enabled bool   `yaml:"enabled"`
	WSURL   string `yaml:"ws_url"`
	APIURL  string `yaml:"api_url"`
	APIKey  string `yaml:"api_key"`
}

type FeedConfig struct {
	ReconnectBaseWait  time.Duration `yaml:"reconnect_base_wait"`
	ReconnectMaxWait   time.Duration `yaml:"reconnect_max_wait"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	RateLimit          RateLimit     `yaml:"rate_limit"`
}

type RateLimit struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ExecConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	RateLimit   RateLimit     `yaml:"rate_limit"`
	MaxSlippage float64       `yaml:"max_slippage"`
}

type EngineConfig struct {
	BracketPollInterval time.Duration `yaml:"bracket_poll_interval"`
}

type BreakerConfig struct {
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	MaxDailyTrades       int     `yaml:"max_daily_trades"`
	SessionPnLFloor      float64 `yaml:"session_pnl_floor"`
	MaxErrorRate         float64 `yaml:"max_error_rate"`
	ErrorRateWindow      int     `yaml:"error_rate_window"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN builds a pgx connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, sslMode)
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Directory     string        `yaml:"directory"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	Buffer        int           `yaml:"buffer"`

	// Markets to archive, as "venue:market_id" pairs.
	Markets []string `yaml:"markets"`
}

type MetricsConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Region    string        `yaml:"region"`
	Namespace string        `yaml:"namespace"`
	Interval  time.Duration `yaml:"interval"`
}

// LoadConfig reads and validates the YAML configuration at path.
// Credentials may be overridden from the environment.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func applyEnvOverrides(config *Config) {
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		config.Storage.Postgres.Password = strings.TrimSpace(v)
	}
	if v := os.Getenv("KALSHI_API_KEY"); v != "" {
		config.Venues.Kalshi.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("POLY_API_KEY"); v != "" {
		config.Venues.Polymarket.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("POLY_API_SECRET"); v != "" {
		config.Venues.Polymarket.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("POLY_PASSPHRASE"); v != "" {
		config.Venues.Polymarket.Passphrase = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tradeflow.Name == "" {
		return fmt.Errorf("tradeflow.name is required")
	}
	if cfg.Tradeflow.Version == "" {
		return fmt.Errorf("tradeflow.version is required")
	}

	if !cfg.Venues.Polymarket.Enabled && !cfg.Venues.Kalshi.Enabled {
		return fmt.Errorf("at least one venue must be enabled")
	}
	if cfg.Venues.Polymarket.Enabled && cfg.Venues.Polymarket.WSURL == "" {
		return fmt.Errorf("venues.polymarket.ws_url is required when polymarket is enabled")
	}
	if cfg.Venues.Kalshi.Enabled && cfg.Venues.Kalshi.WSURL == "" {
		return fmt.Errorf("venues.kalshi.ws_url is required when kalshi is enabled")
	}

	if cfg.Feed.StalenessThreshold <= 0 {
		return fmt.Errorf("feed.staleness_threshold must be greater than 0")
	}
	if cfg.Feed.SweepInterval <= 0 {
		return fmt.Errorf("feed.sweep_interval must be greater than 0")
	}
	if cfg.Feed.ReconnectBaseWait <= 0 || cfg.Feed.ReconnectMaxWait < cfg.Feed.ReconnectBaseWait {
		return fmt.Errorf("feed.reconnect_base_wait and feed.reconnect_max_wait must form a valid backoff range")
	}

	if cfg.Exec.Timeout <= 0 {
		return fmt.Errorf("exec.timeout must be greater than 0")
	}
	if cfg.Exec.MaxSlippage < 0 {
		return fmt.Errorf("exec.max_slippage must not be negative")
	}

	if cfg.Breaker.MaxConsecutiveLosses < 0 || cfg.Breaker.MaxDailyTrades < 0 {
		return fmt.Errorf("breaker thresholds must not be negative")
	}
	if cfg.Breaker.MaxErrorRate < 0 || cfg.Breaker.MaxErrorRate > 1 {
		return fmt.Errorf("breaker.max_error_rate must be within [0,1]")
	}

	if cfg.Storage.Postgres.Enabled {
		if cfg.Storage.Postgres.Host == "" {
			return fmt.Errorf("storage.postgres.host is required when postgres is enabled")
		}
		if cfg.Storage.Postgres.Database == "" {
			return fmt.Errorf("storage.postgres.database is required when postgres is enabled")
		}
		if cfg.Storage.Postgres.User == "" {
			return fmt.Errorf("storage.postgres.user is required when postgres is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
	}

	if cfg.Recorder.Enabled {
		if cfg.Recorder.Directory == "" {
			return fmt.Errorf("recorder.directory is required when the recorder is enabled")
		}
		if cfg.Recorder.FlushInterval <= 0 {
			return fmt.Errorf("recorder.flush_interval must be greater than 0")
		}
	}

	return nil
}
