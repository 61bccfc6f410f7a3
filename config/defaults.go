package config

import "time"

// defaultConfig returns a Config pre-filled with every default the YAML
// file may omit. Validation runs after unmarshalling on top of these.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Venues: VenuesConfig{
			Polymarket: PolymarketConfig{
				WSURL:    "wss://ws-subscriptions-clob.polymarket.com/ws/market",
				ClobURL:  "https://clob.polymarket.com",
				GammaURL: "https://gamma-api.polymarket.com",
			},
			Kalshi: KalshiConfig{
				WSURL:  "wss://api.elections.kalshi.com/trade-api/ws/v2",
				APIURL: "https://api.elections.kalshi.com/trade-api/v2",
			},
		},
		Feed: FeedConfig{
			ReconnectBaseWait:  time.Second,
			ReconnectMaxWait:   time.Minute,
			StalenessThreshold: 90 * time.Second,
			SweepInterval:      15 * time.Second,
			RequestTimeout:     10 * time.Second,
			RateLimit:          RateLimit{RequestsPerSecond: 10, BurstSize: 20},
		},
		Exec: ExecConfig{
			Timeout:     15 * time.Second,
			RateLimit:   RateLimit{RequestsPerSecond: 5, BurstSize: 10},
			MaxSlippage: 0.05,
		},
		Engine: EngineConfig{
			BracketPollInterval: 5 * time.Second,
		},
		Breaker: BreakerConfig{
			MaxConsecutiveLosses: 3,
			MaxDailyTrades:       100,
			SessionPnLFloor:      -500,
			MaxErrorRate:         0.5,
			ErrorRateWindow:      20,
		},
		Storage: StorageConfig{
			Postgres: PostgresConfig{
				Port:    5432,
				SSLMode: "prefer",
			},
		},
		Recorder: RecorderConfig{
			Directory:     "data/updates",
			FlushInterval: time.Minute,
			BatchSize:     5000,
			Buffer:        10000,
		},
		Metrics: MetricsConfig{
			Namespace: "Tradeflow",
			Interval:  time.Minute,
		},
	}
}
