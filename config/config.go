package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Logging   LoggingConfig   `yaml:"logging"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Funding   FundingConfig   `yaml:"funding"`
	Arbitrage ArbitrageConfig `yaml:"arbitrage"`
	Liquidity LiquidityConfig `yaml:"liquidity"`
	Risk      RiskConfig      `yaml:"risk"`
	Venue     VenueConfig     `yaml:"venue"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Journal   JournalConfig   `yaml:"journal"`
	Server    ServerConfig    `yaml:"server"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string                 `yaml:"level"`
	Format string                 `yaml:"format"`
	Output string                 `yaml:"output"`
	MaxAge int                    `yaml:"max_age"`
	Fields map[string]interface{} `yaml:"fields"`
}

// OracleConfig drives the price source chain. RefreshInterval doubles as the
// cache TTL; MaxPriceAge rejects source quotes whose timestamp is too old.
type OracleConfig struct {
	RefreshInterval time.Duration     `yaml:"refresh_interval"`
	MaxPriceAge     time.Duration     `yaml:"max_price_age"`
	RateLimit       RateLimitConfig   `yaml:"rate_limit"`
	CircuitBreaker  BreakerConfig     `yaml:"circuit_breaker"`
	PrimaryFeed     HTTPSourceConfig  `yaml:"primary_feed"`
	MultiOracle     MultiOracleConfig `yaml:"multi_oracle"`
	Pyth            PythConfig        `yaml:"pyth"`
	CEX             HTTPSourceConfig  `yaml:"cex"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type BreakerConfig struct {
	FailureThreshold    uint32        `yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxRequests uint32        `yaml:"half_open_max_requests"`
}

type HTTPSourceConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// MultiOracleConfig lists aggregator contracts per symbol. Contracts are tried
// in order and the first valid answer wins.
type MultiOracleConfig struct {
	Enabled bool                `yaml:"enabled"`
	RPCURL  string              `yaml:"rpc_url"`
	Timeout time.Duration       `yaml:"timeout"`
	Feeds   map[string][]string `yaml:"feeds"`
}

type PythConfig struct {
	Enabled  bool              `yaml:"enabled"`
	URL      string            `yaml:"url"`
	Timeout  time.Duration     `yaml:"timeout"`
	PriceIDs map[string]string `yaml:"price_ids"`
}

type FundingConfig struct {
	VenueTimeout         time.Duration      `yaml:"venue_timeout"`
	DefaultIntervalHours float64            `yaml:"default_interval_hours"`
	Binance              FundingVenueConfig `yaml:"binance"`
	Bybit                FundingVenueConfig `yaml:"bybit"`
	Kucoin               FundingVenueConfig `yaml:"kucoin"`
	Hyperliquid          FundingVenueConfig `yaml:"hyperliquid"`
}

type FundingVenueConfig struct {
	Enabled       bool            `yaml:"enabled"`
	URL           string          `yaml:"url"`
	IntervalHours float64         `yaml:"interval_hours"`
	Confidence    float64         `yaml:"confidence"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

type ArbitrageConfig struct {
	Symbols         []string      `yaml:"symbols"`
	MinAnnualReturn float64       `yaml:"min_annual_return"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	ScanInterval    time.Duration `yaml:"scan_interval"`
	Notional        float64       `yaml:"notional"`
	Leverage        float64       `yaml:"leverage"`
	StableToken     string        `yaml:"stable_token"`
}

type LiquidityConfig struct {
	DefaultVolatility float64            `yaml:"default_volatility"`
	Volatility        map[string]float64 `yaml:"volatility"`
	Threshold         float64            `yaml:"threshold"`
}

type RiskConfig struct {
	ILVolatilityFactor  float64 `yaml:"il_volatility_factor"`
	DefaultPreference   string  `yaml:"default_preference"`
	FundingCostEstimate float64 `yaml:"funding_cost_estimate"`
	CollarCostEstimate  float64 `yaml:"collar_cost_estimate"`
	RebalanceCost       float64 `yaml:"rebalance_cost"`
}

type VenueConfig struct {
	Geography  string         `yaml:"geography"`
	Preference string         `yaml:"preference"`
	Coinbase   CoinbaseConfig `yaml:"coinbase"`
}

type CoinbaseConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// Configured reports whether both credentials are present.
func (c CoinbaseConfig) Configured() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APISecret) != ""
}

type MetricsConfig struct {
	Prometheus bool             `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type JournalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Compression     string        `yaml:"compression"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxBuffer       int           `yaml:"max_buffer"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration used before the YAML file is applied.
func Default() Config {
	return Config{
		App: AppConfig{Name: "hedgeflow", Version: "dev"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Oracle: OracleConfig{
			RefreshInterval: 30 * time.Second,
			MaxPriceAge:     5 * time.Minute,
			RateLimit:       RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5},
			CircuitBreaker: BreakerConfig{
				FailureThreshold:    3,
				RecoveryTimeout:     30 * time.Second,
				HalfOpenMaxRequests: 1,
			},
			PrimaryFeed: HTTPSourceConfig{Timeout: 5 * time.Second},
			MultiOracle: MultiOracleConfig{Timeout: 5 * time.Second},
			Pyth: PythConfig{
				URL:     "https://hermes.pyth.network",
				Timeout: 5 * time.Second,
			},
			CEX: HTTPSourceConfig{
				Enabled: true,
				URL:     "https://api.binance.com",
				Timeout: 5 * time.Second,
			},
		},
		Funding: FundingConfig{
			VenueTimeout:         5 * time.Second,
			DefaultIntervalHours: 8,
			Binance:              FundingVenueConfig{Enabled: true, URL: "https://fapi.binance.com", IntervalHours: 8, Confidence: 0.9},
			Bybit:                FundingVenueConfig{Enabled: true, URL: "https://api.bybit.com", IntervalHours: 8, Confidence: 0.9},
			Kucoin:               FundingVenueConfig{Enabled: true, URL: "https://api-futures.kucoin.com", IntervalHours: 8, Confidence: 0.85},
			Hyperliquid:          FundingVenueConfig{Enabled: true, URL: "https://api.hyperliquid.xyz", IntervalHours: 1, Confidence: 0.75},
		},
		Arbitrage: ArbitrageConfig{
			Symbols:         []string{"BTC", "ETH"},
			MinAnnualReturn: 0.01,
			ScanTimeout:     30 * time.Second,
			ScanInterval:    5 * time.Minute,
			Notional:        1000,
			Leverage:        1,
			StableToken:     "USDC",
		},
		Liquidity: LiquidityConfig{
			DefaultVolatility: 0.1,
			Threshold:         0.02,
		},
		Risk: RiskConfig{
			ILVolatilityFactor:  0.1,
			DefaultPreference:   "balanced",
			FundingCostEstimate: 0.10,
			CollarCostEstimate:  0.05,
			RebalanceCost:       0.002,
		},
		Venue: VenueConfig{Geography: "unknown"},
		Metrics: MetricsConfig{
			Prometheus: true,
			CloudWatch: CloudWatchConfig{Namespace: "Hedgeflow", Dashboard: "Hedgeflow"},
		},
		Journal: JournalConfig{
			Compression:   "snappy",
			FlushInterval: time.Minute,
			MaxBuffer:     256,
		},
		Server: ServerConfig{Address: ":8080"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Journal.Bucket = strings.TrimSpace(config.Journal.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("COINBASE_API_KEY"); v != "" {
		config.Venue.Coinbase.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("COINBASE_API_SECRET"); v != "" {
		config.Venue.Coinbase.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("HEDGEFLOW_GEOGRAPHY"); v != "" {
		config.Venue.Geography = strings.TrimSpace(v)
	}
	if v := os.Getenv("ETH_RPC_URL"); v != "" {
		config.Oracle.MultiOracle.RPCURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		config.Journal.Region = strings.TrimSpace(v)
		if config.Metrics.CloudWatch.Region == "" {
			config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
		}
	}
	if config.Journal.Enabled {
		if v := os.Getenv("JOURNAL_BUCKET"); v != "" {
			config.Journal.Bucket = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Journal.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Journal.SecretAccessKey = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if cfg.Oracle.RefreshInterval <= 0 {
		return fmt.Errorf("oracle.refresh_interval must be greater than 0")
	}
	if cfg.Oracle.MaxPriceAge <= 0 {
		return fmt.Errorf("oracle.max_price_age must be greater than 0")
	}
	if cfg.Oracle.MultiOracle.Enabled && cfg.Oracle.MultiOracle.RPCURL == "" {
		return fmt.Errorf("oracle.multi_oracle.rpc_url is required when the multi oracle is enabled")
	}

	if cfg.Funding.VenueTimeout <= 0 {
		return fmt.Errorf("funding.venue_timeout must be greater than 0")
	}
	if cfg.Funding.DefaultIntervalHours <= 0 {
		return fmt.Errorf("funding.default_interval_hours must be greater than 0")
	}

	if len(cfg.Arbitrage.Symbols) == 0 {
		return fmt.Errorf("arbitrage.symbols must not be empty")
	}
	if cfg.Arbitrage.MinAnnualReturn < 0 {
		return fmt.Errorf("arbitrage.min_annual_return must not be negative")
	}
	if cfg.Arbitrage.ScanTimeout <= 0 {
		return fmt.Errorf("arbitrage.scan_timeout must be greater than 0")
	}
	if cfg.Arbitrage.Notional <= 0 {
		return fmt.Errorf("arbitrage.notional must be greater than 0")
	}
	if cfg.Arbitrage.Leverage <= 0 {
		return fmt.Errorf("arbitrage.leverage must be greater than 0")
	}

	if cfg.Liquidity.DefaultVolatility <= 0 || cfg.Liquidity.DefaultVolatility >= 1 {
		return fmt.Errorf("liquidity.default_volatility must be between 0 and 1")
	}
	for symbol, v := range cfg.Liquidity.Volatility {
		if v <= 0 || v >= 1 {
			return fmt.Errorf("liquidity.volatility.%s must be between 0 and 1", symbol)
		}
	}
	if cfg.Liquidity.Threshold < 0 {
		return fmt.Errorf("liquidity.threshold must not be negative")
	}

	if cfg.Risk.ILVolatilityFactor <= 0 {
		return fmt.Errorf("risk.il_volatility_factor must be greater than 0")
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.Bucket == "" {
			return fmt.Errorf("journal.bucket is required when the journal is enabled")
		}
		if cfg.Journal.Region == "" {
			return fmt.Errorf("journal.region is required when the journal is enabled")
		}
		if !isValidS3Bucket(cfg.Journal.Bucket) {
			return fmt.Errorf("journal.bucket '%s' is invalid", cfg.Journal.Bucket)
		}
		if cfg.Journal.FlushInterval <= 0 {
			return fmt.Errorf("journal.flush_interval must be greater than 0")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
