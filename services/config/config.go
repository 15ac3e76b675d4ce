// Package config loads service settings from the environment and run
// definitions from YAML or JSON.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	HTTPPort       int
	GRPCPort       int
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int
}

type EngineConfig struct {
	MaxWorkers int
	QueueSize  int
}

type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	// HTTPURL is the HTTP interface used for batch inserts.
	HTTPURL   string
	BatchSize int
}

type AlpacaConfig struct {
	APIKey    string
	APISecret string
}

type StreamConfig struct {
	RedisAddr     string
	ChannelPrefix string
}

type RecorderConfig struct {
	SQLitePath string
}

type MarketDataConfig struct {
	// Source is one of clickhouse, alpaca or csv.
	Source string
	CSVDir string
}

type Config struct {
	Environment string
	Server      ServerConfig
	Engine      EngineConfig
	ClickHouse  ClickHouseConfig
	Alpaca      AlpacaConfig
	Stream      StreamConfig
	Recorder    RecorderConfig
	MarketData  MarketDataConfig
}

// Load reads the environment, after applying a .env file when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "production"),
		Server: ServerConfig{
			HTTPPort:       getEnvInt("HTTP_PORT", 8080),
			GRPCPort:       getEnvInt("GRPC_PORT", 9091),
			JWTSecret:      os.Getenv("JWT_SECRET"),
			RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 5),
			RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 10),
		},
		Engine: EngineConfig{
			MaxWorkers: getEnvInt("MAX_WORKERS", runtime.NumCPU()),
			QueueSize:  getEnvInt("QUEUE_SIZE", 64),
		},
		ClickHouse: ClickHouseConfig{
			Addr:      getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
			Database:  getEnv("CLICKHOUSE_DATABASE", "backtest"),
			Username:  getEnv("CLICKHOUSE_USER", "default"),
			Password:  os.Getenv("CLICKHOUSE_PASSWORD"),
			HTTPURL:   getEnv("CLICKHOUSE_HTTP_URL", "http://localhost:8123"),
			BatchSize: getEnvInt("CLICKHOUSE_BATCH_SIZE", 1000),
		},
		Alpaca: AlpacaConfig{
			APIKey:    os.Getenv("ALPACA_API_KEY"),
			APISecret: os.Getenv("ALPACA_API_SECRET"),
		},
		Stream: StreamConfig{
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			ChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "backtest"),
		},
		Recorder: RecorderConfig{
			SQLitePath: os.Getenv("SQLITE_PATH"),
		},
		MarketData: MarketDataConfig{
			Source: strings.ToLower(getEnv("BAR_SOURCE", "csv")),
			CSVDir: getEnv("BAR_CSV_DIR", "./data/bars"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDev reports whether development logging and defaults apply.
func (c *Config) IsDev() bool { return c.Environment == "dev" || c.Environment == "development" }

func (c *Config) Validate() error {
	for name, port := range map[string]int{"HTTP_PORT": c.Server.HTTPPort, "GRPC_PORT": c.Server.GRPCPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s %d out of range", name, port)
		}
	}
	if c.Engine.MaxWorkers <= 0 {
		return fmt.Errorf("MAX_WORKERS must be positive, got %d", c.Engine.MaxWorkers)
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive, got %d", c.Engine.QueueSize)
	}
	if c.Server.RateLimitRPS <= 0 || c.Server.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	switch c.MarketData.Source {
	case "clickhouse", "csv":
	case "alpaca":
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			return fmt.Errorf("BAR_SOURCE=alpaca needs ALPACA_API_KEY and ALPACA_API_SECRET")
		}
	default:
		return fmt.Errorf("unknown BAR_SOURCE %q", c.MarketData.Source)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}
