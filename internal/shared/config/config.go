package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	Database    DatabaseConfig    `koanf:"database"`
	KurrentDB   KurrentDBConfig   `koanf:"kurrentdb"`
	Auth        AuthConfig        `koanf:"auth"`
	Quota       QuotaConfig       `koanf:"quota"`
	Ledger      LedgerConfig      `koanf:"ledger"`
	Terminology TerminologyConfig `koanf:"terminology"`
	Extractor   ExtractorConfig   `koanf:"extractor"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
}

type ServerConfig struct {
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`
	// RateLimit is the steady-state request rate accepted on /extract
	RateLimit int `koanf:"rate_limit"`
	RateBurst int `koanf:"rate_burst"`
}

type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `koanf:"level"`
	// Format: json or console
	Format string `koanf:"format"`
}

// QuotaConfig holds the admission ceilings. The figures differ between
// deployments, so none of them is a constant. Zero disables a ceiling.
type QuotaConfig struct {
	HourlyCalls   int64   `koanf:"hourly_calls"`
	DailyCalls    int64   `koanf:"daily_calls"`
	DailyCost     float64 `koanf:"daily_cost"`
	AlertFraction float64 `koanf:"alert_fraction"`
	// CostPerCall is the estimate reserved before each extraction call
	CostPerCall float64 `koanf:"cost_per_call"`
	// HistoryDays is the default length of the daily history report
	HistoryDays int `koanf:"history_days"`
	// DailyRetention and HourlyRetention are the purge horizons
	DailyRetention  time.Duration `koanf:"daily_retention"`
	HourlyRetention time.Duration `koanf:"hourly_retention"`
}

type LedgerConfig struct {
	// Backend: "leveldb", "postgres" or "memory"
	Backend string `koanf:"backend"`
	// Path is the LevelDB directory
	Path string `koanf:"path"`
}

type TerminologyConfig struct {
	// Source: "rf2", "yaml" or "sqlserver"
	Source string `koanf:"source"`
	// Path is the RF2 snapshot directory or the YAML file
	Path string `koanf:"path"`
	// Language filters RF2 descriptions
	Language string `koanf:"language"`
	// DSN and Query configure the SQL Server source
	DSN   string `koanf:"dsn"`
	Query string `koanf:"query"`
}

type ExtractorConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
	Model   string `koanf:"model"`
	// Prices per million tokens
	InputPrice  float64 `koanf:"input_price"`
	OutputPrice float64 `koanf:"output_price"`
}

type PipelineConfig struct {
	HighPrecisionPasses int           `koanf:"high_precision_passes"`
	MaxAttempts         int           `koanf:"max_attempts"`
	CallTimeout         time.Duration `koanf:"call_timeout"`
	RetryDelay          time.Duration `koanf:"retry_delay"`
	// SimilarityThreshold is the normalized-term similarity above which
	// candidates from different passes are clustered together.
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	// Enabled publishes usage alerts to KurrentDB
	Enabled bool `koanf:"enabled"`
	// Host is the KurrentDB server hostname
	Host string `koanf:"host"`
	// Port is the gRPC/HTTP port (default 2113)
	Port int `koanf:"port"`
	// Insecure disables TLS (for development)
	Insecure bool `koanf:"insecure"`
	// Username for authentication (optional)
	Username string `koanf:"username"`
	// Password for authentication (optional)
	Password string `koanf:"password"`
	// Transport: "grpc", "http" or "auto" (HTTP first, then gRPC)
	Transport string `koanf:"transport"`
}

type DatabaseConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Database string `koanf:"name"`
	SSLMode  string `koanf:"sslmode"`
	// Pool limits for the usage ledger
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	MaxConnLifetime time.Duration `koanf:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `koanf:"max_conn_idle_time"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

type AuthConfig struct {
	// Enabled requires a bearer token on /api/v1
	Enabled   bool   `koanf:"enabled"`
	JWTSecret string `koanf:"jwt_secret"`
	// AdminRole is required for the emergency reset
	AdminRole string `koanf:"admin_role"`
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	q := c.Quota
	if q.HourlyCalls < 0 || q.DailyCalls < 0 || q.DailyCost < 0 {
		return fmt.Errorf("quota ceilings must not be negative")
	}
	if q.AlertFraction <= 0 || q.AlertFraction > 1 {
		return fmt.Errorf("quota.alert_fraction must be in (0,1], got %v", q.AlertFraction)
	}
	if q.CostPerCall < 0 {
		return fmt.Errorf("quota.cost_per_call must not be negative")
	}

	switch c.Ledger.Backend {
	case "leveldb":
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger.path is required for the leveldb backend")
		}
	case "postgres":
		if c.Database.MaxConns < 1 || c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
			return fmt.Errorf("database pool needs 0 <= min_conns <= max_conns and max_conns >= 1")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}

	switch c.Terminology.Source {
	case "rf2", "yaml":
		if c.Terminology.Path == "" {
			return fmt.Errorf("terminology.path is required for source %q", c.Terminology.Source)
		}
	case "sqlserver":
		if c.Terminology.DSN == "" {
			return fmt.Errorf("terminology.dsn is required for the sqlserver source")
		}
	default:
		return fmt.Errorf("unknown terminology source %q", c.Terminology.Source)
	}

	if c.Pipeline.HighPrecisionPasses < 3 {
		return fmt.Errorf("pipeline.high_precision_passes must be at least 3")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1")
	}
	if c.Pipeline.SimilarityThreshold <= 0 || c.Pipeline.SimilarityThreshold > 1 {
		return fmt.Errorf("pipeline.similarity_threshold must be in (0,1], got %v", c.Pipeline.SimilarityThreshold)
	}
	if c.KurrentDB.Enabled {
		switch c.KurrentDB.Transport {
		case "auto", "grpc", "http":
		default:
			return fmt.Errorf("unknown kurrentdb transport %q", c.KurrentDB.Transport)
		}
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	return nil
}
