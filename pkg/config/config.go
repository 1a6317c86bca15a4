package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the read API's HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// FeedConfig controls the feed adapter, backfill engine, input assembler,
// and retention pruning loop.
type FeedConfig struct {
	Provider              string   `json:"provider" env:"FEED_PROVIDER"`
	Endpoint              string   `json:"endpoint" env:"FEED_ENDPOINT"`
	Transport             string   `json:"transport" env:"FEED_TRANSPORT"`
	Subjects              []string `json:"subjects" env:"FEED_SUBJECTS"`
	Kind                  string   `json:"kind" env:"FEED_KIND"`
	Granularity           string   `json:"granularity" env:"FEED_GRANULARITY"`
	PollSeconds           int      `json:"poll_seconds" env:"FEED_POLL_SECONDS"`
	BackfillMinutes       int      `json:"backfill_minutes" env:"FEED_BACKFILL_MINUTES"`
	CandlesWindow         int      `json:"candles_window" env:"FEED_CANDLES_WINDOW"`
	RecordTTLDays         int      `json:"record_ttl_days" env:"FEED_RECORD_TTL_DAYS"`
	RetentionCheckSeconds int      `json:"retention_check_seconds" env:"FEED_RETENTION_CHECK_SECONDS"`
	DataDir               string   `json:"data_dir" env:"FEED_DATA_DIR"`
}

// ModelRunnerConfig controls how the predict dispatcher reaches the model
// runner sidecar.
type ModelRunnerConfig struct {
	Target             string  `json:"target" env:"MODEL_RUNNER_TARGET"`
	TimeoutSeconds     int     `json:"timeout_seconds" env:"MODEL_RUNNER_TIMEOUT_SECONDS"`
	RateLimitPerSecond float64 `json:"rate_limit_per_second" env:"MODEL_RUNNER_RATE_LIMIT_PER_SECOND"`
	RateLimitBurst     int     `json:"rate_limit_burst" env:"MODEL_RUNNER_RATE_LIMIT_BURST"`
}

// Timeout returns the configured model runner timeout as a duration.
func (m ModelRunnerConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// GatewayConfig points at the mTLS material used to reach the model runner
// and any other gateway-fronted internal service.
type GatewayConfig struct {
	CertDir       string `json:"cert_dir" env:"GATEWAY_CERT_DIR"`
	SecureCertDir string `json:"secure_cert_dir" env:"SECURE_CERT_DIR"`
}

// APIConfig controls the read API's auth gating and route scoping.
type APIConfig struct {
	Key            string   `json:"key" env:"API_KEY"`
	ReadAuth       bool     `json:"read_auth" env:"API_READ_AUTH"`
	PublicPrefixes []string `json:"public_prefixes" env:"API_PUBLIC_PREFIXES"`
	AdminPrefixes  []string `json:"admin_prefixes" env:"API_ADMIN_PREFIXES"`
}

// CheckpointConfig controls the emission checkpoint cadence.
type CheckpointConfig struct {
	IntervalSeconds int    `json:"interval_seconds" env:"CHECKPOINT_INTERVAL_SECONDS"`
	CronExpr        string `json:"cron_expr" env:"CHECKPOINT_CRON_EXPR"`
}

// ScheduleConfig points at the static prediction-config manifest loaded into
// the schedule registry at startup.
type ScheduleConfig struct {
	ConfigsPath string `json:"configs_path" env:"SCHEDULED_PREDICTION_CONFIGS_PATH"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Logging     LoggingConfig     `json:"logging"`
	Feed        FeedConfig        `json:"feed"`
	ModelRunner ModelRunnerConfig `json:"model_runner"`
	Gateway     GatewayConfig     `json:"gateway"`
	API         APIConfig         `json:"api"`
	Checkpoint  CheckpointConfig  `json:"checkpoint"`
	Schedule    ScheduleConfig    `json:"schedule"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Name:            "coordinator",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "coordinator",
		},
		Feed: FeedConfig{
			Provider:              "binance",
			Endpoint:              "https://api.binance.com/api/v3",
			Transport:             "http",
			Subjects:              []string{"BTCUSDT"},
			Kind:                  "candle",
			Granularity:           "1m",
			PollSeconds:           5,
			BackfillMinutes:       1440,
			CandlesWindow:         240,
			RecordTTLDays:         30,
			RetentionCheckSeconds: 3600,
			DataDir:               "data/backfill",
		},
		ModelRunner: ModelRunnerConfig{
			Target:             "http://localhost:9090",
			TimeoutSeconds:     30,
			RateLimitPerSecond: 5,
			RateLimitBurst:     10,
		},
		API: APIConfig{
			ReadAuth:       true,
			PublicPrefixes: []string{"/healthz", "/readyz"},
			AdminPrefixes:  []string{"/admin"},
		},
		Checkpoint: CheckpointConfig{IntervalSeconds: 86400},
		Schedule:   ScheduleConfig{ConfigsPath: "configs/prediction_configs.yaml"},
	}
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig loads a JSON config file over the defaults and applies the
// DATABASE_URL override.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// applyDatabaseURLOverride lets a single DATABASE_URL env var win over any
// discrete host/port/user fields, matching how most managed Postgres hosts
// hand out credentials.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
