package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qualys/costwatch/internal/models"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Auth           AuthConfig           `yaml:"auth"`
	Ingestion      IngestionConfig      `yaml:"ingestion"`
	Anomaly        AnomalyConfig        `yaml:"anomaly"`
	Recommendation RecommendationConfig `yaml:"recommendation"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Notifications  NotificationsConfig  `yaml:"notifications"`
	Logging        LoggingConfig        `yaml:"logging"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type NotificationsConfig struct {
	Slack SlackNotifyConfig `yaml:"slack"`
}

type SlackNotifyConfig struct {
	Enabled     bool            `yaml:"enabled"`
	WebhookURL  string          `yaml:"webhook_url"`
	Channel     string          `yaml:"channel"`
	Username    string          `yaml:"username"`
	MinSeverity models.Severity `yaml:"min_severity"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type IngestionConfig struct {
	ChunkSize    int           `yaml:"chunk_size"`
	MaxErrors    int           `yaml:"max_errors"`
	UploadDir    string        `yaml:"upload_dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type AnomalyConfig struct {
	LookbackDays  int     `yaml:"lookback_days"`
	Threshold     float64 `yaml:"threshold"`
	MinPoints     int     `yaml:"min_points"`
	AnnotateLimit int     `yaml:"annotate_limit"`
}

type RecommendationConfig struct {
	LookbackDays int `yaml:"lookback_days"`
}

type SchedulerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Nightly string `yaml:"nightly"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SlogLevel maps the configured level name, defaulting to info.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds a JSON or text handler writing to stderr.
func (c LoggingConfig) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// Path returns the config file location from CONFIG_PATH, or the default.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Validate rejects values the defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Notifications.Slack.MinSeverity.Rank() == 0 {
		return fmt.Errorf("unknown notification severity %q", c.Notifications.Slack.MinSeverity)
	}
	if c.Anomaly.Threshold < 0 {
		return fmt.Errorf("anomaly threshold must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"
		slog.Warn("using default JWT secret, set auth.jwt_secret in production")
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "costwatch"
	}

	if c.Ingestion.ChunkSize == 0 {
		c.Ingestion.ChunkSize = 1000
	}
	if c.Ingestion.MaxErrors == 0 {
		c.Ingestion.MaxErrors = models.MaxJobErrors
	}
	if c.Ingestion.UploadDir == "" {
		c.Ingestion.UploadDir = "uploads"
	}
	if c.Ingestion.PollInterval == 0 {
		c.Ingestion.PollInterval = 2 * time.Second
	}

	if c.Anomaly.LookbackDays == 0 {
		c.Anomaly.LookbackDays = 30
	}
	if c.Anomaly.Threshold == 0 {
		c.Anomaly.Threshold = 2.5
	}
	if c.Anomaly.MinPoints == 0 {
		c.Anomaly.MinPoints = 7
	}
	if c.Anomaly.AnnotateLimit == 0 {
		c.Anomaly.AnnotateLimit = 100
	}

	if c.Recommendation.LookbackDays == 0 {
		c.Recommendation.LookbackDays = 30
	}

	if c.Scheduler.Nightly == "" {
		c.Scheduler.Nightly = "0 0 2 * * *"
	}

	if c.Notifications.Slack.MinSeverity == "" {
		c.Notifications.Slack.MinSeverity = models.SeverityHigh
	}
	if c.Notifications.Slack.Username == "" {
		c.Notifications.Slack.Username = "costwatch"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
