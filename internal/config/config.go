package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the scanpoll gateway.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AMQP     AMQPConfig
	Analysis AnalysisConfig
	Study    StudyConfig
	Poll     PollConfig
}

type ServerConfig struct {
	Port             int
	Env              string
	RateLimitPerMin  int
	SnapshotCacheTTL time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// AMQPConfig is optional; an empty URL disables event publishing.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AnalysisConfig locates the Remote Analysis Service.
type AnalysisConfig struct {
	BaseURL string
	Timeout time.Duration
}

// StudyConfig locates the Study Metadata Service (the Orthanc proxy).
type StudyConfig struct {
	BaseURL       string
	StudyTimeout  time.Duration
	SeriesTimeout time.Duration
	MaxSeries     int
}

// PollConfig bounds the job polling loop.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
	Ceiling     time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory, if present, is loaded first; variables already
// set in the environment take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:             envInt("SCANPOLL_PORT", 8080),
			Env:              envString("SCANPOLL_ENV", "development"),
			RateLimitPerMin:  envInt("RATE_LIMIT_PER_MIN", 60),
			SnapshotCacheTTL: envDuration("SNAPSHOT_CACHE_TTL", 30*time.Minute),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "json"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AMQP: AMQPConfig{
			URL:      os.Getenv("AMQP_URL"),
			Exchange: envString("AMQP_EXCHANGE", "scanpoll.analysis"),
		},
		Analysis: AnalysisConfig{
			BaseURL: strings.TrimRight(os.Getenv("ANALYSIS_BASE_URL"), "/"),
			Timeout: envDuration("ANALYSIS_TIMEOUT", 5*time.Second),
		},
		Study: StudyConfig{
			BaseURL:       strings.TrimRight(os.Getenv("STUDY_BASE_URL"), "/"),
			StudyTimeout:  envDuration("STUDY_TIMEOUT", 5*time.Second),
			SeriesTimeout: envDuration("SERIES_TIMEOUT", 3*time.Second),
			MaxSeries:     envInt("STUDY_MAX_SERIES", 3),
		},
		Poll: PollConfig{
			Interval:    envDuration("POLL_INTERVAL", 2*time.Second),
			MaxAttempts: envInt("POLL_MAX_ATTEMPTS", 450),
			Ceiling:     envDuration("POLL_CEILING", 45*time.Minute),
		},
	}

	if cfg.Study.BaseURL == "" {
		cfg.Study.BaseURL = cfg.Analysis.BaseURL + "/proxy/orthanc"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Analysis.BaseURL == "" {
		return fmt.Errorf("ANALYSIS_BASE_URL is required")
	}
	if !isHTTPURL(c.Analysis.BaseURL) {
		return fmt.Errorf("ANALYSIS_BASE_URL must start with http:// or https://, got %q", c.Analysis.BaseURL)
	}
	if !isHTTPURL(c.Study.BaseURL) {
		return fmt.Errorf("STUDY_BASE_URL must start with http:// or https://, got %q", c.Study.BaseURL)
	}

	if c.Poll.Interval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.Ceiling < c.Poll.Interval {
		return fmt.Errorf("POLL_CEILING (%s) must not be shorter than POLL_INTERVAL (%s)", c.Poll.Ceiling, c.Poll.Interval)
	}
	if c.Poll.MaxAttempts < 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must not be negative, got %d", c.Poll.MaxAttempts)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be one of json, console; got %q", c.Log.Format)
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
