package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Config is the full runtime configuration. A JSON config file is
// preferred; absent one, everything falls back to environment
// variables with the documented defaults.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Scheduler SchedulerConfig `json:"scheduler"`
	LogLevel  string          `json:"log_level"`
	SeedJobs  string          `json:"seed_jobs"`
}

type ServerConfig struct {
	Port         string `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
}

type DatabaseConfig struct {
	URL string `json:"url"`
}

type SchedulerConfig struct {
	MaxWorkers           int `json:"max_workers"`
	RequestTimeoutSecs   int `json:"request_timeout_seconds"`
	MaxRetries           int `json:"max_retries"`
	RefreshIntervalSecs  int `json:"refresh_interval_seconds"`
	BackoffCapSecs       int `json:"backoff_cap_seconds"`
	ResponseCaptureBytes int `json:"response_capture_bytes"`
}

func (c SchedulerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

func (c SchedulerConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSecs) * time.Second
}

func (c SchedulerConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSecs) * time.Second
}

// Load reads configPath if it exists, otherwise builds the config from
// the environment.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return FromEnv(), nil
	}

	config := FromEnv()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// FromEnv builds a config from environment variables alone.
func FromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", "data/cronhook.db"),
		},
		Scheduler: SchedulerConfig{
			MaxWorkers:           getEnvInt("MAX_WORKERS", 20),
			RequestTimeoutSecs:   getEnvInt("REQUEST_TIMEOUT", 30),
			MaxRetries:           getEnvInt("MAX_RETRIES", 3),
			RefreshIntervalSecs:  getEnvInt("REFRESH_INTERVAL", 60),
			BackoffCapSecs:       getEnvInt("BACKOFF_CAP_SECONDS", 64),
			ResponseCaptureBytes: getEnvInt("RESPONSE_CAPTURE_BYTES", 4096),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
		SeedJobs: getEnv("SEED_JOBS_FILE", ""),
	}
}

// ParseLogLevel maps the configured level onto logrus, defaulting to
// info on junk input.
func (c *Config) ParseLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
