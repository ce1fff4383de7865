package config

import (
	"aggregator/pkg/aggerrors"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config - корневая структура конфигурации приложения
type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	Server     ServerConfig     `yaml:"http-server"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Source     SourceConfig     `yaml:"source"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// MaxInflight bounds requests handled at once; 0 means unbounded.
	MaxInflight int64 `yaml:"max_inflight"`
	// RateLimit is PUTs per second across all sources; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type AggregatorConfig struct {
	DataDir            string        `yaml:"data_dir"`
	BackupDir          string        `yaml:"backup_dir"`
	ExpiryWindow       time.Duration `yaml:"expiry_window"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	AppendMaxAttempts  int           `yaml:"append_max_attempts"`
	AppendRetryDelay   time.Duration `yaml:"append_retry_delay"`
}

// SourceConfig is read by the content source and reader binaries.
type SourceConfig struct {
	ServerURL        string        `yaml:"server_url"`
	SourceID         string        `yaml:"source_id"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// DiscoveryConfig enables ZooKeeper registration when ZKServers is set.
type DiscoveryConfig struct {
	ZKServers      []string      `yaml:"zk_servers"`
	RootPath       string        `yaml:"root_path"`
	AdvertiseAddr  string        `yaml:"advertise_addr"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              4567,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
			MaxInflight:       64,
			RateLimit:         0,
			RateBurst:         100,
		},
		Aggregator: AggregatorConfig{
			DataDir:            "./data",
			BackupDir:          "./data/backups",
			ExpiryWindow:       30 * time.Second,
			SweepInterval:      time.Second,
			CheckpointInterval: time.Minute,
			AppendMaxAttempts:  3,
			AppendRetryDelay:   10 * time.Millisecond,
		},
		Source: SourceConfig{
			ServerURL:        "http://localhost:4567",
			RetryMaxAttempts: 3,
			RetryDelay:       time.Second,
			RetryMaxDelay:    10 * time.Second,
			RequestTimeout:   5 * time.Second,
		},
		Discovery: DiscoveryConfig{
			RootPath:       "/aggregator",
			SessionTimeout: 10 * time.Second,
		},
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{aggerrors.ErrInvalidArgument}, args...)...))
	}

	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		add("logger.level %q", c.Logger.Level)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("http-server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxInflight < 0 {
		add("http-server.max_inflight must not be negative")
	}
	if c.Server.RateLimit < 0 {
		add("http-server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		add("http-server.rate_burst must be positive when rate_limit is set")
	}

	a := c.Aggregator
	if a.DataDir == "" {
		add("aggregator.data_dir is required")
	}
	if a.ExpiryWindow <= 0 {
		add("aggregator.expiry_window must be positive")
	}
	if a.SweepInterval <= 0 {
		add("aggregator.sweep_interval must be positive")
	}
	if a.CheckpointInterval < 0 {
		add("aggregator.checkpoint_interval must not be negative")
	}
	if a.AppendMaxAttempts < 1 {
		add("aggregator.append_max_attempts must be at least 1")
	}

	if c.Source.RetryMaxAttempts < 1 {
		add("source.retry_max_attempts must be at least 1")
	}
	if c.Source.RetryDelay < 0 {
		add("source.retry_delay must not be negative")
	}

	if len(c.Discovery.ZKServers) > 0 && !strings.HasPrefix(c.Discovery.RootPath, "/") {
		add("discovery.root_path %q must be absolute", c.Discovery.RootPath)
	}

	return errors.Join(errs...)
}
