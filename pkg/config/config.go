// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Theme, HMM, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	themeerrors "github.com/arjunv/themeflow/pkg/errors"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Theme    ThemeConfig    `yaml:"theme"`
	HMM      HMMConfig      `yaml:"hmm"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds RPC/metrics server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	PartitionReady string `yaml:"partitionReady"`
	FitComplete    string `yaml:"fitComplete"`
	DecodeComplete string `yaml:"decodeComplete"`
}

// RedisConfig holds Redis connection and result-cache parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// ThemeConfig controls the EM theme fitter.
type ThemeConfig struct {
	K                int           `yaml:"k"`
	LambdaBackground float64       `yaml:"lambdaBackground"`
	EMRestarts       int           `yaml:"emRestarts"`
	EMMaxIterations  int           `yaml:"emMaxIterations"`
	EMConvergenceEps float64       `yaml:"emConvergenceEps"`
	ThemeFilterTau   float64       `yaml:"themeFilterTau"`
	BackgroundFloor  float64       `yaml:"backgroundFloor"`
	RNGSeed          uint64        `yaml:"rngSeed"`
	FitTimeout       time.Duration `yaml:"fitTimeout"`
}

// HMMConfig controls block-parallel Baum-Welch training and Viterbi
// decoding.
type HMMConfig struct {
	BWMaxIterations          int     `yaml:"bwMaxIterations"`
	PiThreshold              float64 `yaml:"piThreshold"`
	AThreshold               float64 `yaml:"aThreshold"`
	BWBlockSize              int     `yaml:"bwBlockSize"`
	ViterbiBlockSize         int     `yaml:"viterbiBlockSize"`
	ForceSequentialBaumWelch bool    `yaml:"forceSequentialBaumWelch"`
	SequentialThreshold      int64   `yaml:"sequentialThreshold"`
	MaxWorkers               int     `yaml:"maxWorkers"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls distributed tracing (sample rate, endpoint).
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sampleRate"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "themeflow",
			User:            "themeflow",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "themeflow-group",
			Topics: KafkaTopics{
				PartitionReady: "partition-ready",
				FitComplete:    "fit-complete",
				DecodeComplete: "decode-complete",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Theme: ThemeConfig{
			K:                10,
			LambdaBackground: 0.92,
			EMRestarts:       5,
			EMMaxIterations:  30,
			EMConvergenceEps: 1e-3,
			ThemeFilterTau:   2.0,
			BackgroundFloor:  1e-10,
			RNGSeed:          42,
			FitTimeout:       5 * time.Minute,
		},
		HMM: HMMConfig{
			BWMaxIterations:          100,
			PiThreshold:              1e-4,
			AThreshold:               1e-4,
			BWBlockSize:              1048576,
			ViterbiBlockSize:         1048576,
			ForceSequentialBaumWelch: false,
			SequentialThreshold:      1_000_000_000,
			MaxWorkers:               0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads TF_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TF_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TF_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("TF_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("TF_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("TF_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("TF_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("TF_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("TF_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("TF_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TF_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TF_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TF_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("TF_THEME_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil {
			cfg.Theme.K = k
		}
	}
	if v := os.Getenv("TF_THEME_LAMBDA_BACKGROUND"); v != "" {
		if lambda, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Theme.LambdaBackground = lambda
		}
	}
	if v := os.Getenv("TF_THEME_RNG_SEED"); v != "" {
		if seed, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Theme.RNGSeed = seed
		}
	}
	if v := os.Getenv("TF_HMM_BW_BLOCK_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.HMM.BWBlockSize = size
		}
	}
	if v := os.Getenv("TF_HMM_FORCE_SEQUENTIAL"); v != "" {
		cfg.HMM.ForceSequentialBaumWelch = v == "true" || v == "1"
	}
}

// Validate checks that Theme and HMM parameters fall within the ranges the
// numerical core requires, returning the taxonomy's InvalidConfiguration
// sentinel-wrapped errors from pkg/errors rather than ad hoc messages.
func (c *Config) Validate() error {
	if c.Theme.K < 1 {
		return fmt.Errorf("%w: theme.k must be >= 1, got %d", themeerrors.ErrInvalidConfiguration, c.Theme.K)
	}
	if c.Theme.LambdaBackground <= 0 || c.Theme.LambdaBackground >= 1 {
		return fmt.Errorf("%w: theme.lambdaBackground must be in (0,1), got %f", themeerrors.ErrInvalidConfiguration, c.Theme.LambdaBackground)
	}
	if c.Theme.EMRestarts < 1 {
		return fmt.Errorf("%w: theme.emRestarts must be >= 1, got %d", themeerrors.ErrInvalidConfiguration, c.Theme.EMRestarts)
	}
	if c.HMM.PiThreshold <= 0 || c.HMM.AThreshold <= 0 {
		return fmt.Errorf("%w: hmm.piThreshold and hmm.aThreshold must be > 0", themeerrors.ErrInvalidConfiguration)
	}
	if c.Theme.FitTimeout < 0 {
		return fmt.Errorf("%w: theme.fitTimeout must be >= 0, got %s", themeerrors.ErrInvalidConfiguration, c.Theme.FitTimeout)
	}
	return nil
}
