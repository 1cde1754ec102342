// Package config loads the server configuration from the environment. A .env
// file in the working directory, if present, is read first; variables
// already set in the environment take precedence over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Request store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the full server configuration. Optional integrations are
// disabled when their address is empty.
type Config struct {
	ListenAddr        string        `env:"LISTEN_ADDR"        envDefault:":8080"`
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE"   envDefault:"256"`
	MaxConnections    int           `env:"MAX_CONNECTIONS"    envDefault:"100000"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT"       envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT"      envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT"  envDefault:"60s"`
	ServerName        string        `env:"SERVER_NAME"`

	NATSURL      string `env:"NATS_URL"`
	RedisAddr    string `env:"REDIS_ADDR"`
	RequestStore string `env:"REQUEST_STORE" envDefault:"memory"`

	BackendURL     string        `env:"BACKEND_URL"`
	BackendTimeout time.Duration `env:"BACKEND_TIMEOUT" envDefault:"3s"`

	DatabaseURL string `env:"DATABASE_URL"`
	AMQPURL     string `env:"AMQP_URL"`
	AMQPQueue   string `env:"AMQP_QUEUE" envDefault:"seatchat.requests"`

	BlockedTerms []string `env:"BLOCKED_TERMS" envSeparator:","`
}

// Load reads .env (if any) and parses the environment into a Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return Parse()
}

// Parse builds a Config from the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}

	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "ws-1"
	}
	cfg.RequestStore = strings.ToLower(strings.TrimSpace(cfg.RequestStore))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("config: HEARTBEAT_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	switch c.RequestStore {
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("config: REQUEST_STORE=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("config: unknown REQUEST_STORE %q", c.RequestStore)
	}
	return nil
}
