package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Redis     RedisConfig     `json:"redis"`
	Postgres  PostgresConfig  `json:"postgres"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Circuit   CircuitConfig   `json:"circuit_breaker"`
	Auth      AuthConfig      `json:"auth"`
	Services  []ServiceConfig `json:"services"`
}

type ServerConfig struct {
	Port        string `json:"port"`
	Environment string `json:"environment"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

func (r RedisConfig) GetRedisAddr() string {
	return r.Host + ":" + r.Port
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RateLimitConfig struct {
	// Algorithm selects the limiter: "token_bucket" or "sliding_window".
	Algorithm string `json:"algorithm"`
	// OnStoreError must be set explicitly per deployment: "open" passes
	// traffic through a local fallback limiter when the store is down,
	// "closed" denies it. There is no silent default.
	OnStoreError string       `json:"on_store_error"`
	Tiers        []TierConfig `json:"tiers"`
}

type TierConfig struct {
	Name        string `json:"name"`
	MaxRequests uint64 `json:"max_requests"`
	WindowMs    uint64 `json:"window_ms"`
	BurstSize   uint64 `json:"burst_size,omitempty"`
}

type CircuitConfig struct {
	FailureThreshold uint64 `json:"failure_threshold"`
	TimeoutMs        uint64 `json:"timeout_ms"`
}

type AuthConfig struct {
	JWTSecret   string `json:"-"`
	ExpiryHours int    `json:"jwt_expiry_hours"`
}

type ServiceConfig struct {
	Path         string   `json:"path"`
	Targets      []string `json:"targets"`
	LoadBalancer string   `json:"load_balancer"`
}

const (
	FailOpen   = "open"
	FailClosed = "closed"
)

func Load(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	config.applyEnv()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Environment variables win over the file so secrets stay out of it.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		c.Redis.Port = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == "" {
		c.Redis.Port = "6379"
	}
	if c.RateLimit.Algorithm == "" {
		c.RateLimit.Algorithm = "token_bucket"
	}
	if c.Circuit.FailureThreshold == 0 {
		c.Circuit.FailureThreshold = 5
	}
	if c.Circuit.TimeoutMs == 0 {
		c.Circuit.TimeoutMs = 60000
	}
	if c.Auth.ExpiryHours == 0 {
		c.Auth.ExpiryHours = 24
	}
}

func (c *Config) Validate() error {
	switch c.RateLimit.OnStoreError {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("rate_limit.on_store_error must be %q or %q, got %q",
			FailOpen, FailClosed, c.RateLimit.OnStoreError)
	}

	switch c.RateLimit.Algorithm {
	case "token_bucket", "sliding_window":
	default:
		return fmt.Errorf("rate_limit.algorithm must be token_bucket or sliding_window, got %q", c.RateLimit.Algorithm)
	}

	for _, tier := range c.RateLimit.Tiers {
		if tier.Name == "" || tier.MaxRequests == 0 || tier.WindowMs == 0 {
			return fmt.Errorf("invalid tier config %+v: name, max_requests and window_ms are required", tier)
		}
	}

	return nil
}
