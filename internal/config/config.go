// Package config loads service settings from an optional YAML file with
// SLEEPPLANET_* environment overrides applied on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "SLEEPPLANET_"

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	TrustProxy      bool          `yaml:"trust_proxy"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// Timeout bounds every credential store call made on behalf of a request.
	Timeout time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	Secret       string        `yaml:"secret"`
	Issuer       string        `yaml:"issuer"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	Leeway       time.Duration `yaml:"leeway"`
	CookieSecure bool          `yaml:"cookie_secure"`
}

type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Rate    float64       `yaml:"rate"`
	Burst   int           `yaml:"burst"`
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// BootstrapConfig describes the administrator created on startup when no
// user with that name exists yet.
type BootstrapConfig struct {
	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`
	AdminEmail    string `yaml:"admin_email"`
}

// Default returns the settings used when neither file nor env provide a value.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            "127.0.0.1:8008",
			GRPCAddr:        "127.0.0.1:9091",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			Timeout:         3 * time.Second,
		},
		Auth: AuthConfig{
			Issuer:   "sleepplanet",
			TokenTTL: 7200 * time.Second,
			Leeway:   5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    10,
			Burst:   20,
		},
		Redis: RedisConfig{
			Prefix: "sleepplanet:revoked:",
		},
		Kafka: KafkaConfig{
			Topic: "sleepplanet.audit",
		},
	}
}

// Load reads path (when non-empty), applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("GRPC_ADDR", &cfg.HTTP.GRPCAddr)
	boolean("TRUST_PROXY", &cfg.HTTP.TrustProxy)

	str("PG_DSN", &cfg.Database.DSN)
	integer("PG_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	integer("PG_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns)
	dur("STORE_TIMEOUT", &cfg.Database.Timeout)

	str("AUTH_SECRET", &cfg.Auth.Secret)
	str("AUTH_ISSUER", &cfg.Auth.Issuer)
	dur("TOKEN_TTL", &cfg.Auth.TokenTTL)
	dur("TOKEN_LEEWAY", &cfg.Auth.Leeway)
	boolean("COOKIE_SECURE", &cfg.Auth.CookieSecure)

	boolean("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	if v, ok := lookup(envPrefix + "RATE_LIMIT_RPS"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT_RPS: %w", envPrefix, err))
		} else {
			cfg.RateLimit.Rate = f
		}
	}
	integer("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
	dur("RATE_LIMIT_IDLE_TTL", &cfg.RateLimit.IdleTTL)

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	integer("REDIS_DB", &cfg.Redis.DB)

	if v, ok := lookup(envPrefix + "KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = splitList(v)
	}
	str("KAFKA_TOPIC", &cfg.Kafka.Topic)

	str("ADMIN_USERNAME", &cfg.Bootstrap.AdminUsername)
	str("ADMIN_PASSWORD", &cfg.Bootstrap.AdminPassword)
	str("ADMIN_EMAIL", &cfg.Bootstrap.AdminEmail)

	return errors.Join(errs...)
}

// parseDuration accepts Go duration strings and bare integers meaning seconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if len(c.Auth.Secret) < 32 {
		errs = append(errs, errors.New("auth.secret must be at least 32 bytes"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.Auth.Leeway < 0 {
		errs = append(errs, errors.New("auth.leeway must not be negative"))
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		errs = append(errs, errors.New("auth.issuer is required"))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			errs = append(errs, errors.New("rate_limit.rate must be positive"))
		}
		if c.RateLimit.Burst < 1 {
			errs = append(errs, errors.New("rate_limit.burst must be at least 1"))
		}
	}
	if c.Database.Timeout <= 0 {
		errs = append(errs, errors.New("database.timeout must be positive"))
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	if (c.Bootstrap.AdminUsername == "") != (c.Bootstrap.AdminPassword == "") {
		errs = append(errs, errors.New("bootstrap admin needs both username and password"))
	}
	return errors.Join(errs...)
}
