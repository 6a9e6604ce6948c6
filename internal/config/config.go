// Package config loads gateway settings from an optional YAML file and
// applies environment overrides on top. Precedence: env > file > defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/venrok/gateway/internal/auth"
	"github.com/venrok/gateway/internal/breaker"
	"github.com/venrok/gateway/internal/registry"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Health    HealthConfig    `yaml:"health_check"`
	Balancer  BalancerConfig  `yaml:"load_balancer"`
	Demo      DemoConfig      `yaml:"demo"`
	Routes    []RouteConfig   `yaml:"routes"`
}

type ServerConfig struct {
	Host                     string   `yaml:"host"`
	Port                     int      `yaml:"port"`
	CORSOrigin               string   `yaml:"cors_origin"`
	LogLevel                 string   `yaml:"log_level"`
	TrustedProxies           []string `yaml:"trusted_proxies"`
	MaxBodyBytes             int64    `yaml:"max_body_bytes"`
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type UpstreamConfig struct {
	ConnectionTimeoutMs    int `yaml:"connection_timeout_ms"`
	RequestTimeoutMs       int `yaml:"request_timeout_ms"`
	TLSHandshakeTimeoutMs  int `yaml:"tls_handshake_timeout_ms"`
	ResponseHeaderWaitMs   int `yaml:"response_header_wait_ms"`
	IdleConnTimeoutSeconds int `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns           int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost    int `yaml:"max_idle_conns_per_host"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	ExpiresIn        string `yaml:"expires_in"`         // Go duration, e.g. "1h"
	RefreshExpiresIn string `yaml:"refresh_expires_in"` // Go duration, e.g. "168h"
	Argon2Time       uint32 `yaml:"argon2_time"`
	Argon2MemoryKiB  uint32 `yaml:"argon2_memory_kib"`
	Argon2Threads    uint8  `yaml:"argon2_threads"`
	AdminUsername    string `yaml:"admin_username"`
	AdminPassword    string `yaml:"admin_password"`
}

type RateLimitConfig struct {
	Backend        string      `yaml:"backend"` // "memory" | "redis"
	Redis          RedisConfig `yaml:"redis"`
	WindowSeconds  int         `yaml:"window_seconds"`
	Max            int         `yaml:"max"`
	CleanupSeconds int         `yaml:"cleanup_seconds"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CacheConfig struct {
	TTLSeconds int   `yaml:"ttl_seconds"`
	MaxEntries int   `yaml:"max_entries"`
	MaxBytes   int64 `yaml:"max_bytes"`
}

type BreakerConfig struct {
	Threshold int `yaml:"threshold"`
	WindowMs  int `yaml:"window_ms"`
	TimeoutMs int `yaml:"timeout_ms"`
}

type HealthConfig struct {
	IntervalMs int `yaml:"interval_ms"`
	TimeoutMs  int `yaml:"timeout_ms"`
}

type BalancerConfig struct {
	Algorithm string `yaml:"algorithm"`
}

// DemoConfig registers the built-in demo routes when both upstreams are set
// and no explicit routes are configured.
type DemoConfig struct {
	UsersUpstream  string `yaml:"users_upstream"`
	OrdersUpstream string `yaml:"orders_upstream"`
}

type TargetConfig struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

type RouteHealthCheck struct {
	Enabled            bool   `yaml:"enabled"`
	Path               string `yaml:"path"`
	IntervalMs         int    `yaml:"interval_ms"`
	TimeoutMs          int    `yaml:"timeout_ms"`
	HealthyThreshold   int    `yaml:"healthy_threshold"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold"`
}

type RouteBreaker struct {
	Enabled   bool `yaml:"enabled"`
	Threshold int  `yaml:"threshold"`
	WindowMs  int  `yaml:"window_ms"`
	TimeoutMs int  `yaml:"timeout_ms"`
}

type RouteConfig struct {
	Method         string           `yaml:"method"`
	Path           string           `yaml:"path"`
	Targets        []TargetConfig   `yaml:"targets"`
	Policy         string           `yaml:"policy"`
	HealthCheck    RouteHealthCheck `yaml:"health_check"`
	CircuitBreaker RouteBreaker     `yaml:"circuit_breaker"`
	TimeoutMs      int              `yaml:"timeout_ms"`
	Retries        int              `yaml:"retries"`
	Inactive       bool             `yaml:"inactive"`
	Public         bool             `yaml:"public"`
	RequiredRoles  []string         `yaml:"required_roles"`
	RequiredPerms  []string         `yaml:"required_permissions"`
}

// Load reads path (optional; "" or a missing file means env-only), applies
// env overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "HOST")
	setInt(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.CORSOrigin, "CORS_ORIGIN")
	setString(&cfg.Server.LogLevel, "LOG_LEVEL")

	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Auth.ExpiresIn, "JWT_EXPIRES_IN")
	setString(&cfg.Auth.RefreshExpiresIn, "JWT_REFRESH_EXPIRES_IN")
	setString(&cfg.Auth.AdminUsername, "ADMIN_USERNAME")
	setString(&cfg.Auth.AdminPassword, "ADMIN_PASSWORD")

	setString(&cfg.RateLimit.Backend, "RATE_LIMIT_BACKEND")
	setString(&cfg.RateLimit.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.RateLimit.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.RateLimit.WindowSeconds, "RATE_LIMIT_TTL")
	setInt(&cfg.RateLimit.Max, "RATE_LIMIT_MAX")

	setInt(&cfg.Breaker.Threshold, "CIRCUIT_BREAKER_THRESHOLD")
	setInt(&cfg.Breaker.TimeoutMs, "CIRCUIT_BREAKER_TIMEOUT")

	setString(&cfg.Balancer.Algorithm, "LOAD_BALANCER_ALGORITHM")

	setInt(&cfg.Health.IntervalMs, "HEALTH_CHECK_INTERVAL")
	setInt(&cfg.Health.TimeoutMs, "HEALTH_CHECK_TIMEOUT")

	setInt(&cfg.Cache.TTLSeconds, "CACHE_TTL")
	setInt(&cfg.Cache.MaxEntries, "CACHE_MAX_SIZE")

	setInt(&cfg.Upstream.RequestTimeoutMs, "REQUEST_TIMEOUT")
	setInt(&cfg.Upstream.ConnectionTimeoutMs, "CONNECTION_TIMEOUT")

	setString(&cfg.Demo.UsersUpstream, "DEMO_USERS_UPSTREAM")
	setString(&cfg.Demo.OrdersUpstream, "DEMO_ORDERS_UPSTREAM")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.CORSOrigin == "" {
		cfg.Server.CORSOrigin = "*"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}

	if cfg.Upstream.ConnectionTimeoutMs == 0 {
		cfg.Upstream.ConnectionTimeoutMs = 5000
	}
	if cfg.Upstream.RequestTimeoutMs == 0 {
		cfg.Upstream.RequestTimeoutMs = 30000
	}
	if cfg.Upstream.TLSHandshakeTimeoutMs == 0 {
		cfg.Upstream.TLSHandshakeTimeoutMs = 5000
	}
	if cfg.Upstream.ResponseHeaderWaitMs == 0 {
		cfg.Upstream.ResponseHeaderWaitMs = 15000
	}
	if cfg.Upstream.IdleConnTimeoutSeconds == 0 {
		cfg.Upstream.IdleConnTimeoutSeconds = 90
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 256
	}
	if cfg.Upstream.MaxIdleConnsPerHost == 0 {
		cfg.Upstream.MaxIdleConnsPerHost = 64
	}

	if cfg.Auth.ExpiresIn == "" {
		cfg.Auth.ExpiresIn = "1h"
	}
	if cfg.Auth.RefreshExpiresIn == "" {
		cfg.Auth.RefreshExpiresIn = "168h"
	}
	if cfg.Auth.Argon2Time == 0 {
		cfg.Auth.Argon2Time = 2
	}
	if cfg.Auth.Argon2MemoryKiB == 0 {
		cfg.Auth.Argon2MemoryKiB = 64 * 1024
	}
	if cfg.Auth.Argon2Threads == 0 {
		cfg.Auth.Argon2Threads = 1
	}

	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "memory"
	}
	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.RateLimit.Max == 0 {
		cfg.RateLimit.Max = 100
	}
	if cfg.RateLimit.CleanupSeconds == 0 {
		cfg.RateLimit.CleanupSeconds = 60
	}

	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = 300
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}
	if cfg.Cache.MaxBytes == 0 {
		cfg.Cache.MaxBytes = 64 << 20 // 64 MiB
	}

	if cfg.Breaker.Threshold == 0 {
		cfg.Breaker.Threshold = 5
	}
	if cfg.Breaker.WindowMs == 0 {
		cfg.Breaker.WindowMs = 10000
	}
	if cfg.Breaker.TimeoutMs == 0 {
		cfg.Breaker.TimeoutMs = 30000
	}

	if cfg.Health.IntervalMs == 0 {
		cfg.Health.IntervalMs = 30000
	}
	if cfg.Health.TimeoutMs == 0 {
		cfg.Health.TimeoutMs = 5000
	}

	if cfg.Balancer.Algorithm == "" {
		cfg.Balancer.Algorithm = string(registry.PolicyRoundRobin)
	}
}

func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret (JWT_SECRET) is required")
	}
	if _, err := time.ParseDuration(cfg.Auth.ExpiresIn); err != nil {
		return fmt.Errorf("auth.expires_in invalid: %v", err)
	}
	if _, err := time.ParseDuration(cfg.Auth.RefreshExpiresIn); err != nil {
		return fmt.Errorf("auth.refresh_expires_in invalid: %v", err)
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend))
	if backend != "redis" && backend != "memory" {
		return fmt.Errorf("rate_limit.backend must be 'redis' or 'memory'")
	}
	if backend == "redis" && strings.TrimSpace(cfg.RateLimit.Redis.Addr) == "" {
		return fmt.Errorf("rate_limit.redis.addr is required when backend is redis")
	}

	switch registry.Policy(cfg.Balancer.Algorithm) {
	case registry.PolicyRoundRobin, registry.PolicyWeightedRoundRobin,
		registry.PolicyLeastConnections, registry.PolicyLeastResponseTime,
		registry.PolicyHealthBased, registry.PolicyRandom:
	default:
		return fmt.Errorf("load_balancer.algorithm %q is unknown", cfg.Balancer.Algorithm)
	}

	for i, r := range cfg.Routes {
		idx := fmt.Sprintf("routes[%d]", i)
		if strings.TrimSpace(r.Method) == "" {
			return fmt.Errorf("%s.method is required", idx)
		}
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("%s.path must start with '/'", idx)
		}
		if len(r.Targets) == 0 {
			return fmt.Errorf("%s.targets is required", idx)
		}
		for j, t := range r.Targets {
			if t.URL == "" {
				return fmt.Errorf("%s.targets[%d].url is required", idx, j)
			}
			if _, err := url.Parse(t.URL); err != nil {
				return fmt.Errorf("%s.targets[%d].url invalid: %v", idx, j, err)
			}
		}
	}
	return nil
}

// AccessTTL returns the parsed access-token lifetime. Call after Validate.
func (a AuthConfig) AccessTTL() time.Duration {
	d, _ := time.ParseDuration(a.ExpiresIn)
	return d
}

// RefreshTTL returns the parsed refresh-token lifetime. Call after Validate.
func (a AuthConfig) RefreshTTL() time.Duration {
	d, _ := time.ParseDuration(a.RefreshExpiresIn)
	return d
}

// RegistryConfigs converts the configured routes, filling per-route gaps
// from the global breaker, health and balancer settings.
func (cfg *Config) RegistryConfigs() []registry.Config {
	out := make([]registry.Config, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		rc := registry.Config{
			Method: strings.ToUpper(strings.TrimSpace(r.Method)),
			Path:   r.Path,
			Policy: registry.Policy(r.Policy),
			HealthCheck: registry.HealthCheck{
				Enabled:            r.HealthCheck.Enabled,
				Path:               r.HealthCheck.Path,
				Interval:           msOr(r.HealthCheck.IntervalMs, cfg.Health.IntervalMs),
				Timeout:            msOr(r.HealthCheck.TimeoutMs, cfg.Health.TimeoutMs),
				HealthyThreshold:   r.HealthCheck.HealthyThreshold,
				UnhealthyThreshold: r.HealthCheck.UnhealthyThreshold,
			},
			Breaker: breaker.Config{
				Enabled:   r.CircuitBreaker.Enabled,
				Threshold: intOr(r.CircuitBreaker.Threshold, cfg.Breaker.Threshold),
				Window:    msOr(r.CircuitBreaker.WindowMs, cfg.Breaker.WindowMs),
				Timeout:   msOr(r.CircuitBreaker.TimeoutMs, cfg.Breaker.TimeoutMs),
			},
			Timeout: msOr(r.TimeoutMs, cfg.Upstream.RequestTimeoutMs),
			Retries: r.Retries,
			Active:  !r.Inactive,
			Public:  r.Public,
		}
		if rc.Policy == "" {
			rc.Policy = registry.Policy(cfg.Balancer.Algorithm)
		}
		for _, t := range r.Targets {
			rc.Targets = append(rc.Targets, registry.Target{URL: t.URL, Weight: t.Weight})
		}
		for _, role := range r.RequiredRoles {
			rc.RequiredRoles = append(rc.RequiredRoles, auth.ParseRole(role))
		}
		for _, p := range r.RequiredPerms {
			rc.RequiredPerms = append(rc.RequiredPerms, auth.Permission(p))
		}
		out = append(out, rc)
	}
	return out
}

func msOr(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Millisecond
}

func intOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
