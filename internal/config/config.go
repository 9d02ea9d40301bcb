// Package config loads the immutable process configuration from the
// environment. Every knob lives under the TESSERA_ prefix; the rest of
// the service receives the resulting Config and never touches the
// environment itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultListenAddr         = ":8080"
	DefaultGRPCAddr           = ":9091"
	DefaultIssuer             = "tessera"
	DefaultAccessTTL          = 60 * time.Minute
	DefaultRefreshTTL         = 7 * 24 * time.Hour
	DefaultRememberRefreshTTL = 30 * 24 * time.Hour
	DefaultPasswordCost       = 12
	DefaultLoginRate          = 5
	DefaultLoginBurst         = 10
	DefaultSweepInterval      = time.Hour
	DefaultSweepGrace         = 24 * time.Hour
	DefaultCacheTTL           = 5 * time.Minute
)

// Config is the full service configuration. Construct it with Load; the
// struct is copied by value and never mutated after that.
type Config struct {
	ListenAddr string
	GRPCAddr   string

	PostgresDSN string
	RedisAddr   string

	TokenSecret []byte
	Issuer      string

	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	RememberRefreshTTL time.Duration
	PasswordCost       int

	LoginRatePerMinute int
	LoginBurst         int

	SweepInterval time.Duration
	SweepGrace    time.Duration
	CacheTTL      time.Duration
}

// Load reads configuration from the environment. TESSERA_TOKEN_SECRET
// is the only required variable.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:         envString("TESSERA_LISTEN_ADDR", DefaultListenAddr),
		GRPCAddr:           envString("TESSERA_GRPC_ADDR", DefaultGRPCAddr),
		PostgresDSN:        os.Getenv("TESSERA_PG_DSN"),
		RedisAddr:          os.Getenv("TESSERA_REDIS_ADDR"),
		Issuer:             envString("TESSERA_TOKEN_ISSUER", DefaultIssuer),
		TokenSecret:        []byte(os.Getenv("TESSERA_TOKEN_SECRET")),
		PasswordCost:       DefaultPasswordCost,
		LoginRatePerMinute: DefaultLoginRate,
		LoginBurst:         DefaultLoginBurst,
	}

	var err error
	if cfg.AccessTTL, err = envDuration("TESSERA_ACCESS_TTL", DefaultAccessTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL, err = envDuration("TESSERA_REFRESH_TTL", DefaultRefreshTTL); err != nil {
		return Config{}, err
	}
	if cfg.RememberRefreshTTL, err = envDuration("TESSERA_REMEMBER_REFRESH_TTL", DefaultRememberRefreshTTL); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envDuration("TESSERA_SWEEP_INTERVAL", DefaultSweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.SweepGrace, err = envDuration("TESSERA_SWEEP_GRACE", DefaultSweepGrace); err != nil {
		return Config{}, err
	}
	if cfg.CacheTTL, err = envDuration("TESSERA_CACHE_TTL", DefaultCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.PasswordCost, err = envInt("TESSERA_PASSWORD_COST", DefaultPasswordCost); err != nil {
		return Config{}, err
	}
	if cfg.LoginRatePerMinute, err = envInt("TESSERA_LOGIN_RATE", DefaultLoginRate); err != nil {
		return Config{}, err
	}
	if cfg.LoginBurst, err = envInt("TESSERA_LOGIN_BURST", DefaultLoginBurst); err != nil {
		return Config{}, err
	}

	if len(cfg.TokenSecret) == 0 {
		return Config{}, errors.New("config: TESSERA_TOKEN_SECRET is required")
	}
	if len(cfg.TokenSecret) < 32 {
		return Config{}, errors.New("config: TESSERA_TOKEN_SECRET must be at least 32 bytes")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 || cfg.RememberRefreshTTL <= 0 {
		return Config{}, errors.New("config: credential lifetimes must be positive")
	}
	if cfg.RememberRefreshTTL < cfg.RefreshTTL {
		return Config{}, errors.New("config: remember lifetime must not be shorter than the default refresh lifetime")
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
