// Package config loads service settings from PISHOP_* environment variables,
// optionally seeded from a .env file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"pishop.app/internal/platform"
	"pishop.app/internal/price"
)

const (
	NetworkSandbox = "sandbox"
	NetworkMainnet = "mainnet"
)

// Config holds runtime settings for the API server.
type Config struct {
	Addr    string
	Network string

	PlatformBaseURL string
	PlatformAPIKey  string

	SessionSecret string
	SessionTTL    time.Duration
	// SessionSecretGenerated is set when no secret was configured in sandbox
	// mode and a random one was drawn; sessions do not survive a restart.
	SessionSecretGenerated bool

	QuoteURL        string
	QuoteCoinID     string
	QuoteAPIKey     string
	RefreshInterval time.Duration

	UpstreamTimeout time.Duration
	AmountTolerance float64

	PGDSN         string
	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
}

// LoadDefaults populates Config with development defaults.
func (c *Config) LoadDefaults() {
	c.Addr = ":8080"
	c.Network = NetworkSandbox
	c.PlatformBaseURL = platform.DefaultBaseURL
	c.SessionTTL = 24 * time.Hour
	c.QuoteURL = price.DefaultQuoteURL
	c.QuoteCoinID = price.DefaultCoinID
	c.RefreshInterval = price.DefaultInterval
	c.UpstreamTimeout = 10 * time.Second
	c.AmountTolerance = 0.01
	c.LockTTL = 30 * time.Second
	c.RateLimitRPS = 10
	c.RateLimitBurst = 20
	c.MaxBodyBytes = 1 << 20
}

// Load reads an optional .env file (existing environment wins) and then the
// process environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds and validates a Config from getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	c := &Config{}
	c.LoadDefaults()

	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
			return
		}
		*dst = d
	}
	float := func(key string, dst *float64) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid number %q", key, v))
			return
		}
		*dst = f
	}
	integer := func(key string, dst *int64) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return
		}
		*dst = n
	}

	str("PISHOP_ADDR", &c.Addr)
	str("PISHOP_NETWORK", &c.Network)
	str("PISHOP_PLATFORM_URL", &c.PlatformBaseURL)
	str("PISHOP_PLATFORM_API_KEY", &c.PlatformAPIKey)
	str("PISHOP_SESSION_SECRET", &c.SessionSecret)
	dur("PISHOP_SESSION_TTL", &c.SessionTTL)
	str("PISHOP_QUOTE_URL", &c.QuoteURL)
	str("PISHOP_QUOTE_COIN", &c.QuoteCoinID)
	str("PISHOP_QUOTE_API_KEY", &c.QuoteAPIKey)
	dur("PISHOP_PRICE_REFRESH_INTERVAL", &c.RefreshInterval)
	dur("PISHOP_UPSTREAM_TIMEOUT", &c.UpstreamTimeout)
	float("PISHOP_AMOUNT_TOLERANCE", &c.AmountTolerance)
	str("PISHOP_PG_DSN", &c.PGDSN)
	str("PISHOP_REDIS_ADDR", &c.RedisAddr)
	str("PISHOP_REDIS_PASSWORD", &c.RedisPassword)
	dur("PISHOP_LOCK_TTL", &c.LockTTL)
	float("PISHOP_RATE_LIMIT_RPS", &c.RateLimitRPS)
	burst := int64(c.RateLimitBurst)
	integer("PISHOP_RATE_LIMIT_BURST", &burst)
	c.RateLimitBurst = int(burst)
	integer("PISHOP_MAX_BODY_BYTES", &c.MaxBodyBytes)

	c.Network = strings.ToLower(c.Network)
	if err := c.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return c, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.Network {
	case NetworkSandbox:
		if c.SessionSecret == "" {
			secret, err := randomSecret()
			if err != nil {
				return err
			}
			c.SessionSecret = secret
			c.SessionSecretGenerated = true
		}
	case NetworkMainnet:
		if c.SessionSecret == "" {
			errs = append(errs, errors.New("PISHOP_SESSION_SECRET is required on mainnet"))
		}
		if c.PlatformAPIKey == "" {
			errs = append(errs, errors.New("PISHOP_PLATFORM_API_KEY is required on mainnet"))
		}
	default:
		errs = append(errs, fmt.Errorf("PISHOP_NETWORK must be %q or %q, got %q", NetworkSandbox, NetworkMainnet, c.Network))
	}
	if c.SessionSecret != "" && len(c.SessionSecret) < 16 {
		errs = append(errs, errors.New("PISHOP_SESSION_SECRET must be at least 16 bytes"))
	}
	if c.AmountTolerance > 0.5 {
		errs = append(errs, fmt.Errorf("PISHOP_AMOUNT_TOLERANCE %v is too permissive", c.AmountTolerance))
	}
	return errors.Join(errs...)
}

func randomSecret() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate session secret: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
