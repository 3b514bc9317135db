package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DefaultEnvFile = ".env"

	placeholderUsername = "test-username"
	placeholderPassword = "test-password"
	placeholderRealName = "test-realname"
)

type Config struct {
	Credentials CredentialsConfig
	Cache       CacheConfig
	Polling     PollingConfig
	API         APIConfig
	Browser     BrowserConfig
	Selectors   SelectorsConfig
	Checkout    CheckoutConfig
	Drop        DropConfig
	Redis       RedisConfig
	Status      StatusConfig
	Logging     LoggingConfig
}

type CredentialsConfig struct {
	Username string `envconfig:"PROSHOP_USERNAME" default:"test-username"`
	Password string `envconfig:"PROSHOP_PASSWORD" default:"test-password"`
	RealName string `envconfig:"PROSHOP_REALNAME" default:"test-realname"`
}

type CacheConfig struct {
	Path string `envconfig:"SKU_CACHE_PATH" default:"data/skuData.json"`
}

type PollingConfig struct {
	ListingInterval   time.Duration `envconfig:"LISTING_POLL_INTERVAL" default:"20s"`
	InventoryInterval time.Duration `envconfig:"INVENTORY_POLL_INTERVAL" default:"5s"`
}

type APIConfig struct {
	ListingURL   string        `envconfig:"NVIDIA_LISTING_URL" default:"https://api.nvidia.partners/edge/product/search"`
	InventoryURL string        `envconfig:"NVIDIA_INVENTORY_URL" default:"https://api.store.nvidia.com/partner/v1/feinventory"`
	Locale       string        `envconfig:"NVIDIA_LOCALE" default:"fi-fi"`
	PageSize     int           `envconfig:"NVIDIA_PAGE_SIZE" default:"12"`
	Timeout      time.Duration `envconfig:"NVIDIA_TIMEOUT" default:"10s"`
}

type BrowserConfig struct {
	Headless       bool          `envconfig:"BROWSER_HEADLESS" default:"true"`
	Timeout        time.Duration `envconfig:"BROWSER_TIMEOUT" default:"30s"`
	ViewportWidth  int           `envconfig:"BROWSER_VIEWPORT_WIDTH" default:"1280"`
	ViewportHeight int           `envconfig:"BROWSER_VIEWPORT_HEIGHT" default:"720"`
	Locale         string        `envconfig:"BROWSER_LOCALE" default:"fi-FI"`
	TimezoneID     string        `envconfig:"BROWSER_TIMEZONE" default:"Europe/Helsinki"`
	UserAgent      string        `envconfig:"BROWSER_USER_AGENT" default:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.7049.95 Safari/537.36"`
	NoOpen         bool          `envconfig:"HANDOFF_NO_OPEN" default:"false"`
}

// SelectorsConfig overrides retailer selectors; empty values keep the built-in ones.
type SelectorsConfig struct {
	ConsentTrigger string `envconfig:"SELECTOR_CONSENT_TRIGGER"`
	ConsentDecline string `envconfig:"SELECTOR_CONSENT_DECLINE"`
	LoginOpen      string `envconfig:"SELECTOR_LOGIN_OPEN"`
	LoginUsername  string `envconfig:"SELECTOR_LOGIN_USERNAME"`
	LoginPassword  string `envconfig:"SELECTOR_LOGIN_PASSWORD"`
	LoginSubmit    string `envconfig:"SELECTOR_LOGIN_SUBMIT"`
	AccountLabel   string `envconfig:"SELECTOR_ACCOUNT_LABEL"`
	AddToBasket    string `envconfig:"SELECTOR_ADD_TO_BASKET"`
	CartMarker     string `envconfig:"SELECTOR_CART_MARKER"`
	CheckoutLink   string `envconfig:"SELECTOR_CHECKOUT_LINK"`
	ChallengeFrame string `envconfig:"SELECTOR_CHALLENGE_FRAME"`
}

type CheckoutConfig struct {
	SiteURL           string        `envconfig:"PROSHOP_URL" default:"https://www.proshop.fi"`
	BasketURL         string        `envconfig:"PROSHOP_BASKET_URL" default:"https://www.proshop.fi/Basket"`
	AffordanceTimeout time.Duration `envconfig:"CHECKOUT_AFFORDANCE_TIMEOUT" default:"5s"`
	ControlTimeout    time.Duration `envconfig:"CHECKOUT_CONTROL_TIMEOUT" default:"15s"`
	ExitOnSuccess     bool          `envconfig:"EXIT_AFTER_PURCHASE" default:"true"`
}

type DropConfig struct {
	SpinInterval      time.Duration `envconfig:"DROP_SPIN_INTERVAL" default:"100ms"`
	AffordanceTimeout time.Duration `envconfig:"DROP_AFFORDANCE_TIMEOUT" default:"200ms"`
	BackoffBase       time.Duration `envconfig:"DROP_BACKOFF_BASE" default:"1000ms"`
	BackoffSpread     time.Duration `envconfig:"DROP_BACKOFF_SPREAD" default:"2000ms"`
	ChallengeMarker   string        `envconfig:"DROP_CHALLENGE_MARKER" default:"challenges.cloudflare.com"`
	ChallengeTimeout  time.Duration `envconfig:"CHALLENGE_TIMEOUT" default:"15s"`
	TimeSync          bool          `envconfig:"DROP_TIME_SYNC" default:"true"`
	Timezone          string        `envconfig:"DROP_TIMEZONE" default:"Local"`
}

type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
	Stream   string `envconfig:"REDIS_STREAM" default:"stream:gpu_drops"`
}

type StatusConfig struct {
	Addr            string        `envconfig:"STATUS_ADDR"`
	ShutdownTimeout time.Duration `envconfig:"STATUS_SHUTDOWN_TIMEOUT" default:"5s"`
}

type LoggingConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads envFile into the process environment (a missing file is not an
// error) and then populates the config from the environment.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Credentials.fillBlanks()

	return &cfg, nil
}

// fillBlanks treats credentials that are set but blank like unset ones.
func (c *CredentialsConfig) fillBlanks() {
	for _, f := range []struct {
		value       *string
		placeholder string
	}{
		{&c.Username, placeholderUsername},
		{&c.Password, placeholderPassword},
		{&c.RealName, placeholderRealName},
	} {
		if strings.TrimSpace(*f.value) == "" {
			*f.value = f.placeholder
		}
	}
}

func (c *Config) Validate() error {
	if c.Cache.Path == "" {
		return fmt.Errorf("SKU_CACHE_PATH must not be empty")
	}

	if c.Polling.ListingInterval <= 0 || c.Polling.InventoryInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}

	if c.Checkout.AffordanceTimeout <= 0 || c.Drop.AffordanceTimeout <= 0 {
		return fmt.Errorf("affordance timeouts must be positive")
	}

	if c.Drop.SpinInterval <= 0 {
		return fmt.Errorf("DROP_SPIN_INTERVAL must be positive")
	}

	if c.Drop.BackoffBase < 0 || c.Drop.BackoffSpread < 0 {
		return fmt.Errorf("drop backoff must not be negative")
	}

	if c.Drop.ChallengeTimeout <= 0 {
		return fmt.Errorf("CHALLENGE_TIMEOUT must be positive")
	}

	if c.API.PageSize < 1 {
		return fmt.Errorf("NVIDIA_PAGE_SIZE must be at least 1")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Logging.Format)
	}

	return nil
}

// UsesPlaceholderCredentials reports whether any credential still has its
// built-in test value.
func (c *CredentialsConfig) UsesPlaceholderCredentials() bool {
	return c.Username == placeholderUsername ||
		c.Password == placeholderPassword ||
		c.RealName == placeholderRealName
}

// DropLocation resolves the zone naive drop times are read in.
func (d *DropConfig) DropLocation() (*time.Location, error) {
	if d.Timezone == "" || strings.EqualFold(d.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid DROP_TIMEZONE %q: %w", d.Timezone, err)
	}
	return loc, nil
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (l *LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger on w.
func (l *LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
