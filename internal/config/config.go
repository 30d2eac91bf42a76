package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "BLESSING"

	BackendRowFile  = "rowfile"
	BackendDocument = "document"

	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultBackend            = BackendRowFile
	defaultRowFilePath        = "messages.xlsx"
	defaultRowFileLockTimeout = 5 * time.Second
	defaultDatabasePath       = "blessings.db"
	defaultCollection         = "blessings"
	defaultPollInterval       = time.Second
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultFlavorEndpoint     = "https://generativelanguage.googleapis.com"
	defaultFlavorModel        = "gemini-3-flash-preview"
	defaultFlavorTemperature  = 0.8
	defaultFlavorTopP         = 0.95
	defaultFlavorTimeout      = 10 * time.Second
	defaultFlavorFallback     = "今天在裡面翻了一個筋斗，我是滿寶，大家都要想我喔！"
	defaultPaymentBaseURL     = "https://www.paypal.com/billing/plans/subscribe?plan_id="
	defaultRateLimitBurst     = 10
)

var defaultPlans = map[string]string{
	"tier-1": "P-51M44352TK751472SNFPBFPY",
	"tier-2": "P-8VD31323VA233292BNFPBG6Q",
	"tier-3": "P-3RC26760JT829260YNFPBIBI",
}

// AppConfig captures runtime configuration for the guestbook server.
type AppConfig struct {
	HTTPAddress string
	Backend     string
	LogLevel    string
	LogFormat   string

	RowFilePath        string
	RowFileLockTimeout time.Duration

	DatabasePath         string
	DocumentCollection   string
	DocumentPollInterval time.Duration

	FlavorAPIKey      string
	FlavorEndpoint    string
	FlavorModel       string
	FlavorTemperature float64
	FlavorTopP        float64
	FlavorTimeout     time.Duration
	FlavorFallback    string

	PaymentBaseURL string
	PaymentPlans   map[string]string

	RateLimitRPS   float64
	RateLimitBurst int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("store.backend", defaultBackend)
	configViper.SetDefault("rowfile.path", defaultRowFilePath)
	configViper.SetDefault("rowfile.lock_timeout", defaultRowFileLockTimeout)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("document.collection", defaultCollection)
	configViper.SetDefault("document.poll_interval", defaultPollInterval)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("flavor.endpoint", defaultFlavorEndpoint)
	configViper.SetDefault("flavor.model", defaultFlavorModel)
	configViper.SetDefault("flavor.temperature", defaultFlavorTemperature)
	configViper.SetDefault("flavor.top_p", defaultFlavorTopP)
	configViper.SetDefault("flavor.timeout", defaultFlavorTimeout)
	configViper.SetDefault("flavor.fallback", defaultFlavorFallback)
	configViper.SetDefault("payment.base_url", defaultPaymentBaseURL)
	for tierID, plan := range defaultPlans {
		configViper.SetDefault("payment.plans."+tierID, plan)
	}
	configViper.SetDefault("ratelimit.rps", 0)
	configViper.SetDefault("ratelimit.burst", defaultRateLimitBurst)

	// The flavor key is also honored under its conventional unprefixed name.
	_ = configViper.BindEnv("flavor.api_key", envPrefix+"_FLAVOR_API_KEY", "API_KEY")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	plans := make(map[string]string, len(defaultPlans))
	for tierID := range defaultPlans {
		plans[tierID] = configViper.GetString("payment.plans." + tierID)
	}

	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		Backend:              strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		RowFilePath:          configViper.GetString("rowfile.path"),
		RowFileLockTimeout:   configViper.GetDuration("rowfile.lock_timeout"),
		DatabasePath:         configViper.GetString("database.path"),
		DocumentCollection:   configViper.GetString("document.collection"),
		DocumentPollInterval: configViper.GetDuration("document.poll_interval"),
		FlavorAPIKey:         configViper.GetString("flavor.api_key"),
		FlavorEndpoint:       configViper.GetString("flavor.endpoint"),
		FlavorModel:          configViper.GetString("flavor.model"),
		FlavorTemperature:    configViper.GetFloat64("flavor.temperature"),
		FlavorTopP:           configViper.GetFloat64("flavor.top_p"),
		FlavorTimeout:        configViper.GetDuration("flavor.timeout"),
		FlavorFallback:       configViper.GetString("flavor.fallback"),
		PaymentBaseURL:       configViper.GetString("payment.base_url"),
		PaymentPlans:         plans,
		RateLimitRPS:         configViper.GetFloat64("ratelimit.rps"),
		RateLimitBurst:       configViper.GetInt("ratelimit.burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.Backend {
	case BackendRowFile:
		if strings.TrimSpace(c.RowFilePath) == "" {
			return fmt.Errorf("rowfile.path is required")
		}
		if c.RowFileLockTimeout <= 0 {
			return fmt.Errorf("rowfile.lock_timeout must be positive")
		}
	case BackendDocument:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
		if strings.TrimSpace(c.DocumentCollection) == "" {
			return fmt.Errorf("document.collection is required")
		}
		if c.DocumentPollInterval <= 0 {
			return fmt.Errorf("document.poll_interval must be positive")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendRowFile, BackendDocument, c.Backend)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("ratelimit.rps must not be negative")
	}
	return nil
}
