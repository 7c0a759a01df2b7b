package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ProviderToss   = "toss"
	ProviderStripe = "stripe"
)

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	EndpointPrefix  string        `mapstructure:"endpoint_prefix"`
	PublicURL       string        `mapstructure:"public_url"`
	SiteURL         string        `mapstructure:"site_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type PostgresConfig struct {
	DSN            string `mapstructure:"dsn"`
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ConsulConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	AdvertiseHost string `mapstructure:"advertise_host"`
}

// GatewayConfig selects the payment-approval provider. SecretKey never leaves the server;
// ClientKey is handed to the checkout widget.
type GatewayConfig struct {
	Provider   string        `mapstructure:"provider"`
	SecretKey  string        `mapstructure:"secret_key"`
	ClientKey  string        `mapstructure:"client_key"`
	ConfirmURL string        `mapstructure:"confirm_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type StripeConfig struct {
	SecretKey  string `mapstructure:"secret_key"`
	BackendURL string `mapstructure:"backend_url"`
}

type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	ServiceKey    string `mapstructure:"service_key"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type EntitlementConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type Config struct {
	ServiceName string            `mapstructure:"service_name"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Consul      ConsulConfig      `mapstructure:"consul"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Stripe      StripeConfig      `mapstructure:"stripe"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Entitlement EntitlementConfig `mapstructure:"entitlement"`
}

// every key needs a default, otherwise viper's AutomaticEnv is not consulted on Unmarshal
var defaults = map[string]any{
	"service_name":              "purchase-service",
	"http.addr":                 ":8085",
	"http.endpoint_prefix":      "/v1",
	"http.public_url":           "http://localhost:8085",
	"http.site_url":             "http://localhost:3000",
	"http.shutdown_timeout":     10 * time.Second,
	"grpc.addr":                 ":9085",
	"postgres.dsn":              "",
	"postgres.max_open_conns":   20,
	"postgres.migrate_on_start": false,
	"redis.addr":                "",
	"redis.password":            "",
	"redis.db":                  0,
	"redis.lock_ttl":            30 * time.Second,
	"kafka.brokers":             []string{},
	"kafka.topic":               "purchase-service.purchase-completed",
	"consul.enabled":            false,
	"consul.addr":               "localhost:8500",
	"consul.advertise_host":     "localhost",
	"gateway.provider":          ProviderToss,
	"gateway.secret_key":        "",
	"gateway.client_key":        "",
	"gateway.confirm_url":       "https://api.tosspayments.com/v1/payments/confirm",
	"gateway.timeout":           10 * time.Second,
	"stripe.secret_key":         "",
	"stripe.backend_url":        "",
	"auth.public_key_path":      "",
	"auth.service_key":          "",
	"rate_limit.rps":            5.0,
	"rate_limit.burst":          10,
	"entitlement.timeout":       5 * time.Second,
}

// Load reads envFile (or .env when empty) into the process environment and then resolves the
// configuration from environment variables such as HTTP_ADDR or GATEWAY_SECRET_KEY.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading .env: %w", err)
		}
	} else if err := godotenv.Load(envFile); err != nil {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings the serve command cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("POSTGRES_DSN is not set"))
	}
	if c.Auth.PublicKeyPath == "" {
		errs = append(errs, errors.New("AUTH_PUBLIC_KEY_PATH is not set"))
	}
	if c.Auth.ServiceKey == "" {
		errs = append(errs, errors.New("AUTH_SERVICE_KEY is not set"))
	}
	if !strings.HasPrefix(c.HTTP.EndpointPrefix, "/") {
		errs = append(errs, fmt.Errorf("HTTP_ENDPOINT_PREFIX must start with '/': %q", c.HTTP.EndpointPrefix))
	}
	switch c.Gateway.Provider {
	case ProviderToss:
		if c.Gateway.SecretKey == "" {
			errs = append(errs, errors.New("GATEWAY_SECRET_KEY is not set"))
		}
	case ProviderStripe:
		if c.Stripe.SecretKey == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY is not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GATEWAY_PROVIDER %q", c.Gateway.Provider))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}
