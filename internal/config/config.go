package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variable names recognized by the loader. Every secret can be
// supplied via env so the config file never has to contain one.
const (
	EnvConfigPath          = "CONFIG_PATH"
	EnvDBConnection        = "DB_CONNECTION"
	EnvIdentitySecret      = "IDENTITY_SECRET"
	EnvVaultSecret         = "VAULT_SECRET"
	EnvStripeSecretKey     = "STRIPE_SECRET_KEY"
	EnvStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	EnvAWSAccessKeyID      = "AWS_ACCESS_KEY_ID"
	EnvAWSSecretAccessKey  = "AWS_SECRET_ACCESS_KEY"
	EnvWhatsAppToken       = "WHATSAPP_ACCESS_TOKEN"
)

// ErrMissingDatabaseDSN indicates no database DSN is present in config or env.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database.dsn` in config file or DB_CONNECTION)")

// ComputeConfig holds cloud compute provisioning settings.
type ComputeConfig struct {
	Region          string `yaml:"region"`            // Compute region for new instances.
	AccessKeyID     string `yaml:"access-key-id"`     // Static credential; empty uses the default chain.
	SecretAccessKey string `yaml:"secret-access-key"` // Static credential secret.
	Endpoint        string `yaml:"endpoint"`          // Optional endpoint override (localstack, tests).
	InstanceType    string `yaml:"instance-type"`     // VM size for companion instances.
	ImageID         string `yaml:"image-id"`          // Pinned base image; empty resolves by pattern.
	ImagePattern    string `yaml:"image-pattern"`     // Name pattern used to resolve the newest base image.
	GatewayPort     int    `yaml:"gateway-port"`      // Port the inference gateway listens on.
}

// BillingConfig holds payment-processor settings.
type BillingConfig struct {
	SecretKey     string `yaml:"secret-key"`     // API secret key.
	WebhookSecret string `yaml:"webhook-secret"` // Webhook signing secret.
	PriceID       string `yaml:"price-id"`       // Price for the paid companion product.
	SuccessURL    string `yaml:"success-url"`    // Checkout success redirect.
	CancelURL     string `yaml:"cancel-url"`     // Checkout cancel redirect.
}

// ChannelsConfig holds inbound channel adapter settings.
type ChannelsConfig struct {
	WhatsAppVerifyToken string        `yaml:"whatsapp-verify-token"` // Webhook subscription verify token.
	WhatsAppAccessToken string        `yaml:"whatsapp-access-token"` // Graph API send credential.
	GatewayTimeout      time.Duration `yaml:"gateway-timeout"`       // Per-relay timeout toward an instance gateway.
}

// Config holds the full application configuration.
type Config struct {
	Port        int    `yaml:"port"`         // HTTP listen port.
	DatabaseDSN string `yaml:"database-dsn"` // Relational store DSN.
	Database    struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	IdentitySecret string `yaml:"identity-secret"` // Shared secret for identity-provider tokens.
	VaultSecret    string `yaml:"vault-secret"`    // Secret the credential vault derives its key from.

	Compute  ComputeConfig  `yaml:"compute"`
	Billing  BillingConfig  `yaml:"billing"`
	Channels ChannelsConfig `yaml:"channels"`
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// defaultGatewayPort is the port companion gateways listen on unless configured.
const defaultGatewayPort = 3000

// defaultGatewayTimeout bounds relays toward an instance gateway; it must
// stay under the inbound channel webhook's own deadline.
const defaultGatewayTimeout = 50 * time.Second

// Load reads the config file, layers .env and process env on top, and
// applies defaults. A missing config file is not an error; env alone can
// carry a full configuration.
func Load(configPath string) (Config, error) {
	// .env is optional and never overrides real env.
	if envMap, errRead := godotenv.Read(".env"); errRead == nil {
		for key, value := range envMap {
			if _, exists := os.LookupEnv(key); !exists {
				os.Setenv(key, value)
			}
		}
	}

	var cfg Config
	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	} else if !os.IsNotExist(errRead) {
		return Config{}, fmt.Errorf("read config file: %w", errRead)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return Config{}, ErrMissingDatabaseDSN
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if secret := strings.TrimSpace(os.Getenv(EnvIdentitySecret)); secret != "" {
		cfg.IdentitySecret = secret
	}
	if secret := strings.TrimSpace(os.Getenv(EnvVaultSecret)); secret != "" {
		cfg.VaultSecret = secret
	}
	if key := strings.TrimSpace(os.Getenv(EnvStripeSecretKey)); key != "" {
		cfg.Billing.SecretKey = key
	}
	if secret := strings.TrimSpace(os.Getenv(EnvStripeWebhookSecret)); secret != "" {
		cfg.Billing.WebhookSecret = secret
	}
	if id := strings.TrimSpace(os.Getenv(EnvAWSAccessKeyID)); id != "" {
		cfg.Compute.AccessKeyID = id
	}
	if key := strings.TrimSpace(os.Getenv(EnvAWSSecretAccessKey)); key != "" {
		cfg.Compute.SecretAccessKey = key
	}
	if token := strings.TrimSpace(os.Getenv(EnvWhatsAppToken)); token != "" {
		cfg.Channels.WhatsAppAccessToken = token
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		cfg.DatabaseDSN = strings.TrimSpace(cfg.Database.DSN)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = 8318
	}
	if cfg.Compute.Region == "" {
		cfg.Compute.Region = "us-east-1"
	}
	if cfg.Compute.InstanceType == "" {
		cfg.Compute.InstanceType = "t3.small"
	}
	if cfg.Compute.ImagePattern == "" {
		cfg.Compute.ImagePattern = "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*"
	}
	if cfg.Compute.GatewayPort <= 0 {
		cfg.Compute.GatewayPort = defaultGatewayPort
	}
	if cfg.Channels.GatewayTimeout <= 0 {
		cfg.Channels.GatewayTimeout = defaultGatewayTimeout
	}
}
