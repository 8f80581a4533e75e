package qconfig

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/quatton/rvcsync/pkg/qerr"
)

// DefaultEndpoint is the Backblaze B2 S3-compatible endpoint used when
// B2_S3_ENDPOINT is unset.
const DefaultEndpoint = "https://s3.us-west-004.backblazeb2.com"

// EnvConfig is the environment-sourced configuration. It is built once at
// startup and handed to every component; nothing else reads the environment.
type EnvConfig struct {
	SyncEnabled     bool   `envconfig:"SYNC_ENABLED" default:"true"`
	Bucket          string `envconfig:"B2_BUCKET"`
	Endpoint        string `envconfig:"B2_S3_ENDPOINT" default:"https://s3.us-west-004.backblazeb2.com"`
	Region          string `envconfig:"B2_REGION"`
	AccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY"`
	InputKey        string `envconfig:"INPUT_KEY"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"info"`
	SyncRetries     int    `envconfig:"SYNC_RETRIES" default:"0"`

	LeaseRedisAddr     string        `envconfig:"LEASE_REDIS_ADDR"`
	LeaseRedisPassword string        `envconfig:"LEASE_REDIS_PASSWORD"`
	LeaseTTL           time.Duration `envconfig:"LEASE_TTL" default:"6h"`
}

// LoadEnv reads an optional .env file and then processes the environment.
// It does not validate; see Validate.
func LoadEnv(dotenvFiles ...string) (*EnvConfig, error) {
	// A missing .env is the normal case inside the worker container.
	_ = godotenv.Load(dotenvFiles...)

	var cfg EnvConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, qerr.New(qerr.CodeConfiguration, fmt.Errorf("failed to load environment variables: %w", err))
	}
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.AccessKeyID = strings.TrimSpace(cfg.AccessKeyID)
	cfg.SecretAccessKey = strings.TrimSpace(cfg.SecretAccessKey)
	cfg.InputKey = strings.TrimSpace(cfg.InputKey)
	return &cfg, nil
}

// Validate checks that remote sync has everything it needs. When sync is
// disabled nothing is required.
func (c *EnvConfig) Validate() error {
	if !c.SyncEnabled {
		return nil
	}

	var errors []string

	if c.Bucket == "" {
		errors = append(errors, "  B2_BUCKET is required when SYNC_ENABLED=true")
	}
	if c.AccessKeyID == "" {
		errors = append(errors, "  AWS_ACCESS_KEY_ID is required when SYNC_ENABLED=true")
	}
	if c.SecretAccessKey == "" {
		errors = append(errors, "  AWS_SECRET_ACCESS_KEY is required when SYNC_ENABLED=true")
	}
	if _, _, err := c.S3Endpoint(); err != nil {
		errors = append(errors, "  B2_S3_ENDPOINT must be a valid URL or host[:port]")
	}
	if c.SyncRetries < 0 {
		errors = append(errors, "  SYNC_RETRIES must not be negative")
	}

	if len(errors) > 0 {
		return qerr.Newf(qerr.CodeConfiguration,
			"environment validation failed (set SYNC_ENABLED=false to run against a pre-populated workspace):\n%s",
			strings.Join(errors, "\n"))
	}
	return nil
}

// S3Endpoint splits Endpoint into the host[:port] form minio expects and
// whether TLS should be used. A bare host defaults to TLS.
func (c *EnvConfig) S3Endpoint() (host string, secure bool, err error) {
	raw := c.Endpoint
	if raw == "" {
		raw = DefaultEndpoint
	}
	if !strings.Contains(raw, "://") {
		return strings.TrimRight(raw, "/"), true, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, err
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("endpoint %q has no host", raw)
	}
	return u.Host, u.Scheme != "http", nil
}

// LeaseEnabled reports whether an identity lease should be taken.
func (c *EnvConfig) LeaseEnabled() bool {
	return c.LeaseRedisAddr != ""
}

func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func (c *EnvConfig) Print(fmtr func(string, ...any)) {
	fmtr("Configuration:\n")
	if !c.SyncEnabled {
		fmtr("  Sync: disabled (workspace must be pre-populated)\n")
	} else {
		fmtr("  Sync: enabled\n")
		fmtr("  Bucket: %s\n", c.Bucket)
		fmtr("  Endpoint: %s\n", c.Endpoint)
		fmtr("  Access Key: %s\n", MaskSecret(c.AccessKeyID))
		fmtr("  Secret Key: %s\n", MaskSecret(c.SecretAccessKey))
		fmtr("  Retries: %d\n", c.SyncRetries)
	}
	if c.InputKey != "" {
		fmtr("  Input Key Override: %s\n", c.InputKey)
	}
	if c.LeaseEnabled() {
		fmtr("  Lease: %s (ttl %s)\n", c.LeaseRedisAddr, c.LeaseTTL)
	}
}
