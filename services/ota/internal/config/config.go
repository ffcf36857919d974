package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"otad/pkg/firmware"
	gos3 "otad/pkg/s3"
)

// Config holds runtime configuration for the OTA server.
type Config struct {
	Addr           string   `env:"OTA_ADDR,default=:8080"`
	FirmwareDir    string   `env:"OTA_FIRMWARE_DIR,default=./firmware"`
	PublicBaseURL  string   `env:"OTA_PUBLIC_BASE_URL"`
	MaxUploadBytes int64    `env:"OTA_MAX_UPLOAD_BYTES,default=10485760"`
	AllowedOrigins []string `env:"OTA_CORS_ALLOWED_ORIGINS,default=*"`
	RatePerMinute  int      `env:"OTA_RATE_LIMIT_PER_MINUTE,default=100"`
	LogLevel       string   `env:"OTA_LOG_LEVEL,default=info"`
	LogFormat      string   `env:"OTA_LOG_FORMAT,default=json"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	NATSURL        string   `env:"NATS_URL"`
	DBDSN          string   `env:"DB_DSN"`

	TFTP TFTPConfig `env:", prefix=OTA_TFTP_"`
	S3   S3Config   `env:", prefix=S3_"`
}

// TFTPConfig controls the optional read-only TFTP listener.
type TFTPConfig struct {
	Enabled bool          `env:"ENABLED,default=false"`
	Address string        `env:"ADDRESS,default=:69"`
	Timeout time.Duration `env:"TIMEOUT,default=5s"`
}

// S3Config controls the optional artifact mirror.
type S3Config struct {
	Endpoint       string `env:"ENDPOINT"`
	AccessKey      string `env:"ACCESS_KEY"`
	SecretKey      string `env:"SECRET_KEY"`
	Region         string `env:"REGION,default=us-east-1"`
	Bucket         string `env:"BUCKET"`
	Prefix         string `env:"PREFIX,default=firmware/"`
	DisableTLS     bool   `env:"DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"FORCE_PATH_STYLE,default=true"`
}

// Enabled reports whether a mirror endpoint was configured.
func (c S3Config) Enabled() bool { return strings.TrimSpace(c.Endpoint) != "" }

// Client returns the connection settings for pkg/s3.
func (c S3Config) Client() gos3.Config {
	return gos3.Config{
		Endpoint:       c.Endpoint,
		AccessKey:      c.AccessKey,
		SecretKey:      c.SecretKey,
		Region:         c.Region,
		DisableTLS:     c.DisableTLS,
		ForcePathStyle: c.ForcePathStyle,
	}
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom returns a Config populated from lookuper.
func LoadFrom(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.FirmwareDir) == "" {
		return errors.New("OTA_FIRMWARE_DIR must not be empty")
	}
	if c.MaxUploadBytes <= 0 || c.MaxUploadBytes > firmware.MaxUploadLimit {
		return fmt.Errorf("OTA_MAX_UPLOAD_BYTES must be between 1 and %d, got %d", firmware.MaxUploadLimit, c.MaxUploadBytes)
	}
	if c.RatePerMinute < 0 {
		return fmt.Errorf("OTA_RATE_LIMIT_PER_MINUTE must not be negative, got %d", c.RatePerMinute)
	}
	if c.PublicBaseURL != "" {
		u, err := url.Parse(c.PublicBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("OTA_PUBLIC_BASE_URL must be an absolute URL, got %q", c.PublicBaseURL)
		}
		c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	}
	if c.S3.Enabled() {
		if c.S3.Bucket == "" {
			return errors.New("S3_BUCKET is required when S3_ENDPOINT is set")
		}
		if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
			return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_ENDPOINT is set")
		}
	}
	return nil
}
