package ota

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"otad/pkg/bus"
	"otad/pkg/firmware"
	gos3 "otad/pkg/s3"
	"otad/services/audit"
)

const (
	defaultRateLimit = 100
	mirrorTimeout    = 30 * time.Second
)

// AuditReader lists recorded firmware operations.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

// Store holds the dependencies the API layer works with. Only Firmware and
// Descriptors are required; the rest enable optional integrations.
type Store struct {
	Firmware    *firmware.Store
	Descriptors *firmware.DescriptorStore
	S3          *gos3.Client
	Bus         *bus.Bus
	Audit       AuditReader
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// PublicBaseURL prefixes download URLs. Derived from the request when empty.
	PublicBaseURL  string
	AllowedOrigins []string
	RatePerMinute  int
	MirrorBucket   string
	MirrorPrefix   string
	// Registry receives the API metrics. The default registerer is used when nil.
	Registry *prometheus.Registry
}

// API wires dependencies and configuration for HTTP handlers.
type API struct {
	store   *Store
	config  Config
	logger  zerolog.Logger
	metrics *metrics
	now     func() time.Time
}

// New initialises the API layer with defaults applied to the provided configuration.
func New(store *Store, cfg Config, logger zerolog.Logger) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.Firmware == nil {
		return nil, errors.New("firmware store is required")
	}
	if store.Descriptors == nil {
		return nil, errors.New("descriptor store is required")
	}
	if store.S3 != nil && cfg.MirrorBucket == "" {
		return nil, errors.New("mirror bucket is required when s3 is configured")
	}

	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if cfg.RatePerMinute == 0 {
		cfg.RatePerMinute = defaultRateLimit
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	if cfg.Registry != nil {
		reg = cfg.Registry
	}
	m, err := newMetrics(reg)
	if err != nil {
		return nil, err
	}

	return &API{
		store:   store,
		config:  cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}, nil
}
