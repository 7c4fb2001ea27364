// Package transfer moves bytes to and from object storage: chunked uploads
// with progress, single and bulk deletes, and presigned download URLs.
package transfer

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// MinPartSize is the smallest multipart part S3 accepts (except the last).
	MinPartSize int64 = 5 << 20 // 5 MiB

	// DefaultPartSize is the upload part size.
	DefaultPartSize = MinPartSize

	// MaxParts is the largest part number S3 accepts.
	MaxParts = 10000

	// DefaultConcurrency is the number of parts uploaded in parallel.
	DefaultConcurrency = 4

	// MaxDeleteBatch is the most keys a single DeleteObjects call accepts.
	MaxDeleteBatch = 1000

	// DefaultDeleteFallbackRate paces per-object deletes after a batch failure.
	DefaultDeleteFallbackRate = 20

	// DefaultPresignTTL is the lifetime of presigned URLs.
	DefaultPresignTTL = time.Hour

	// MaxPresignTTL is the longest lifetime SigV4 presigning supports.
	MaxPresignTTL = 7 * 24 * time.Hour
)

// Config configures a Manager.
type Config struct {
	// PartSize is the multipart part size. Values below MinPartSize are raised.
	PartSize int64

	// Concurrency is the number of parts uploaded in parallel.
	Concurrency int

	// DeleteBatchSize caps keys per DeleteObjects call.
	DeleteBatchSize int

	// DeleteFallbackRate is the per-second rate of individual deletes issued
	// when a batch delete fails. Zero or negative disables pacing.
	DeleteFallbackRate float64

	// PresignTTL is the default presigned URL lifetime.
	PresignTTL time.Duration
}

// DefaultConfig returns the default transfer configuration.
func DefaultConfig() Config {
	return Config{
		PartSize:           DefaultPartSize,
		Concurrency:        DefaultConcurrency,
		DeleteBatchSize:    MaxDeleteBatch,
		DeleteFallbackRate: DefaultDeleteFallbackRate,
		PresignTTL:         DefaultPresignTTL,
	}
}

// Manager performs transfers. It holds no per-credential state, so one Manager
// serves every client a factory hands out.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	limiter *rate.Limiter
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Manager. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.PartSize <= 0 {
		cfg.PartSize = def.PartSize
	}
	if cfg.PartSize < MinPartSize {
		cfg.PartSize = MinPartSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.DeleteBatchSize <= 0 || cfg.DeleteBatchSize > MaxDeleteBatch {
		cfg.DeleteBatchSize = MaxDeleteBatch
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = def.PresignTTL
	}

	limit := rate.Inf
	if cfg.DeleteFallbackRate > 0 {
		limit = rate.Limit(cfg.DeleteFallbackRate)
	}

	m := &Manager{
		cfg:     cfg,
		logger:  zap.NewNop(),
		limiter: rate.NewLimiter(limit, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}
