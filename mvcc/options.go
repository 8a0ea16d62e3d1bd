package mvcc

import (
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// config mirrors the teacher's functional-options layout: a private struct
// with defaults, a family of Option funcs, and a constructor that applies
// them in order.
type config struct {
	logger     zerolog.Logger
	metrics    *storageMetrics
	instanceID string
}

func defaultConfig() config {
	return config{
		logger:     zerolog.New(os.Stderr).With().Timestamp().Logger(),
		metrics:    nil,
		instanceID: uuid.NewString(),
	}
}

// Option configures a Storage or Cell at construction time.
type Option func(*config)

// WithLogger overrides the default stderr zerolog.Logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithMetrics attaches a collector set built by NewStorageMetrics to this
// instance; registration happens in NewStorageMetrics, not here. Passing
// nil (the default) disables metrics entirely.
func WithMetrics(m *storageMetrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithInstanceID overrides the random UUID normally used to tag log lines
// and metric labels for this Storage/Cell, useful when a caller already has
// a stable identifier (e.g. a chain or shard name).
func WithInstanceID(id string) Option {
	return func(c *config) { c.instanceID = id }
}
