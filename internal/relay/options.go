package relay

import (
	"context"
	"log/slog"
	"time"
)

// defaultQueryTimeout bounds a single store call.
const defaultQueryTimeout = 10 * time.Second

type options struct {
	logger       *slog.Logger
	queryTimeout time.Duration
}

// Option configures the relay components.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithQueryTimeout sets the per-call store timeout. Zero disables it.
func WithQueryTimeout(d time.Duration) Option {
	return func(o *options) { o.queryTimeout = d }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:       slog.Default(),
		queryTimeout: defaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.queryTimeout)
}
