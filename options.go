package gpgpu

import "log/slog"

// ContextOption configures a Context during creation.
//
// Example:
//
//	ctx, err := gpgpu.NewContext(backend,
//	    gpgpu.WithLogger(slog.Default()),
//	    gpgpu.WithTimestamps(true),
//	)
type ContextOption func(*contextOptions)

// contextOptions holds optional configuration for Context creation.
type contextOptions struct {
	logger     *slog.Logger
	cache      *PipelineCache
	timestamps bool
	label      string
}

// defaultOptions returns the default context options.
func defaultOptions() contextOptions {
	return contextOptions{
		logger: nil, // falls back to Logger()
		cache:  nil, // a fresh cache per context
	}
}

// WithLogger sets the logger used by the Context and handed to its backend.
func WithLogger(l *slog.Logger) ContextOption {
	return func(o *contextOptions) {
		o.logger = l
	}
}

// WithPipelineCache shares an existing cache with the Context. The cache
// must only hold pipelines built on the same backend.
func WithPipelineCache(c *PipelineCache) ContextOption {
	return func(o *contextOptions) {
		o.cache = c
	}
}

// WithTimestamps requests timestamps for every dispatch. On backends
// without CapTimestamps the request is ignored.
func WithTimestamps(enabled bool) ContextOption {
	return func(o *contextOptions) {
		o.timestamps = enabled
	}
}

// WithLabel names the Context in log output.
func WithLabel(label string) ContextOption {
	return func(o *contextOptions) {
		o.label = label
	}
}

// DispatchOption configures a single dispatch.
type DispatchOption func(*DispatchDescriptor)

// Timestamped requests timestamps for one dispatch.
func Timestamped() DispatchOption {
	return func(d *DispatchDescriptor) {
		d.Timestamps = true
	}
}

// Labeled names one dispatch.
func Labeled(label string) DispatchOption {
	return func(d *DispatchDescriptor) {
		d.Label = label
	}
}
