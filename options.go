package binctx

import "github.com/go-kit/log"

// Option configures a Context.
type Option func(*options)

type options struct {
	relocations     bool // Binary carries complete static relocations
	strict          bool // Account for every PC-relative data relocation
	processAll      bool // All functions must be fully accounted for
	batSection      bool // Branch address translation table requested
	discover        bool // Discover functions missing from the symbol table
	decodeCacheSize int

	logger  log.Logger
	metrics *Metrics
	emitter Emitter
}

func defaultOptions() options {
	return options{
		decodeCacheSize: 4096,
		logger:          log.NewNopLogger(),
	}
}

// WithRelocations switches relocation-driven mode on or off. LoadELF sets it
// automatically when the input carries static relocation sections; an
// explicit option given after detection wins.
func WithRelocations(enabled bool) Option {
	return func(o *options) {
		o.relocations = enabled
	}
}

// WithStrictMode requires every PC-relative relocation found in data to be
// claimed by a jump table.
func WithStrictMode(enabled bool) Option {
	return func(o *options) {
		o.strict = enabled
	}
}

// WithProcessAllFunctions makes unmarked objects in code fatal.
func WithProcessAllFunctions(enabled bool) Option {
	return func(o *options) {
		o.processAll = enabled
	}
}

// WithBATSection keeps recording entry points for references coming from
// ignored functions.
func WithBATSection(enabled bool) Option {
	return func(o *options) {
		o.batSection = enabled
	}
}

// WithFunctionDiscovery enables call-site and prologue based discovery of
// functions absent from the symbol table.
func WithFunctionDiscovery(enabled bool) Option {
	return func(o *options) {
		o.discover = enabled
	}
}

// WithDecodeCacheSize sets the number of decoded instructions kept in cache.
func WithDecodeCacheSize(n int) Option {
	return func(o *options) {
		o.decodeCacheSize = n
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithEmitter sets the backend used to measure emitted function sizes.
func WithEmitter(e Emitter) Option {
	return func(o *options) {
		o.emitter = e
	}
}
