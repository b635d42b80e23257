package taskbus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Default timeouts.
const (
	DefaultConfirmTimeout = 10 * time.Second
	DefaultDialTimeout    = 30 * time.Second
)

type options struct {
	logger         Logger
	confirmTimeout time.Duration
	dialTimeout    time.Duration
	registerer     prometheus.Registerer
	encoder        Encoder
	repository     Repository
	routing        RoutingStrategy
	pollInterval   time.Duration
	name           string
	taskLimit      int
	propagator     propagation.TextMapPropagator
	tracerProvider trace.TracerProvider
}

func defaultOptions() options {
	return options{
		logger:         nopLogger{},
		confirmTimeout: DefaultConfirmTimeout,
		dialTimeout:    DefaultDialTimeout,
		encoder:        &JSONEncoder{},
		routing:        RoutingUnique,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Option configures a ConnectionManager, Manager or Worker. Options that do
// not apply to a component are ignored by it.
type Option func(*options)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l == nil {
			l = nopLogger{}
		}
		o.logger = l
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm.
func WithConfirmTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.confirmTimeout = d
		}
	}
}

// WithDialTimeout bounds the initial connection handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithRegisterer registers the bus metrics on r. Without it metrics are
// collected but not exported.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithEncoder replaces the JSON encoder used for message bodies.
func WithEncoder(e Encoder) Option {
	return func(o *options) {
		if e != nil {
			o.encoder = e
		}
	}
}

// WithRepository sets the task store of a Manager. Default is a MemoryRepository.
func WithRepository(r Repository) Option {
	return func(o *options) { o.repository = r }
}

// WithRoutingStrategy selects how tasks are routed to workers.
func WithRoutingStrategy(s RoutingStrategy) Option {
	return func(o *options) { o.routing = s }
}

// WithPollInterval sets how often the Redis transport polls empty queues.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithName names the process in logs and monitoring events.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithTaskLimit makes a Worker stop after n tasks. Zero means no limit.
func WithTaskLimit(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.taskLimit = n
		}
	}
}

// WithPropagator sets the propagator carrying trace context in message
// headers. Default is the otel global one.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *options) { o.propagator = p }
}

// WithTracerProvider sets where consume spans are started. Default is the
// otel global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}
