package engine

import (
	"context"
	"time"

	"github.com/cosmicstack/cosmic/pkg/telemetry"
)

// WakeupHandler resumes a waiting job. Handlers must be idempotent: the same
// wakeup can be delivered more than once, for example after a crash between
// the handler returning and the join being removed.
//
// Returning an error wrapped with Permanent drops the join; any other error
// keeps it for the next scheduler cycle.
type WakeupHandler interface {
	HandleWakeup(ctx context.Context, w Wakeup) error
}

// WakeupHandlerFunc adapts a function to WakeupHandler.
type WakeupHandlerFunc func(ctx context.Context, w Wakeup) error

// HandleWakeup implements WakeupHandler.
func (f WakeupHandlerFunc) HandleWakeup(ctx context.Context, w Wakeup) error {
	return f(ctx, w)
}

// Admitter vets job and join requests after field validation and before
// anything is written. A non-nil error rejects the request unchanged.
type Admitter interface {
	AdmitJob(ctx context.Context, req CreateJobRequest) error
	AdmitJoin(ctx context.Context, req JoinRequest) error
}

// Option configures a JobStore, JoinMap or WakeScheduler. Each constructor
// reads only the settings it uses.
type Option func(*options)

type options struct {
	clock    Clock
	registry *Registry
	admitter Admitter

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	// Job store
	casRetries int

	// Wake scheduler
	nodeID    string
	interval  time.Duration
	workers   int
	batchSize int
	ownedOnly bool
}

func defaultOptions() options {
	return options{
		clock:      systemClock{},
		logger:     telemetry.NopLogger(),
		casRetries: 5,
		interval:   time.Second,
		workers:    4,
		batchSize:  500,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithRegistry validates dispatcher and handler refs against r.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithAdmitter rejects requests the admitter refuses.
func WithAdmitter(a Admitter) Option {
	return func(o *options) { o.admitter = a }
}

// WithTelemetry wires the logger, metrics, tracer and events of tel.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) {
		if tel == nil {
			return
		}
		if tel.Logger != nil {
			o.logger = tel.Logger
		}
		o.metrics = tel.Metrics
		o.tracer = tel.Tracer
		o.events = tel.Events
	}
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEvents sets the event publisher.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(o *options) { o.events = ep }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithCASRetries bounds how often a job status write is retried after
// losing a race.
func WithCASRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.casRetries = n
		}
	}
}

// WithNodeID sets the node the scheduler runs on.
func WithNodeID(id string) Option {
	return func(o *options) { o.nodeID = id }
}

// WithInterval sets the scheduler tick interval.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithWorkers sets the number of concurrent wakeup workers.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithBatchSize caps the joins examined per cycle.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithOwnedOnly restricts the scheduler to joins whose waiting job is owned
// by its node.
func WithOwnedOnly(owned bool) Option {
	return func(o *options) { o.ownedOnly = owned }
}
