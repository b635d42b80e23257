package taskbus

import (
	"context"
	"errors"
	"sync"

	"github.com/UniQw/taskbus/internal/broker"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// EventHandler processes one consumed event. Returning nil acks the message;
// a *NackError rejects it with its requeue flag; any other error rejects it
// without requeue.
type EventHandler func(ctx context.Context, ev Event) error

// Criteria tells the consumer whether it may consume one more event, given
// how many it consumed so far.
type Criteria func(consumed int) bool

// Forever never stops consuming.
func Forever() Criteria { return func(int) bool { return true } }

// Bounded stops after n events.
func Bounded(n int) Criteria { return func(consumed int) bool { return consumed < n } }

type consumerOptions struct {
	routingKey string
	criteria   Criteria
	tag        string
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*consumerOptions)

// WithRoutingKey binds the consume queue with key instead of the queue default.
func WithRoutingKey(key string) ConsumerOption {
	return func(o *consumerOptions) { o.routingKey = key }
}

// WithCriteria sets the continuation predicate. Default is Forever.
func WithCriteria(c Criteria) ConsumerOption {
	return func(o *consumerOptions) {
		if c != nil {
			o.criteria = c
		}
	}
}

// WithConsumerTag sets the broker consumer tag.
func WithConsumerTag(tag string) ConsumerOption {
	return func(o *consumerOptions) { o.tag = tag }
}

// Consumer reads events from one queue and settles each delivery according
// to the outcome of its handler. Up to nbMaxMessages handlers run at once;
// deliveries are acked or nacked independently, in any order.
type Consumer struct {
	cc       *ConsumeChannel
	handler  EventHandler
	criteria Criteria
	tag      string
	codec    *Codec
	log      Logger
	metrics  *Metrics
	sem      *semaphore.Weighted
	prop     propagation.TextMapPropagator
	tracer   trace.Tracer

	mu        sync.Mutex
	consumed  int
	cancelled bool
	started   bool
	consuming bool

	inflight sync.WaitGroup
	done     chan struct{}
}

// NewConsumer declares the consume topology of q and returns a consumer
// ready to Run.
func NewConsumer(cm *ConnectionManager, q Queue, h EventHandler, opts ...ConsumerOption) (*Consumer, error) {
	o := consumerOptions{criteria: Forever()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tag == "" {
		o.tag = string(q) + "-" + uuid.NewString()
	}
	cc, err := cm.CreateConsumeChannel(q, o.routingKey)
	if err != nil {
		return nil, err
	}
	prefetch := int64(cm.cfg.NbMaxMessages)
	if prefetch < 1 {
		prefetch = 1
	}
	return &Consumer{
		cc:       cc,
		handler:  h,
		criteria: o.criteria,
		tag:      o.tag,
		codec:    cm.codec,
		log:      cm.log,
		metrics:  cm.metrics,
		sem:      semaphore.NewWeighted(prefetch),
		prop:     cm.propagator(),
		tracer:   cm.tracer(),
		done:     make(chan struct{}),
	}, nil
}

// QueueName is the broker queue consumed.
func (c *Consumer) QueueName() string { return c.cc.Name }

// Tag is the broker consumer tag.
func (c *Consumer) Tag() string { return c.tag }

// Done is closed once Run returned.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// Consumed is the number of deliveries settled so far.
func (c *Consumer) Consumed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumed
}

// Run consumes until the criteria is exhausted, Cancel is called or ctx is
// done. Handlers in flight are awaited, then the channel is closed. Handler
// contexts are not cancelled with ctx. Run returns ErrClosed when the broker
// closed the channel.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("taskbus: consumer already started")
	}
	c.started = true
	cancelled := c.cancelled
	c.mu.Unlock()
	defer close(c.done)
	if cancelled {
		return c.cc.Close()
	}

	deliveries, err := c.cc.ch.Consume(c.cc.Name, c.tag)
	if err != nil {
		_ = c.cc.Close()
		return err
	}
	c.mu.Lock()
	c.consuming = true
	cancelled = c.cancelled
	c.mu.Unlock()
	if cancelled {
		_ = c.cc.ch.Cancel(c.tag)
	}
	c.log.Debugf("taskbus: consuming %s as %s", c.cc.Name, c.tag)

	handlerCtx := context.WithoutCancel(ctx)
	stop := context.AfterFunc(ctx, func() { _ = c.Cancel() })
	defer stop()

	for d := range deliveries {
		if c.isCancelled() {
			c.settle(d, false, true)
			continue
		}
		if err := c.sem.Acquire(handlerCtx, 1); err != nil {
			c.settle(d, false, true)
			continue
		}
		// a handler finishing meanwhile may have cancelled the consumer
		if c.isCancelled() {
			c.sem.Release(1)
			c.settle(d, false, true)
			continue
		}
		c.inflight.Add(1)
		go func(d broker.Delivery) {
			defer c.inflight.Done()
			defer c.sem.Release(1)
			c.process(handlerCtx, d)
		}(d)
	}
	c.inflight.Wait()
	if err := c.cc.Close(); err != nil {
		c.log.Warnf("taskbus: close consume channel %s: %v", c.cc.Name, err)
	}
	c.log.Debugf("taskbus: consumer %s stopped after %d messages", c.tag, c.Consumed())
	if !c.isCancelled() {
		return ErrClosed
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, d broker.Delivery) {
	queue := string(c.cc.Queue)
	c.metrics.InFlight.WithLabelValues(queue).Inc()
	defer c.metrics.InFlight.WithLabelValues(queue).Dec()

	ctx = c.prop.Extract(ctx, propagation.MapCarrier(d.Headers))
	ctx, span := c.tracer.Start(ctx, "taskbus.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("taskbus.queue", queue),
		attribute.Bool("taskbus.redelivered", d.Redelivered),
	)

	err := c.handle(ctx, d)
	ack, requeue := outcome(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Warnf("taskbus: %s rejected message (requeue=%t): %v", c.cc.Name, requeue, err)
	}

	c.mu.Lock()
	c.consumed++
	n := c.consumed
	c.mu.Unlock()
	// criteria may stop this consumer itself, so it runs unlocked
	if !c.criteria(n) {
		// cancel before settling so no further delivery is taken
		_ = c.Cancel()
	}
	c.settle(d, ack, requeue)
}

func (c *Consumer) handle(ctx context.Context, d broker.Delivery) error {
	ev, err := c.codec.Deserialize(d.Body)
	if err != nil {
		return err
	}
	return c.handler(ctx, ev)
}

// outcome maps a handler result to a settlement.
func outcome(err error) (ack, requeue bool) {
	if err == nil {
		return true, false
	}
	var nack *NackError
	if errors.As(err, &nack) {
		return false, nack.Requeue
	}
	return false, false
}

func (c *Consumer) settle(d broker.Delivery, ack, requeue bool) {
	queue := string(c.cc.Queue)
	var err error
	switch {
	case ack:
		err = c.cc.ch.Ack(d.Tag)
		c.metrics.Consumed.WithLabelValues(queue, "ack").Inc()
	case requeue:
		err = c.cc.ch.Nack(d.Tag, true)
		c.metrics.Consumed.WithLabelValues(queue, "requeue").Inc()
	default:
		err = c.cc.ch.Nack(d.Tag, false)
		c.metrics.Consumed.WithLabelValues(queue, "nack").Inc()
	}
	if err != nil {
		c.log.Errorf("taskbus: settle delivery %d on %s: %v", d.Tag, c.cc.Name, err)
	}
}

func (c *Consumer) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Cancel stops new deliveries. Handlers in flight finish normally. It is safe
// to call several times and before Run.
func (c *Consumer) Cancel() error {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return nil
	}
	c.cancelled = true
	consuming := c.consuming
	c.mu.Unlock()
	if !consuming {
		return nil
	}
	if err := c.cc.ch.Cancel(c.tag); err != nil && !errors.Is(err, broker.ErrChannelClosed) {
		return err
	}
	return nil
}

// Wait blocks until Run returned or ctx is done.
func (c *Consumer) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
