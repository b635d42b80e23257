package taskbus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/UniQw/taskbus/internal/broker"
	"github.com/UniQw/taskbus/internal/broker/amqpbroker"
	"github.com/UniQw/taskbus/internal/broker/redisbroker"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/UniQw/taskbus"

// ConnectionManager owns the single broker connection of a process and the
// publish channels opened on it, one per queue.
type ConnectionManager struct {
	cfg     Config
	conn    broker.Connection
	opts    options
	log     Logger
	codec   *Codec
	metrics *Metrics

	mu         sync.Mutex
	closed     bool
	publishers map[Queue]*PublishChannel
}

// Dial parses uri and connects to the broker it names. The transport is
// chosen by scheme: amqp(s) for RabbitMQ, redis(s) for Redis.
func Dial(ctx context.Context, uri string, opts ...Option) (*ConnectionManager, error) {
	cfg, err := ParseAddress(uri)
	if err != nil {
		return nil, err
	}
	return DialConfig(ctx, cfg, opts...)
}

// DialConfig connects with an already parsed configuration.
func DialConfig(ctx context.Context, cfg Config, opts ...Option) (*ConnectionManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	ctx, cancel := context.WithTimeout(ctx, o.dialTimeout)
	defer cancel()

	var conn broker.Connection
	if cfg.IsRedis() {
		ro := &redis.Options{
			Addr:        cfg.HostPort(),
			Username:    cfg.User,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: o.dialTimeout,
		}
		if cfg.Scheme == "rediss" {
			ro.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
		}
		c, err := redisbroker.Dial(ctx, ro, cfg.RecoveryDelay, redisOptions(cfg, o))
		if err != nil {
			return nil, fmt.Errorf("taskbus: connect %s: %w", cfg, err)
		}
		conn = c
	} else {
		if cfg.RequeueDelay > 0 {
			o.logger.Warnf("taskbus: requeueDelay is not supported by the amqp transport, ignored")
		}
		c, err := amqpbroker.Dial(cfg.AMQPURL(), amqpbroker.Options{
			RecoveryDelay: cfg.RecoveryDelay,
			DialTimeout:   o.dialTimeout,
			Logger:        o.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("taskbus: connect %s: %w", cfg, err)
		}
		conn = c
	}
	o.logger.Infof("taskbus: connected to %s", cfg)
	return newConnectionManager(conn, cfg, o), nil
}

// DialRedis builds a manager on an existing Redis client, which stays owned
// by the caller. cfg.Scheme is forced to redis.
func DialRedis(rdb redis.UniversalClient, cfg Config, opts ...Option) (*ConnectionManager, error) {
	if rdb == nil {
		return nil, errors.New("taskbus: nil redis client")
	}
	cfg.Scheme = "redis"
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.NbMaxMessages == 0 {
		cfg.NbMaxMessages = DefaultNbMaxMessages
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return newConnectionManager(redisbroker.New(rdb, redisOptions(cfg, o)), cfg, o), nil
}

func redisOptions(cfg Config, o options) redisbroker.Options {
	return redisbroker.Options{
		RequeueDelay: cfg.RequeueDelay,
		PollInterval: o.pollInterval,
		Logger:       o.logger,
	}
}

func newConnectionManager(conn broker.Connection, cfg Config, o options) *ConnectionManager {
	return &ConnectionManager{
		cfg:        cfg,
		conn:       conn,
		opts:       o,
		log:        o.logger,
		codec:      NewCodec(o.encoder),
		metrics:    NewMetrics(o.registerer),
		publishers: make(map[Queue]*PublishChannel),
	}
}

func (cm *ConnectionManager) propagator() propagation.TextMapPropagator {
	if cm.opts.propagator != nil {
		return cm.opts.propagator
	}
	return otel.GetTextMapPropagator()
}

func (cm *ConnectionManager) tracer() trace.Tracer {
	tp := cm.opts.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

// Config returns the connection configuration.
func (cm *ConnectionManager) Config() Config { return cm.cfg }

// Metrics returns the collectors shared by every component on this connection.
func (cm *ConnectionManager) Metrics() *Metrics { return cm.metrics }

// IsOpen reports whether the connection is usable.
func (cm *ConnectionManager) IsOpen() bool {
	cm.mu.Lock()
	closed := cm.closed
	cm.mu.Unlock()
	return !closed && !cm.conn.IsClosed()
}

// CreatePublishChannel opens the publish channel of q and declares its
// exchange. It is a no-op when a live channel already exists.
func (cm *ConnectionManager) CreatePublishChannel(q Queue) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	_, err := cm.publisherLocked(q, false)
	return err
}

// CreatePublishChannels opens the publish channels of every queue in qs.
func (cm *ConnectionManager) CreatePublishChannels(qs ...Queue) error {
	for _, q := range qs {
		if err := cm.CreatePublishChannel(q); err != nil {
			return err
		}
	}
	return nil
}

// publisherLocked returns the publish channel of q, reopening it when the
// broker closed it. A missing channel is opened unless reopenOnly is set.
func (cm *ConnectionManager) publisherLocked(q Queue, reopenOnly bool) (*PublishChannel, error) {
	if cm.closed {
		return nil, ErrClosed
	}
	pc, ok := cm.publishers[q]
	if ok && !pc.IsClosed() {
		return pc, nil
	}
	if !ok && reopenOnly {
		return nil, &UnknownChannelError{Queue: q}
	}
	def, err := Definition(q)
	if err != nil {
		return nil, err
	}
	ch, err := cm.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("taskbus: open publish channel for %s: %w", q, err)
	}
	if err := ch.ExchangeDeclare(def.Exchange, def.Kind, def.Durable); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("taskbus: declare exchange %s: %w", def.Exchange, err)
	}
	pc, err = newPublishChannel(q, def, ch, cm)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if ok {
		_ = cm.publishers[q].Close()
		cm.log.Warnf("taskbus: publish channel for %s was closed, reopened", q)
	}
	cm.publishers[q] = pc
	return pc, nil
}

// Publish sends ev on q with the default routing key of q.
func (cm *ConnectionManager) Publish(ctx context.Context, q Queue, ev Event) error {
	return cm.PublishWithKey(ctx, q, "", ev)
}

// PublishWithKey sends ev on q with routingKey and waits for the broker
// confirm. The publish channel of q must have been created beforehand.
func (cm *ConnectionManager) PublishWithKey(ctx context.Context, q Queue, routingKey string, ev Event) error {
	cm.mu.Lock()
	pc, err := cm.publisherLocked(q, true)
	cm.mu.Unlock()
	if err != nil {
		return err
	}
	return pc.Publish(ctx, routingKey, ev)
}

// CreateConsumeChannel opens a channel for consuming q and declares its
// topology: exchange, dead-letter queue when configured, queue and binding.
// The prefetch of the channel is the nbMaxMessages of the address.
func (cm *ConnectionManager) CreateConsumeChannel(q Queue, routingKey string) (*ConsumeChannel, error) {
	if !cm.IsOpen() {
		return nil, ErrClosed
	}
	def, err := Definition(q)
	if err != nil {
		return nil, err
	}
	ch, err := cm.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("taskbus: open consume channel for %s: %w", q, err)
	}
	cc := &ConsumeChannel{Queue: q, Name: QueueName(q, routingKey), Key: def.Key(routingKey), ch: ch}
	if err := cm.declareConsume(ch, q, def, cc); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(cm.cfg.NbMaxMessages); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("taskbus: qos on %s: %w", cc.Name, err)
	}
	return cc, nil
}

func (cm *ConnectionManager) declareConsume(ch broker.Channel, q Queue, def QueueDef, cc *ConsumeChannel) error {
	withArgs := cm.cfg.BrokerArgs()
	if withArgs && def.DeadLetter != "" {
		dlq := registry[def.DeadLetter]
		if err := ch.ExchangeDeclare(dlq.Exchange, dlq.Kind, dlq.Durable); err != nil {
			return fmt.Errorf("taskbus: declare exchange %s: %w", dlq.Exchange, err)
		}
		name := QueueName(def.DeadLetter, "")
		if err := ch.QueueDeclare(consumeSpec(def.DeadLetter, name, withArgs)); err != nil {
			return fmt.Errorf("taskbus: declare queue %s: %w", name, err)
		}
		if err := ch.QueueBind(name, dlq.Exchange, dlq.RoutingKey); err != nil {
			return fmt.Errorf("taskbus: bind queue %s: %w", name, err)
		}
	}
	if err := ch.ExchangeDeclare(def.Exchange, def.Kind, def.Durable); err != nil {
		return fmt.Errorf("taskbus: declare exchange %s: %w", def.Exchange, err)
	}
	if err := ch.QueueDeclare(consumeSpec(q, cc.Name, withArgs)); err != nil {
		return fmt.Errorf("taskbus: declare queue %s: %w", cc.Name, err)
	}
	if err := ch.QueueBind(cc.Name, def.Exchange, cc.Key); err != nil {
		return fmt.Errorf("taskbus: bind queue %s: %w", cc.Name, err)
	}
	return nil
}

// Close closes every publish channel, then the connection. Channel failures
// are logged and do not prevent closing the connection. Only the first call
// does anything.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	pubs := cm.publishers
	cm.publishers = map[Queue]*PublishChannel{}
	cm.mu.Unlock()

	var errs []error
	for _, q := range Queues() {
		pc, ok := pubs[q]
		if !ok {
			continue
		}
		if err := pc.Close(); err != nil {
			cm.log.Errorf("taskbus: close publish channel %s: %v", q, err)
			errs = append(errs, err)
		}
	}
	if err := cm.conn.Close(); err != nil {
		cm.log.Errorf("taskbus: close connection: %v", err)
		errs = append(errs, fmt.Errorf("taskbus: close connection: %w", err))
	}
	return errors.Join(errs...)
}

// ConsumeChannel is a broker channel dedicated to one consume queue. It is
// owned by its consumer and closed independently of publish channels.
type ConsumeChannel struct {
	Queue Queue
	// Name is the broker queue name.
	Name string
	// Key is the binding routing key.
	Key string

	ch broker.Channel
}

// Close closes the channel.
func (cc *ConsumeChannel) Close() error { return cc.ch.Close() }
