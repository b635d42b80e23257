package amqpbroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/UniQw/taskbus/internal/broker"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery tags and publish sequence numbers restart at 1 on every reopened
// channel, so the wrapper prefixes them with the channel epoch.
const epochShift = 40

func encode(epoch, n uint64) uint64 { return epoch<<epochShift | n }

func decode(v uint64) (epoch, n uint64) { return v >> epochShift, v & (1<<epochShift - 1) }

// Channel is a reopening AMQP channel.
type Channel struct {
	conn *Connection
	log  broker.Logger

	mu         sync.Mutex
	ch         *amqp.Channel
	epoch      uint64
	closed     bool
	topology   []func(*amqp.Channel) error
	confirming bool
	confirms   chan broker.Confirmation
	consumers  map[string]*consumer

	wg sync.WaitGroup
}

type consumer struct {
	queue string
	stop  chan struct{}
	done  chan struct{}
}

func newChannel(c *Connection) *Channel {
	return &Channel{conn: c, log: c.log, consumers: make(map[string]*consumer)}
}

// rawLocked returns the live channel, reopening and replaying declarations
// when the previous one died. mu must be held.
func (c *Channel) rawLocked() (*amqp.Channel, error) {
	if c.closed {
		return nil, broker.ErrChannelClosed
	}
	if c.ch != nil && !c.ch.IsClosed() {
		return c.ch, nil
	}
	conn, err := c.conn.current()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqpbroker: open channel: %w", err)
	}
	for _, declare := range c.topology {
		if err := declare(ch); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("amqpbroker: replay declarations: %w", err)
		}
	}
	c.epoch++
	if c.confirming {
		if err := c.enableConfirms(ch, c.epoch); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}
	if c.ch != nil {
		c.log.Infof("amqpbroker: channel reopened epoch=%d", c.epoch)
	}
	c.ch = ch
	return ch, nil
}

func (c *Channel) enableConfirms(ch *amqp.Channel, epoch uint64) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("amqpbroker: confirm mode: %w", err)
	}
	in := ch.NotifyPublish(make(chan amqp.Confirmation, 1024))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for conf := range in {
			c.confirms <- broker.Confirmation{Seq: encode(epoch, conf.DeliveryTag), Ack: conf.Ack}
		}
	}()
	return nil
}

// declare runs f now and records it for replay on reopen.
func (c *Channel) declare(f func(*amqp.Channel) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.rawLocked()
	if err != nil {
		return err
	}
	if err := f(ch); err != nil {
		return err
	}
	c.topology = append(c.topology, f)
	return nil
}

// IsClosed reports whether Close was called.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ExchangeDeclare declares a non auto-deleted exchange.
func (c *Channel) ExchangeDeclare(name string, kind broker.ExchangeKind, durable bool) error {
	return c.declare(func(ch *amqp.Channel) error {
		if err := ch.ExchangeDeclare(name, string(kind), durable, false, false, false, nil); err != nil {
			return fmt.Errorf("amqpbroker: declare exchange %s: %w", name, err)
		}
		return nil
	})
}

// QueueDeclare declares spec with its arguments.
func (c *Channel) QueueDeclare(spec broker.QueueSpec) error {
	args := table(spec.Args)
	return c.declare(func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclare(spec.Name, spec.Durable, spec.AutoDelete, spec.Exclusive, false, args); err != nil {
			return fmt.Errorf("amqpbroker: declare queue %s: %w", spec.Name, err)
		}
		return nil
	})
}

// QueueBind binds queue to exchange.
func (c *Channel) QueueBind(queue, exchange, key string) error {
	return c.declare(func(ch *amqp.Channel) error {
		if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
			return fmt.Errorf("amqpbroker: bind %s to %s: %w", queue, exchange, err)
		}
		return nil
	})
}

// Qos sets the per-consumer prefetch count.
func (c *Channel) Qos(prefetch int) error {
	return c.declare(func(ch *amqp.Channel) error {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("amqpbroker: qos %d: %w", prefetch, err)
		}
		return nil
	})
}

// Confirm enables publisher confirms on this and every reopened channel.
func (c *Channel) Confirm() (<-chan broker.Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.rawLocked()
	if err != nil {
		return nil, err
	}
	if c.confirming {
		return c.confirms, nil
	}
	c.confirms = make(chan broker.Confirmation, 1024)
	if err := c.enableConfirms(ch, c.epoch); err != nil {
		return nil, err
	}
	c.confirming = true
	return c.confirms, nil
}

// NextPublishSeqNo returns the epoch-prefixed sequence number of the next publish.
func (c *Channel) NextPublishSeqNo() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.rawLocked()
	if err != nil || !c.confirming {
		return 0
	}
	return encode(c.epoch, ch.GetNextPublishSeqNo())
}

// Publish sends a persistent JSON message.
func (c *Channel) Publish(ctx context.Context, exchange, key string, msg broker.Message) error {
	c.mu.Lock()
	ch, err := c.rawLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	headers := make(amqp.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	err = ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         msg.Body,
	})
	if err != nil {
		return fmt.Errorf("amqpbroker: publish to %s: %w", exchange, err)
	}
	return nil
}

// Consume starts a consumer that survives channel reopening.
func (c *Channel) Consume(queue, consumerTag string) (<-chan broker.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.rawLocked()
	if err != nil {
		return nil, err
	}
	if _, dup := c.consumers[consumerTag]; dup {
		return nil, fmt.Errorf("amqpbroker: consumer tag %s already in use", consumerTag)
	}
	in, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqpbroker: consume %s: %w", queue, err)
	}
	cons := &consumer{queue: queue, stop: make(chan struct{}), done: make(chan struct{})}
	c.consumers[consumerTag] = cons
	out := make(chan broker.Delivery)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(cons.done)
		defer close(out)
		c.forward(consumerTag, cons, in, c.epoch, out)
	}()
	return out, nil
}

func (c *Channel) forward(tag string, cons *consumer, in <-chan amqp.Delivery, epoch uint64, out chan<- broker.Delivery) {
	for {
		for d := range in {
			select {
			case out <- convert(d, epoch):
			case <-cons.stop:
				return
			}
		}
		// deliveries closed: cancelled, or the channel died
		for {
			select {
			case <-cons.stop:
				return
			case <-time.After(c.retryDelay()):
			}
			c.mu.Lock()
			ch, err := c.rawLocked()
			var e uint64
			if err == nil {
				e = c.epoch
				in, err = ch.Consume(cons.queue, tag, false, false, false, false, nil)
			}
			c.mu.Unlock()
			if errors.Is(err, broker.ErrChannelClosed) {
				return
			}
			if err != nil {
				c.log.Warnf("amqpbroker: resume consumer %s on %s: %v", tag, cons.queue, err)
				continue
			}
			epoch = e
			c.log.Infof("amqpbroker: consumer %s resumed on %s", tag, cons.queue)
			break
		}
	}
}

func (c *Channel) retryDelay() time.Duration {
	if d := c.conn.opts.RecoveryDelay; d > 0 {
		return d
	}
	return time.Second
}

func convert(d amqp.Delivery, epoch uint64) broker.Delivery {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = fmt.Sprint(v)
	}
	return broker.Delivery{
		Tag:         encode(epoch, d.DeliveryTag),
		ConsumerTag: d.ConsumerTag,
		Body:        d.Body,
		Headers:     headers,
		Redelivered: d.Redelivered,
	}
}

func (c *Channel) live(tag uint64) (*amqp.Channel, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, 0, broker.ErrChannelClosed
	}
	epoch, n := decode(tag)
	if c.ch == nil || c.ch.IsClosed() || epoch != c.epoch {
		return nil, 0, fmt.Errorf("%w: %d belongs to a closed channel", broker.ErrUnknownDeliveryTag, tag)
	}
	return c.ch, n, nil
}

// Ack acknowledges a single delivery.
func (c *Channel) Ack(tag uint64) error {
	ch, n, err := c.live(tag)
	if err != nil {
		return err
	}
	return ch.Ack(n, false)
}

// Nack rejects a single delivery.
func (c *Channel) Nack(tag uint64, requeue bool) error {
	ch, n, err := c.live(tag)
	if err != nil {
		return err
	}
	return ch.Nack(n, false, requeue)
}

// Cancel stops the consumer and waits for its forwarder.
func (c *Channel) Cancel(consumerTag string) error {
	c.mu.Lock()
	cons, ok := c.consumers[consumerTag]
	if ok {
		delete(c.consumers, consumerTag)
		close(cons.stop)
	}
	ch := c.ch
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("amqpbroker: unknown consumer tag %s", consumerTag)
	}
	var err error
	if ch != nil && !ch.IsClosed() {
		err = ch.Cancel(consumerTag, false)
	}
	<-cons.done
	return err
}

// Close closes the channel; the broker requeues its unacked deliveries.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for tag, cons := range c.consumers {
		close(cons.stop)
		delete(c.consumers, tag)
	}
	ch := c.ch
	c.mu.Unlock()

	var err error
	if ch != nil && !ch.IsClosed() {
		err = ch.Close()
	}
	c.wg.Wait()
	if c.confirms != nil {
		close(c.confirms)
	}
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("amqpbroker: close channel: %w", err)
	}
	return nil
}

// table converts argument values to the types the AMQP field table accepts.
func table(args map[string]any) amqp.Table {
	if len(args) == 0 {
		return nil
	}
	t := make(amqp.Table, len(args))
	for k, v := range args {
		switch n := v.(type) {
		case int:
			t[k] = int64(n)
		case int32:
			t[k] = int64(n)
		default:
			t[k] = v
		}
	}
	return t
}
