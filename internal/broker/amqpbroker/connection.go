// Package amqpbroker implements the broker contract with RabbitMQ through
// amqp091-go. The client library does not reconnect on its own, so the
// Connection watches NotifyClose and redials every RecoveryDelay; channels
// reopen lazily on the new connection and replay their declarations.
package amqpbroker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/UniQw/taskbus/internal/broker"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Options tunes the connection.
type Options struct {
	// RecoveryDelay is the pause between reconnection attempts. Zero or
	// negative disables recovery: a lost connection stays closed.
	RecoveryDelay time.Duration
	DialTimeout   time.Duration
	Heartbeat     time.Duration
	Logger        broker.Logger
}

// Connection is a recovering AMQP connection.
type Connection struct {
	url  string
	cfg  amqp.Config
	opts Options
	log  broker.Logger

	mu     sync.RWMutex
	conn   *amqp.Connection
	closed bool
	done   chan struct{}
}

// Dial connects to url.
func Dial(url string, opts Options) (*Connection, error) {
	if opts.Logger == nil {
		opts.Logger = broker.NopLogger{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
	}
	c := &Connection{
		url:  url,
		opts: opts,
		log:  opts.Logger,
		done: make(chan struct{}),
		cfg: amqp.Config{
			Heartbeat: opts.Heartbeat,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(opts.DialTimeout),
		},
	}
	conn, err := amqp.DialConfig(url, c.cfg)
	if err != nil {
		return nil, fmt.Errorf("amqpbroker: dial: %w", err)
	}
	c.mu.Lock()
	c.install(conn)
	c.mu.Unlock()
	return c, nil
}

// install must be called with mu held.
func (c *Connection) install(conn *amqp.Connection) {
	c.conn = conn
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.watch(notify)
}

func (c *Connection) watch(notify <-chan *amqp.Error) {
	reason, ok := <-notify
	if !ok || reason == nil {
		return
	}
	c.log.Warnf("amqpbroker: connection lost: %v", reason)
	if c.opts.RecoveryDelay <= 0 {
		c.log.Errorf("amqpbroker: recovery disabled, connection stays closed")
		return
	}
	for attempt := 1; ; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(c.opts.RecoveryDelay):
		}
		conn, err := amqp.DialConfig(c.url, c.cfg)
		if err != nil {
			c.log.Warnf("amqpbroker: reconnect attempt=%d failed: %v", attempt, err)
			continue
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.install(conn)
		c.mu.Unlock()
		c.log.Infof("amqpbroker: connection recovered after %d attempt(s)", attempt)
		return
	}
}

// current returns the live connection or an error when it is down.
func (c *Connection) current() (*amqp.Connection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, broker.ErrConnectionClosed
	}
	if c.conn.IsClosed() {
		if c.opts.RecoveryDelay <= 0 {
			return nil, broker.ErrConnectionClosed
		}
		return nil, fmt.Errorf("%w: recovering", broker.ErrConnectionClosed)
	}
	return c.conn, nil
}

// Channel opens a channel on the live connection.
func (c *Connection) Channel() (broker.Channel, error) {
	ch := newChannel(c)
	ch.mu.Lock()
	_, err := ch.rawLocked()
	ch.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Close closes the connection and stops recovery.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.mu.Unlock()
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("amqpbroker: close: %w", err)
	}
	return nil
}

// IsClosed reports whether the connection is unusable for good.
func (c *Connection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed || (c.opts.RecoveryDelay <= 0 && c.conn.IsClosed())
}
