// Package redisbroker implements the broker contract on top of Redis.
//
// Exchanges are a HASH of name to kind, bindings are SETs of queue names and
// every queue is a ready LIST plus an unacked ZSET scored by consumer
// deadline. Delivery, requeue and dead-lettering moves are Lua scripts so a
// message is never in two places at once. Publisher confirms are emitted by
// the channel itself once the routing transaction committed.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/UniQw/taskbus/internal/broker"
	"github.com/redis/go-redis/v9"
)

// Options tunes the transport.
type Options struct {
	// RequeueDelay parks a message nacked with requeue before it is redelivered.
	RequeueDelay time.Duration
	// PollInterval is the pause after an empty ready list.
	PollInterval time.Duration
	// TickInterval drives the delayed scheduler and the consumer-timeout reclaimer.
	TickInterval time.Duration
	// OpTimeout bounds declarations and acknowledgements.
	OpTimeout time.Duration
	Logger    broker.Logger
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 100 * time.Millisecond
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = broker.NopLogger{}
	}
}

// Connection shares one Redis client between channels.
type Connection struct {
	rdb   redis.UniversalClient
	owned bool
	opts  Options

	mu       sync.Mutex
	closed   bool
	channels map[*Channel]struct{}
}

// Dial opens a client with ro and checks it with PING. Reconnection is left to
// the go-redis pool: a positive recoveryDelay becomes the retry backoff, a
// negative one disables retries so a lost server surfaces as errors.
func Dial(ctx context.Context, ro *redis.Options, recoveryDelay time.Duration, opts Options) (*Connection, error) {
	switch {
	case recoveryDelay > 0:
		ro.MinRetryBackoff = recoveryDelay
		ro.MaxRetryBackoff = recoveryDelay
	case recoveryDelay < 0:
		ro.MaxRetries = -1
	}
	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisbroker: ping %s: %w", ro.Addr, err)
	}
	c := New(rdb, opts)
	c.owned = true
	return c, nil
}

// New wraps an existing client. The client is not closed by Close.
func New(rdb redis.UniversalClient, opts Options) *Connection {
	opts.defaults()
	return &Connection{rdb: rdb, opts: opts, channels: make(map[*Channel]struct{})}
}

// Channel opens a new channel.
func (c *Connection) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.ErrConnectionClosed
	}
	ch := newChannel(c)
	c.channels[ch] = struct{}{}
	return ch, nil
}

// Close closes every open channel, then the client when it was dialed here.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	open := make([]*Channel, 0, len(c.channels))
	for ch := range c.channels {
		open = append(open, ch)
	}
	c.mu.Unlock()

	var errs []error
	for _, ch := range open {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.owned {
		if err := c.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsClosed reports whether Close was called.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) forget(ch *Channel) {
	c.mu.Lock()
	delete(c.channels, ch)
	c.mu.Unlock()
}
