package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/taskbus/internal/broker"
	"github.com/UniQw/taskbus/internal/keys"
	"github.com/redis/go-redis/v9"
)

const confirmBuffer = 1024

// farFuture is the unacked score used when the queue has no consumer timeout.
const farFuture = int64(1) << 52

// Channel implements broker.Channel.
type Channel struct {
	conn *Connection
	rdb  redis.UniversalClient
	opts Options
	log  broker.Logger

	// pubMu orders sequence numbers, routing and confirmations.
	pubMu    sync.Mutex
	seq      uint64
	confirms chan broker.Confirmation

	mu        sync.Mutex
	closed    bool
	slots     chan struct{}
	tag       uint64
	inflight  map[uint64]*inflight
	consumers map[string]*consumer
	metaCache map[string]queueMeta
	owned     map[string][]bindingRef
	maintain  map[string]bool

	// ctx outlives single consumers and stops with Close.
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

type inflight struct {
	queue keys.Queue
	raw   string
	env   envelope
	slot  bool
}

type consumer struct {
	tag    string
	queue  keys.Queue
	cancel context.CancelFunc
	done   chan struct{}
}

type bindingRef struct {
	exchange string
	key      string
}

func newChannel(c *Connection) *Channel {
	ctx, stop := context.WithCancel(context.Background())
	return &Channel{
		ctx:       ctx,
		stop:      stop,
		conn:      c,
		rdb:       c.rdb,
		opts:      c.opts,
		log:       c.opts.Logger,
		inflight:  make(map[uint64]*inflight),
		consumers: make(map[string]*consumer),
		metaCache: make(map[string]queueMeta),
		owned:     make(map[string][]bindingRef),
		maintain:  make(map[string]bool),
	}
}

func (c *Channel) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.opts.OpTimeout)
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// IsClosed reports whether Close was called.
func (c *Channel) IsClosed() bool { return c.isClosed() }

// ExchangeDeclare records the exchange kind. Redeclaring with another kind fails.
func (c *Channel) ExchangeDeclare(name string, kind broker.ExchangeKind, _ bool) error {
	if c.isClosed() {
		return broker.ErrChannelClosed
	}
	if kind != broker.Fanout && kind != broker.Direct {
		return fmt.Errorf("redisbroker: exchange %s: unsupported kind %q", name, kind)
	}
	ctx, cancel := c.opCtx()
	defer cancel()
	if err := c.rdb.HSetNX(ctx, keys.Exchanges(), name, string(kind)).Err(); err != nil {
		return fmt.Errorf("redisbroker: declare exchange %s: %w", name, err)
	}
	got, err := c.rdb.HGet(ctx, keys.Exchanges(), name).Result()
	if err != nil {
		return fmt.Errorf("redisbroker: declare exchange %s: %w", name, err)
	}
	if got != string(kind) {
		return fmt.Errorf("%w: exchange %s is %s, not %s", broker.ErrPreconditionFailed, name, got, kind)
	}
	return nil
}

// QueueDeclare stores the queue declaration. Redeclaring with other arguments fails.
func (c *Channel) QueueDeclare(spec broker.QueueSpec) error {
	if c.isClosed() {
		return broker.ErrChannelClosed
	}
	m, err := metaFromSpec(spec)
	if err != nil {
		return err
	}
	ctx, cancel := c.opCtx()
	defer cancel()
	k := keys.For(spec.Name)
	existing, err := c.rdb.HGetAll(ctx, k.Meta).Result()
	if err != nil {
		return fmt.Errorf("redisbroker: declare queue %s: %w", spec.Name, err)
	}
	if len(existing) > 0 {
		if metaFromHash(existing) != m {
			return fmt.Errorf("%w: queue %s declared with other arguments", broker.ErrPreconditionFailed, spec.Name)
		}
	} else if err := c.rdb.HSet(ctx, k.Meta, m.fields()).Err(); err != nil {
		return fmt.Errorf("redisbroker: declare queue %s: %w", spec.Name, err)
	}

	c.mu.Lock()
	c.metaCache[spec.Name] = m
	if spec.Exclusive || spec.AutoDelete {
		if _, ok := c.owned[spec.Name]; !ok {
			c.owned[spec.Name] = nil
		}
	}
	c.mu.Unlock()
	return nil
}

// QueueBind binds queue to exchange with key. Fanout bindings ignore the key.
func (c *Channel) QueueBind(queue, exchange, key string) error {
	if c.isClosed() {
		return broker.ErrChannelClosed
	}
	ctx, cancel := c.opCtx()
	defer cancel()
	kind, err := c.exchangeKind(ctx, exchange)
	if err != nil {
		return err
	}
	if kind == broker.Fanout {
		key = ""
	}
	if err := c.rdb.SAdd(ctx, keys.Binding(exchange, key), queue).Err(); err != nil {
		return fmt.Errorf("redisbroker: bind %s to %s: %w", queue, exchange, err)
	}
	c.mu.Lock()
	if refs, ok := c.owned[queue]; ok {
		c.owned[queue] = append(refs, bindingRef{exchange: exchange, key: key})
	}
	c.mu.Unlock()
	return nil
}

// Qos bounds the number of unacked deliveries held by the channel. It only
// affects consumers started afterwards; zero means unbounded.
func (c *Channel) Qos(prefetch int) error {
	if prefetch < 0 {
		return fmt.Errorf("redisbroker: negative prefetch %d", prefetch)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return broker.ErrChannelClosed
	}
	if prefetch == 0 {
		c.slots = nil
	} else {
		c.slots = make(chan struct{}, prefetch)
	}
	return nil
}

// Confirm enables publisher confirms.
func (c *Channel) Confirm() (<-chan broker.Confirmation, error) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.isClosed() {
		return nil, broker.ErrChannelClosed
	}
	if c.confirms == nil {
		c.confirms = make(chan broker.Confirmation, confirmBuffer)
	}
	return c.confirms, nil
}

// NextPublishSeqNo returns the sequence number of the next publish in confirm mode.
func (c *Channel) NextPublishSeqNo() uint64 {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.confirms == nil {
		return 0
	}
	return c.seq + 1
}

// Publish routes msg to every queue bound to exchange with key. An unroutable
// message is dropped and still confirmed, as with a non-mandatory AMQP publish.
func (c *Channel) Publish(ctx context.Context, exchange, key string, msg broker.Message) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.isClosed() {
		return broker.ErrChannelClosed
	}
	err := c.route(ctx, exchange, key, newEnvelope(msg.Body, msg.Headers), nil)
	if c.confirms != nil {
		c.seq++
		c.confirms <- broker.Confirmation{Seq: c.seq, Ack: err == nil}
	}
	return err
}

// route resolves the targets of exchange/key and pushes env to them. extra,
// when set, runs in the same transaction.
func (c *Channel) route(ctx context.Context, exchange, key string, env envelope, extra func(redis.Pipeliner)) error {
	targets, err := c.resolve(ctx, exchange, key)
	if err != nil {
		return err
	}
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if extra != nil {
			extra(p)
		}
		pushTargets(ctx, p, targets, env)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisbroker: publish to %s: %w", exchange, err)
	}
	return nil
}

func (c *Channel) resolve(ctx context.Context, exchange, key string) ([]target, error) {
	kind, err := c.exchangeKind(ctx, exchange)
	if err != nil {
		return nil, err
	}
	if kind == broker.Fanout {
		key = ""
	}
	queues, err := c.rdb.SMembers(ctx, keys.Binding(exchange, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisbroker: bindings of %s: %w", exchange, err)
	}
	targets := make([]target, 0, len(queues))
	for _, q := range queues {
		m, err := c.meta(ctx, q)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target{queue: q, meta: m})
	}
	return targets, nil
}

func (c *Channel) exchangeKind(ctx context.Context, exchange string) (broker.ExchangeKind, error) {
	kind, err := c.rdb.HGet(ctx, keys.Exchanges(), exchange).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", broker.ErrNotFound, exchange)
	}
	if err != nil {
		return "", fmt.Errorf("redisbroker: exchange %s: %w", exchange, err)
	}
	return broker.ExchangeKind(kind), nil
}

func (c *Channel) meta(ctx context.Context, queue string) (queueMeta, error) {
	c.mu.Lock()
	m, ok := c.metaCache[queue]
	c.mu.Unlock()
	if ok {
		return m, nil
	}
	h, err := c.rdb.HGetAll(ctx, keys.For(queue).Meta).Result()
	if err != nil {
		return queueMeta{}, fmt.Errorf("redisbroker: queue %s: %w", queue, err)
	}
	m = metaFromHash(h)
	if len(h) > 0 {
		c.mu.Lock()
		c.metaCache[queue] = m
		c.mu.Unlock()
	}
	return m, nil
}

// Consume starts a delivery loop on queue.
func (c *Channel) Consume(queue, consumerTag string) (<-chan broker.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.ErrChannelClosed
	}
	if _, dup := c.consumers[consumerTag]; dup {
		return nil, fmt.Errorf("redisbroker: consumer tag %s already in use", consumerTag)
	}
	ctx, cancel := context.WithCancel(c.ctx)
	cons := &consumer{tag: consumerTag, queue: keys.For(queue), cancel: cancel, done: make(chan struct{})}
	c.consumers[consumerTag] = cons
	out := make(chan broker.Delivery)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(cons.done)
		defer close(out)
		c.deliverLoop(ctx, cons, c.slots, out)
	}()
	if !c.maintain[queue] {
		c.maintain[queue] = true
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.maintenanceLoop(c.ctx, cons.queue)
		}()
	}
	return out, nil
}

func (c *Channel) deliverLoop(ctx context.Context, cons *consumer, slots chan struct{}, out chan<- broker.Delivery) {
	for {
		if slots != nil {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
		d, ok, err := c.deliverOne(ctx, cons, slots != nil)
		if err != nil && ctx.Err() == nil {
			c.log.Warnf("redisbroker: deliver from %s failed: %v", cons.queue.Name, err)
		}
		if !ok {
			if slots != nil {
				<-slots
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.PollInterval):
			}
			continue
		}
		select {
		case out <- d:
		case <-ctx.Done():
			// never handed over: give it back, Close requeues it otherwise
			if err := c.Nack(d.Tag, true); err != nil && !errors.Is(err, broker.ErrChannelClosed) {
				c.log.Warnf("redisbroker: return undelivered message to %s: %v", cons.queue.Name, err)
			}
			return
		}
	}
}

// deliverOne pops one message for cons. Expired and over-delivered messages
// are dead-lettered on the way and the next one is tried.
func (c *Channel) deliverOne(ctx context.Context, cons *consumer, slot bool) (broker.Delivery, bool, error) {
	q := cons.queue
	for {
		m, err := c.meta(ctx, q.Name)
		if err != nil {
			return broker.Delivery{}, false, err
		}
		deadline := farFuture
		if m.ConsumerTimeout > 0 {
			deadline = time.Now().Add(m.ConsumerTimeout).UnixMilli()
		}
		res, err := deliverScript.Run(ctx, c.rdb, []string{q.Ready, q.Unacked, q.Deliveries}, strconv.FormatInt(deadline, 10)).Slice()
		if errors.Is(err, redis.Nil) {
			return broker.Delivery{}, false, nil
		}
		if err != nil {
			return broker.Delivery{}, false, err
		}
		raw, _ := res[0].(string)
		count, _ := res[1].(int64)

		env, err := decodeEnvelope(raw)
		if err != nil {
			c.log.Errorf("redisbroker: dropping undecodable message in %s: %v", q.Name, err)
			c.forgetRaw(ctx, q, raw)
			continue
		}
		if env.ExpiresAt > 0 && time.Now().UnixMilli() > env.ExpiresAt {
			c.deadLetter(ctx, q, m, raw, env, "expired")
			continue
		}
		if m.DeliveryLimit > 0 && count > m.DeliveryLimit {
			c.deadLetter(ctx, q, m, raw, env, "delivery_limit")
			continue
		}

		c.mu.Lock()
		c.tag++
		tag := c.tag
		c.inflight[tag] = &inflight{queue: q, raw: raw, env: env, slot: slot}
		c.mu.Unlock()
		return broker.Delivery{
			Tag:         tag,
			ConsumerTag: cons.tag,
			Body:        env.Body,
			Headers:     env.Headers,
			Redelivered: count > 1,
		}, true, nil
	}
}

func (c *Channel) take(tag uint64) (*inflight, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.ErrChannelClosed
	}
	f, ok := c.inflight[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %d", broker.ErrUnknownDeliveryTag, tag)
	}
	delete(c.inflight, tag)
	if f.slot && c.slots != nil {
		select {
		case <-c.slots:
		default:
		}
	}
	return f, nil
}

// Ack removes the delivery from the queue for good.
func (c *Channel) Ack(tag uint64) error {
	f, err := c.take(tag)
	if err != nil {
		return err
	}
	ctx, cancel := c.opCtx()
	defer cancel()
	c.forgetRaw(ctx, f.queue, f.raw)
	return nil
}

// Nack returns the delivery to its queue, after RequeueDelay when set, or
// dead-letters it when requeue is false.
func (c *Channel) Nack(tag uint64, requeue bool) error {
	f, err := c.take(tag)
	if err != nil {
		return err
	}
	ctx, cancel := c.opCtx()
	defer cancel()
	if !requeue {
		m, err := c.meta(ctx, f.queue.Name)
		if err != nil {
			return err
		}
		c.deadLetter(ctx, f.queue, m, f.raw, f.env, "rejected")
		return nil
	}
	return c.requeue(ctx, f.queue, f.raw)
}

func (c *Channel) requeue(ctx context.Context, q keys.Queue, raw string) error {
	var err error
	if c.opts.RequeueDelay > 0 {
		at := time.Now().Add(c.opts.RequeueDelay).UnixMilli()
		err = delayScript.Run(ctx, c.rdb, []string{q.Unacked, q.Delayed}, raw, strconv.FormatInt(at, 10)).Err()
	} else {
		err = requeueScript.Run(ctx, c.rdb, []string{q.Unacked, q.Ready}, raw).Err()
	}
	if err != nil {
		return fmt.Errorf("redisbroker: requeue to %s: %w", q.Name, err)
	}
	return nil
}

func (c *Channel) forgetRaw(ctx context.Context, q keys.Queue, raw string) {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.Unacked, raw)
		p.HDel(ctx, q.Deliveries, raw)
		return nil
	})
	if err != nil {
		c.log.Warnf("redisbroker: ack in %s failed: %v", q.Name, err)
	}
}

// deadLetter removes raw from q and republishes its body to the queue's
// dead-letter exchange, or drops it when none is configured.
func (c *Channel) deadLetter(ctx context.Context, q keys.Queue, m queueMeta, raw string, env envelope, reason string) {
	if m.DeadLetterEx == "" {
		c.log.Debugf("redisbroker: dropping message from %s (%s)", q.Name, reason)
		c.forgetRaw(ctx, q, raw)
		return
	}
	headers := make(map[string]string, len(env.Headers)+2)
	maps.Copy(headers, env.Headers)
	headers["x-death-reason"] = reason
	headers["x-death-queue"] = q.Name
	dead := newEnvelope(env.Body, headers)
	err := c.route(ctx, m.DeadLetterEx, m.DeadLetterKey, dead, func(p redis.Pipeliner) {
		p.ZRem(ctx, q.Unacked, raw)
		p.HDel(ctx, q.Deliveries, raw)
	})
	if err != nil {
		c.log.Errorf("redisbroker: dead-letter from %s to %s failed: %v", q.Name, m.DeadLetterEx, err)
		return
	}
	c.log.Debugf("redisbroker: dead-lettered message from %s to %s (%s)", q.Name, m.DeadLetterEx, reason)
}

// Cancel stops the consumer. Deliveries already handed out stay ackable.
func (c *Channel) Cancel(consumerTag string) error {
	c.mu.Lock()
	cons, ok := c.consumers[consumerTag]
	if ok {
		delete(c.consumers, consumerTag)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("redisbroker: unknown consumer tag %s", consumerTag)
	}
	cons.cancel()
	<-cons.done
	return nil
}

// Close stops consumers, returns unacked deliveries to their queues and
// deletes the exclusive queues declared on this channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, cons := range c.consumers {
		cons.cancel()
	}
	c.consumers = map[string]*consumer{}
	c.mu.Unlock()
	c.stop()
	c.wg.Wait()

	c.pubMu.Lock()
	if c.confirms != nil {
		close(c.confirms)
	}
	c.pubMu.Unlock()

	c.mu.Lock()
	pending := c.inflight
	c.inflight = map[uint64]*inflight{}
	owned := c.owned
	c.mu.Unlock()

	ctx, cancel := c.opCtx()
	defer cancel()
	var errs []error
	for _, f := range pending {
		if err := requeueScript.Run(ctx, c.rdb, []string{f.queue.Unacked, f.queue.Ready}, f.raw).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redisbroker: return unacked to %s: %w", f.queue.Name, err))
		}
	}
	for name, refs := range owned {
		_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, b := range refs {
				p.SRem(ctx, keys.Binding(b.exchange, b.key), name)
			}
			p.Del(ctx, keys.For(name).All()...)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("redisbroker: delete queue %s: %w", name, err))
		}
	}
	c.conn.forget(c)
	return errors.Join(errs...)
}
