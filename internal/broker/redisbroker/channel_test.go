package redisbroker

import (
	"context"
	"testing"
	"time"

	"github.com/UniQw/taskbus/internal/broker"
	"github.com/UniQw/taskbus/internal/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMini(t *testing.T) (*redis.Client, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, s
}

func newConn(t *testing.T, opts Options) (*Connection, *redis.Client) {
	t.Helper()
	rdb, _ := newMini(t)
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = 10 * time.Millisecond
	}
	c := New(rdb, opts)
	t.Cleanup(func() { _ = c.Close() })
	return c, rdb
}

func declare(t *testing.T, ch broker.Channel, exchange string, kind broker.ExchangeKind, queue, key string, args map[string]any) {
	t.Helper()
	require.NoError(t, ch.ExchangeDeclare(exchange, kind, true))
	require.NoError(t, ch.QueueDeclare(broker.QueueSpec{Name: queue, Durable: true, Args: args}))
	require.NoError(t, ch.QueueBind(queue, exchange, key))
}

func receive(t *testing.T, in <-chan broker.Delivery) broker.Delivery {
	t.Helper()
	select {
	case d, ok := <-in:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	return broker.Delivery{}
}

func TestChannel_DirectRouting_AckRemovesMessage(t *testing.T) {
	conn, rdb := newConn(t, Options{})
	ch, err := conn.Channel()
	require.NoError(t, err)
	declare(t, ch, "ex", broker.Direct, "q1", "k1", nil)
	declare(t, ch, "ex", broker.Direct, "q2", "k2", nil)

	require.NoError(t, ch.Publish(context.Background(), "ex", "k1", broker.Message{Body: []byte("hello"), Headers: map[string]string{"h": "v"}}))

	n, err := rdb.LLen(context.Background(), keys.For("q2").Ready).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), n, "k2 queue must not receive k1 messages")

	in, err := ch.Consume("q1", "c1")
	require.NoError(t, err)
	d := receive(t, in)
	require.Equal(t, []byte("hello"), d.Body)
	require.Equal(t, "v", d.Headers["h"])
	require.Equal(t, "c1", d.ConsumerTag)
	require.False(t, d.Redelivered)

	require.NoError(t, ch.Ack(d.Tag))
	zc, _ := rdb.ZCard(context.Background(), keys.For("q1").Unacked).Result()
	require.Equal(t, int64(0), zc)
	require.ErrorIs(t, ch.Ack(d.Tag), broker.ErrUnknownDeliveryTag)
}

func TestChannel_FanoutCopiesToEveryQueue(t *testing.T) {
	conn, rdb := newConn(t, Options{})
	ch, err := conn.Channel()
	require.NoError(t, err)
	declare(t, ch, "bcast", broker.Fanout, "a", "ignored", nil)
	declare(t, ch, "bcast", broker.Fanout, "b", "other", nil)

	require.NoError(t, ch.Publish(context.Background(), "bcast", "whatever", broker.Message{Body: []byte("x")}))
	for _, q := range []string{"a", "b"} {
		n, err := rdb.LLen(context.Background(), keys.For(q).Ready).Result()
		require.NoError(t, err)
		require.Equal(t, int64(1), n, "queue %s", q)
	}
}

func TestChannel_PublishUnknownExchange(t *testing.T) {
	conn, _ := newConn(t, Options{})
	ch, err := conn.Channel()
	require.NoError(t, err)
	confirms, err := ch.Confirm()
	require.NoError(t, err)

	require.Equal(t, uint64(1), ch.NextPublishSeqNo())
	err = ch.Publish(context.Background(), "nope", "k", broker.Message{Body: []byte("x")})
	require.ErrorIs(t, err, broker.ErrNotFound)
	c := <-confirms
	require.Equal(t, broker.Confirmation{Seq: 1, Ack: false}, c)
}

func TestChannel_ConfirmsAreSequenced(t *testing.T) {
	conn, _ := newConn(t, Options{})
	ch, err := conn.Channel()
	require.NoError(t, err)
	declare(t, ch, "ex", broker.Direct, "q", "k", nil)
	confirms, err := ch.Confirm()
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.Equal(t, uint64(i), ch.NextPublishSeqNo())
		require.NoError(t, ch.Publish(context.Background(), "ex", "k", broker.Message{Body: []byte("m")}))
	}
	for i := 1; i <= 3; i++ {
		c := <-confirms
		require.Equal(t, uint64(i), c.Seq)
		require.True(t, c.Ack)
	}
}

func TestChannel_NackRequeueRedelivers(t *testing.T) {
	conn, _ := newConn(t, Options{})
	ch, err := conn.Channel()
	require.NoError(t, err)
	declare(t, ch, "ex", broker.Direct, "q", "k", nil)
	require.NoError(t, ch.Publish(context.Background(), "ex", "k", broker.Message{Body: []byte("again")}))

	in, err := ch.Consume("q", "c")
	require.NoError(t, err)
	d := receive(t, in)
	require.NoError(t, ch.Nack(d.Tag, true))

	d2 := receive(t, in)
	require.Equal(t, []byte("again"), d2.Body)
	require.True(t, d2.Redelivered)
	require.NoError(t, ch.Ack(d2.Tag))
}

func TestChannel_NackWithoutRequeueDeadLetters(t *testing.T) {
	conn, rdb := newConn(t, Options{})
	ch, err := conn.Channel()
	require.NoError(t, err)
	declare(t, ch, "dlx", broker.Direct, "dead", "dk", nil)
	declare(t, ch, "ex", broker.Direct, "q", "k", map[string]any{
		broker.ArgDeadLetterExchange: "dlx",
		broker.ArgDeadLetterKey:      "dk",
	})
	require.NoError(t, ch.Publish(context.Background(), "ex", "k", broker.Message{Body: []byte("bad")}))

	in, err := ch.Consume("q", "c")
	require.NoError(t, err)
	d := receive(t, in)
	require.NoError(t, ch.Nack(d.Tag, false))

	raw, err := rdb.LIndex(context.Background(), keys.For("dead").Ready, 0).Result()
	require.NoError(t, err)
	env, err := decodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, []byte("bad"), env.Body)
	require.Equal(t, "rejected", env.Headers["x-death-reason"])
	require.Equal(t, "q", env.Headers["x-death-queue"])
	zc, _ := rdb.ZCard(context.Background(), keys.For("q").Unacked).Result()
	require.Equal(t, int64(0), zc)
}

func TestChannel_NackWithoutDeadLetterDrops(t *testing.T) {
	conn, rdb := newConn(t, Options{})
	ch, err := conn.Channel()
	require.NoError(t, err)
	declare(t, ch, "ex", broker.Direct, "q", "k", nil)
	require.NoError(t, ch.Publish(context.Background(), "ex", "k", broker.Message{Body: []byte("bye")}))

	in, err := ch.Consume("q", "c")
	require.NoError(t, err)
	d := receive(t, in)
	require.NoError(t, ch.Nack(d.Tag, false))

	ctx := context.Background()
	n, _ := rdb.LLen(ctx, keys.For("q").Ready).Result()
	zc, _ := rdb.ZCard(ctx, keys.For("q").Unacked).Result()
	require.Equal(t, int64(0), n+zc)
}

func TestChannel_DeliveryLimitDeadLetters(t *testing.T) {
	conn, rdb := newConn(t, Options{})
	ch, err := conn.Channel()
	require.NoError(t, err)
	declare(t, ch, "dlx", broker.Direct, "dead", "dk", nil)
	declare(t, ch, "ex", broker.Direct, "q", "k", map[string]any{
		broker.ArgDeliveryLimit:      2,
		broker.ArgDeadLetterExchange: "dlx",
		broker.ArgDeadLetterKey:      "dk",
	})
	require.NoError(t, ch.Publish(context.Background(), "ex", "k", broker.Message{Body: []byte("loop")}))

	in, err := ch.Consume("q", "c")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		d := receive(t, in)
		require.NoError(t, ch.Nack(d.Tag, true))
	}

	require.Eventually(t, func() bool {
		n, _ := rdb.LLen(context.Background(), keys.For("dead").Ready).Result()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
	raw, err := rdb.LIndex(context.Background(), keys.For("dead").Ready, 0).Result()
	require.NoError(t, err)
	env, err := decodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, "delivery_limit", env.Headers["x-death-reason"])
}

func TestChannel_MessageTTLExpires(t *testing.T) {
	conn, rdb := newConn(t, Options{})
	ch, err := conn.Channel()
	require.NoError(t, err)
	declare(t, ch, "ex", broker.Direct, "q", "k", map[string]any{broker.ArgMessageTTL: 1})
	require.NoError(t, ch.Publish(context.Background(), "ex", "k", broker.Message{Body: []byte("old")}))
	time.Sleep(20 * time.Millisecond)

	in, err := ch.Consume("q", "c")
	require.NoError(t, err)
	select {
	case d := <-in:
		t.Fatalf("expired message delivered: %s", d.Body)
	case <-time.After(100 * time.Millisecond):
	}
	n, _ := rdb.LLen(context.Background(), keys.For("q").Ready).Result()
	require.Equal(t, int64(0), n)
}

func TestChannel_RequeueDelay(t *testing.T) {
	conn, rdb := newConn(t, Options{RequeueDelay: 150 * time.Millisecond})
	ch, err := conn.Channel()
	require.NoError(t, err)
	declare(t, ch, "ex", broker.Direct, "q", "k", nil)
	require.NoError(t, ch.Publish(context.Background(), "ex", "k", broker.Message{Body: []byte("later")}))

	in, err := ch.Consume("q", "c")
	require.NoError(t, err)
	d := receive(t, in)
	start := time.Now()
	require.NoError(t, ch.Nack(d.Tag, true))

	zc, _ := rdb.ZCard(context.Background(), keys.For("q").Delayed).Result()
	require.Equal(t, int64(1), zc)

	d2 := receive(t, in)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.Equal(t, []byte("later"), d2.Body)
}

func TestChannel_PrefetchBoundsUnacked(t *testing.T) {
	conn, _ := newConn(t, Options{})
	ch, err := conn.Channel()
	require.NoError(t, err)
	declare(t, ch, "ex", broker.Direct, "q", "k", nil)
	require.NoError(t, ch.Qos(1))
	for i := 0; i < 2; i++ {
		require.NoError(t, ch.Publish(context.Background(), "ex", "k", broker.Message{Body: []byte{byte('a' + i)}}))
	}

	in, err := ch.Consume("q", "c")
	require.NoError(t, err)
	d := receive(t, in)
	select {
	case <-in:
		t.Fatal("second delivery beyond prefetch")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, ch.Ack(d.Tag))
	d2 := receive(t, in)
	require.NotEqual(t, d.Body, d2.Body)
}

func TestChannel_CancelClosesDeliveries(t *testing.T) {
	conn, _ := newConn(t, Options{})
	ch, err := conn.Channel()
	require.NoError(t, err)
	declare(t, ch, "ex", broker.Direct, "q", "k", nil)

	in, err := ch.Consume("q", "c")
	require.NoError(t, err)
	require.NoError(t, ch.Cancel("c"))
	_, ok := <-in
	require.False(t, ok)
	require.Error(t, ch.Cancel("c"))
}

func TestChannel_CloseRequeuesUnackedAndDropsExclusiveQueues(t *testing.T) {
	conn, rdb := newConn(t, Options{})
	ch, err := conn.Channel()
	require.NoError(t, err)
	declare(t, ch, "ex", broker.Direct, "q", "k", nil)
	require.NoError(t, ch.ExchangeDeclare("bcast", broker.Fanout, true))
	require.NoError(t, ch.QueueDeclare(broker.QueueSpec{Name: "mine", Exclusive: true, AutoDelete: true}))
	require.NoError(t, ch.QueueBind("mine", "bcast", ""))
	require.NoError(t, ch.Publish(context.Background(), "ex", "k", broker.Message{Body: []byte("held")}))

	in, err := ch.Consume("q", "c")
	require.NoError(t, err)
	receive(t, in)
	require.NoError(t, ch.Close())
	require.True(t, ch.IsClosed())

	ctx := context.Background()
	n, _ := rdb.LLen(ctx, keys.For("q").Ready).Result()
	require.Equal(t, int64(1), n, "unacked delivery must go back to ready")
	exists, _ := rdb.Exists(ctx, keys.For("mine").Meta).Result()
	require.Equal(t, int64(0), exists)
	members, _ := rdb.SMembers(ctx, keys.Binding("bcast", "")).Result()
	require.NotContains(t, members, "mine")

	require.ErrorIs(t, ch.Publish(ctx, "ex", "k", broker.Message{}), broker.ErrChannelClosed)
	_, err = ch.Consume("q", "again")
	require.ErrorIs(t, err, broker.ErrChannelClosed)
}

func TestChannel_RedeclareMismatch(t *testing.T) {
	conn, _ := newConn(t, Options{})
	ch, err := conn.Channel()
	require.NoError(t, err)
	require.NoError(t, ch.ExchangeDeclare("ex", broker.Direct, true))
	require.NoError(t, ch.ExchangeDeclare("ex", broker.Direct, true))
	require.ErrorIs(t, ch.ExchangeDeclare("ex", broker.Fanout, true), broker.ErrPreconditionFailed)

	require.NoError(t, ch.QueueDeclare(broker.QueueSpec{Name: "q", Durable: true, Args: map[string]any{broker.ArgDeliveryLimit: 10}}))
	require.NoError(t, ch.QueueDeclare(broker.QueueSpec{Name: "q", Durable: true, Args: map[string]any{broker.ArgDeliveryLimit: int64(10)}}))
	require.ErrorIs(t, ch.QueueDeclare(broker.QueueSpec{Name: "q", Durable: true}), broker.ErrPreconditionFailed)
}

func TestChannel_ConsumerTimeoutReclaims(t *testing.T) {
	conn, rdb := newConn(t, Options{})
	ch, err := conn.Channel()
	require.NoError(t, err)
	declare(t, ch, "ex", broker.Direct, "q", "k", map[string]any{broker.ArgConsumerTimeout: 30})
	require.NoError(t, ch.Publish(context.Background(), "ex", "k", broker.Message{Body: []byte("slow")}))

	in, err := ch.Consume("q", "c")
	require.NoError(t, err)
	receive(t, in)
	d := receive(t, in)
	require.True(t, d.Redelivered, "message held past the consumer timeout is redelivered")
	_ = rdb
}

func TestConnection_CloseClosesChannels(t *testing.T) {
	conn, _ := newConn(t, Options{})
	ch, err := conn.Channel()
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.True(t, conn.IsClosed())
	require.True(t, ch.IsClosed())
	_, err = conn.Channel()
	require.ErrorIs(t, err, broker.ErrConnectionClosed)
	require.NoError(t, conn.Close())
}

func TestDial_PingFailure(t *testing.T) {
	_, err := Dial(context.Background(), &redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond}, -1, Options{})
	require.Error(t, err)
}
