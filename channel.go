package taskbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/UniQw/taskbus/internal/broker"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderEventType carries the event discriminator next to the body.
const HeaderEventType = "x-event-type"

// PublishChannel is a broker channel in confirm mode bound to one queue.
// Every message is tracked by sequence number until the broker acks or nacks
// it. Nacks are logged and counted, never retried here.
type PublishChannel struct {
	queue   Queue
	def     QueueDef
	ch      broker.Channel
	codec   *Codec
	log     Logger
	metrics *Metrics
	timeout time.Duration
	prop    propagation.TextMapPropagator

	// pubMu keeps sequence numbers in publish order.
	pubMu sync.Mutex

	mu          sync.Mutex
	outstanding map[uint64]*outstanding
	done        chan struct{}
}

type outstanding struct {
	body []byte
	ack  chan bool
}

func newPublishChannel(q Queue, def QueueDef, ch broker.Channel, cm *ConnectionManager) (*PublishChannel, error) {
	confirms, err := ch.Confirm()
	if err != nil {
		return nil, fmt.Errorf("taskbus: confirm mode on %s: %w", q, err)
	}
	pc := &PublishChannel{
		queue:       q,
		def:         def,
		ch:          ch,
		codec:       cm.codec,
		log:         cm.log,
		metrics:     cm.metrics,
		timeout:     cm.opts.confirmTimeout,
		prop:        cm.propagator(),
		outstanding: make(map[uint64]*outstanding),
		done:        make(chan struct{}),
	}
	go pc.confirmLoop(confirms)
	return pc, nil
}

// Queue returns the queue this channel publishes to.
func (pc *PublishChannel) Queue() Queue { return pc.queue }

// Outstanding is the number of messages waiting for a confirm.
func (pc *PublishChannel) Outstanding() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.outstanding)
}

// IsClosed reports whether the underlying channel is closed.
func (pc *PublishChannel) IsClosed() bool {
	select {
	case <-pc.done:
		return true
	default:
	}
	return pc.ch.IsClosed()
}

// Publish serializes ev, sends it with routingKey (the queue default when
// empty) and blocks until the broker confirms it, the confirm timeout elapses
// or ctx is done. The current trace context travels in the message headers.
func (pc *PublishChannel) Publish(ctx context.Context, routingKey string, ev Event) error {
	body, err := pc.codec.Serialize(ev)
	if err != nil {
		return err
	}
	headers := map[string]string{HeaderEventType: ev.EventType()}
	pc.prop.Inject(ctx, propagation.MapCarrier(headers))
	msg := broker.Message{Body: body, Headers: headers}
	key := pc.def.Key(routingKey)

	o := &outstanding{body: body, ack: make(chan bool, 1)}
	pc.pubMu.Lock()
	seq := pc.ch.NextPublishSeqNo()
	pc.mu.Lock()
	pc.outstanding[seq] = o
	pc.mu.Unlock()
	err = pc.ch.Publish(ctx, pc.def.Exchange, key, msg)
	pc.pubMu.Unlock()
	if err != nil {
		pc.forget(seq)
		pc.metrics.Published.WithLabelValues(string(pc.queue), "error").Inc()
		return &PublishError{Queue: pc.queue, Err: err}
	}

	timer := time.NewTimer(pc.timeout)
	defer timer.Stop()
	select {
	case ack := <-o.ack:
		return pc.result(ack)
	case <-timer.C:
		pc.forget(seq)
		pc.metrics.Published.WithLabelValues(string(pc.queue), "timeout").Inc()
		return &PublishError{Queue: pc.queue, Err: ErrConfirmTimeout}
	case <-ctx.Done():
		pc.forget(seq)
		return &PublishError{Queue: pc.queue, Err: ctx.Err()}
	case <-pc.done:
		select {
		case ack := <-o.ack:
			return pc.result(ack)
		default:
			return &PublishError{Queue: pc.queue, Err: ErrClosed}
		}
	}
}

func (pc *PublishChannel) result(ack bool) error {
	if !ack {
		return &PublishError{Queue: pc.queue, Err: ErrNacked}
	}
	return nil
}

func (pc *PublishChannel) forget(seq uint64) {
	pc.mu.Lock()
	delete(pc.outstanding, seq)
	pc.mu.Unlock()
}

func (pc *PublishChannel) confirmLoop(confirms <-chan broker.Confirmation) {
	defer close(pc.done)
	for c := range confirms {
		pc.mu.Lock()
		if c.Multiple {
			for seq, o := range pc.outstanding {
				if seq <= c.Seq {
					pc.settleLocked(seq, o, c.Ack)
				}
			}
		} else if o, ok := pc.outstanding[c.Seq]; ok {
			pc.settleLocked(c.Seq, o, c.Ack)
		}
		pc.mu.Unlock()
	}
}

func (pc *PublishChannel) settleLocked(seq uint64, o *outstanding, ack bool) {
	delete(pc.outstanding, seq)
	if ack {
		pc.metrics.Published.WithLabelValues(string(pc.queue), "ack").Inc()
	} else {
		pc.metrics.Published.WithLabelValues(string(pc.queue), "nack").Inc()
		pc.log.Errorf("taskbus: message nacked on %s seq=%d body=%s", pc.queue, seq, o.body)
	}
	o.ack <- ack
}

// Close closes the channel and waits for the confirm loop to stop.
// Publishes still waiting fail with ErrClosed.
func (pc *PublishChannel) Close() error {
	err := pc.ch.Close()
	<-pc.done
	if err != nil {
		return fmt.Errorf("taskbus: close publish channel %s: %w", pc.queue, err)
	}
	return nil
}
