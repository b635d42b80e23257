package redisbroker

import (
	"fmt"
	"strconv"
	"time"

	"github.com/UniQw/taskbus/internal/broker"
)

// queueMeta is the part of a queue declaration the transport enforces.
type queueMeta struct {
	Durable         bool
	Exclusive       bool
	AutoDelete      bool
	Type            string
	DeadLetterEx    string
	DeadLetterKey   string
	DeliveryLimit   int64
	TTL             time.Duration
	ConsumerTimeout time.Duration
}

func metaFromSpec(spec broker.QueueSpec) (queueMeta, error) {
	m := queueMeta{Durable: spec.Durable, Exclusive: spec.Exclusive, AutoDelete: spec.AutoDelete}
	for k, v := range spec.Args {
		switch k {
		case broker.ArgQueueType:
			m.Type = fmt.Sprint(v)
		case broker.ArgDeadLetterExchange:
			m.DeadLetterEx = fmt.Sprint(v)
		case broker.ArgDeadLetterKey:
			m.DeadLetterKey = fmt.Sprint(v)
		case broker.ArgDeliveryLimit:
			n, err := argInt(k, v)
			if err != nil {
				return m, err
			}
			m.DeliveryLimit = n
		case broker.ArgMessageTTL:
			n, err := argInt(k, v)
			if err != nil {
				return m, err
			}
			m.TTL = time.Duration(n) * time.Millisecond
		case broker.ArgConsumerTimeout:
			n, err := argInt(k, v)
			if err != nil {
				return m, err
			}
			m.ConsumerTimeout = time.Duration(n) * time.Millisecond
		}
	}
	return m, nil
}

func argInt(name string, v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("redisbroker: argument %s: %w", name, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("redisbroker: argument %s: unsupported type %T", name, v)
	}
}

func (m queueMeta) fields() map[string]any {
	return map[string]any{
		"durable":             strconv.FormatBool(m.Durable),
		"exclusive":           strconv.FormatBool(m.Exclusive),
		"auto_delete":         strconv.FormatBool(m.AutoDelete),
		"type":                m.Type,
		"dlx":                 m.DeadLetterEx,
		"dlk":                 m.DeadLetterKey,
		"delivery_limit":      strconv.FormatInt(m.DeliveryLimit, 10),
		"ttl_ms":              strconv.FormatInt(m.TTL.Milliseconds(), 10),
		"consumer_timeout_ms": strconv.FormatInt(m.ConsumerTimeout.Milliseconds(), 10),
	}
}

func metaFromHash(h map[string]string) queueMeta {
	b := func(k string) bool { v, _ := strconv.ParseBool(h[k]); return v }
	i := func(k string) int64 { v, _ := strconv.ParseInt(h[k], 10, 64); return v }
	return queueMeta{
		Durable:         b("durable"),
		Exclusive:       b("exclusive"),
		AutoDelete:      b("auto_delete"),
		Type:            h["type"],
		DeadLetterEx:    h["dlx"],
		DeadLetterKey:   h["dlk"],
		DeliveryLimit:   i("delivery_limit"),
		TTL:             time.Duration(i("ttl_ms")) * time.Millisecond,
		ConsumerTimeout: time.Duration(i("consumer_timeout_ms")) * time.Millisecond,
	}
}

// target is a routed queue with its declaration.
type target struct {
	queue string
	meta  queueMeta
}
