package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.

const prefix = "taskbus:"

// Exchanges is the HASH mapping exchange name to its kind.
func Exchanges() string { return prefix + "exchanges" }

// Binding is the SET of queue names bound to exchange with key.
// Fanout exchanges always use the empty key.
func Binding(exchange, key string) string { return prefix + "{" + exchange + "}:binding:" + key }

// Tasks is the HASH mapping task id to its JSON document.
func Tasks() string { return prefix + "tasks" }

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Name string
	// Ready is the LIST of messages waiting for a consumer (LPUSH in, RPOP out).
	Ready string
	// Unacked is the ZSET of delivered messages scored by their consumer deadline in ms.
	Unacked string
	// Delayed is the ZSET of requeued messages scored by their redelivery time in ms.
	Delayed string
	// Deliveries is the HASH counting deliveries per raw message.
	Deliveries string
	// Meta is the HASH of the queue declaration (dead-letter target, limits, ttl).
	Meta string
}

// For returns a set of precomputed keys for the provided queue.
func For(q string) Queue {
	p := prefix + "{" + q + "}:"
	return Queue{
		Name:       q,
		Ready:      p + "ready",
		Unacked:    p + "unacked",
		Delayed:    p + "delayed",
		Deliveries: p + "deliveries",
		Meta:       p + "meta",
	}
}

// All lists every key of the queue, for deletion.
func (q Queue) All() []string {
	return []string{q.Ready, q.Unacked, q.Delayed, q.Deliveries, q.Meta}
}
