package taskbus

import (
	"fmt"
	"maps"
	"os"
	"strings"

	"github.com/UniQw/taskbus/internal/broker"
	"github.com/google/uuid"
)

// ExchangeKind selects how an exchange routes messages.
type ExchangeKind = broker.ExchangeKind

const (
	Fanout = broker.Fanout
	Direct = broker.Direct
)

// Queue is a logical channel of the bus.
type Queue string

const (
	QueueEvent           Queue = "EVENT"
	QueueTask            Queue = "TASK"
	QueueTaskDLQ         Queue = "TASK_DLQ"
	QueueManagerEvent    Queue = "MANAGER_EVENT"
	QueueManagerEventDLQ Queue = "MANAGER_EVENT_DLQ"
	QueueWorkerEvent     Queue = "WORKER_EVENT"
	QueueMonitoring      Queue = "MONITORING"
)

// QueueDef is the static topology of a logical queue.
type QueueDef struct {
	Exchange   string
	Kind       ExchangeKind
	RoutingKey string
	Durable    bool
	// DeadLetter is the queue receiving rejected messages, empty for none.
	DeadLetter Queue
	// Arguments are broker specific queue arguments.
	Arguments map[string]any
}

// Task queue limits.
const (
	TaskDeliveryLimit   = 10
	TaskConsumerTimeout = 3_600_000 // ms
	MonitoringTTL       = 5_000     // ms
)

var registry = map[Queue]QueueDef{
	QueueEvent: {
		Exchange: "exchangeMainEvents", Kind: Fanout, RoutingKey: "routingKeyMainEvents",
	},
	QueueTask: {
		Exchange: "exchangeTasks", Kind: Direct, RoutingKey: "routingKeyMainTasks",
		Durable: true, DeadLetter: QueueTaskDLQ,
		Arguments: map[string]any{
			broker.ArgQueueType:       "quorum",
			broker.ArgDeliveryLimit:   TaskDeliveryLimit,
			broker.ArgConsumerTimeout: TaskConsumerTimeout,
		},
	},
	QueueTaskDLQ: {
		Exchange: "exchangeDLQTasks", Kind: Direct, RoutingKey: "routingKeyDLQTasks", Durable: true,
	},
	QueueManagerEvent: {
		Exchange: "exchangeManagerEvents", Kind: Direct, RoutingKey: "routingKeyManagerEvents",
		Durable: true, DeadLetter: QueueManagerEventDLQ,
	},
	QueueManagerEventDLQ: {
		Exchange: "exchangeDLQManagerEvents", Kind: Direct, RoutingKey: "routingKeyDLQManagerEvents", Durable: true,
	},
	QueueWorkerEvent: {
		Exchange: "exchangeWorkerEvents", Kind: Fanout, RoutingKey: "routingKeyWorkerEvents",
	},
	QueueMonitoring: {
		Exchange: "exchangeMonitoring", Kind: Direct, RoutingKey: "routingKeyMonitoring",
		Arguments: map[string]any{broker.ArgMessageTTL: MonitoringTTL},
	},
}

// Queues lists the registered queues in a stable order.
func Queues() []Queue {
	return []Queue{
		QueueEvent, QueueTask, QueueTaskDLQ, QueueManagerEvent,
		QueueManagerEventDLQ, QueueWorkerEvent, QueueMonitoring,
	}
}

// Definition returns the definition of q.
func Definition(q Queue) (QueueDef, error) {
	def, ok := registry[q]
	if !ok {
		return QueueDef{}, fmt.Errorf("%w: %s", ErrUnknownQueue, q)
	}
	def.Arguments = maps.Clone(def.Arguments)
	return def, nil
}

// ParseQueue maps a queue name to its identifier.
func ParseQueue(s string) (Queue, error) {
	q := Queue(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := registry[q]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, s)
	}
	return q, nil
}

func (q Queue) String() string { return string(q) }

// Key returns routingKey, or the default routing key of q when it is empty.
func (d QueueDef) Key(routingKey string) string {
	if routingKey != "" {
		return routingKey
	}
	return d.RoutingKey
}

// QueueName is the broker queue name used to consume q. Direct queues are
// shared by every consumer: NAME, or NAME.key with a routing key override.
// Fanout queues are private to the process.
func QueueName(q Queue, routingKey string) string {
	def := registry[q]
	if def.Kind == Fanout {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		return fmt.Sprintf("%s-worker-%s-%d-%s", q, host, os.Getpid(), uuid.NewString()[:8])
	}
	if routingKey == "" || routingKey == def.RoutingKey {
		return string(q)
	}
	return string(q) + "." + routingKey
}

// ValidateRegistry checks the dead-letter wiring of the registry: fanout
// queues have none, a dead-letter target is a direct queue without its own
// dead-letter target, and no two queues share one.
func ValidateRegistry() error {
	return validateRegistry(registry)
}

func validateRegistry(reg map[Queue]QueueDef) error {
	owners := map[Queue]Queue{}
	for q, def := range reg {
		if def.Exchange == "" {
			return fmt.Errorf("taskbus: queue %s has no exchange", q)
		}
		if def.DeadLetter == "" {
			continue
		}
		if def.Kind == Fanout {
			return fmt.Errorf("taskbus: fanout queue %s cannot have a dead-letter queue", q)
		}
		dlq, ok := reg[def.DeadLetter]
		if !ok {
			return fmt.Errorf("taskbus: queue %s: %w: %s", q, ErrUnknownQueue, def.DeadLetter)
		}
		if dlq.Kind != Direct || dlq.DeadLetter != "" {
			return fmt.Errorf("taskbus: dead-letter queue %s of %s must be a direct queue without dead-letter", def.DeadLetter, q)
		}
		if other, dup := owners[def.DeadLetter]; dup {
			return fmt.Errorf("taskbus: dead-letter queue %s shared by %s and %s", def.DeadLetter, other, q)
		}
		owners[def.DeadLetter] = q
	}
	return nil
}

// consumeSpec builds the declaration of the consume queue of q. Broker
// arguments are only set when withArgs is true.
func consumeSpec(q Queue, name string, withArgs bool) broker.QueueSpec {
	def := registry[q]
	spec := broker.QueueSpec{Name: name, Durable: def.Durable}
	if def.Kind == Fanout {
		spec.Durable, spec.Exclusive, spec.AutoDelete = false, true, true
	}
	if !withArgs {
		return spec
	}
	spec.Args = maps.Clone(def.Arguments)
	if def.DeadLetter != "" {
		if spec.Args == nil {
			spec.Args = map[string]any{}
		}
		dlq := registry[def.DeadLetter]
		spec.Args[broker.ArgDeadLetterExchange] = dlq.Exchange
		spec.Args[broker.ArgDeadLetterKey] = dlq.RoutingKey
	}
	return spec
}
