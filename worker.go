package taskbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UniQw/taskbus/internal/hctx"
	"golang.org/x/sync/errgroup"
)

// cancelMemory is how long a cancellation for a task this worker has not
// received yet is remembered.
const cancelMemory = time.Hour

var errTaskCancelled = errors.New("taskbus: task cancelled")

// cancelRequest is the cause of a handler context cancelled by a CancelEvent.
type cancelRequest struct{ requeue bool }

func (*cancelRequest) Error() string { return errTaskCancelled.Error() }
func (*cancelRequest) Unwrap() error { return errTaskCancelled }

type cancelMark struct {
	requeue bool
	at      time.Time
}

// Worker executes tasks consumed from TASK with the handlers of a Mux and
// reports their progress, result or error on MANAGER_EVENT. It also listens
// to WORKER_EVENT for cancellations and shutdown.
type Worker struct {
	cm      *ConnectionManager
	mux     *Mux
	log     Logger
	routing RoutingStrategy
	limit   int64
	handled atomic.Int64

	tasks  []*Consumer
	events *Consumer

	mu        sync.Mutex
	running   map[string]context.CancelCauseFunc
	cancelled map[string]cancelMark

	stopOnce sync.Once
}

// NewWorker declares the consumers of a worker on cm. With RoutingName one
// TASK consumer is bound per task type registered on mux.
func NewWorker(cm *ConnectionManager, mux *Mux, opts ...Option) (*Worker, error) {
	o := buildOptions(append([]Option{WithLogger(cm.log)}, opts...))
	w := &Worker{
		cm:        cm,
		mux:       mux,
		log:       o.logger,
		routing:   o.routing,
		limit:     int64(o.taskLimit),
		running:   make(map[string]context.CancelCauseFunc),
		cancelled: make(map[string]cancelMark),
	}
	if err := cm.CreatePublishChannels(QueueManagerEvent, QueueTask); err != nil {
		return nil, err
	}
	keys := []string{""}
	if w.routing == RoutingName {
		keys = mux.Types()
		if len(keys) == 0 {
			return nil, fmt.Errorf("%w: routing by name needs registered task types", ErrNoHandler)
		}
	}
	for _, key := range keys {
		c, err := NewConsumer(cm, QueueTask, w.handleTask, WithRoutingKey(key), WithCriteria(w.more))
		if err != nil {
			w.closeConsumers()
			return nil, err
		}
		w.tasks = append(w.tasks, c)
	}
	ec, err := NewConsumer(cm, QueueWorkerEvent, w.handleWorkerEvent)
	if err != nil {
		w.closeConsumers()
		return nil, err
	}
	w.events = ec
	return w, nil
}

func (w *Worker) closeConsumers() {
	for _, c := range w.consumers() {
		_ = c.cc.Close()
	}
}

func (w *Worker) consumers() []*Consumer {
	out := append([]*Consumer(nil), w.tasks...)
	if w.events != nil {
		out = append(out, w.events)
	}
	return out
}

// Handled is the number of tasks executed.
func (w *Worker) Handled() int64 { return w.handled.Load() }

// Run consumes until Stop, a ShutdownEvent, the task limit or ctx ends it.
// Running handlers are awaited.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range w.consumers() {
		g.Go(func() error { return c.Run(gctx) })
	}
	w.log.Infof("taskbus: worker started, %d task consumers", len(w.tasks))
	err := g.Wait()
	w.log.Infof("taskbus: worker stopped after %d tasks", w.Handled())
	return err
}

// Stop cancels every consumer of the worker. Running handlers finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		for _, c := range w.consumers() {
			if err := c.Cancel(); err != nil {
				w.log.Warnf("taskbus: cancel consumer %s: %v", c.Tag(), err)
			}
		}
	})
}

// more is the continuation criteria of task consumers. Consumers call it
// without holding their lock, so stopping them all from here is fine.
func (w *Worker) more(int) bool {
	if w.limit == 0 || w.handled.Load() < w.limit {
		return true
	}
	w.Stop()
	return false
}

func (w *Worker) handleWorkerEvent(_ context.Context, ev Event) error {
	switch e := ev.(type) {
	case *CancelEvent:
		w.cancel(e.TaskID, e.Requeue)
	case *ShutdownEvent:
		w.log.Infof("taskbus: shutdown requested")
		w.Stop()
	default:
		w.log.Debugf("taskbus: worker ignores %s", ev.EventType())
	}
	return nil
}

func (w *Worker) cancel(taskID string, requeue bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancel, ok := w.running[taskID]; ok {
		w.log.Infof("taskbus: cancelling task %s (requeue=%t)", taskID, requeue)
		cancel(&cancelRequest{requeue: requeue})
		return
	}
	now := time.Now()
	for id, m := range w.cancelled {
		if now.Sub(m.at) > cancelMemory {
			delete(w.cancelled, id)
		}
	}
	w.cancelled[taskID] = cancelMark{requeue: requeue, at: now}
}

func (w *Worker) takeCancelled(taskID string) (cancelMark, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.cancelled[taskID]
	delete(w.cancelled, taskID)
	return m, ok
}

func (w *Worker) register(taskID string, cancel context.CancelCauseFunc) {
	w.mu.Lock()
	w.running[taskID] = cancel
	w.mu.Unlock()
}

func (w *Worker) unregister(taskID string) {
	w.mu.Lock()
	delete(w.running, taskID)
	w.mu.Unlock()
}

func (w *Worker) publish(ctx context.Context, ev Event) error {
	return w.cm.Publish(ctx, QueueManagerEvent, ev)
}

func (w *Worker) handleTask(ctx context.Context, ev Event) error {
	tc, ok := ev.(*TaskCreation)
	if !ok || tc.Task == nil {
		return Reject(fmt.Errorf("taskbus: unexpected %s on task queue", ev.EventType()), false)
	}
	t := tc.Task
	h, ok := w.mux.Handler(t.Type)
	if !ok {
		return Reject(fmt.Errorf("%w for %q", ErrNoHandler, t.Type), true)
	}
	if m, ok := w.takeCancelled(t.ID); ok {
		return w.acknowledgeCancel(ctx, t.ID, m.requeue)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	w.register(t.ID, cancel)
	defer w.unregister(t.ID)
	st := hctx.New(t.ID, func(p float64) {
		if err := w.publish(ctx, NewProgressEvent(t.ID, p)); err != nil {
			w.log.Warnf("taskbus: progress of %s not sent: %v", t.ID, err)
		}
	})
	runCtx = hctx.WithState(runCtx, st)

	if err := w.publish(ctx, NewProgressEvent(t.ID, 0)); err != nil {
		return Reject(err, true)
	}
	t.State = StateRunning
	w.log.Debugf("taskbus: running %s", t)
	value, err := h(runCtx, t)
	w.handled.Add(1)

	var cr *cancelRequest
	if errors.As(context.Cause(runCtx), &cr) {
		return w.acknowledgeCancel(ctx, t.ID, cr.requeue)
	}
	if err == nil {
		perr := w.publish(ctx, NewResultEvent(t.ID, value))
		var se *SerializationError
		if errors.As(perr, &se) {
			return w.publishError(ctx, t.ID, perr)
		}
		return perr
	}
	if IsRetryable(err) && tc.CanBeReinjected() {
		_ = tc.Reinject()
		t.RetriesLeft = tc.RetriesLeft
		t.State = StateQueued
		t.Progress = 0
		w.log.Warnf("taskbus: task %s failed, reinjected (%d retries left): %v", t.ID, tc.RetriesLeft, err)
		key := ""
		if w.routing == RoutingName {
			key = t.Type
		}
		if perr := w.cm.PublishWithKey(ctx, QueueTask, key, tc); perr != nil {
			return w.publishError(ctx, t.ID, fmt.Errorf("reinject: %w (after %w)", perr, err))
		}
		return nil
	}
	return w.publishError(ctx, t.ID, err)
}

func (w *Worker) publishError(ctx context.Context, taskID string, err error) error {
	w.log.Errorf("taskbus: task %s failed: %v", taskID, err)
	return w.publish(ctx, NewErrorEvent(taskID, NewTaskError(err)))
}

// acknowledgeCancel answers a CancelEvent. With requeue the delivery is
// rejected so the task is delivered again.
func (w *Worker) acknowledgeCancel(ctx context.Context, taskID string, requeue bool) error {
	if err := w.publish(ctx, NewCancelledEvent(taskID, requeue)); err != nil {
		return err
	}
	w.log.Infof("taskbus: task %s cancelled (requeue=%t)", taskID, requeue)
	if requeue {
		return Reject(errTaskCancelled, true)
	}
	return nil
}
