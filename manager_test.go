package taskbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UniQw/taskbus/internal/keys"
	"github.com/UniQw/taskbus/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestManager_EchoEndToEnd(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	mux := NewMux()
	mux.Handle("EchoTask", func(ctx context.Context, t *Task) (any, error) {
		SetProgress(ctx, 0.5)
		return echo(ctx, t)
	})
	m, _ := bus.manager()
	w, _ := bus.worker(mux)
	bus.run(m, w)

	id, err := m.StartTask(ctx, "EchoTask", "alice", map[string]any{"msg": "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, m.WaitTasksToBeDone(ctx, waitFor))
	task, err := m.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateDone, task.State)
	require.Equal(t, 1.0, task.Progress)
	require.Equal(t, "hello", task.Result.Value)
	require.Equal(t, "alice", task.User)
	require.NotNil(t, task.CompletedAt)
	require.Equal(t, int64(1), w.Handled())
}

func TestManager_HandlerErrorIsReported(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	mux := NewMux()
	mux.Handle("EchoTask", echo)
	m, _ := bus.manager()
	w, _ := bus.worker(mux)
	bus.run(m, w)

	id, err := m.StartTask(ctx, "EchoTask", "", nil)
	require.NoError(t, err)
	task := waitState(t, m, id, StateError)
	require.Equal(t, "no msg", task.Error.Message)
	require.Equal(t, "errors.errorString", task.Error.Name)
	require.NotEmpty(t, task.Error.Stacktrace)
	require.Nil(t, task.Result)
}

func TestManager_StartTaskWithIDDuplicate(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	m, _ := bus.manager()

	id, err := m.StartTaskWithID(ctx, "fixed", "EchoTask", "", nil)
	require.NoError(t, err)
	require.Equal(t, "fixed", id)

	task, err := m.GetTask(ctx, "fixed")
	require.NoError(t, err)
	require.Equal(t, StateQueued, task.State)

	_, err = m.StartTaskWithID(ctx, "fixed", "EchoTask", "", nil)
	require.ErrorIs(t, err, ErrTaskAlreadyExists)

	var nf *TaskNotFoundError
	_, err = m.GetTask(ctx, "other")
	require.ErrorAs(t, err, &nf)
}

func TestManager_CancelRunningTask(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	started := make(chan string, 1)
	mux := NewMux()
	mux.Handle("SlowTask", blockUntilCancelled(started))
	m, _ := bus.manager()
	w, _ := bus.worker(mux)
	bus.run(m, w)

	id, err := m.StartTask(ctx, "SlowTask", "", nil)
	require.NoError(t, err)
	<-started
	waitState(t, m, id, StateRunning)

	require.NoError(t, m.Cancel(ctx, id, false))
	task := waitState(t, m, id, StateCancelled)
	require.NotNil(t, task.CompletedAt)

	require.ErrorIs(t, m.Cancel(ctx, id, false), ErrTerminalState)
}

func TestManager_CancelWithRequeueRunsAgain(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	started := make(chan string, 2)
	var attempts atomic.Int32
	mux := NewMux()
	mux.Handle("SlowTask", func(ctx context.Context, task *Task) (any, error) {
		if attempts.Add(1) == 1 {
			return blockUntilCancelled(started)(ctx, task)
		}
		return "second run", nil
	})
	m, _ := bus.manager()
	w, _ := bus.worker(mux)
	bus.run(m, w)

	id, err := m.StartTask(ctx, "SlowTask", "", nil)
	require.NoError(t, err)
	<-started
	waitState(t, m, id, StateRunning)

	require.NoError(t, m.Cancel(ctx, id, true))
	task := waitState(t, m, id, StateDone)
	require.Equal(t, "second run", task.Result.Value)
	require.Equal(t, int32(2), attempts.Load())
}

func TestManager_CancelBeforeDelivery(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	ran := make(chan string, 1)
	mux := NewMux()
	mux.Handle("EchoTask", func(ctx context.Context, task *Task) (any, error) {
		ran <- task.ID
		return "ran", nil
	})
	m, _ := bus.manager()
	w, _ := bus.worker(mux)
	// The worker only consumes its events; the task waits in TASK.
	bus.run(m)
	events := make(chan error, 1)
	go func() { events <- w.events.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = w.events.Cancel()
		<-events
	})

	id, err := m.StartTask(ctx, "EchoTask", "", map[string]any{"msg": "x"})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, id, false))
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		_, ok := w.cancelled[id]
		return ok
	}, waitFor, 5*time.Millisecond)
	// No CancelledEvent yet.
	task, err := m.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateQueued, task.State)

	for _, c := range w.tasks {
		go func() { _ = c.Run(context.Background()) }()
		t.Cleanup(func() { _ = c.Cancel(); <-c.Done() })
	}
	waitState(t, m, id, StateCancelled)
	select {
	case <-ran:
		t.Fatal("cancelled task was executed")
	default:
	}
}

func TestManager_StopTasksAndFilters(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	started := make(chan string, 3)
	mux := NewMux()
	mux.Handle("IndexTask", blockUntilCancelled(started))
	mux.Handle("EchoTask", echo)
	m, _ := bus.manager()
	cm := bus.dial(Config{NbMaxMessages: 4})
	w, err := NewWorker(cm, mux)
	require.NoError(t, err)
	bus.run(m, w)

	var index []string
	for _, user := range []string{"alice", "bob"} {
		id, err := m.StartTask(ctx, "IndexTask", user, map[string]any{"path": "/data/" + user})
		require.NoError(t, err)
		index = append(index, id)
	}
	echoID, err := m.StartTask(ctx, "EchoTask", "alice", map[string]any{"msg": "m"})
	require.NoError(t, err)
	waitState(t, m, echoID, StateDone)
	for range index {
		<-started
	}

	alice, err := m.GetTasks(ctx, NewTaskFilter(WithUser("alice")))
	require.NoError(t, err)
	require.Len(t, alice, 2)

	byArg, err := m.GetTasks(ctx, NewTaskFilter(WithArg("path", "bob$")))
	require.NoError(t, err)
	require.Len(t, byArg, 1)
	require.Equal(t, index[1], byArg[0].ID)

	stopped, err := m.StopTasks(ctx, NewTaskFilter(WithNamePattern("^Index")))
	require.NoError(t, err)
	require.ElementsMatch(t, index, stopped)
	require.NoError(t, m.WaitTasksToBeDone(ctx, waitFor))

	for _, id := range index {
		waitState(t, m, id, StateCancelled)
	}
	cancelled, err := m.GetTasks(ctx, NewTaskFilter(WithStates(StateCancelled)))
	require.NoError(t, err)
	require.Len(t, cancelled, 2)

	_, err = m.GetTasks(ctx, NewTaskFilter(WithNamePattern("(")))
	require.Error(t, err)
}

func TestManager_ClearTasks(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	started := make(chan string, 1)
	mux := NewMux()
	mux.Handle("SlowTask", blockUntilCancelled(started))
	mux.Handle("EchoTask", echo)
	m, _ := bus.manager()
	w, _ := bus.worker(mux)
	bus.run(m, w)

	slow, err := m.StartTask(ctx, "SlowTask", "", nil)
	require.NoError(t, err)
	<-started
	waitState(t, m, slow, StateRunning)
	_, err = m.ClearTask(ctx, slow)
	require.ErrorIs(t, err, ErrRunningTask)

	var done []string
	for _, msg := range []string{"a", "b"} {
		id, err := m.StartTask(ctx, "EchoTask", "", map[string]any{"msg": msg})
		require.NoError(t, err)
		waitState(t, m, id, StateDone)
		done = append(done, id)
	}

	removed, err := m.ClearTask(ctx, done[0])
	require.NoError(t, err)
	require.Equal(t, done[0], removed.ID)
	var nf *TaskNotFoundError
	_, err = m.GetTask(ctx, done[0])
	require.ErrorAs(t, err, &nf)

	cleared, err := m.ClearDoneTasks(ctx, NewTaskFilter(WithNamePattern("Slow")))
	require.NoError(t, err)
	require.Empty(t, cleared)

	cleared, err = m.CleanDoneTasks(ctx)
	require.NoError(t, err)
	require.Len(t, cleared, 1)
	require.Equal(t, done[1], cleared[0].ID)

	rest, err := m.GetTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, slow, rest[0].ID)

	require.NoError(t, m.Cancel(ctx, slow, false))
	waitState(t, m, slow, StateCancelled)
}

func TestManager_WaitTasksToBeDoneTimeout(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	m, _ := bus.manager()
	bus.run(m)

	require.NoError(t, m.WaitTasksToBeDone(ctx, time.Millisecond))

	// Nobody consumes TASK: the task stays queued.
	_, err := bus.dial(Config{}).CreateConsumeChannel(QueueTask, "")
	require.NoError(t, err)
	_, err = m.StartTask(ctx, "EchoTask", "", nil)
	require.NoError(t, err)

	start := time.Now()
	err = m.WaitTasksToBeDone(ctx, 50*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), waitFor)
}

func TestManager_UnknownTaskEventIsDeadLettered(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	m, _ := bus.manager()
	bus.run(m)

	cm := bus.dial(Config{})
	require.NoError(t, cm.CreatePublishChannel(QueueManagerEvent))
	require.NoError(t, cm.Publish(ctx, QueueManagerEvent, NewProgressEvent("ghost", 0.5)))

	require.Eventually(t, func() bool {
		return bus.queueLen(string(QueueManagerEventDLQ)) == 1
	}, waitFor, 5*time.Millisecond)
}

func TestManager_TerminalEventsAreDiscarded(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	m, _ := bus.manager()

	// Declares TASK so the creation event is routed.
	_, err := bus.dial(Config{}).CreateConsumeChannel(QueueTask, "")
	require.NoError(t, err)
	id, err := m.StartTask(ctx, "EchoTask", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.HandleEvent(ctx, NewResultEvent(id, "first")))
	require.NoError(t, m.HandleEvent(ctx, NewResultEvent(id, "second")))
	require.NoError(t, m.HandleEvent(ctx, NewProgressEvent(id, 0.1)))
	require.NoError(t, m.HandleEvent(ctx, NewShutdownEvent()))

	task, err := m.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateDone, task.State)
	require.Equal(t, "first", task.Result.Value)

	var nack *NackError
	require.ErrorAs(t, m.HandleEvent(ctx, NewProgressEvent("ghost", 0.1)), &nack)
	require.False(t, nack.Requeue)
}

func TestManager_RoutingByName(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	mux := NewMux()
	mux.Handle("EchoTask", echo)
	other := NewMux()
	other.Handle("UpperTask", func(context.Context, *Task) (any, error) { return "upper", nil })

	m, _ := bus.manager(WithRoutingStrategy(RoutingName))
	w1, _ := bus.worker(mux, WithRoutingStrategy(RoutingName))
	w2, _ := bus.worker(other, WithRoutingStrategy(RoutingName))
	bus.run(m, w1, w2)

	echoID, err := m.StartTask(ctx, "EchoTask", "", map[string]any{"msg": "e"})
	require.NoError(t, err)
	upperID, err := m.StartTask(ctx, "UpperTask", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.WaitTasksToBeDone(ctx, waitFor))
	require.Equal(t, "e", waitState(t, m, echoID, StateDone).Result.Value)
	require.Equal(t, "upper", waitState(t, m, upperID, StateDone).Result.Value)
	require.Equal(t, int64(1), w1.Handled())
	require.Equal(t, int64(1), w2.Handled())
}

func TestManager_HealthAndMonitoring(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	cm := bus.dial(Config{Monitoring: true})
	m, err := NewManager(cm, WithName("manager-test"))
	require.NoError(t, err)

	probe := bus.dial(Config{})
	cc, err := probe.CreateConsumeChannel(QueueMonitoring, "")
	require.NoError(t, err)

	require.NoError(t, m.Health(ctx))
	require.Eventually(t, func() bool {
		return bus.queueLen(cc.Name) == 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, cm.Close())
	require.ErrorIs(t, m.Health(ctx), ErrClosed)
}

func TestManager_Metrics(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	mux := NewMux()
	mux.Handle("EchoTask", echo)
	cm := bus.dial(Config{}, WithRegisterer(reg))
	m, err := NewManager(cm)
	require.NoError(t, err)
	w, _ := bus.worker(mux)
	bus.run(m, w)

	id, err := m.StartTask(ctx, "EchoTask", "", map[string]any{"msg": "x"})
	require.NoError(t, err)
	waitState(t, m, id, StateDone)

	metrics := cm.Metrics()
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Published.WithLabelValues(string(QueueTask), "ack")))
	// Counters move after the repository update the test observed.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.Transitions.WithLabelValues(string(StateDone))) == 1 &&
			testutil.ToFloat64(metrics.Consumed.WithLabelValues(string(QueueManagerEvent), "ack")) >= 2
	}, waitFor, 5*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "taskbus_repository_request_count")
}

func TestManager_ShutdownStopsWorkers(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	m, _ := bus.manager()
	w, _ := bus.worker(NewMux())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// The worker event queue is declared by NewWorker: the event is routed.
	require.NoError(t, m.Shutdown(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("worker did not stop on shutdown")
	}
}

func TestManager_StartTaskPublishFailureKeepsCreated(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	m, _ := bus.manager()
	require.NoError(t, bus.rdb.Del(ctx, keys.Exchanges()).Err())

	id, err := m.StartTask(ctx, "EchoTask", "alice", nil)
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, QueueTask, pe.Queue)
	require.NotEmpty(t, id)

	task, err := m.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCreated, task.State)
}

func TestManager_FinalEventForClearedTaskIsDropped(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	m, _ := bus.manager()

	_, err := bus.dial(Config{}).CreateConsumeChannel(QueueTask, "")
	require.NoError(t, err)
	id, err := m.StartTask(ctx, "EchoTask", "", nil)
	require.NoError(t, err)
	require.NoError(t, m.HandleEvent(ctx, NewResultEvent(id, "first")))
	cleared, err := m.CleanDoneTasks(ctx)
	require.NoError(t, err)
	require.Len(t, cleared, 1)

	require.NoError(t, m.HandleEvent(ctx, NewResultEvent(id, "again")))
	require.NoError(t, m.HandleEvent(ctx, NewErrorEvent(id, &TaskError{Name: "X", Message: "late"})))
	require.NoError(t, m.HandleEvent(ctx, NewCancelledEvent(id, false)))

	var nack *NackError
	require.ErrorAs(t, m.HandleEvent(ctx, NewProgressEvent(id, 0.5)), &nack)
	require.False(t, nack.Requeue)
	var nf *TaskNotFoundError
	_, err = m.GetTask(ctx, id)
	require.ErrorAs(t, err, &nf)
}

func TestManager_TraceContextReachesHandler(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tracing := []Option{WithPropagator(telemetry.Propagator()), WithTracerProvider(tp)}

	got := make(chan trace.SpanContext, 1)
	mux := NewMux()
	mux.Handle("EchoTask", func(ctx context.Context, _ *Task) (any, error) {
		got <- trace.SpanContextFromContext(ctx)
		return "ok", nil
	})
	m, err := NewManager(bus.dial(Config{}, tracing...))
	require.NoError(t, err)
	w, err := NewWorker(bus.dial(Config{NbMaxMessages: 2}, tracing...), mux)
	require.NoError(t, err)
	bus.run(m, w)

	sctx, span := tp.Tracer("test").Start(ctx, "submit")
	id, err := m.StartTask(sctx, "EchoTask", "", nil)
	span.End()
	require.NoError(t, err)

	select {
	case sc := <-got:
		require.True(t, sc.IsValid())
		require.Equal(t, span.SpanContext().TraceID(), sc.TraceID())
		require.NotEqual(t, span.SpanContext().SpanID(), sc.SpanID())
	case <-time.After(waitFor):
		t.Fatal("handler never ran")
	}
	waitState(t, m, id, StateDone)
}
