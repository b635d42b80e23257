package taskbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/UniQw/taskbus/internal/keys"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

// testBus is one miniredis shared by every connection of a test, each
// connection standing for a process.
type testBus struct {
	t   *testing.T
	rdb *redis.Client
}

func newTestBus(t *testing.T) *testBus {
	t.Helper()
	return &testBus{t: t, rdb: newMiniClient(t)}
}

func (b *testBus) dial(cfg Config, opts ...Option) *ConnectionManager {
	b.t.Helper()
	cm, err := DialRedis(b.rdb, cfg, append([]Option{WithPollInterval(5 * time.Millisecond)}, opts...)...)
	require.NoError(b.t, err)
	b.t.Cleanup(func() { _ = cm.Close() })
	return cm
}

func (b *testBus) manager(opts ...Option) (*Manager, *ConnectionManager) {
	b.t.Helper()
	cm := b.dial(Config{})
	m, err := NewManager(cm, opts...)
	require.NoError(b.t, err)
	return m, cm
}

func (b *testBus) worker(mux *Mux, opts ...Option) (*Worker, *ConnectionManager) {
	b.t.Helper()
	cm := b.dial(Config{NbMaxMessages: 2})
	w, err := NewWorker(cm, mux, opts...)
	require.NoError(b.t, err)
	return w, cm
}

// run starts m and w. Both are stopped at the end of the test.
func (b *testBus) run(m *Manager, ws ...*Worker) {
	b.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if m != nil {
		m.Start(ctx)
	}
	var done []chan error
	for _, w := range ws {
		ch := make(chan error, 1)
		done = append(done, ch)
		go func() { ch <- w.Run(ctx) }()
	}
	b.t.Cleanup(func() {
		cancel()
		for _, ch := range done {
			select {
			case <-ch:
			case <-time.After(waitFor):
				b.t.Error("worker did not stop")
			}
		}
		if m != nil {
			cctx, ccancel := context.WithTimeout(context.Background(), waitFor)
			defer ccancel()
			require.NoError(b.t, m.Close(cctx))
		}
	})
}

func (b *testBus) queueLen(name string) int64 {
	n, err := b.rdb.LLen(context.Background(), keys.For(name).Ready).Result()
	require.NoError(b.t, err)
	return n
}

func waitState(t *testing.T, m *Manager, id string, want State) *Task {
	t.Helper()
	var task *Task
	require.Eventually(t, func() bool {
		var err error
		task, err = m.GetTask(context.Background(), id)
		return err == nil && task.State == want
	}, waitFor, 5*time.Millisecond, "task %s never reached %s", id, want)
	return task
}

// blockUntilCancelled is a handler that runs until its task is cancelled.
func blockUntilCancelled(started chan<- string) HandlerFunc {
	return func(ctx context.Context, t *Task) (any, error) {
		if started != nil {
			started <- t.ID
		}
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}
}

func echo(_ context.Context, t *Task) (any, error) {
	msg, ok := t.Args["msg"].(string)
	if !ok {
		return nil, errors.New("no msg")
	}
	return msg, nil
}
