package taskbus

import (
	"context"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) *redis.Client {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func repositories(t *testing.T) map[string]Repository {
	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"redis":  NewRedisRepository(newMiniClient(t), nil),
	}
}

func TestRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			b := NewTaskWithID("b", "IndexTask", "alice", map[string]any{"path": "/a"})
			b.CreatedAt = base.Add(time.Second)
			a := NewTaskWithID("a", "IndexTask", "bob", nil)
			a.CreatedAt = base.Add(time.Second)
			c := NewTaskWithID("c", "ExportTask", "", nil)
			c.CreatedAt = base

			for _, task := range []*Task{b, a, c} {
				require.NoError(t, repo.Insert(ctx, task))
			}
			require.ErrorIs(t, repo.Insert(ctx, a), ErrTaskAlreadyExists)

			got, err := repo.Get(ctx, "b")
			require.NoError(t, err)
			require.Equal(t, b, got)

			got.State = StateRunning
			got.Progress = 0.5
			stored, err := repo.Get(ctx, "b")
			require.NoError(t, err)
			require.Equal(t, StateCreated, stored.State)

			require.NoError(t, repo.Update(ctx, got))
			stored, err = repo.Get(ctx, "b")
			require.NoError(t, err)
			require.Equal(t, StateRunning, stored.State)
			require.Equal(t, 0.5, stored.Progress)

			list, err := repo.List(ctx)
			require.NoError(t, err)
			ids := make([]string, 0, len(list))
			for _, task := range list {
				ids = append(ids, task.ID)
			}
			require.Equal(t, []string{"c", "a", "b"}, ids)

			require.NoError(t, repo.Delete(ctx, "c"))
			var nf *TaskNotFoundError
			_, err = repo.Get(ctx, "c")
			require.ErrorAs(t, err, &nf)
			require.Equal(t, "c", nf.TaskID)
			require.ErrorAs(t, repo.Delete(ctx, "c"), &nf)
			require.ErrorAs(t, repo.Update(ctx, c), &nf)
		})
	}
}

func TestRepository_RedisStoresTerminalTask(t *testing.T) {
	ctx := context.Background()
	repo := NewRedisRepository(newMiniClient(t), nil)
	task := NewTaskWithID("t-1", "IndexTask", "", nil)
	require.NoError(t, repo.Insert(ctx, task))
	_, err := task.Apply(NewErrorEvent("t-1", &TaskError{Name: "IOError", Message: "boom", Stacktrace: []StackFrame{{File: "f.go", Line: 1, Name: "f"}}}))
	require.NoError(t, err)
	require.NoError(t, repo.Update(ctx, task))

	got, err := repo.Get(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, task, got)
}

func TestRepository_Instrumented(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	repo := m.instrument(NewMemoryRepository())

	require.NoError(t, repo.Insert(ctx, NewTaskWithID("t-1", "IndexTask", "", nil)))
	_, err := repo.Get(ctx, "t-1")
	require.NoError(t, err)
	_, err = repo.Get(ctx, "missing")
	require.Error(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.RepoRequests.WithLabelValues("Insert", "false")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RepoRequests.WithLabelValues("Get", "false")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RepoRequests.WithLabelValues("Get", "true")))

	// A second set of collectors on the same registry reuses the first.
	again := NewMetrics(reg)
	require.Same(t, m.RepoRequests, again.RepoRequests)
}
