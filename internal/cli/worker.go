package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/taskbus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker executing the built-in echo and sleep tasks",
	RunE: func(_ *cobra.Command, _ []string) error {
		s, err := newSession("taskbus-worker")
		if err != nil {
			return err
		}
		defer s.close()
		return runWorker(s)
	},
}

func init() {
	f := workerCmd.Flags()
	f.Int("task-limit", 0, "stop after this many tasks, 0 runs forever")
	f.String("worker-metrics-addr", "", "address of the worker /metrics and /healthz server, empty disables it")
	bindFlag("task_limit", f, "task-limit")
	bindFlag("worker_metrics_addr", f, "worker-metrics-addr")
}

func runWorker(s *session) error {
	ctx, stop := signalContext()
	defer stop()

	cm, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer cm.Close()

	mux := taskbus.NewMux()
	mux.Use(logTasks(s.log))
	registerBuiltins(mux)

	w, err := taskbus.NewWorker(cm, mux, taskbus.WithTaskLimit(viper.GetInt("task_limit")))
	if err != nil {
		return err
	}

	health := func(context.Context) error {
		if !cm.IsOpen() {
			return taskbus.ErrClosed
		}
		return nil
	}
	startMetricsServer(ctx, viper.GetString("worker_metrics_addr"), newMetricsServer(health), s.log)

	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// registerBuiltins installs the demo task types.
func registerBuiltins(mux *taskbus.Mux) {
	mux.Handle("echo", echoTask)
	mux.Handle("sleep", sleepTask)
}

func echoTask(_ context.Context, t *taskbus.Task) (any, error) {
	msg, ok := t.Args["msg"]
	if !ok {
		return nil, errors.New("echo: missing msg argument")
	}
	return fmt.Sprint(msg), nil
}

// sleepTask sleeps for args["duration"] (a Go duration, default 1s) in ten
// steps, reporting progress after each.
func sleepTask(ctx context.Context, t *taskbus.Task) (any, error) {
	d := time.Second
	if raw, ok := t.Args["duration"]; ok {
		parsed, err := time.ParseDuration(fmt.Sprint(raw))
		if err != nil {
			return nil, fmt.Errorf("sleep: %w", err)
		}
		d = parsed
	}
	const steps = 10
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-time.After(d / steps):
		}
		taskbus.SetProgress(ctx, float64(i)/steps)
	}
	return d.String(), nil
}

func logTasks(log taskbus.Logger) taskbus.Middleware {
	return func(next taskbus.HandlerFunc) taskbus.HandlerFunc {
		return func(ctx context.Context, t *taskbus.Task) (any, error) {
			start := time.Now()
			v, err := next(ctx, t)
			if err != nil {
				log.Warnf("task %s (%s) failed after %s: %v", t.ID, t.Type, time.Since(start), err)
			} else {
				log.Infof("task %s (%s) done in %s", t.ID, t.Type, time.Since(start))
			}
			return v, err
		}
	}
}
