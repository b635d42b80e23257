package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/UniQw/taskbus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run a task manager: track task state from worker events",
	RunE: func(_ *cobra.Command, _ []string) error {
		s, err := newSession("taskbus-manager")
		if err != nil {
			return err
		}
		defer s.close()
		return runManager(s)
	},
}

func init() {
	f := managerCmd.Flags()
	f.String("metrics-addr", ":9090", "address of the /metrics and /healthz server, empty disables it")
	f.String("repository", "memory", "task repository: memory | redis")
	f.Duration("health-every", 10*time.Second, "interval of health checks, 0 disables them")
	f.String("name", "", "manager name used in monitoring events")
	bindFlag("metrics_addr", f, "metrics-addr")
	bindFlag("repository", f, "repository")
	bindFlag("health_every", f, "health-every")
	bindFlag("name", f, "name")
}

func runManager(s *session) error {
	ctx, stop := signalContext()
	defer stop()

	repo, closeRepo, err := s.repository()
	if err != nil {
		return err
	}
	defer closeRepo()

	cm, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer cm.Close()

	m, err := taskbus.NewManager(cm, taskbus.WithRepository(repo), taskbus.WithName(viper.GetString("name")))
	if err != nil {
		return err
	}
	m.Start(ctx)

	startMetricsServer(ctx, viper.GetString("metrics_addr"), newMetricsServer(m.Health), s.log)
	if every := viper.GetDuration("health_every"); every > 0 {
		go healthLoop(ctx, m, every, s.log)
	}

	s.log.Infof("manager started on %s", s.cfg)
	<-ctx.Done()
	s.log.Infof("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.Close(closeCtx)
}

func healthLoop(ctx context.Context, m *taskbus.Manager, every time.Duration, log taskbus.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, every)
			if err := m.Health(hctx); err != nil {
				log.Warnf("health check failed: %v", err)
			}
			cancel()
		}
	}
}

var submitCmd = &cobra.Command{
	Use:   "submit TYPE",
	Short: "Create a task and optionally wait for its outcome",
	Long: `Create a task and optionally wait for its outcome.

submit runs its own manager for the duration of the command. When a manager
service consumes the same bus, both must share the redis repository.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession("taskbus-submit")
		if err != nil {
			return err
		}
		defer s.close()
		f := cmd.Flags()
		user, _ := f.GetString("user")
		kv, _ := f.GetStringToString("arg")
		wait, _ := f.GetDuration("wait")
		return runSubmit(cmd, s, args[0], user, kv, wait)
	},
}

func init() {
	f := submitCmd.Flags()
	f.String("user", "", "user owning the task")
	f.StringToString("arg", nil, "task argument key=value, repeatable")
	f.Duration("wait", 0, "wait up to this long for the task to finish, 0 returns right after publishing")
}

func runSubmit(cmd *cobra.Command, s *session, taskType, user string, kv map[string]string, wait time.Duration) error {
	ctx, stop := signalContext()
	defer stop()

	repo, closeRepo, err := s.repository()
	if err != nil {
		return err
	}
	defer closeRepo()

	cm, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer cm.Close()

	m, err := taskbus.NewManager(cm, taskbus.WithRepository(repo))
	if err != nil {
		return err
	}
	m.Start(ctx)
	defer m.Close(context.Background())

	args := make(map[string]any, len(kv))
	for k, v := range kv {
		args[k] = v
	}
	id, err := m.StartTask(ctx, taskType, user, args)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	if wait <= 0 {
		return nil
	}
	if err := m.WaitTasksToBeDone(ctx, wait); err != nil {
		return err
	}
	t, err := m.GetTask(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case t.Result != nil:
		fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", t.State, t.Result.Value)
	case t.Error != nil:
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", t.State, t.Error.Name, t.Error.Message)
	default:
		fmt.Fprintln(cmd.OutOrStdout(), t.State)
	}
	return nil
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask every worker to stop",
	RunE: func(_ *cobra.Command, _ []string) error {
		s, err := newSession("taskbus-shutdown")
		if err != nil {
			return err
		}
		defer s.close()
		ctx, stop := signalContext()
		defer stop()
		cm, err := s.dial(ctx)
		if err != nil {
			return err
		}
		defer cm.Close()
		if err := cm.CreatePublishChannel(taskbus.QueueWorkerEvent); err != nil {
			return err
		}
		if err := cm.Publish(ctx, taskbus.QueueWorkerEvent, taskbus.NewShutdownEvent()); err != nil {
			return err
		}
		s.log.Infof("shutdown sent")
		return nil
	},
}
