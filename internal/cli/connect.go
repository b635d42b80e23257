package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/UniQw/taskbus"
	"github.com/UniQw/taskbus/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// session is what every subcommand needs: the parsed address, a logger and
// the common options built from the root flags.
type session struct {
	cfg  taskbus.Config
	log  *taskbus.LogrusLogger
	opts []taskbus.Option

	shutdownTracer func()
}

func newSession(service string) (*session, error) {
	cfg, err := taskbus.ParseAddress(viper.GetString("address"))
	if err != nil {
		return nil, err
	}
	routing, err := taskbus.ParseRoutingStrategy(viper.GetString("routing"))
	if err != nil {
		return nil, err
	}
	log := buildLogger(viper.GetString("log_level"), viper.GetString("log_format"), service)
	opts := []taskbus.Option{
		taskbus.WithLogger(log),
		taskbus.WithRegisterer(prometheus.DefaultRegisterer),
		taskbus.WithRoutingStrategy(routing),
	}
	if d := viper.GetDuration("confirm_timeout"); d > 0 {
		opts = append(opts, taskbus.WithConfirmTimeout(d))
	}
	if d := viper.GetDuration("dial_timeout"); d > 0 {
		opts = append(opts, taskbus.WithDialTimeout(d))
	}
	shutdown, err := telemetry.InitTracer(context.Background(), service, viper.GetString("otlp_endpoint"))
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, log: log, opts: opts, shutdownTracer: shutdown}, nil
}

// close flushes pending spans.
func (s *session) close() { s.shutdownTracer() }

func (s *session) dial(ctx context.Context, extra ...taskbus.Option) (*taskbus.ConnectionManager, error) {
	return taskbus.DialConfig(ctx, s.cfg, append(append([]taskbus.Option(nil), s.opts...), extra...)...)
}

// repository builds the task repository named by the repository key. The
// redis repository reuses the bus address and is only valid on redis.
func (s *session) repository() (taskbus.Repository, func() error, error) {
	switch kind := viper.GetString("repository"); kind {
	case "", "memory":
		return taskbus.NewMemoryRepository(), func() error { return nil }, nil
	case "redis":
		if !s.cfg.IsRedis() {
			return nil, nil, fmt.Errorf("redis repository needs a redis address, got %s", s.cfg.Scheme)
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     s.cfg.HostPort(),
			Username: s.cfg.User,
			Password: s.cfg.Password,
			DB:       s.cfg.DB,
		})
		return taskbus.NewRedisRepository(rdb, nil), rdb.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown repository %q", kind)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
