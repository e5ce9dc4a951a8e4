// Package app assembles the server from configuration: queue and bus
// backends, sandboxes, the worker pool, the session registry and the HTTP
// and WebSocket surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/coderoom/internal/api"
	"github.com/seantiz/coderoom/internal/broadcast"
	"github.com/seantiz/coderoom/internal/config"
	"github.com/seantiz/coderoom/internal/engine"
	"github.com/seantiz/coderoom/internal/queue"
	"github.com/seantiz/coderoom/internal/realtime"
	"github.com/seantiz/coderoom/internal/sandbox"
	"github.com/seantiz/coderoom/internal/session"
	"github.com/seantiz/coderoom/internal/status"
)

const redisDialTimeout = 5 * time.Second

// Sandbox names accepted by CODEROOM_SANDBOX.
const (
	SandboxProcess = "process"
	SandboxDocker  = "docker"
)

// Option customises New.
type Option func(*options)

type options struct {
	extra map[string]sandbox.Sandbox
}

// WithSandbox registers an additional sandbox under name. Selecting it with
// CODEROOM_SANDBOX makes the pool run on it.
func WithSandbox(name string, sb sandbox.Sandbox) Option {
	return func(o *options) {
		if o.extra == nil {
			o.extra = make(map[string]sandbox.Sandbox)
		}
		o.extra[name] = sb
	}
}

// App is a fully wired server.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	Queue     queue.Queue
	Bus       broadcast.Bus
	Pool      *engine.Pool
	Sessions  *session.Registry
	Sandboxes *sandbox.Registry
	Server    *api.Server

	realtime *realtime.Handler
	closers  []func() error
}

// New builds the application from cfg. The caller must Close it.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.cfg

	var rdb redis.UniversalClient
	if cfg.QueueBackend == config.BackendRedis || cfg.BusBackend == config.BackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		rdb = client
		pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	qopts := queue.Options{MaxQueued: cfg.MaxQueued, MaxAttempts: cfg.MaxAttempts}
	switch cfg.QueueBackend {
	case config.BackendSQLite:
		q, err := queue.NewSQLiteQueue(cfg.DBPath, qopts)
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
		a.Queue = q
	case config.BackendRedis:
		a.Queue = queue.NewRedisQueue(rdb, cfg.QueueName, qopts)
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
	a.closers = append(a.closers, a.Queue.Close)

	switch cfg.BusBackend {
	case config.BackendLocal:
		a.Bus = broadcast.NewLocalBus()
	case config.BackendRedis:
		bus, err := broadcast.NewRedisBus(context.WithoutCancel(ctx), rdb, a.logger)
		if err != nil {
			return fmt.Errorf("start bus: %w", err)
		}
		a.Bus = bus
	default:
		return fmt.Errorf("unknown bus backend %q", cfg.BusBackend)
	}
	a.closers = append(a.closers, a.Bus.Close)

	a.Sandboxes = sandbox.NewRegistry()
	a.Sandboxes.Register(SandboxProcess, sandbox.NewProcessSandbox(sandbox.ProcessOptions{
		WorkDir:        cfg.SandboxWorkDir,
		MaxOutputBytes: cfg.MaxOutputBytes,
	}, a.logger))
	a.Sandboxes.Register(SandboxDocker, sandbox.NewDockerSandbox(sandbox.DockerOptions{
		Binary:         cfg.DockerBinary,
		WorkDir:        cfg.SandboxWorkDir,
		MaxOutputBytes: cfg.MaxOutputBytes,
	}, a.logger))
	for name, sb := range o.extra {
		a.Sandboxes.Register(name, sb)
	}
	sb, err := a.Sandboxes.Resolve(cfg.Sandbox)
	if err != nil {
		return fmt.Errorf("select sandbox: %w", err)
	}

	a.Pool = engine.NewPool(a.Queue, sb, a.Bus, engine.Options{
		Workers:      cfg.Workers,
		ExecTimeout:  cfg.ExecTimeout,
		LeaseTTL:     cfg.LeaseTTL,
		PollInterval: cfg.PollInterval,
	}, a.logger)

	a.Sessions = session.NewRegistry(a.Bus, a.logger)
	facade := status.NewFacade(a.Queue, 0, 0)
	a.realtime = realtime.NewHandler(a.Sessions, a.Bus, a.Pool, facade, a.logger)

	a.Server = api.NewServer(cfg.ListenAddr, api.Deps{
		Queue:     a.Queue,
		Pool:      a.Pool,
		Status:    facade,
		Sessions:  a.Sessions,
		Sandboxes: a.Sandboxes,
		Bus:       a.Bus,
		Realtime:  a.realtime,
	}, a.logger)

	if err := prometheus.Register(api.NewQueueCollector(a.Queue)); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return fmt.Errorf("register queue metrics: %w", err)
		}
	}

	a.logger.Info("coderoom configured",
		"queue", cfg.QueueBackend,
		"bus", cfg.BusBackend,
		"sandbox", cfg.Sandbox,
		"workers", cfg.Workers,
		"exec_timeout", cfg.ExecTimeout.String(),
	)
	return nil
}

// Handler returns the HTTP handler serving the API and WebSocket endpoint.
func (a *App) Handler() http.Handler {
	return a.Server.Router()
}

// Run serves until ctx is cancelled. After the server and workers stop it
// waits for claimed jobs to finish.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Pool.Run(ctx)
	})
	g.Go(func() error {
		return a.Server.Run(ctx)
	})

	err := g.Wait()
	a.Pool.Wait()
	return err
}

// Close releases backends in reverse order of creation.
func (a *App) Close() error {
	if a.realtime != nil {
		a.realtime.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
