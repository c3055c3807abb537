// Package app wires the process: it opens the workspace database, builds
// the external client handles once and hands them to the engine, and tears
// them down in reverse order on Close.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"careerline/internal/config"
	"careerline/internal/db"
	"careerline/internal/dispatch"
	"careerline/internal/engine"
	"careerline/internal/llm"
	"careerline/internal/logging"
	"careerline/internal/migrate"
	"careerline/internal/pipeline"
	"careerline/internal/provider"
)

// Options controls Open. Provider and Generator replace the configured
// clients when set.
type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *logging.Logger
	Provider  provider.Provider
	Generator llm.TextGenerator
	Now       func() time.Time
}

// Worker is a background loop that runs until its context ends.
type Worker interface {
	Run(ctx context.Context) error
}

type App struct {
	Config *config.Config
	Logger *logging.Logger
	DB     *sql.DB
	Engine engine.Engine
	// Worker delivers queued tasks to the worker endpoints.
	Worker Worker

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Open builds every handle. On error, whatever was already opened is
// closed before returning.
func Open(ctx context.Context, opts Options) (a *App, err error) {
	cfg := opts.Config
	if cfg == nil {
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
		if err != nil {
			return nil, err
		}
	}
	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.DB = conn
	a.onClose("database", conn.Close)
	if err := migrate.Migrate(ctx, conn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, cfg)
	e.Logger = logger.Named("engine")
	if opts.Now != nil {
		e.Now = opts.Now
	}

	prov := opts.Provider
	if prov == nil {
		gh, err := provider.NewGitHub(ctx, cfg.GitHub, logger)
		if err != nil {
			return nil, err
		}
		prov = gh
	}
	e.Provider = prov

	gen := opts.Generator
	if gen == nil {
		if gen, err = a.openGenerator(ctx); err != nil {
			return nil, err
		}
	}
	runner := pipeline.NewRunner(gen, logger.Named("pipeline"))
	runner.MaxRetries = cfg.Pipeline.MaxRetries
	if cfg.LLM.ExtractTemperature > 0 {
		runner.ExtractTemperature = cfg.LLM.ExtractTemperature
	}
	if cfg.LLM.SynthesizeTemperature > 0 {
		runner.SynthesizeTemperature = cfg.LLM.SynthesizeTemperature
	}
	e.Pipeline = runner

	if cfg.Review.Backend == config.ReviewBackendLLM {
		e.Reviewer = engine.LLMReviewer{
			Gen:          gen,
			Provider:     prov,
			MaxDiffLines: cfg.Pipeline.MaxDiffLines,
			Temperature:  runner.ExtractTemperature,
		}
	}

	switch cfg.Queue.Backend {
	case config.QueueBackendNATS:
		js, err := a.openJetStream(cfg.Queue)
		if err != nil {
			return nil, err
		}
		e.Dispatcher = js
		a.Worker = js
	default:
		q := dispatch.NewQueue(e.Repo, cfg.Queue, logger)
		if opts.Now != nil {
			q.Now = opts.Now
		}
		e.Dispatcher = q
		a.Worker = q
	}

	a.Engine = e
	logger.Info(ctx, "app ready",
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("llm_backend", cfg.LLM.Backend),
		zap.String("review_backend", cfg.Review.Backend),
	)
	return a, nil
}

func (a *App) openGenerator(ctx context.Context) (llm.TextGenerator, error) {
	cfg := a.Config.LLM
	if cfg.Backend == config.LLMBackendNone {
		return llm.Disabled{}, nil
	}
	if cfg.Backend == config.LLMBackendGemini && !cfg.APIKey.IsSet() {
		a.Logger.Warn(ctx, "llm api key not set, generation disabled", zap.String("backend", cfg.Backend))
		return llm.Disabled{}, nil
	}
	gen, err := llm.NewGenAI(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.onClose("llm", gen.Close)
	return gen, nil
}

func (a *App) openJetStream(cfg config.QueueConfig) (*dispatch.JetStream, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("careerline"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.NATSURL, err)
	}
	a.onClose("nats", func() error {
		nc.Close()
		return nil
	})
	queues := []string{dispatch.QueueProcessing, dispatch.QueueGeneration}
	if cfg.Name != "" && cfg.Name != dispatch.QueueProcessing {
		queues = append(queues, cfg.Name)
	}
	return dispatch.NewJetStream(nc, cfg, queues, a.Logger)
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Close releases handles in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}

// RunBackground runs the task worker and the periodic sweeps until ctx is
// cancelled.
func (a *App) RunBackground(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.Worker != nil {
		g.Go(func() error { return a.Worker.Run(gctx) })
	}
	g.Go(func() error {
		every(gctx, a.Config.Pipeline.SweepInterval.Duration(), func() {
			res, err := a.Engine.SweepStaleEvents(gctx)
			if err != nil {
				a.Logger.Error(gctx, "stale event sweep failed", zap.Error(err))
				return
			}
			if res.Requeued > 0 || res.Failed > 0 {
				a.Logger.Info(gctx, "stale events swept", zap.Int("requeued", res.Requeued), zap.Int("failed", res.Failed))
			}
		})
		return nil
	})
	g.Go(func() error {
		every(gctx, a.Config.Pipeline.ExpirySweepInterval.Duration(), func() {
			n, err := a.Engine.SweepExpiredApprovals(gctx)
			if err != nil {
				a.Logger.Error(gctx, "approval expiry sweep failed", zap.Error(err))
				return
			}
			if n > 0 {
				a.Logger.Info(gctx, "expired approvals recorded", zap.Int("count", n))
			}
		})
		return nil
	})
	return g.Wait()
}

// every calls fn now and then on each tick until ctx ends. A non-positive
// interval disables the loop.
func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		fn()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
