package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/santiagomed/kiln/config"
	"github.com/santiagomed/kiln/core"
	"github.com/santiagomed/kiln/fs"
	"github.com/santiagomed/kiln/llm"
	"github.com/santiagomed/kiln/lock"
	"github.com/santiagomed/kiln/logger"
	"github.com/santiagomed/kiln/metrics"
	"github.com/santiagomed/kiln/server"
	"github.com/santiagomed/kiln/store"
	"github.com/santiagomed/kiln/tools"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

type serveFlags struct {
	config string
	addr   string
}

// app is everything serve wires together.
type app struct {
	engine *core.Engine
	server *server.Server
	logger logger.Logger
}

func newApp(cfg *config.Config, l logger.Logger) (*app, error) {
	model, err := llm.NewClient(llm.Config{
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Timeout:  cfg.LLM.Timeout,
		TellmURL: cfg.LLM.TellmURL,
	}, l.WithField("component", "llm"))
	if err != nil {
		return nil, fmt.Errorf("error creating model client: %w", err)
	}
	var modelClient core.ModelClient = model
	if cfg.Server.Metrics {
		modelClient = metrics.InstrumentModel(model)
	}

	search := tools.NewSearchClient(tools.SearchConfig{
		BaseURL:    cfg.Search.BaseURL,
		Timeout:    cfg.Search.Timeout,
		MaxResults: cfg.Search.MaxResults,
	}, l.WithField("component", "search"))

	images := tools.NewImageClient(tools.ImageConfig{
		BaseURL: cfg.Image.BaseURL,
		APIKey:  cfg.Image.APIKey,
		Model:   cfg.Image.Model,
		Size:    cfg.Image.Size,
		Timeout: cfg.Image.Timeout,
	}, l.WithField("component", "image"))

	if err := os.MkdirAll(cfg.ProjectsDir, 0755); err != nil {
		return nil, fmt.Errorf("error creating projects directory %s: %w", cfg.ProjectsDir, err)
	}
	st := store.NewProjectStore(fs.NewOsFileSystem(cfg.ProjectsDir))

	locker, err := newLocker(cfg)
	if err != nil {
		return nil, err
	}

	sm := core.NewDefaultStepManager(core.Dependencies{
		Model:  modelClient,
		Search: search,
		Images: images,
		Store:  st,
		Models: core.Models{
			Research:     cfg.LLM.ResearchModel,
			Requirements: cfg.LLM.RequirementsModel,
			Plan:         cfg.LLM.PlanModel,
			Code:         cfg.LLM.CodeModel,
		},
	})
	var pub core.StepPublisher = &core.DefaultStepPublisher{}
	if cfg.Server.Metrics {
		pub = metrics.NewPublisher()
	}
	pipeline := core.NewPipeline(sm, st, pub, l.WithField("component", "pipeline"))
	engine := core.NewEngine(pipeline, locker, cfg.Engine.Workers, cfg.Engine.QueueSize, l.WithField("component", "engine"))

	srv := server.New(engine, st, server.Options{
		Addr:        cfg.Server.Addr,
		CORSOrigins: cfg.Server.CORSOrigins,
		Metrics:     cfg.Server.Metrics,
	}, l.WithField("component", "http"))

	return &app{engine: engine, server: srv, logger: l}, nil
}

func newLocker(cfg *config.Config) (lock.Locker, error) {
	switch cfg.Lock.Backend {
	case config.LockBackendRedis:
		rdb, err := lock.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		return lock.NewRedisLocker(rdb, cfg.Lock.TTL), nil
	default:
		return lock.NewMemoryLocker(), nil
	}
}

// run serves until ctx is cancelled, then drains the engine.
func (a *app) run(ctx context.Context) error {
	a.engine.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Stopping generation engine")
		a.engine.Shutdown(shutdownTimeout)
		return nil
	})
	return g.Wait()
}

func runServe(parent context.Context, f serveFlags) error {
	cfg, err := config.LoadConfig(f.config)
	if err != nil {
		return err
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}

	l := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Pretty)
	if !strings.EqualFold(cfg.Log.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := newApp(cfg, l)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.run(ctx)
}
