package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/harvester/internal/api"
	"github.com/ChuLiYu/harvester/internal/config"
	"github.com/ChuLiYu/harvester/internal/controller"
	"github.com/ChuLiYu/harvester/internal/eventbus"
	"github.com/ChuLiYu/harvester/internal/harvest"
	"github.com/ChuLiYu/harvester/internal/index"
	"github.com/ChuLiYu/harvester/internal/metrics"
	"github.com/ChuLiYu/harvester/internal/scheduler"
	"github.com/ChuLiYu/harvester/internal/server"
	"github.com/ChuLiYu/harvester/internal/source"
	"github.com/ChuLiYu/harvester/internal/transform"
	"github.com/ChuLiYu/harvester/internal/versioncache"
	"github.com/ChuLiYu/harvester/pkg/types"
)

// App is a fully wired harvester service.
type App struct {
	Config     *config.Config
	Bus        *eventbus.Bus
	Flags      *config.Flags
	Index      *index.Index
	Pipeline   *harvest.Pipeline[source.Record, types.Document]
	Controller *controller.Controller
	Scheduler  *scheduler.Scheduler
	API        *api.Server

	registry *prometheus.Registry
	metrics  *metrics.Collector
	grpc     *server.Server
	logger   *slog.Logger
}

// NewApp builds every component from cfg. ext replaces the HTTP source
// when non-nil.
func NewApp(cfg *config.Config, logger *slog.Logger, ext harvest.Extractor[source.Record]) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bus := eventbus.New(logger)
	flags := config.NewFlags(cfg)
	flags.Register(bus)

	idx, err := index.Open(cfg.IndexPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	if ext == nil {
		ext = source.NewHTTPJSON(source.Config{
			URL:        cfg.Source.URL,
			RateLimit:  cfg.Source.RateLimit,
			MaxRetries: cfg.Source.MaxRetries,
			Timeout:    cfg.Source.Timeout,
			Logger:     logger,
		})
	}

	tr := transform.NewCanonical(cfg.Source.URL)
	tr.IDKey = cfg.Source.IDKey
	tr.TitleKey = cfg.Source.TitleKey
	tr.BodyKey = cfg.Source.BodyKey

	pipeline := harvest.NewPipeline[source.Record, types.Document](ext, tr, idx, harvest.Config{
		Cache:     versioncache.New(cfg.VersionsPath(), logger),
		SaveDir:   cfg.SaveDir(),
		BatchSize: cfg.Harvest.BatchSize,
		Bus:       bus,
		Logger:    logger,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)
	collector.Observe(bus)
	metrics.RegisterQueueDepth(registry, bus)

	ctrl := controller.NewController(bus, pipeline, controller.Config{Logger: logger})

	sched := scheduler.New(scheduler.Config{
		Path:    cfg.TasksPath(),
		Request: types.HarvestRequest{From: cfg.Harvest.RangeFrom, To: cfg.Harvest.RangeTo},
		Logger:  logger,
	}, ctrl, bus)

	grpcSrv := server.NewServer(cfg.Service.Name, logger)
	grpcSrv.Follow(bus, ctrl.Current())

	return &App{
		Config:     cfg,
		Bus:        bus,
		Flags:      flags,
		Index:      idx,
		Pipeline:   pipeline,
		Controller: ctrl,
		Scheduler:  sched,
		API: api.NewServer(api.Deps{
			Controller: ctrl,
			Scheduler:  sched,
			Flags:      flags,
			Documents:  idx,
			Pending:    pipeline,
			Logger:     logger,
		}),
		registry: registry,
		metrics:  collector,
		grpc:     grpcSrv,
		logger:   logger,
	}, nil
}

// Start initializes the controller and restores the schedule. An
// initialization failure leaves the service in the error phase, where a
// reset can retry it.
func (a *App) Start(ctx context.Context) error {
	if err := a.Controller.Init(ctx); err != nil {
		a.logger.Error("Service started in error state", "error", err)
	}

	if err := a.Scheduler.Load(); err != nil {
		return fmt.Errorf("failed to load schedule: %w", err)
	}
	for _, expr := range a.Config.Schedule.Tasks {
		_, err := a.Scheduler.AddTask(expr)
		switch {
		case err == nil, errors.Is(err, scheduler.ErrDuplicateTask):
		case errors.Is(err, scheduler.ErrPersist):
			a.logger.Warn("Configured task not persisted", "cron", expr, "error", err)
		default:
			return fmt.Errorf("invalid configured task %q: %w", expr, err)
		}
	}
	return nil
}

// Serve runs the HTTP, gRPC and metrics listeners until ctx is canceled or
// one of them fails.
func (a *App) Serve(ctx context.Context) error {
	var lis net.Listener
	if a.Config.GRPC.Addr != "" {
		var err error
		if lis, err = net.Listen("tcp", a.Config.GRPC.Addr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", a.Config.GRPC.Addr, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.API.Start(ctx, a.Config.HTTP.Addr)
	})

	if lis != nil {
		g.Go(func() error {
			return a.grpc.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			a.grpc.Stop()
			return nil
		})
	}

	if a.Config.Metrics.Enabled {
		g.Go(func() error {
			return a.serveMetrics(ctx)
		})
	}

	return g.Wait()
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	srv := &http.Server{
		Addr:              a.Config.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("Metrics server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the scheduler, waits for the running stage and closes the
// index.
func (a *App) Close() error {
	a.Scheduler.Stop()
	a.Controller.Close()
	a.metrics.Stop(a.Bus)
	return a.Index.Close()
}
