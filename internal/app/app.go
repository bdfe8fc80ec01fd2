// Package app initializes and holds the long-lived services, acting as the
// composition root the commands build on.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ksuzuki/jancollect/internal/api"
	"github.com/ksuzuki/jancollect/internal/archive"
	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/config"
	"github.com/ksuzuki/jancollect/internal/logging"
	"github.com/ksuzuki/jancollect/internal/pipeline"
	"github.com/ksuzuki/jancollect/internal/progress"
	"github.com/ksuzuki/jancollect/internal/progress/sinks"
	memorypub "github.com/ksuzuki/jancollect/internal/publisher/memory"
	gcppub "github.com/ksuzuki/jancollect/internal/publisher/pubsub"
	"github.com/ksuzuki/jancollect/internal/reconcile"
	"github.com/ksuzuki/jancollect/internal/runstate"
	pgsnap "github.com/ksuzuki/jancollect/internal/runstate/postgres"
	"github.com/ksuzuki/jancollect/internal/sched"
	"github.com/ksuzuki/jancollect/internal/source"
	"github.com/ksuzuki/jancollect/internal/source/amazon"
	"github.com/ksuzuki/jancollect/internal/source/headless"
	"github.com/ksuzuki/jancollect/internal/source/jancode"
	"github.com/ksuzuki/jancollect/internal/source/rakuten"
	"github.com/ksuzuki/jancollect/internal/writer"
)

// Default Rakuten API endpoints. Overridable only through tests.
const (
	rakutenIchibaURL = "https://app.rakuten.co.jp/services/api/IchibaItem/Search/20220601"
	rakutenBooksURL  = "https://app.rakuten.co.jp/services/api/BooksTotal/Search/20170404"
)

type closer func()

// App wires configuration into the registry, stores, progress hub, and run
// manager. It is built once at startup and torn down with Close.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *prometheus.Registry
	hub     *progress.Hub
	manager *pipeline.Manager
	server  *api.Server

	closers []closer
}

// New builds every service the configuration asks for. It fails fast: a bad
// DSN, missing bucket, or unknown backend surfaces here, not mid-run.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, metrics: prometheus.NewRegistry()}

	registry, err := a.buildRegistry()
	if err != nil {
		a.Close()
		return nil, err
	}

	productWriter, err := a.buildWriter(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	snapshots, err := a.buildSnapshots(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	blobs, err := a.buildArchive(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	publisher, topic, err := a.buildPublisher(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	promSink, err := sinks.NewPrometheusSink(a.metrics)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	a.hub = progress.NewHub(
		progress.HubConfig{Logger: logger},
		sinks.NewLogSink(logger),
		promSink,
	)

	reconciler := reconcile.New(reconcile.Config{
		NumericTolerance: cfg.Reconcile.PriceTolerance,
		ConflictWindow:   cfg.ConflictWindow(),
	}, nil)

	manager, err := pipeline.NewManager(pipeline.Deps{
		Registry:        registry,
		Writer:          productWriter,
		Snapshots:       snapshots,
		Reconciler:      reconciler,
		Archive:         blobs,
		Publisher:       publisher,
		Emitter:         a.hub,
		Logger:          logger,
		SchedulerConfig: a.schedulerConfig(registry.Names()),
		RetryPolicy: sched.RetryPolicy{
			MaxAttempts: cfg.Run.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Run.RetryBaseMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Run.RetryMaxMs) * time.Millisecond,
		},
		AbortThreshold: cfg.Run.AbortThreshold,
		AbortMinSample: cfg.Run.AbortMinSample,
		Topic:          topic,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init run manager: %w", err)
	}
	a.manager = manager
	a.server = api.NewServer(ctx, manager, a.metrics, logger)

	logger.Info("application services initialized",
		zap.Strings("sources", registry.Names()),
		zap.String("archive_backend", cfg.Archive.Backend))
	return a, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Manager returns the run manager for commands that drive runs directly.
func (a *App) Manager() *pipeline.Manager { return a.manager }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Addr is the listen address derived from configuration.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.cfg.Server.Port) }

// Close tears the services down in reverse construction order and flushes
// buffered progress events and logs.
func (a *App) Close() {
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close", zap.Error(err))
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

func (a *App) buildRegistry() (*source.Registry, error) {
	var adapters []collect.Adapter

	if src, ok := a.cfg.Sources[jancode.Name]; ok && src.Enabled {
		adapter, err := jancode.New(jancode.Config{
			URLTemplate: src.URLTemplate,
			UserAgent:   a.cfg.Run.UserAgent,
			Timeout:     a.cfg.FetchTimeout(),
		}, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("init jancode adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if src, ok := a.cfg.Sources[rakuten.Name]; ok && src.Enabled {
		adapter, err := rakuten.New(rakuten.Config{
			AppID:       a.cfg.Rakuten.AppID,
			AffiliateID: a.cfg.Rakuten.AffiliateID,
			IchibaURL:   rakutenIchibaURL,
			BooksURL:    rakutenBooksURL,
			Timeout:     a.cfg.FetchTimeout(),
		}, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("init rakuten adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if src, ok := a.cfg.Sources[amazon.Name]; ok && src.Enabled {
		var renderer amazon.Renderer
		if a.cfg.Headless.Enabled {
			r, err := headless.New(headless.Config{
				MaxParallel:       a.cfg.Headless.MaxParallel,
				UserAgent:         a.cfg.Run.UserAgent,
				NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			})
			if err != nil {
				return nil, fmt.Errorf("init headless renderer: %w", err)
			}
			a.closers = append(a.closers, r.Close)
			renderer = r
		}
		adapter, err := amazon.New(amazon.Config{
			SearchTemplate: src.URLTemplate,
			UserAgent:      a.cfg.Run.UserAgent,
			Timeout:        a.cfg.FetchTimeout(),
		}, renderer, nil)
		if err != nil {
			return nil, fmt.Errorf("init amazon adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	registry, err := source.NewRegistry(adapters...)
	if err != nil {
		return nil, fmt.Errorf("build source registry: %w", err)
	}
	return registry, nil
}

func (a *App) buildWriter(ctx context.Context) (collect.ProductWriter, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, product writes go to memory")
		return writer.NewMemoryStore(), nil
	}
	store, err := writer.NewProductStore(ctx, writer.Config{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.ProductTable,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("init product store: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *App) buildSnapshots(ctx context.Context) (runstate.SnapshotStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, run snapshots are not durable")
		return runstate.NewMemoryStore(), nil
	}
	store, err := pgsnap.NewSnapshotStore(ctx, pgsnap.SnapshotStoreConfig{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.SnapshotTable,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("init snapshot store: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *App) buildArchive(ctx context.Context) (collect.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case "memory":
		return archive.NewMemoryStore(), nil
	case "local":
		store, err := archive.NewLocalStore(archive.LocalConfig{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init storage client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store, err := archive.NewGCSStore(client, archive.GCSConfig{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", a.cfg.Archive.Backend)
	}
}

func (a *App) buildPublisher(ctx context.Context) (collect.Publisher, string, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		return memorypub.New(), "runs", nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("init pubsub client: %w", err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	pub, err := gcppub.New(client)
	if err != nil {
		return nil, "", fmt.Errorf("init pubsub publisher: %w", err)
	}
	return pub, a.cfg.PubSub.TopicName, nil
}

func (a *App) schedulerConfig(sources []string) sched.Config {
	limits := make(map[string]sched.LimitConfig, len(sources))
	for _, name := range sources {
		src := a.cfg.Sources[name]
		limits[name] = sched.LimitConfig{
			MinInterval:       time.Duration(src.MinIntervalMs) * time.Millisecond,
			Burst:             src.Burst,
			MaxConcurrent:     src.MaxConcurrent,
			BackoffCeiling:    time.Duration(src.BackoffCeilingSec) * time.Second,
			RecoverySuccesses: src.RecoverySucc,
		}
	}
	return sched.Config{
		GlobalConcurrency: a.cfg.Run.GlobalConcurrency,
		FetchTimeout:      a.cfg.FetchTimeout(),
		Sources:           limits,
	}
}
