package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	amqpout "github.com/JoeShih716/go-class-ledger/internal/app/core/adapter/out/amqp"
	dbstore "github.com/JoeShih716/go-class-ledger/internal/app/core/adapter/out/database"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-class-ledger/pkg/database"
	"github.com/JoeShih716/go-class-ledger/pkg/mq"
	"github.com/JoeShih716/go-class-ledger/pkg/obs"
	"github.com/JoeShih716/go-class-ledger/pkg/wal"
)

// app 組裝好的依賴，close 依建立的相反順序釋放
type app struct {
	cfg        Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	store      usecase.Store
	db         *dbstore.Store
	journal    *wal.WAL
	reconciler *usecase.Reconciler
	core       *usecase.CoreUseCase

	closers []func() error
}

type appOptions struct {
	// publish 啟用 amqp 時發佈事件 (serve 才需要)
	publish bool
}

func newApp(cfg Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := obs.NewMetrics(a.registry)

	switch cfg.Engine.Store {
	case StoreMemory:
		a.store = memory.NewMutexStore()
		logger.Warn("using in-memory store, data is lost on restart")
	default:
		client, err := database.NewClient(cfg.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.db = dbstore.NewStore(client)
		a.store = a.db
		logger.Info("database connected", "driver", client.Driver())
	}

	a.journal, err = wal.NewWAL(cfg.Reconcile.JournalPath,
		wal.WithMaxBytes(cfg.Reconcile.JournalMaxBytes),
		wal.WithBackups(cfg.Reconcile.JournalBackups))
	if err != nil {
		return nil, fmt.Errorf("open fault journal: %w", err)
	}
	a.closers = append(a.closers, a.journal.Close)

	engineOpts := []usecase.Option{
		usecase.WithRetry(cfg.Engine.Retry),
		usecase.WithLogger(logger),
		usecase.WithMetrics(metrics),
	}
	if opts.publish && cfg.AMQP.Enabled {
		pub, err := mq.NewPublisher(cfg.AMQP)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		engineOpts = append(engineOpts, usecase.WithEventPublisher(amqpout.NewEventPublisher(pub, logger)))
	}
	engine := usecase.NewEngine(a.store, engineOpts...)

	reconcilerOpts := []usecase.ReconcilerOption{
		usecase.WithFaultJournal(a.journal),
		usecase.WithReconcilerLogger(logger),
		usecase.WithReconcilerMetrics(metrics),
	}
	if cfg.Reconcile.PageSize > 0 {
		reconcilerOpts = append(reconcilerOpts, usecase.WithPageSize(cfg.Reconcile.PageSize))
	}
	a.reconciler = usecase.NewReconciler(a.store, reconcilerOpts...)
	a.core = usecase.NewCoreUseCase(engine, a.store, a.reconciler)
	return a, nil
}

// migrate 建立 / 更新資料表，memory store 不需要
func (a *app) migrate(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	if err := a.db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.logger.Info("schema migrated", "driver", a.cfg.Database.Driver)
	return nil
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
