package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	amqpin "github.com/JoeShih716/go-class-ledger/internal/app/core/adapter/in/amqp"
	grpcin "github.com/JoeShih716/go-class-ledger/internal/app/core/adapter/in/grpc"
	httpin "github.com/JoeShih716/go-class-ledger/internal/app/core/adapter/in/http"
	"github.com/JoeShih716/go-class-ledger/pkg/mq"
	"github.com/JoeShih716/go-class-ledger/pkg/obs"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(setup setupFunc) *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC and HTTP APIs, the upstream consumer and the reconciler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := setup(cmd, appOptions{publish: true})
			if err != nil {
				return err
			}
			defer a.close()

			if autoMigrate {
				if err := a.migrate(ctx); err != nil {
					return err
				}
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "migrate", true, "migrate the schema before serving")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger

	shutdownTracer, err := obs.InitTracer(ctx, "class-ledger", version, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	// gRPC
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
	}
	grpcSrv := grpcin.NewServer(grpcin.NewGrpcServer(a.core, logger))
	g.Go(func() error {
		logger.Info("grpc server started", "addr", cfg.GRPC.Addr)
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		grpcSrv.GracefulStop()
		return nil
	})

	// HTTP
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpin.NewRouter(httpin.NewHandler(a.core, a.registry, logger)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("http server started", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	// 上游事件
	if cfg.AMQP.Enabled {
		cons, err := mq.NewConsumer(cfg.AMQP, amqpin.Keys)
		if err != nil {
			return err
		}
		defer cons.Close()
		deliveries, err := cons.Deliveries(gctx)
		if err != nil {
			return fmt.Errorf("consume: %w", err)
		}
		g.Go(func() error {
			logger.Info("amqp consumer started", "queue", cfg.AMQP.Queue, "keys", amqpin.Keys)
			return amqpin.NewConsumer(a.core, logger).Run(gctx, deliveries)
		})
	}

	// 背景對帳
	if cfg.Reconcile.Interval > 0 {
		g.Go(func() error {
			logger.Info("reconciler started", "interval", cfg.Reconcile.Interval)
			return a.reconciler.Start(gctx, cfg.Reconcile.Interval)
		})
	}

	err = g.Wait()
	logger.Info("server stopped", "error", err)
	return err
}
