// clock-server hosts the example clock service: an Echo probe, a
// GetCurrentTime unary, and a once-per-second time broadcast to every
// subscriber of SubscribeTimeUpdates.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/grpcw-io/grpcw/clocksvc"
	"github.com/grpcw-io/grpcw/server"
)

var version = "dev"

type config struct {
	listenAddr  string
	metricsAddr string
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "clock-server",
		Short: "Example clock service server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("CLOCK_LISTEN_ADDR", "0.0.0.0:50055"), "gRPC listen address")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("CLOCK_METRICS_ADDR", ""), "Prometheus metrics listen address (empty = disabled)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CLOCK_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting clock server",
		zap.String("version", version),
		zap.String("listen_addr", cfg.listenAddr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()

	srv := server.New(server.Config{ListenAddr: cfg.listenAddr}, logger)

	if err := srv.RegisterUnary(clocksvc.Echo, func(_ context.Context, req proto.Message) (proto.Message, error) {
		return req, nil
	}); err != nil {
		return err
	}
	if err := srv.RegisterUnary(clocksvc.GetCurrentTime, func(context.Context, proto.Message) (proto.Message, error) {
		return timestamppb.Now(), nil
	}); err != nil {
		return err
	}

	ticks, err := srv.RegisterStream(clocksvc.SubscribeTimeUpdates)
	if err != nil {
		return err
	}
	ticks.OnConnect(func(_ proto.Message, id server.SubscriberID) {
		logger.Info("subscriber connected",
			zap.String("subscriber_id", id.String()),
			zap.Duration("uptime", time.Since(start)),
		)
	}).OnDelete(func(_ proto.Message, id server.SubscriberID) {
		logger.Info("subscriber disconnected", zap.String("subscriber_id", id.String()))
	})

	if err := srv.Start(); err != nil {
		return err
	}

	// Broadcast the time once a second. Singleton mode skips a tick rather
	// than stacking them if a slow subscriber delays the previous batch.
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(time.Second),
		gocron.NewTask(func() {
			if werr := ticks.Write(timestamppb.Now()); werr != nil {
				logger.Warn("tick broadcast failed", zap.Error(werr))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule tick job: %w", err)
	}
	sched.Start()

	if cfg.metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics listening", zap.String("addr", cfg.metricsAddr))
			if herr := http.ListenAndServe(cfg.metricsAddr, mux); herr != nil {
				logger.Warn("metrics server stopped", zap.Error(herr))
			}
		}()
	}

	logger.Info("clock server running", zap.String("addr", srv.Addr()))
	<-ctx.Done()

	if err := sched.Shutdown(); err != nil {
		logger.Warn("scheduler shutdown failed", zap.Error(err))
	}
	return srv.Shutdown()
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
