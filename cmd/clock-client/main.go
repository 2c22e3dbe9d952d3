// clock-client connects to a clock server, logs connection-state changes,
// issues an Echo round-trip, and follows the time broadcast until
// interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/grpcw-io/grpcw/client"
	"github.com/grpcw-io/grpcw/clocksvc"
)

var version = "dev"

type config struct {
	serverAddr string
	logLevel   string
	echo       string
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
		Use:   "clock-client",
		Short: "Example clock service client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVar(&cfg.serverAddr, "server-addr", envOrDefault("CLOCK_SERVER_ADDR", "127.0.0.1:50055"), "Clock server address")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CLOCK_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.echo, "echo", "hello", "String to echo once connected")

	return root
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting clock client",
		zap.String("version", version),
		zap.String("server_addr", cfg.serverAddr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := client.New(logger)

	err = c.ChangeServer(cfg.serverAddr, func(s client.State) {
		logger.Info("connection state changed", zap.Stringer("state", s))
		if s != client.Connected {
			return
		}
		cerr := c.Call(clocksvc.Echo, wrapperspb.String(cfg.echo), func(st *status.Status, reply proto.Message) {
			if st.Err() != nil {
				logger.Warn("echo failed", zap.Error(st.Err()))
				return
			}
			logger.Info("echo reply", zap.String("message", reply.(*wrapperspb.StringValue).GetValue()))
		})
		if cerr != nil {
			logger.Warn("echo call not issued", zap.Error(cerr))
		}
	})
	if err != nil {
		return err
	}

	streamID, err := c.RegisterStream(clocksvc.SubscribeTimeUpdates, &emptypb.Empty{},
		func(update proto.Message) {
			logger.Info("server time", zap.Time("time", update.(*timestamppb.Timestamp).AsTime()))
		},
		func(st *status.Status) {
			logger.Info("time stream finished", zap.String("status", st.Code().String()))
		},
	)
	if err != nil {
		logger.Warn("failed to register time stream", zap.Error(err))
	} else {
		logger.Info("subscribed to time updates", zap.String("stream_id", streamID.String()))
	}

	<-ctx.Done()
	return c.Kill()
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
