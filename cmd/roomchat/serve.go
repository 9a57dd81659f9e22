package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/observability"
	"github.com/Tyrowin/roomchat/internal/server"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay until interrupted",
		Long: `Run the relay until SIGINT or SIGTERM.

Settings come from the optional YAML file given with --config and from
ROOMCHAT_* environment variables, e.g. ROOMCHAT_SERVER_ADDR=:9000.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return errors.Wrap(err, "create logger")
	}
	defer func() { _ = logger.Sync() }()

	undoMaxProcs, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	defer undoMaxProcs()
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	visitors := chat.NewVisitorCounter()
	coordinator := chat.NewCoordinator(cfg.Chat, visitors, logger, metrics)
	srv := server.New(server.Options{
		Config:   cfg,
		Relay:    coordinator,
		Visitors: visitors,
		Logger:   logger,
		Metrics:  metrics,
		Gatherer: prometheus.DefaultGatherer,
	})

	// Stopped in reverse: sessions close and disconnect before the
	// coordinator goes away.
	lc := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)
	lc.Add("coordinator", &server.FuncService{
		StartFn: func() error {
			coordinator.Run(context.Background())
			return nil
		},
		StopFn: func(context.Context) error {
			return coordinator.Shutdown(cfg.Server.ShutdownTimeout)
		},
	})
	lc.Add("http", &server.FuncService{
		StartFn: srv.ListenAndServe,
		StopFn:  srv.Shutdown,
	})

	logger.Info("starting roomchat",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("default_room", cfg.Chat.DefaultRoom),
	)
	return lc.Run(ctx)
}
