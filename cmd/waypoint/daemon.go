package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/waypoint/internal/controlplane"
	"github.com/spf13/cobra"
)

var listenAddr string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Waypoint daemon",
	Long:  `Starts the Waypoint daemon which runs goals in the background and serves the HTTP API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (default from config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	addr := listenAddr
	if addr == "" {
		addr = cfg.Server.Listen
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing database connection")
		if err := s.Close(); err != nil {
			logger.Error("database close error", "error", err)
		}
	}()

	controller, err := newController(cfg, s, logger)
	if err != nil {
		return err
	}

	service := controlplane.NewService(controller, s, cfg.Engine.GoalConfig(), controlplane.WithLogger(logger))
	server := controlplane.NewServer(service, s, addr,
		controlplane.WithVersion(version),
		controlplane.WithServerLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
			service.Shutdown(context.Background())
			return err
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Active runs checkpoint on cancellation and can be resumed later.
	logger.Info("stopping active runs")
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("service shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
