package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"avl-collector/internal/config"
	"avl-collector/internal/dispatcher"
	"avl-collector/internal/grpcclient"
	"avl-collector/internal/link"
	"avl-collector/internal/live"
	"avl-collector/internal/observability"
	"avl-collector/internal/server"
	"avl-collector/internal/store"
	"avl-collector/internal/terminal"
	"avl-collector/internal/utilities"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Inicia el servidor TCP de terminales",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func sessionSettings(cfg config.Config) terminal.Settings {
	return terminal.Settings{
		IMEILength:  cfg.IMEILength,
		BreakBudget: cfg.BreakBudget,
		ReadTimeout: cfg.ReadTimeout,
		ReadChunk:   cfg.ReadChunk,
		KeepAlive:   cfg.KeepAlive,
		Options:     cfg.CodecOptions(),
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("Starting avl-collector...", "version", version, "port", cfg.TCPPort)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	disp := dispatcher.New(logger)

	// Redis antes del server; sin Redis se sigue sin persistencia
	if cfg.RedisAddr != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err := store.Connect(connectCtx, cfg.RedisAddr, cfg.RedisDB)
		cancel()
		if err != nil {
			logger.Error("Redis init failed, continuing without store", "error", err)
		} else {
			defer rdb.Close()
			disp.Register(store.NewRedisStore(rdb, cfg.StoreMaxRecords, cfg.StoreEncoding, logger))
		}
	}

	if cfg.ProxyAddr != "" {
		lc := link.New(cfg.ProxyAddr, logger)
		go lc.Run(ctx)
		disp.Register(lc)
	}

	if cfg.GRPCServer != "" {
		fw, err := grpcclient.NewForwarder(cfg.GRPCServer, logger)
		if err != nil {
			logger.Error("gRPC forwarder init failed", "error", err)
		} else {
			defer fw.Close()
			disp.Register(fw)
		}
	}

	hub := live.NewHub(logger)
	disp.Register(hub)
	logger.Info("sinks registered", "sinks", disp.Sinks())

	go func() {
		if err := observability.StartMetricsServer(ctx, cfg.MetricsPort, observability.NewMux(hub)); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	srv := server.New(":"+cfg.TCPPort, sessionSettings(cfg), disp, logger)
	srv.RawLog = utilities.NewRawLog(cfg.RawLogDir)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("TCP server failed", "error", err)
		return err
	}
	logger.Info("avl-collector stopped")
	return nil
}
