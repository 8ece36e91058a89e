package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pagestore/internal/config"
	pshttp "pagestore/internal/http"
	"pagestore/internal/walreceiver"
	"pagestore/pkg/pagecache"
	"pagestore/pkg/remote"
	"pagestore/pkg/timeline"
)

func main() {
	root := &cobra.Command{
		Use:           "pagestore",
		Short:         "versioned page storage node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = "pagestore.yaml"
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the storage node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}

	root.AddCommand(initCmd, serveCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pagestore:", err)
		os.Exit(1)
	}
}

func serve(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	setupLogger(cfg.Logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store remote.Storage
	if cfg.Storage.RemotePath != "" {
		fs, err := remote.NewLocalFS(cfg.Storage.RemotePath)
		if err != nil {
			return err
		}
		store = fs
	}
	cache, err := pagecache.New(cfg.Storage.PageCacheSize)
	if err != nil {
		return err
	}

	registry, err := timeline.NewRegistry(cfg.Node.DataDir, cfg.Storage, cache, store)
	if err != nil {
		return err
	}
	registry.Start(ctx)

	receivers := walreceiver.NewManager(cfg.WALSource, registry)
	receivers.Start(ctx)

	server := pshttp.NewServer(cfg, registry, receivers)
	if err := server.Start(); err != nil {
		return err
	}
	slog.Info("pagestore node up",
		"node", cfg.Node.ID, "data_dir", cfg.Node.DataDir, "addr", server.URL)

	<-ctx.Done()
	slog.Info("shutting down")

	if err := server.Stop(); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	receivers.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := registry.Close(shutdownCtx); err != nil {
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

func setupLogger(cfg config.LoggerConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
