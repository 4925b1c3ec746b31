package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"impractical.co/strata"
	"impractical.co/strata/artifact"
	"impractical.co/strata/httpserver"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var configPath string
	flags := defaultServerConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve every app in the apps directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadServerConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				config.Addr = flags.Addr
			}
			if cmd.Flags().Changed("apps") {
				config.Apps = flags.Apps
			}
			if cmd.Flags().Changed("dev") {
				config.Dev = flags.Dev
			}
			if cmd.Flags().Changed("watch") {
				config.Watch = flags.Watch
			}
			if cmd.Flags().Changed("log-level") {
				config.LogLevel = flags.LogLevel
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "strata.yaml", "Server config file")
	cmd.Flags().StringVar(&flags.Addr, "addr", flags.Addr, "Address to listen on")
	cmd.Flags().StringVar(&flags.Apps, "apps", flags.Apps, "Directory containing the apps to serve")
	cmd.Flags().BoolVar(&flags.Dev, "dev", false, "Development mode: detailed errors and debug endpoints")
	cmd.Flags().BoolVar(&flags.Watch, "watch", false, "Redeploy apps when their files change")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "Log level: debug, info, warn, or error")

	return cmd
}

func serve(ctx context.Context, config serverConfig) error {
	logger, err := config.logger()
	if err != nil {
		return err
	}
	ctx = strata.LoggingContext(ctx, logger)

	loader := artifact.NewLoader(os.DirFS(config.Apps))
	registry := strata.NewRegistry(loader)

	opts := []httpserver.Option{
		httpserver.WithLogger(logger),
		httpserver.WithPublicFiles(loader),
		httpserver.WithDevelopmentMode(config.Dev),
	}
	if config.Watch {
		watcher, err := artifact.NewWatcher(config.Apps, registry)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := watcher.Stop(); err != nil {
				logger.ErrorContext(ctx, "error stopping watcher", "error", err)
			}
		}()
		// the watcher keeps published apps current
		opts = append(opts, httpserver.WithRedeployOnRequest(false))
	}

	server := &http.Server{
		Addr:              config.Addr,
		Handler:           httpserver.New(registry, opts...),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	errs := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "serving apps", "addr", config.Addr, "apps", config.Apps, "dev", config.Dev)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}
	logger.InfoContext(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}
