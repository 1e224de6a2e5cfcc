package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Automattic/pushhub/internal/config"
	"github.com/Automattic/pushhub/internal/metrics"
	"github.com/facebookgo/httpdown"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pushhub",
		Short:        "Push messages to browsers over server-sent events, long polling and websockets",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newConfigCmd())
	return root
}

type serveFlags struct {
	config string
	addr   string
	origin string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the push server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&f.config, "config", "c", "", "YAML or TOML configuration file")
	cmd.Flags().StringVar(&f.addr, "addr", "", "http service address (overrides server.addr)")
	cmd.Flags().StringVar(&f.origin, "origin", "", "websocket server checks Origin headers against this scheme://host[:port]")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	var f serveFlags
	var asTOML bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal(asTOML)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	show.Flags().StringVarP(&f.config, "config", "c", "", "YAML or TOML configuration file")
	show.Flags().StringVar(&f.addr, "addr", "", "http service address (overrides server.addr)")
	show.Flags().StringVar(&f.origin, "origin", "", "allowed websocket Origin (overrides server.origin)")
	show.Flags().BoolVar(&asTOML, "toml", false, "print TOML instead of YAML")
	cmd.AddCommand(show)
	return cmd
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(cmd *cobra.Command, f serveFlags) (*config.Config, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = f.addr
	}
	if cmd.Flags().Changed("origin") {
		cfg.Server.Origin = f.origin
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(gometrics.DefaultRegistry)
		m.Start(os.Stderr, cfg.Metrics.Interval.Std())
		defer m.WriteOnce(os.Stderr)
	}

	h, err := newHub(cfg, logger, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.close(); err != nil {
			logger.Error("hub_close_failed", slog.String("error", err.Error()))
		}
	}()
	h.start()

	// Prepare the stoppable HTTP server
	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: newHandler(h),
	}
	hd := &httpdown.HTTP{
		StopTimeout: cfg.Server.StopTimeout.Std(),
		KillTimeout: cfg.Server.KillTimeout.Std(),
	}
	s, err := hd.ListenAndServe(server)
	if err != nil {
		h.shutdown(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}
	logger.Info("server_started",
		slog.String("addr", cfg.Server.Addr),
		slog.String("bus", cfg.Bus.Type))

	waitErr := make(chan error, 1)
	go func() { waitErr <- s.Wait() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-waitErr:
		h.shutdown(context.Background())
		return err
	case got := <-sig:
		logger.Info("server_stopping", slog.String("signal", got.String()))
	}

	// Clients get the reconnect envelope before their requests are cut.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := h.shutdown(ctx); err != nil {
		logger.Warn("transport_shutdown_incomplete", slog.String("error", err.Error()))
	}
	if err := s.Stop(); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	logger.Info("server_stopped")
	return nil
}
