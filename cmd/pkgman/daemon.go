package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pkgman/pkg/broker"
	"pkgman/pkg/config"
	"pkgman/pkg/daemon"
	"pkgman/pkg/metrics"
	"pkgman/pkg/pubsub"
	"pkgman/pkg/trust"
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runResponder serves the configured files on transport until ctx is
// cancelled, reloading them on SIGHUP.
func runResponder(ctx context.Context, g *errgroup.Group, transport pubsub.Transport, cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) {
	r := daemon.NewResponder(transport, trust.Root, daemon.Config{
		PackageList: cfg.ServedPackages,
		Keyring:     cfg.ServedKeyring,
	}, logger.Named("daemon"), metrics.New(reg))

	g.Go(func() error {
		return r.Run(ctx)
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				logger.Info("Reloading served files")
				if err := r.Reload(ctx); err != nil && !errors.Is(err, daemon.ErrStopped) {
					logger.Error("Reload failed", zap.Error(err))
				}
			}
		}
	})
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, logger *zap.Logger) {
	if addr == "" {
		return
	}
	srv := metrics.NewServer(addr, reg, logger.Named("metrics"))
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Answer package and keyring queries",
		Long: `Serve the records in served_packages and the maintainers in
served_keyring to the network. Send SIGHUP to reload both files.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := broker.Connect(cfg, logger.Named("transport"))
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := newRegistry()
			g, gctx := errgroup.WithContext(ctx)
			runResponder(gctx, g, conn.Transport, cfg, reg, logger)
			serveMetrics(gctx, g, cfg.MetricsAddress, reg, logger)

			logger.Info("Daemon started",
				zap.String("broker", cfg.BrokerAddress),
				zap.String("packages", cfg.ServedPackages),
				zap.String("keyring", cfg.ServedKeyring))
			return g.Wait()
		},
	}
}

func brokerCmd() *cobra.Command {
	var (
		listen     string
		withDaemon bool
	)

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run a pub/sub broker and content store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddress = listen
			}
			bcfg, err := broker.ConfigFrom(cfg)
			if err != nil {
				return err
			}
			b, err := broker.New(bcfg, logger.Named("broker"))
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := newRegistry()
			b.RegisterMetrics(reg)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return b.ListenAndServe(gctx)
			})
			if withDaemon {
				runResponder(gctx, g, b.Hub(), cfg, reg, logger)
			}
			serveMetrics(gctx, g, cfg.MetricsAddress, reg, logger)
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&withDaemon, "with-daemon", false, "also answer queries from the served files")
	return cmd
}
