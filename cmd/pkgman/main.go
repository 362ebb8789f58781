package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pkgman/pkg/broker"
	"pkgman/pkg/client"
	"pkgman/pkg/config"
	"pkgman/pkg/metrics"
	"pkgman/pkg/protocol"
	"pkgman/pkg/trust"
)

var (
	configFile    string
	verbose       bool
	brokerAddress string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pkgman",
		Short: "Signed package distribution over pub/sub",
		Long: `pkgman resolves, downloads and verifies packages published on a
pub/sub network. Every package is checked against a keyring of
maintainers authorized by the network's trust anchor.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	cmd.PersistentFlags().StringVar(&brokerAddress, "broker", "", "broker address (overrides config)")

	cmd.AddCommand(
		queryCmd(),
		downloadCmd(),
		updateCmd(),
		updateKeyringCmd(),
		daemonCmd(),
		brokerCmd(),
		initCmd(),
	)
	return cmd
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	return config.GetConfigPath()
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if brokerAddress != "" {
		cfg.BrokerAddress = brokerAddress
	}
	return cfg, nil
}

// session is a client manager bound to a broker connection.
type session struct {
	cfg     *config.Config
	conn    *broker.Conn
	manager *client.Manager
}

func (s *session) Close() error {
	return s.conn.Close()
}

func newSession(cfg *config.Config, logger *zap.Logger) (*session, error) {
	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, err
	}
	conn, err := broker.Connect(cfg, logger.Named("transport"))
	if err != nil {
		return nil, err
	}

	pc := protocol.NewClient(conn.Transport, timeout, logger.Named("protocol"))
	paths := client.Paths{
		PackageList: cfg.PackageListPath(),
		Keyring:     cfg.KeyringPath(),
		PackagesDir: cfg.PackagesDir,
	}
	m := client.NewManager(pc, conn.Store, trust.Root, paths, logger,
		client.WithMetrics(metrics.New(prometheus.NewRegistry())))
	return &session{cfg: cfg, conn: conn, manager: m}, nil
}
