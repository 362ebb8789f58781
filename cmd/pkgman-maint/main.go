package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pkgman/pkg/broker"
	"pkgman/pkg/config"
	"pkgman/pkg/maintainer"
	"pkgman/pkg/status"
	"pkgman/pkg/trust"
)

var (
	configFile    string
	verbose       bool
	brokerAddress string

	keyStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7571f9"))
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#42c767"))
	dangerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff6b6b"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6c757d"))
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pkgman-maint",
		Short:         "Maintainer tools for pkgman",
		Long:          `Generate signing keys, authorize maintainers and publish signed packages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	cmd.PersistentFlags().StringVar(&brokerAddress, "broker", "", "broker address (overrides config)")

	cmd.AddCommand(keygenCmd(), keyringCmd(), packageCmd())
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

func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if brokerAddress != "" {
		cfg.BrokerAddress = brokerAddress
	}
	return cfg, nil
}

func keygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := maintainer.GenerateKey(out)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, successStyle.Render("Key written to ")+out)
			fmt.Fprintln(w, mutedStyle.Render("Public key:"))
			fmt.Fprintln(w, keyStyle.Render(trust.EncodePublicKey(pub)))
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "private key file to create")
	cmd.MarkFlagRequired("out")
	return cmd
}

func keyringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyring",
		Short: "Manage the served keyring",
	}
	cmd.AddCommand(keyringAddCmd())
	return cmd
}

func keyringAddCmd() *cobra.Command {
	var (
		rootKey   string
		name      string
		email     string
		publicKey string
		keyring   string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Authorize a maintainer key with the root key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyring == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				keyring = cfg.ServedKeyring
			}
			key, err := maintainer.LoadKey(rootKey)
			if err != nil {
				return err
			}
			entry, err := maintainer.AuthorizeMaintainer(key, trust.Root, keyring, name, email, publicKey)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Authorized ")+
				fmt.Sprintf("%s <%s> in %s", entry.Name, entry.Email, keyring))
			return nil
		},
	}

	cmd.Flags().StringVar(&rootKey, "root-key", "", "trust anchor private key file")
	cmd.Flags().StringVar(&name, "name", "", "maintainer name")
	cmd.Flags().StringVar(&email, "email", "", "maintainer email")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "maintainer public key (base64)")
	cmd.Flags().StringVar(&keyring, "keyring", "", "keyring file (default: served_keyring from config)")
	for _, f := range []string{"root-key", "name", "email", "public-key"} {
		cmd.MarkFlagRequired(f)
	}
	return cmd
}

func packageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Manage served packages",
	}
	cmd.AddCommand(publishCmd())
	return cmd
}

func publishCmd() *cobra.Command {
	var (
		keyPath string
		name    string
		version string
		path    string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Sign a package, store its bytes and add it to the served list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			key, err := maintainer.LoadKey(keyPath)
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

			pub := maintainer.NewPublisher(conn.Store, cfg.ServedPackages, logger)
			rec, err := pub.Publish(ctx, key, name, version, path)
			w := cmd.OutOrStdout()
			if err != nil {
				kind := status.Classify(err)
				if kind == status.Unknown {
					return err
				}
				fmt.Fprintln(w, dangerStyle.Render("✗ ")+status.Describe(kind, name))
				fmt.Fprintln(w, mutedStyle.Render("  "+err.Error()))
				return nil
			}
			fmt.Fprintln(w, successStyle.Render("✓ ")+fmt.Sprintf("published %s %s", rec.Name, rec.Version))
			fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("  content %s\n  sha256  %s", rec.ContentID, rec.Checksum)))
			return nil
		},
	}

	cmd.Flags().StringVar(&keyPath, "key", "", "maintainer private key file")
	cmd.Flags().StringVar(&name, "name", "", "package name")
	cmd.Flags().StringVar(&version, "version", "", "package version")
	cmd.Flags().StringVar(&path, "path", "", "package file")
	for _, f := range []string{"key", "name", "version", "path"} {
		cmd.MarkFlagRequired(f)
	}
	return cmd
}
