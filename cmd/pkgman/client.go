package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pkgman/pkg/client"
	"pkgman/pkg/state"
	"pkgman/pkg/status"
	"pkgman/pkg/utils"
)

// withSession runs fn with a connected client session. Protocol failures
// are reported by fn itself; only setup errors are returned.
func withSession(fn func(ctx context.Context, s *session, logger *zap.Logger) error) error {
	logger := setupLogger(verbose)
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, s, logger)
}

func queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query NAME",
		Short: "Look up a package on the network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *session, logger *zap.Logger) error {
				name := args[0]
				rec, err := s.manager.Query(ctx, name)
				if err != nil {
					report(cmd.OutOrStdout(), name, err)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), recordTable(rec).Render())
				return nil
			})
		},
	}
}

func downloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download NAME",
		Short: "Download, verify and install a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *session, logger *zap.Logger) error {
				name := args[0]
				start := time.Now()
				inst, err := s.manager.Download(ctx, name)
				if err != nil {
					report(cmd.OutOrStdout(), name, err)
					return nil
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, outcomeLine(status.OK, fmt.Sprintf("%s %s", inst.Record.Name, inst.Record.Version)))
				if info, err := os.Stat(inst.Path); err == nil {
					fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("  %s, %s, signed by %s, %s",
						inst.Path, utils.FormatDataSize(info.Size()), inst.Signer, time.Since(start).Round(time.Millisecond))))
				}
				return nil
			})
		},
	}
}

func updateCmd() *cobra.Command {
	var noProgress bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update every installed package",
		Long: `Re-resolve every package in the local package list and install the
network version wherever it differs. A failing package is reported and
the remaining packages are still processed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *session, logger *zap.Logger) error {
				table, err := state.LoadPackagesOrEmpty(s.cfg.PackageListPath())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if table.Len() == 0 {
					fmt.Fprintln(out, mutedStyle.Render("No packages installed"))
					return nil
				}

				var bar *progressbar.ProgressBar
				if !noProgress {
					bar = progressbar.NewOptions(table.Len(),
						progressbar.OptionSetWriter(os.Stderr),
						progressbar.OptionSetDescription("updating"),
						progressbar.OptionSetWidth(40),
						progressbar.OptionShowCount(),
						progressbar.OptionThrottle(100*time.Millisecond),
					)
				}

				rep := s.manager.UpdateAll(ctx, func(res client.UpdateResult) {
					if bar != nil {
						bar.Describe(fmt.Sprintf("updating %s", res.Name))
						bar.Add(1)
					}
				})
				if bar != nil {
					bar.Finish()
					fmt.Fprintln(os.Stderr)
				}

				fmt.Fprintln(out, titleStyle.Render("Update summary"))
				for _, res := range rep.Results {
					if res.Updated() {
						fmt.Fprintln(out, outcomeLine(status.OK,
							fmt.Sprintf("%s %s → %s", res.Name, res.Previous, res.Record.Version)))
						continue
					}
					report(out, res.Name, res.Err)
				}
				fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%d updated, %d unchanged or failed",
					rep.Updated(), len(rep.Failed()))))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
	return cmd
}

func updateKeyringCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update-keyring",
		Short: "Fetch and verify the maintainer keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *session, logger *zap.Logger) error {
				kr, err := s.manager.UpdateKeyring(ctx)
				if err != nil {
					report(cmd.OutOrStdout(), "keyring", err)
					return nil
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, outcomeLine(status.OK, fmt.Sprintf("keyring: %d trusted maintainers", kr.Len())))
				for _, e := range kr.Entries() {
					fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("  %s <%s> %s", e.Name, e.Email, shorten(e.PublicKey, 16))))
				}
				return nil
			})
		},
	}
}
