// mailmirror keeps a bounded local mirror of an IMAP mailbox and serves it,
// together with reply generation, over a small JSON API.
//
// Usage:
//
//	mailmirror setup                       # interactive first-run wizard
//	mailmirror daemon [--config <path>]    # run the mirror loop and the API
//	mailmirror sync-once [--config ...]    # single mirror cycle then exit
//	mailmirror status                      # show service, mirror and config state
//	mailmirror reset                       # empty the mirror table
//	mailmirror knowledge add|rm|ls|search  # manage reference documents
//	mailmirror credential set|delete       # store the IMAP password in the keyring
//	mailmirror install | uninstall         # manage the systemd user service
//	mailmirror version                     # print version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/njoerd114/mailmirror/internal/config"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	defaultCfg, _ := config.DefaultPath()

	root := &cobra.Command{
		Use:           "mailmirror",
		Short:         "Mirror an IMAP mailbox locally and draft replies with a generation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(opts.configPath); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "No config file found. Run 'mailmirror setup' to get started.\n\n")
			}
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultCfg, "path to config.yaml")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newSetupCmd(opts),
		newDaemonCmd(opts),
		newSyncOnceCmd(opts),
		newStatusCmd(opts),
		newResetCmd(opts),
		newKnowledgeCmd(opts),
		newCredentialCmd(opts),
		newInstallCmd(opts),
		newUninstallCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "mailmirror", version)
			},
		},
	)
	return root
}

// newLogger returns a text logger on stderr and installs it as the default.
func newLogger(verbose bool) *slog.Logger {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)
	if verbose {
		level.Set(slog.LevelDebug)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}
