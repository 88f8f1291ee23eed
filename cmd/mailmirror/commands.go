package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/njoerd114/mailmirror/internal/config"
	"github.com/njoerd114/mailmirror/internal/credential"
	"github.com/njoerd114/mailmirror/internal/knowledge"
	"github.com/njoerd114/mailmirror/internal/model"
	"github.com/njoerd114/mailmirror/internal/setup"
	"github.com/njoerd114/mailmirror/internal/state"
)

// --- setup / install / uninstall ---------------------------------------------

func newSetupCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run wizard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(opts.verbose)
			ctx, stop := signalContext()
			defer stop()

			wiz := setup.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout(), setup.IMAPConnect(logger), credential.New(), logger)
			wiz.ConfigPath = opts.configPath
			return wiz.Run(ctx)
		},
	}
}

func newInstallCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the binary and enable the systemd user service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(opts.configPath); err != nil {
				return fmt.Errorf("%w\n\nRun 'mailmirror setup' first", err)
			}
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolving home directory: %w", err)
			}
			return setup.Install(homeDir, opts.configPath, cmd.OutOrStdout())
		},
	}
}

func newUninstallCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop the service and remove installed files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolving home directory: %w", err)
			}
			w := cmd.OutOrStdout()

			fmt.Fprintln(w, "Uninstalling mailmirror...")
			report := func(what string, err error) {
				if err != nil {
					fmt.Fprintf(w, "  ! %v\n", err)
					return
				}
				fmt.Fprintf(w, "  %s\n", what)
			}

			report("Service stopped", setup.DisableService(homeDir))
			report("Unit removed", setup.RemoveUnit(homeDir))
			report("Binary removed", setup.RemoveBinary(homeDir))

			if purge {
				report("Config, credentials and mirror DB purged", setup.PurgeUserData(homeDir))
			} else {
				fmt.Fprintln(w, "")
				fmt.Fprintln(w, "  Config and mirror DB preserved.")
				fmt.Fprintln(w, "  Run with --purge to also remove them:")
				fmt.Fprintln(w, "    mailmirror uninstall --purge")
			}
			fmt.Fprintln(w, "")
			fmt.Fprintln(w, "mailmirror uninstalled.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also remove config, credentials and the mirror DB")
	return cmd
}

// --- status ------------------------------------------------------------------

// remoteStatus is the part of GET /api/status the CLI prints.
type remoteStatus struct {
	State            string    `json:"state"`
	LastCycleOutcome string    `json:"last_cycle_outcome"`
	LastCycleAt      time.Time `json:"last_cycle_at"`
	RemoteTotal      int       `json:"remote_total"`
	LastError        string    `json:"last_error"`
	LastErrorAt      time.Time `json:"last_error_at"`
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service, mirror and config state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "mailmirror status")
			fmt.Fprintln(w, "-----------------")

			if setup.IsServiceActive() {
				fmt.Fprintf(w, "  Service:   running (%s)\n", setup.UnitName)
			} else {
				fmt.Fprintln(w, "  Service:   not running")
			}

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				fmt.Fprintf(w, "  Config:    %s (%v)\n", opts.configPath, err)
				return nil
			}
			fmt.Fprintf(w, "  Config:    %s\n", opts.configPath)
			fmt.Fprintf(w, "  Account:   %s@%s (%s)\n", cfg.IMAP.Username, cfg.IMAP.Address(), cfg.IMAP.Mailbox)
			fmt.Fprintf(w, "  Window:    %d messages every %s\n", cfg.Mirror.Window, cfg.Mirror.PollInterval)

			printStoreStatus(cmd.Context(), w, cfg)

			if cfg.API.Listen != "" {
				printRemoteStatus(cmd.Context(), w, cfg.API.Listen)
			}
			return nil
		},
	}
}

func printStoreStatus(ctx context.Context, w io.Writer, cfg *config.Config) {
	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath, _ = state.DefaultDBPath()
	}
	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Fprintln(w, "  Mirror DB: not found")
		return
	}
	fmt.Fprintf(w, "  Mirror DB: %s (%s)\n", dbPath, humanize.Bytes(uint64(info.Size())))

	store, err := state.Open(dbPath)
	if err != nil {
		fmt.Fprintf(w, "  Mirror DB: %v\n", err)
		return
	}
	defer store.Close()

	total, err := store.Count(ctx)
	if err != nil {
		fmt.Fprintf(w, "  Items:     %v\n", err)
		return
	}
	processed, _ := store.CountByStatus(ctx, model.StatusProcessed)
	failed, _ := store.CountByStatus(ctx, model.StatusAIError)
	fmt.Fprintf(w, "  Items:     %d mirrored, %d answered, %d failed\n", total, processed, failed)

	if docs, err := store.ListDocuments(ctx); err == nil {
		fmt.Fprintf(w, "  Knowledge: %d document(s)\n", len(docs))
	}
}

func printRemoteStatus(ctx context.Context, w io.Writer, listen string) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+net.JoinHostPort(host, port)+"/api/status", nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(w, "  API:       unreachable at %s\n", listen)
		return
	}
	defer resp.Body.Close()

	var st remoteStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		fmt.Fprintf(w, "  API:       unexpected response: %v\n", err)
		return
	}
	fmt.Fprintf(w, "  Engine:    %s, %d remote messages\n", st.State, st.RemoteTotal)
	if !st.LastCycleAt.IsZero() {
		fmt.Fprintf(w, "  Last sync: %s (%s)\n", humanize.Time(st.LastCycleAt), st.LastCycleOutcome)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "  Error:     %s (%s)\n", st.LastError, humanize.Time(st.LastErrorAt))
	}
}

// --- reset -------------------------------------------------------------------

func newResetCmd(opts *globalOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove every mirrored message; settings and knowledge are kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes && !setup.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout()).Confirm("Empty the mirror table?", false) {
				return nil
			}
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Mirror emptied; the next cycle refills it.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// --- knowledge ---------------------------------------------------------------

func newKnowledgeCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage the reference documents used for reply generation",
	}

	withApp := func(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()
			return fn(cmd, a, args)
		}
	}

	add := &cobra.Command{
		Use:   "add <file>...",
		Short: "Index text, markdown or .eml files (re-adding replaces)",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ix := knowledge.NewIndexer(a.store, a.log)
			for _, path := range args {
				n, err := ix.AddFile(cmd.Context(), path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d chunk(s)\n", path, n)
			}
			return nil
		}),
	}

	rm := &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove an indexed document",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			n, err := knowledge.NewIndexer(a.store, a.log).Remove(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  removed %d chunk(s)\n", n)
			return nil
		}),
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List indexed documents",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			docs, err := knowledge.NewIndexer(a.store, a.log).Documents(cmd.Context())
			if err != nil {
				return err
			}
			for _, d := range docs {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-40s %3d chunk(s)  added %s\n", d.Filename, d.Chunks, humanize.Time(d.AddedAt))
			}
			return nil
		}),
	}

	var topK int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Show the fragments a reply to query would quote",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			k := topK
			if k <= 0 {
				k = a.cfg.Knowledge.TopK
			}
			frags, err := knowledge.NewRetriever(a.store, a.log).Search(cmd.Context(), args[0], k)
			if err != nil {
				return err
			}
			for i, f := range frags {
				fmt.Fprintf(cmd.OutOrStdout(), "[%d] %s (%.2f)\n%s\n\n", i+1, f.Source, f.Score, f.Content)
			}
			return nil
		}),
	}
	search.Flags().IntVar(&topK, "top-k", 0, "number of fragments (default from config)")

	cmd.AddCommand(add, rm, ls, search)
	return cmd
}

// --- credential --------------------------------------------------------------

func newCredentialCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the IMAP password in the OS keyring",
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Store the IMAP password for the configured account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			p := setup.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
			pw := p.Secret(fmt.Sprintf("Password for %s@%s", cfg.IMAP.Username, cfg.IMAP.Host))
			if pw == "" {
				return fmt.Errorf("empty password, nothing stored")
			}
			if err := credential.New().Set(credential.IMAPKey(cfg.IMAP.Username, cfg.IMAP.Host), pw); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "  Password stored in the OS keyring")
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored IMAP password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			return credential.New().Delete(credential.IMAPKey(cfg.IMAP.Username, cfg.IMAP.Host))
		},
	}

	cmd.AddCommand(set, del)
	return cmd
}
