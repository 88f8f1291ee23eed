package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/mailmirror/internal/api"
	"github.com/njoerd114/mailmirror/internal/config"
	"github.com/njoerd114/mailmirror/internal/credential"
	"github.com/njoerd114/mailmirror/internal/generate"
	"github.com/njoerd114/mailmirror/internal/inbox"
	"github.com/njoerd114/mailmirror/internal/knowledge"
	"github.com/njoerd114/mailmirror/internal/mailbox"
	"github.com/njoerd114/mailmirror/internal/state"
	mirror "github.com/njoerd114/mailmirror/internal/sync"
	"github.com/njoerd114/mailmirror/internal/telemetry"
)

func newDaemonCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the mirror loop and the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMirror(opts, true)
		},
	}
}

func newSyncOnceCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-once",
		Short: "Run a single mirror cycle then exit",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMirror(opts, false)
		},
	}
}

// app holds the configuration and the mirror store shared by the commands.
type app struct {
	cfg   *config.Config
	store *state.Store
	log   *slog.Logger
}

// openApp loads the config, opens the store and overlays stored settings.
func openApp(ctx context.Context, opts *globalOptions) (*app, error) {
	logger := newLogger(opts.verbose)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", opts.configPath, err)
	}

	dbPath := cfg.Store.Path
	if dbPath == "" {
		if dbPath, err = state.DefaultDBPath(); err != nil {
			return nil, fmt.Errorf("resolving state DB path: %w", err)
		}
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	logger.Debug("state DB opened", "path", dbPath)

	settings, err := store.AllSettings(ctx)
	if err != nil {
		logger.Warn("reading settings, using config file only", "error", err)
	} else if err := cfg.ApplySettings(settings); err != nil {
		logger.Warn("ignoring stored settings", "error", err)
	}

	return &app{cfg: cfg, store: store, log: logger}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("closing state DB", "error", err)
	}
}

// mailbox resolves the password and builds the IMAP adapter.
func (a *app) mailbox() (*mailbox.Adapter, error) {
	imapCfg := a.cfg.IMAP
	password, err := credential.New().ResolvePassword(imapCfg.Password, imapCfg.Username, imapCfg.Host)
	if err != nil {
		return nil, err
	}
	adapter, err := mailbox.NewAdapter(mailbox.Options{
		Address:            imapCfg.Address(),
		Username:           imapCfg.Username,
		Password:           password,
		Security:           imapCfg.Security,
		InsecureSkipVerify: imapCfg.InsecureSkipVerify,
		Mailbox:            imapCfg.Mailbox,
		DraftsMailbox:      imapCfg.DraftsMailbox,
		TrashMailbox:       imapCfg.TrashMailbox,
	}, a.log)
	if err != nil {
		return nil, fmt.Errorf("initialising IMAP client: %w", err)
	}
	return adapter, nil
}

// startTelemetry installs the OTel providers when configured. The returned
// function flushes them and is always safe to call.
func (a *app) startTelemetry(ctx context.Context) func() {
	if a.cfg.Telemetry == nil {
		return func() {}
	}
	shutdownTel, err := telemetry.Setup(ctx, telemetry.Config{
		OTLPEndpoint: a.cfg.Telemetry.OTLPEndpoint,
		Insecure:     a.cfg.Telemetry.Insecure,
		ServiceName:  a.cfg.Telemetry.ServiceName,
		Headers:      a.cfg.Telemetry.Headers,
	})
	if err != nil {
		a.log.Error("telemetry setup failed, continuing without telemetry", "error", err)
		return func() {}
	}
	a.log.Info("telemetry enabled", "endpoint", a.cfg.Telemetry.OTLPEndpoint)
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTel(flushCtx); err != nil {
			a.log.Error("telemetry shutdown error", "error", err)
		}
	}
}

// inboxService wires generation and knowledge retrieval around the mirror.
func (a *app) inboxService(ctx context.Context, remote inbox.Mailbox) *inbox.Service {
	gen := a.cfg.Generation

	var generator inbox.Generator
	if gen.URL != "" {
		generator = generate.New(gen.URL, gen.Timeout, a.log)
		a.log.Info("reply generation enabled", "url", gen.URL)
	} else {
		a.log.Info("generation.url not set, reply generation disabled")
	}

	instructions, err := a.store.GetSetting(ctx, config.InstructionsKey, inbox.DefaultInstructions)
	if err != nil {
		a.log.Warn("reading reply instructions", "error", err)
	}

	return inbox.NewService(remote, a.store, generator, knowledge.NewRetriever(a.store, a.log), inbox.Options{
		TopK:         a.cfg.Knowledge.TopK,
		Params:       generate.Params{MaxTokens: gen.MaxTokens, Temperature: gen.Temperature, TopP: gen.TopP},
		Language:     gen.Language,
		Instructions: instructions,
		CallTimeout:  a.cfg.Mirror.CallTimeout,
	}, a.log)
}

// runMirror is the shared implementation of daemon and sync-once.
func runMirror(opts *globalOptions, daemon bool) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()

	logger := a.log
	logger.Info("config loaded",
		"imap", a.cfg.IMAP.Address(),
		"mailbox", a.cfg.IMAP.Mailbox,
		"window", a.cfg.Mirror.Window,
		"poll_interval", a.cfg.Mirror.PollInterval,
	)

	defer a.startTelemetry(ctx)()

	adapter, err := a.mailbox()
	if err != nil {
		return err
	}

	engine := mirror.NewEngine(adapter, a.store, mirror.Options{
		PollInterval:        a.cfg.Mirror.PollInterval,
		Window:              a.cfg.Mirror.Window,
		BackfillBatch:       a.cfg.Mirror.BackfillBatch,
		BackfillConcurrency: a.cfg.Mirror.BackfillConcurrency,
		CallTimeout:         a.cfg.Mirror.CallTimeout,
	}, logger)

	if !daemon {
		logger.Info("running single mirror cycle")
		st, err := engine.RunOnce(ctx)
		logger.Info("mirror cycle complete",
			"outcome", st.LastCycleOutcome,
			"remote_total", st.RemoteTotal,
			"created", st.LastMirror.Created,
			"merged", st.LastMirror.Merged,
			"evicted", st.LastMirror.Evicted,
			"bodies", st.LastBackfill.Fetched,
		)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	logger.Info("daemon starting", "poll_interval", a.cfg.Mirror.PollInterval)
	g.Go(func() error {
		if err := engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sync engine: %w", err)
		}
		return nil
	})

	if listen := a.cfg.API.Listen; listen != "" {
		srv := api.New(api.Deps{
			Inbox:           a.inboxService(gctx, adapter),
			Status:          engine,
			Settings:        a.store,
			Documents:       knowledge.NewIndexer(a.store, logger),
			ValidateSetting: a.cfg.CheckSetting,
		}, logger)
		g.Go(func() error { return srv.ListenAndServe(gctx, listen) })
	} else {
		logger.Info("api.listen not set, HTTP API disabled")
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
