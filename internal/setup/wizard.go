package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/mailmirror/internal/config"
	"github.com/njoerd114/mailmirror/internal/credential"
	"github.com/njoerd114/mailmirror/internal/mailbox"
)

// SecretStore keeps the IMAP password out of the config file.
type SecretStore interface {
	Set(key, value string) error
}

// Wizard guides the user through first-run configuration and installation.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	connect Connect
	secrets SecretStore

	// ConfigPath and HomeDir default to the user's locations.
	ConfigPath string
	HomeDir    string
}

// NewWizard creates a Wizard wired to the given I/O, IMAP connector and
// secret store.
func NewWizard(r io.Reader, w io.Writer, connect Connect, secrets SecretStore, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		connect: connect,
		secrets: secrets,
	}
}

var securityModes = []string{config.SecurityTLS, config.SecurityStartTLS, config.SecurityNone}

// Run executes the interactive setup wizard: IMAP account, folders, mirror
// tuning, config file, and an optional systemd user service.
func (wiz *Wizard) Run(ctx context.Context) error {
	if err := wiz.resolvePaths(); err != nil {
		return err
	}

	fmt.Fprintf(wiz.w, "\nWelcome to mailmirror setup!\n")
	fmt.Fprintf(wiz.w, "This wizard will connect your mailbox and install the mirror service.\n\n")

	if _, statErr := os.Stat(wiz.ConfigPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.ConfigPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return wiz.offerServiceInstall()
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: IMAP account.
	fmt.Fprintf(wiz.w, "Step 1/4: IMAP Account\n")

	var imapCfg config.IMAPConfig
	imapCfg.Host = wiz.prompt.String("IMAP host", "")
	idx, err := wiz.prompt.Select("Connection security", securityModes, 0)
	if err != nil {
		return fmt.Errorf("selecting security mode: %w", err)
	}
	imapCfg.Security = securityModes[idx]
	defPort := 993
	if imapCfg.Security != config.SecurityTLS {
		defPort = 143
	}
	imapCfg.Port = wiz.prompt.Int("Port", defPort, 1, 65535)
	imapCfg.Username = wiz.prompt.String("Username", "")
	password := wiz.prompt.Secret("Password")

	opts := mailbox.Options{
		Address:  imapCfg.Address(),
		Username: imapCfg.Username,
		Password: password,
		Security: imapCfg.Security,
	}
	acct, err := wiz.connect(opts)
	if err != nil {
		return fmt.Errorf("configuring IMAP client: %w", err)
	}

	fmt.Fprintf(wiz.w, "  Connecting to %s...", opts.Address)
	if err := acct.Ping(ctx); err != nil {
		fmt.Fprintf(wiz.w, " failed\n")
		return fmt.Errorf("cannot log in to %s: %w\n\n  Check host, port and credentials, then try again", opts.Address, err)
	}
	fmt.Fprintf(wiz.w, " ok\n\n")

	// Step 2: Folders.
	fmt.Fprintf(wiz.w, "Step 2/4: Folders\n")
	imapCfg.Mailbox = "INBOX"
	imapCfg.DraftsMailbox, imapCfg.TrashMailbox = wiz.chooseFolders(ctx, acct)
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: Mirror.
	fmt.Fprintf(wiz.w, "Step 3/4: Mirror\n")
	var mirrorCfg config.MirrorConfig
	mirrorCfg.Window = wiz.prompt.Int("Messages to mirror", 100, 1, 1000)
	pollStr := wiz.prompt.String("Poll interval (10s-5m)", "30s")
	mirrorCfg.PollInterval, err = time.ParseDuration(pollStr)
	if err != nil || mirrorCfg.PollInterval < 10*time.Second || mirrorCfg.PollInterval > 5*time.Minute {
		mirrorCfg.PollInterval = 30 * time.Second
		fmt.Fprintf(wiz.w, "  (invalid duration, using default 30s)\n")
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: Save.
	fmt.Fprintf(wiz.w, "Step 4/4: Save Configuration\n")

	if password != "" {
		if err := wiz.secrets.Set(credential.IMAPKey(imapCfg.Username, imapCfg.Host), password); err != nil {
			wiz.logger.Warn("keyring unavailable, storing password in config", "error", err)
			fmt.Fprintf(wiz.w, "  Keyring unavailable, the password goes into the config file.\n")
			imapCfg.Password = password
		} else {
			fmt.Fprintf(wiz.w, "  Password stored in the OS keyring\n")
		}
	}

	cfg := &config.Config{IMAP: imapCfg, Mirror: mirrorCfg}
	if err := cfg.Write(wiz.ConfigPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  Config written to %s\n\n", wiz.ConfigPath)

	return wiz.offerServiceInstall()
}

func (wiz *Wizard) resolvePaths() error {
	if wiz.HomeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		wiz.HomeDir = home
	}
	if wiz.ConfigPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolving config path: %w", err)
		}
		wiz.ConfigPath = p
	}
	return nil
}

// chooseFolders proposes the special-use folders and lets the user pick
// others. Discovery failure falls back to typed names.
func (wiz *Wizard) chooseFolders(ctx context.Context, acct Account) (drafts, trash string) {
	folders, err := DiscoverFolders(ctx, acct)
	if err != nil || len(folders) == 0 {
		if err != nil {
			wiz.logger.Warn("could not discover folders", "error", err)
		}
		fmt.Fprintf(wiz.w, "  Could not list folders, type the names instead.\n")
		return wiz.prompt.String("Drafts folder", "Drafts"), wiz.prompt.String("Trash folder", "Trash")
	}

	fmt.Fprintf(wiz.w, "  Found %d folder(s)\n", len(folders))
	drafts, trash = SpecialFolders(folders)

	names := make([]string, len(folders))
	draftsIdx, trashIdx := 0, 0
	for i, f := range folders {
		names[i] = f.Name
		if f.Name == drafts {
			draftsIdx = i
		}
		if f.Name == trash {
			trashIdx = i
		}
	}

	if i, err := wiz.prompt.Select("Drafts folder", names, draftsIdx); err == nil {
		drafts = names[i]
	}
	if i, err := wiz.prompt.Select("Trash folder", names, trashIdx); err == nil {
		trash = names[i]
	}
	return drafts, trash
}

// offerServiceInstall asks whether to run mailmirror as a user service.
func (wiz *Wizard) offerServiceInstall() error {
	if !wiz.prompt.Confirm("Install as background service (starts on login)?", true) {
		fmt.Fprintf(wiz.w, "\n  Skipping service install.\n")
		fmt.Fprintf(wiz.w, "  You can run manually with: %s daemon\n", BinaryName)
		fmt.Fprintf(wiz.w, "  Or install later with:     %s install\n\n", BinaryName)
		return nil
	}

	fmt.Fprintf(wiz.w, "\n")
	if err := Install(wiz.HomeDir, wiz.ConfigPath, wiz.w); err != nil {
		return err
	}

	fmt.Fprintf(wiz.w, "\nSetup complete! mailmirror is syncing in the background.\n")
	fmt.Fprintf(wiz.w, "  Config:  %s\n", wiz.ConfigPath)
	fmt.Fprintf(wiz.w, "  Logs:    journalctl --user -u %s\n", UnitName)
	fmt.Fprintf(wiz.w, "  Status:  %s status\n", BinaryName)
	fmt.Fprintf(wiz.w, "  Remove:  %s uninstall\n\n", BinaryName)
	return nil
}

// Install copies the binary, writes the unit and starts the service,
// reporting each step to w.
func Install(homeDir, configPath string, w io.Writer) error {
	fmt.Fprintf(w, "  Installing binary to %s...\n", BinaryInstallPath(homeDir))
	if err := InstallBinary(homeDir); err != nil {
		return fmt.Errorf("installing binary: %w", err)
	}
	fmt.Fprintf(w, "  Binary installed\n")

	if err := WriteUnit(homeDir, configPath); err != nil {
		return fmt.Errorf("writing unit: %w", err)
	}
	fmt.Fprintf(w, "  Unit written to %s\n", UnitPath(homeDir))

	if err := EnableService(); err != nil {
		return fmt.Errorf("enabling service: %w", err)
	}
	fmt.Fprintf(w, "  %s enabled, running now\n", UnitName)
	return nil
}
