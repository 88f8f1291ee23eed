package setup

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed unit.tmpl
var unitTemplateStr string

const (
	// BinaryName is the name of the installed binary.
	BinaryName = "mailmirror"

	// UnitName is the systemd user unit.
	UnitName = "mailmirror.service"
)

// systemctl runs "systemctl --user" with args. Replaced in tests.
var systemctl = func(args ...string) ([]byte, error) {
	//nolint:gosec // fixed binary, arguments built by this package
	return exec.Command("systemctl", append([]string{"--user"}, args...)...).CombinedOutput()
}

// unitData holds template values for the systemd unit.
type unitData struct {
	BinaryPath string
	ConfigPath string
	HomeDir    string
}

// BinaryInstallPath returns the full path to the installed binary.
func BinaryInstallPath(homeDir string) string {
	return filepath.Join(homeDir, ".local", "bin", BinaryName)
}

// UnitPath returns the systemd user unit destination path.
func UnitPath(homeDir string) string {
	return filepath.Join(homeDir, ".config", "systemd", "user", UnitName)
}

// InstallBinary copies the currently-running binary to ~/.local/bin.
func InstallBinary(homeDir string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving current executable path: %w", err)
	}

	// Resolve symlinks so we copy the actual binary.
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}

	dest := BinaryInstallPath(homeDir)
	if self == dest {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	return copyFile(self, dest, 0o755)
}

// RenderUnit renders the systemd unit for the given paths.
func RenderUnit(homeDir, configPath string) ([]byte, error) {
	tmpl, err := template.New("unit").Parse(unitTemplateStr)
	if err != nil {
		return nil, fmt.Errorf("parsing unit template: %w", err)
	}

	data := unitData{
		BinaryPath: BinaryInstallPath(homeDir),
		ConfigPath: configPath,
		HomeDir:    homeDir,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("executing unit template: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteUnit renders the unit and writes it to ~/.config/systemd/user/.
func WriteUnit(homeDir, configPath string) error {
	unit, err := RenderUnit(homeDir, configPath)
	if err != nil {
		return err
	}

	dest := UnitPath(homeDir)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating systemd user directory: %w", err)
	}
	if err := os.WriteFile(dest, unit, 0o644); err != nil {
		return fmt.Errorf("writing unit to %s: %w", dest, err)
	}
	return nil
}

// EnableService reloads systemd and starts the unit now and on every login.
func EnableService() error {
	if out, err := systemctl("daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %s: %w", strings.TrimSpace(string(out)), err)
	}
	if out, err := systemctl("enable", "--now", UnitName); err != nil {
		return fmt.Errorf("systemctl enable: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// DisableService stops the unit and removes it from the login targets.
func DisableService(homeDir string) error {
	if _, err := os.Stat(UnitPath(homeDir)); os.IsNotExist(err) {
		return nil // nothing to disable
	}
	if out, err := systemctl("disable", "--now", UnitName); err != nil {
		return fmt.Errorf("systemctl disable: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// IsServiceActive reports whether the unit is currently running.
func IsServiceActive() bool {
	_, err := systemctl("is-active", "--quiet", UnitName)
	return err == nil
}

// RemoveUnit deletes the unit file and reloads systemd.
func RemoveUnit(homeDir string) error {
	path := UnitPath(homeDir)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("removing unit %s: %w", path, err)
	}
	_, _ = systemctl("daemon-reload")
	return nil
}

// RemoveBinary deletes the installed binary.
func RemoveBinary(homeDir string) error {
	path := BinaryInstallPath(homeDir)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// PurgeUserData removes config, credentials and the mirror database.
func PurgeUserData(homeDir string) error {
	dirs := []string{
		filepath.Join(homeDir, ".config", BinaryName),
		filepath.Join(homeDir, ".local", "share", BinaryName),
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// copyFile copies src to dst with the given permissions.
func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}
