// Package config loads and validates the mailmirror YAML configuration and
// applies overrides stored in the settings table.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// IMAP connection security modes.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	IMAP       IMAPConfig       `yaml:"imap"`
	Mirror     MirrorConfig     `yaml:"mirror"`
	Store      StoreConfig      `yaml:"store"`
	Generation GenerationConfig `yaml:"generation"`
	Knowledge  KnowledgeConfig  `yaml:"knowledge"`
	API        APIConfig        `yaml:"api"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// IMAPConfig describes the remote mailbox.
type IMAPConfig struct {
	Host string `yaml:"host"`
	// Port defaults to 993 for tls and 143 otherwise.
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`

	// Password may be left empty; the OS keyring is consulted instead
	// (see "mailmirror credential set").
	Password string `yaml:"password"`

	// Security is one of "tls" (default), "starttls" or "none".
	Security           string `yaml:"security"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	Mailbox       string `yaml:"mailbox"`        // default "INBOX"
	DraftsMailbox string `yaml:"drafts_mailbox"` // default "Drafts"
	TrashMailbox  string `yaml:"trash_mailbox"`  // default "Trash"
}

// MirrorConfig controls the poll loop.
type MirrorConfig struct {
	// PollInterval is the fixed delay between cycles. Minimum 10s, maximum 5m.
	// Defaults to 30s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Window is the number of most recent messages mirrored. Defaults to 100.
	Window int `yaml:"window"`

	// BackfillBatch bounds the body fetches per cycle. Defaults to 10.
	BackfillBatch int `yaml:"backfill_batch"`

	// BackfillConcurrency is the number of parallel body fetches. Defaults to 1.
	BackfillConcurrency int `yaml:"backfill_concurrency"`

	// CallTimeout bounds every single remote call. Defaults to 30s.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	// Path defaults to ~/.local/share/mailmirror/mirror.db.
	Path string `yaml:"path"`
}

// GenerationConfig points at the text-generation service. Leave URL empty to
// disable reply generation.
type GenerationConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"` // whole generation call incl. retries; default 5m

	// Zero values fall back to 512, 0.7 and 0.9.
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`

	// Language the replies are written in. Defaults to "English".
	Language string `yaml:"language"`
}

// KnowledgeConfig controls retrieval of reference fragments.
type KnowledgeConfig struct {
	TopK int `yaml:"top_k"` // default 3
}

// APIConfig controls the HTTP API. An empty Listen disables it.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "mailmirror".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/mailmirror/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "mailmirror", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write saves the configuration as YAML at path, creating parent
// directories. The file is private to the user since it may hold a password.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// Address returns host:port of the IMAP server.
func (c *IMAPConfig) Address() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// validate checks that all required fields are present and fills defaults.
func (c *Config) validate() error {
	if err := c.IMAP.validate(); err != nil {
		return err
	}
	if err := c.Mirror.validate(); err != nil {
		return err
	}
	if err := c.Generation.validate(); err != nil {
		return err
	}

	if c.Knowledge.TopK == 0 {
		c.Knowledge.TopK = 3
	}
	if c.Knowledge.TopK < 0 || c.Knowledge.TopK > 20 {
		return fmt.Errorf("knowledge.top_k %d out of range (1-20)", c.Knowledge.TopK)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (c *IMAPConfig) validate() error {
	if c.Host == "" {
		return fmt.Errorf("imap.host is required")
	}
	if c.Username == "" {
		return fmt.Errorf("imap.username is required")
	}

	if c.Security == "" {
		c.Security = SecurityTLS
	}
	switch c.Security {
	case SecurityTLS, SecurityStartTLS, SecurityNone:
	default:
		return fmt.Errorf("imap.security %q must be one of tls, starttls, none", c.Security)
	}

	if c.Port == 0 {
		c.Port = 993
		if c.Security != SecurityTLS {
			c.Port = 143
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("imap.port %d out of range", c.Port)
	}

	if c.Mailbox == "" {
		c.Mailbox = "INBOX"
	}
	if c.DraftsMailbox == "" {
		c.DraftsMailbox = "Drafts"
	}
	if c.TrashMailbox == "" {
		c.TrashMailbox = "Trash"
	}
	return nil
}

func (c *MirrorConfig) validate() error {
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PollInterval < 10*time.Second {
		return fmt.Errorf("mirror.poll_interval %v is too short (minimum 10s)", c.PollInterval)
	}
	if c.PollInterval > 5*time.Minute {
		return fmt.Errorf("mirror.poll_interval %v is too long (maximum 5m)", c.PollInterval)
	}

	if c.Window == 0 {
		c.Window = 100
	}
	if c.Window < 1 || c.Window > 1000 {
		return fmt.Errorf("mirror.window %d out of range (1-1000)", c.Window)
	}

	if c.BackfillBatch == 0 {
		c.BackfillBatch = 10
	}
	if c.BackfillBatch < 0 || c.BackfillBatch > c.Window {
		return fmt.Errorf("mirror.backfill_batch %d out of range (1-%d)", c.BackfillBatch, c.Window)
	}

	if c.BackfillConcurrency == 0 {
		c.BackfillConcurrency = 1
	}
	if c.BackfillConcurrency < 1 || c.BackfillConcurrency > 16 {
		return fmt.Errorf("mirror.backfill_concurrency %d out of range (1-16)", c.BackfillConcurrency)
	}

	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.CallTimeout < time.Second {
		return fmt.Errorf("mirror.call_timeout %v is too short (minimum 1s)", c.CallTimeout)
	}
	return nil
}

func (c *GenerationConfig) validate() error {
	if c.URL != "" {
		u, err := url.ParseRequestURI(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("generation.url %q must be a valid http or https URL", c.URL)
		}
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 512
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("generation.max_tokens %d must be positive", c.MaxTokens)
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("generation.temperature %v out of range (0-2)", c.Temperature)
	}
	if c.TopP == 0 {
		c.TopP = 0.9
	}
	if c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("generation.top_p %v out of range (0-1)", c.TopP)
	}
	if c.Language == "" {
		c.Language = "English"
	}
	return nil
}

// --- Settings overlay --------------------------------------------------------

// overrides maps a settings-table key to the config field it replaces.
var overrides = map[string]func(c *Config, v string) error{
	"imap.host":     func(c *Config, v string) error { c.IMAP.Host = v; return nil },
	"imap.username": func(c *Config, v string) error { c.IMAP.Username = v; return nil },
	"imap.mailbox":  func(c *Config, v string) error { c.IMAP.Mailbox = v; return nil },
	"imap.port": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		c.IMAP.Port = n
		return err
	},
	"mirror.window": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		c.Mirror.Window = n
		return err
	},
	"mirror.backfill_batch": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		c.Mirror.BackfillBatch = n
		return err
	},
	"mirror.poll_interval": func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		c.Mirror.PollInterval = d
		return err
	},
	"generation.language": func(c *Config, v string) error { c.Generation.Language = v; return nil },
}

// InstructionsKey holds the default reply instructions. It is read by the
// inbox service directly rather than overlaid on the configuration.
const InstructionsKey = "generation.instructions"

// OverrideKeys returns the settings keys that [Config.ApplySettings] honours.
func OverrideKeys() []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ApplySettings overlays values from the settings table onto the loaded
// configuration and re-validates it. Keys without an override are ignored.
// On error the configuration is left unchanged.
func (c *Config) ApplySettings(settings map[string]string) error {
	next := *c
	for key, value := range settings {
		apply, ok := overrides[key]
		if !ok || value == "" {
			continue
		}
		if err := apply(&next, value); err != nil {
			return fmt.Errorf("setting %q=%q: %w", key, value, err)
		}
	}
	if err := next.validate(); err != nil {
		return fmt.Errorf("invalid config after settings overlay: %w", err)
	}
	*c = next
	return nil
}

// CheckSetting reports whether storing key=value in the settings table would
// leave a valid configuration. c is not modified.
func (c *Config) CheckSetting(key, value string) error {
	if key == InstructionsKey {
		return nil
	}
	if _, ok := overrides[key]; !ok {
		return fmt.Errorf("unknown setting %q (known: %s, %s)", key, strings.Join(OverrideKeys(), ", "), InstructionsKey)
	}
	next := *c
	return next.ApplySettings(map[string]string{key: value})
}
