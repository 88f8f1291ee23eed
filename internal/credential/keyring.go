// Package credential stores the IMAP password in the OS keyring so it does not
// have to live in the YAML config.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailmirror"

// ErrNotFound is returned when no credential is stored under the key.
var ErrNotFound = errors.New("credential not found")

// Keyring reads and writes secrets. The zero value uses the platform keyring.
type Keyring struct {
	open func() (keyring.Keyring, error)
}

// New returns a Keyring backed by the platform secret store.
func New() *Keyring {
	return &Keyring{open: openKeyring}
}

// NewWith returns a Keyring backed by ring. Used with keyring.NewArrayKeyring
// in tests.
func NewWith(ring keyring.Keyring) *Keyring {
	return &Keyring{open: func() (keyring.Keyring, error) { return ring, nil }}
}

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailmirror/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailmirror-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// IMAPKey is the keyring key for the password of an IMAP account.
func IMAPKey(username, host string) string {
	return "imap:" + username + "@" + host
}

// Get retrieves a credential value by key.
func (k *Keyring) Get(key string) (string, error) {
	ring, err := k.ring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key.
func (k *Keyring) Set(key, value string) error {
	ring, err := k.ring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "mailmirror " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential by key.
func (k *Keyring) Delete(key string) error {
	ring, err := k.ring()
	if err != nil {
		return err
	}
	if err := ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// ResolvePassword returns configured when non-empty, otherwise the keyring
// entry for the account.
func (k *Keyring) ResolvePassword(configured, username, host string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	pw, err := k.Get(IMAPKey(username, host))
	if err != nil {
		return "", fmt.Errorf("no imap.password configured and keyring lookup failed: %w", err)
	}
	return pw, nil
}

func (k *Keyring) ring() (keyring.Keyring, error) {
	if k == nil || k.open == nil {
		return openKeyring()
	}
	return k.open()
}
