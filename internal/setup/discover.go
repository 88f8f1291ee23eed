package setup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/njoerd114/mailmirror/internal/mailbox"
)

// Account is the subset of [mailbox.Adapter] the wizard needs.
type Account interface {
	Ping(ctx context.Context) error
	ListFolders(ctx context.Context) ([]mailbox.Folder, error)
}

// Connect builds an [Account] for the given connection options.
type Connect func(opts mailbox.Options) (Account, error)

// IMAPConnect is the production [Connect] backed by [mailbox.NewAdapter].
func IMAPConnect(logger *slog.Logger) Connect {
	return func(opts mailbox.Options) (Account, error) {
		a, err := mailbox.NewAdapter(opts, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

// DiscoverFolders lists the selectable folders sorted by name.
func DiscoverFolders(ctx context.Context, acct Account) ([]mailbox.Folder, error) {
	folders, err := acct.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	sort.Slice(folders, func(i, j int) bool {
		return strings.ToLower(folders[i].Name) < strings.ToLower(folders[j].Name)
	})
	return folders, nil
}

// SpecialFolders picks the drafts and trash folders. Special-use attributes
// win; otherwise a folder named like the conventional default is used, and
// finally the defaults themselves.
func SpecialFolders(folders []mailbox.Folder) (drafts, trash string) {
	for _, f := range folders {
		if f.Drafts && drafts == "" {
			drafts = f.Name
		}
		if f.Trash && trash == "" {
			trash = f.Name
		}
	}
	if drafts == "" {
		drafts = byName(folders, "Drafts")
	}
	if trash == "" {
		trash = byName(folders, "Trash")
	}
	return drafts, trash
}

// byName returns the folder whose last path segment equals name
// (case-insensitive), or name itself.
func byName(folders []mailbox.Folder, name string) string {
	for _, f := range folders {
		leaf := f.Name
		if i := strings.LastIndexAny(leaf, "/."); i >= 0 {
			leaf = leaf[i+1:]
		}
		if strings.EqualFold(leaf, name) {
			return f.Name
		}
	}
	return name
}
