// Package mailbox implements the remote mailbox provider on top of IMAP
// (go-imap v2). Every operation opens its own authenticated session, selects
// the configured mailbox and logs out again, so a broken connection never
// outlives the call that hit it.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"github.com/njoerd114/mailmirror/internal/model"
)

// Security modes accepted by [Options.Security].
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

// Options configures an [Adapter].
type Options struct {
	Address            string // host:port
	Username           string
	Password           string
	Security           string
	InsecureSkipVerify bool

	Mailbox       string
	DraftsMailbox string
	TrashMailbox  string
}

// Adapter talks to one IMAP account. It is safe for concurrent use because it
// holds no connection state between calls.
type Adapter struct {
	opts   Options
	dialer net.Dialer
	now    func() time.Time
	log    *slog.Logger
}

// NewAdapter validates opts and returns an Adapter. It does not connect.
func NewAdapter(opts Options, logger *slog.Logger) (*Adapter, error) {
	if opts.Address == "" {
		return nil, errors.New("imap address is required")
	}
	if opts.Username == "" {
		return nil, errors.New("imap username is required")
	}
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}
	if opts.DraftsMailbox == "" {
		opts.DraftsMailbox = "Drafts"
	}
	if opts.TrashMailbox == "" {
		opts.TrashMailbox = "Trash"
	}
	switch opts.Security {
	case "":
		opts.Security = SecurityTLS
	case SecurityTLS, SecurityStartTLS, SecurityNone:
	default:
		return nil, fmt.Errorf("unknown imap security mode %q", opts.Security)
	}
	return &Adapter{
		opts:   opts,
		dialer: net.Dialer{KeepAlive: 30 * time.Second},
		now:    time.Now,
		log:    logger,
	}, nil
}

// Ping verifies the server is reachable and the credentials are accepted.
func (a *Adapter) Ping(ctx context.Context) error {
	_, done, err := a.connect(ctx)
	if err != nil {
		return err
	}
	done()
	return nil
}

// Folder is one mailbox on the server as reported by LIST.
type Folder struct {
	Name   string
	Drafts bool
	Trash  bool
}

// ListFolders returns every selectable mailbox of the account, flagging the
// special-use drafts and trash folders when the server advertises them.
func (a *Adapter) ListFolders(ctx context.Context) ([]Folder, error) {
	c, done, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	list, err := c.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}
	folders := make([]Folder, 0, len(list))
	for _, data := range list {
		if hasAttr(data.Attrs, imap.MailboxAttrNoSelect) || hasAttr(data.Attrs, imap.MailboxAttrNonExistent) {
			continue
		}
		folders = append(folders, Folder{
			Name:   data.Mailbox,
			Drafts: hasAttr(data.Attrs, imap.MailboxAttrDrafts),
			Trash:  hasAttr(data.Attrs, imap.MailboxAttrTrash),
		})
	}
	return folders, nil
}

// ListSummaries returns up to limit messages starting offset messages back
// from the newest one, newest first, together with the total message count.
func (a *Adapter) ListSummaries(ctx context.Context, offset, limit int) ([]model.Summary, int, error) {
	c, done, err := a.connect(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer done()

	sel, err := c.Select(a.opts.Mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, 0, fmt.Errorf("selecting %s: %w", a.opts.Mailbox, err)
	}
	total := int(sel.NumMessages)

	lo, hi, ok := seqRange(sel.NumMessages, offset, limit)
	if !ok {
		return nil, total, nil
	}

	var seqSet imap.SeqSet
	seqSet.AddRange(lo, hi)

	bufs, err := c.Fetch(seqSet, &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		UID:          true,
		InternalDate: true,
	}).Collect()
	if err != nil {
		return nil, total, fmt.Errorf("fetching envelopes %d:%d: %w", lo, hi, err)
	}
	sortNewestFirst(bufs)

	summaries := visibleSummaries(sel.UIDValidity, bufs)

	a.log.Debug("listed mailbox", "mailbox", a.opts.Mailbox, "total", total, "fetched", len(summaries))
	return summaries, total, nil
}

// GetBody fetches the full message and returns its readable text. It returns
// an error wrapping [model.ErrNotFound] when the message no longer exists.
func (a *Adapter) GetBody(ctx context.Context, id string) (string, error) {
	validity, uid, err := parseID(id)
	if err != nil {
		return "", err
	}

	c, done, err := a.connect(ctx)
	if err != nil {
		return "", err
	}
	defer done()

	if err := a.selectEpoch(c, a.opts.Mailbox, validity, true); err != nil {
		return "", fmt.Errorf("fetching body of %s: %w", id, err)
	}

	section := &imap.FetchItemBodySection{Peek: true}
	bufs, err := c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return "", fmt.Errorf("fetching body of %s: %w", id, err)
	}
	if len(bufs) == 0 {
		return "", fmt.Errorf("fetching body of %s: %w", id, model.ErrNotFound)
	}
	return extractText(bufs[0].FindBodySection(section)), nil
}

// SetReadState adds or removes the \Seen flag.
func (a *Adapter) SetReadState(ctx context.Context, id string, read bool) error {
	validity, uid, err := parseID(id)
	if err != nil {
		return err
	}

	c, done, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer done()

	if err := a.selectEpoch(c, a.opts.Mailbox, validity, false); err != nil {
		return fmt.Errorf("marking %s: %w", id, err)
	}

	op := imap.StoreFlagsAdd
	if !read {
		op = imap.StoreFlagsDel
	}
	err = c.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("marking %s read=%t: %w", id, read, err)
	}
	return nil
}

// SaveDraft composes a plain-text reply to the message and appends it to the
// drafts mailbox.
func (a *Adapter) SaveDraft(ctx context.Context, id, body string) error {
	validity, uid, err := parseID(id)
	if err != nil {
		return err
	}

	c, done, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer done()

	if err := a.selectEpoch(c, a.opts.Mailbox, validity, true); err != nil {
		return fmt.Errorf("saving draft for %s: %w", id, err)
	}

	bufs, err := c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{UID: true, Envelope: true}).Collect()
	if err != nil {
		return fmt.Errorf("saving draft for %s: fetching envelope: %w", id, err)
	}
	if len(bufs) == 0 || bufs[0].Envelope == nil {
		return fmt.Errorf("saving draft for %s: %w", id, model.ErrNotFound)
	}

	now := a.now()
	raw, err := buildReply(a.opts.Username, bufs[0].Envelope, body, now)
	if err != nil {
		return fmt.Errorf("saving draft for %s: %w", id, err)
	}

	cmd := c.Append(a.opts.DraftsMailbox, int64(len(raw)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagDraft, imap.FlagSeen},
		Time:  now,
	})
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return fmt.Errorf("saving draft for %s: append write: %w", id, err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("saving draft for %s: append close: %w", id, err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("saving draft for %s: append: %w", id, err)
	}

	a.log.Info("draft saved", "id", id, "mailbox", a.opts.DraftsMailbox)
	return nil
}

// Delete moves the message to the trash mailbox, falling back to flagging it
// \Deleted when the server refuses the move.
func (a *Adapter) Delete(ctx context.Context, id string) error {
	validity, uid, err := parseID(id)
	if err != nil {
		return err
	}

	c, done, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer done()

	if err := a.selectEpoch(c, a.opts.Mailbox, validity, false); err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}

	uidSet := imap.UIDSetNum(uid)
	_, moveErr := c.Move(uidSet, a.opts.TrashMailbox).Wait()
	if moveErr == nil {
		return nil
	}
	a.log.Warn("move to trash failed, flagging deleted", "id", id, "trash", a.opts.TrashMailbox, "error", moveErr)

	err = c.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}

	// A plain EXPUNGE would also purge messages other clients flagged, so
	// without UIDPLUS the flagged message stays until the server expunges it.
	// Listings hide it in the meantime.
	if !canExpungeOne(c.Caps()) {
		a.log.Info("server lacks UIDPLUS, message left flagged \\Deleted", "id", id)
		return nil
	}
	if err := c.UIDExpunge(uidSet).Close(); err != nil {
		return fmt.Errorf("expunging %s: %w", id, err)
	}
	return nil
}

// --- session helpers ---------------------------------------------------------

// connect dials, authenticates and returns the client with a cleanup func.
// Cancelling ctx closes the connection, which unblocks any pending command.
func (a *Adapter) connect(ctx context.Context) (*imapclient.Client, func(), error) {
	conn, err := a.dialer.DialContext(ctx, "tcp", a.opts.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", a.opts.Address, err)
	}

	host, _, _ := net.SplitHostPort(a.opts.Address)
	tlsConfig := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: a.opts.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed servers
	}
	options := &imapclient.Options{
		TLSConfig:   tlsConfig,
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	}

	var c *imapclient.Client
	switch a.opts.Security {
	case SecurityTLS:
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("tls handshake with %s: %w", a.opts.Address, err)
		}
		c = imapclient.New(tlsConn, options)
	case SecurityStartTLS:
		c, err = imapclient.NewStartTLS(conn, options)
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("starttls with %s: %w", a.opts.Address, err)
		}
	default:
		c = imapclient.New(conn, options)
	}

	stopClose := context.AfterFunc(ctx, func() { _ = c.Close() })

	if err := c.Login(a.opts.Username, a.opts.Password).Wait(); err != nil {
		stopClose()
		_ = c.Close()
		return nil, nil, fmt.Errorf("imap login failed for %s: %w", a.opts.Username, err)
	}

	done := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := c.Logout().Wait(); err != nil {
				a.log.Debug("imap logout failed", "error", err)
			}
		}
		_ = c.Close()
	}
	return c, done, nil
}

// selectEpoch selects mailbox and checks that its UIDVALIDITY still matches
// the one encoded in the message ID.
func (a *Adapter) selectEpoch(c *imapclient.Client, mailbox string, validity uint32, readOnly bool) error {
	sel, err := c.Select(mailbox, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		return fmt.Errorf("selecting %s: %w", mailbox, err)
	}
	if sel.UIDValidity != validity {
		return fmt.Errorf("uidvalidity changed (%d != %d): %w", sel.UIDValidity, validity, model.ErrNotFound)
	}
	return nil
}
