package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"github.com/jhillyerd/enmime"

	"github.com/njoerd114/mailmirror/internal/model"
)

// formatID builds the stable mirror ID of a message. UIDs are only unique
// within one UIDVALIDITY epoch, so both are part of the ID; a validity change
// makes every previous ID disappear from the snapshot and get evicted.
func formatID(validity uint32, uid imap.UID) string {
	return strconv.FormatUint(uint64(validity), 10) + ":" + strconv.FormatUint(uint64(uid), 10)
}

// parseID is the inverse of formatID.
func parseID(id string) (uint32, imap.UID, error) {
	v, u, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed message id %q", id)
	}
	validity, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed message id %q: %w", id, err)
	}
	uid, err := strconv.ParseUint(u, 10, 32)
	if err != nil || uid == 0 {
		return 0, 0, fmt.Errorf("malformed message id %q", id)
	}
	return uint32(validity), imap.UID(uid), nil
}

// seqRange returns the sequence-number range holding page [offset, offset+limit)
// of a mailbox with n messages, counted from the newest message.
func seqRange(n uint32, offset, limit int) (lo, hi uint32, ok bool) {
	if n == 0 || limit <= 0 || offset < 0 || uint64(offset) >= uint64(n) {
		return 0, 0, false
	}
	hi = n - uint32(offset)
	if uint64(limit) >= uint64(hi) {
		return 1, hi, true
	}
	return hi - uint32(limit) + 1, hi, true
}

// summaryFromBuffer converts fetched envelope data into a [model.Summary].
func summaryFromBuffer(validity uint32, buf *imapclient.FetchMessageBuffer) model.Summary {
	s := model.Summary{
		ID:         formatID(validity, buf.UID),
		ReceivedAt: buf.InternalDate,
		IsRead:     hasFlag(buf.Flags, imap.FlagSeen),
	}
	if env := buf.Envelope; env != nil {
		s.Subject = env.Subject
		s.Sender = senderOf(env)
		if s.ReceivedAt.IsZero() {
			s.ReceivedAt = env.Date
		}
	}
	return s
}

// visibleSummaries converts fetched messages, skipping those flagged
// \Deleted but not yet expunged.
func visibleSummaries(validity uint32, bufs []*imapclient.FetchMessageBuffer) []model.Summary {
	out := make([]model.Summary, 0, len(bufs))
	for _, buf := range bufs {
		if hasFlag(buf.Flags, imap.FlagDeleted) {
			continue
		}
		out = append(out, summaryFromBuffer(validity, buf))
	}
	return out
}

// canExpungeOne reports whether the server can expunge a single UID.
func canExpungeOne(caps imap.CapSet) bool {
	return caps.Has(imap.CapUIDPlus)
}

// sortNewestFirst orders fetched messages by descending sequence number.
func sortNewestFirst(bufs []*imapclient.FetchMessageBuffer) {
	sort.Slice(bufs, func(i, j int) bool { return bufs[i].SeqNum > bufs[j].SeqNum })
}

// senderOf renders the first From address as "Name <addr>" or just "addr".
func senderOf(env *imap.Envelope) string {
	if len(env.From) == 0 {
		return ""
	}
	from := env.From[0]
	if from.Name != "" {
		return from.Name + " <" + from.Addr() + ">"
	}
	return from.Addr()
}

func hasFlag(flags []imap.Flag, want imap.Flag) bool {
	for _, f := range flags {
		if strings.EqualFold(string(f), string(want)) {
			return true
		}
	}
	return false
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if strings.EqualFold(string(a), string(want)) {
			return true
		}
	}
	return false
}

// extractText returns the readable text of a raw RFC 5322 message. enmime
// down-converts HTML when the message has no text/plain part. If parsing
// fails the raw message is returned.
func extractText(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}
	return strings.TrimSpace(env.Text)
}

// replySubject prefixes subject with "Re: " unless it already is a reply.
func replySubject(subject string) string {
	trimmed := strings.TrimSpace(subject)
	if len(trimmed) >= 3 && strings.EqualFold(trimmed[:3], "re:") {
		return trimmed
	}
	return "Re: " + trimmed
}

// replyTarget picks Reply-To over From.
func replyTarget(env *imap.Envelope) []*mail.Address {
	src := env.ReplyTo
	if len(src) == 0 {
		src = env.From
	}
	out := make([]*mail.Address, 0, len(src))
	for _, a := range src {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Addr()})
	}
	return out
}

// buildReply composes a plain-text reply to the message described by env.
func buildReply(from string, env *imap.Envelope, body string, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", replyTarget(env))
	h.SetSubject(replySubject(env.Subject))
	if env.MessageID != "" {
		h.SetMsgIDList("In-Reply-To", []string{env.MessageID})
		h.SetMsgIDList("References", []string{env.MessageID})
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating reply writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("writing reply body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing reply writer: %w", err)
	}
	return buf.Bytes(), nil
}
