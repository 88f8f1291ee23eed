// Package state manages the SQLite database that holds the local mirror of the
// remote mailbox, the key/value settings and the knowledge fragments used for
// reply generation.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/mailmirror/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS emails (
    id              TEXT    PRIMARY KEY,
    subject         TEXT    NOT NULL DEFAULT '',
    sender          TEXT    NOT NULL DEFAULT '',
    body            TEXT    NOT NULL DEFAULT '',
    date            TEXT    NOT NULL DEFAULT '',
    is_read         INTEGER NOT NULL DEFAULT 0,
    ai_response     TEXT,
    status          TEXT    NOT NULL DEFAULT 'PENDING',
    processed_at    TEXT,
    body_checked_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_emails_date   ON emails (date DESC);
CREATE INDEX IF NOT EXISTS idx_emails_status ON emails (status);

CREATE TABLE IF NOT EXISTS settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS documents (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    filename   TEXT    NOT NULL,
    chunk      INTEGER NOT NULL DEFAULT 0,
    content    TEXT    NOT NULL,
    created_at TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_documents_filename ON documents (filename);
`

// ErrResponseRequired is returned by [Store.SetStatus] when an item would be
// marked processed without a stored reply.
var ErrResponseRequired = errors.New("processed status requires an AI response")

// Store is the SQLite-backed mirror repository.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// DefaultDBPath returns the default path for the mirror database:
// ~/.local/share/mailmirror/mirror.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "mailmirror", "mirror.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL. This also serialises the
	// mirror loop and the HTTP API.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS) and adds
// columns introduced after the first release.
func migrate(db *sqlx.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return addColumn(db, "emails", "body_checked_at", "TEXT")
}

// addColumn adds column to table unless it already exists.
func addColumn(db *sqlx.DB, table, column, decl string) error {
	var n int
	if err := db.Get(&n, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column); err != nil {
		return fmt.Errorf("inspecting %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + decl); err != nil {
		return fmt.Errorf("adding %s.%s: %w", table, column, err)
	}
	return nil
}

// --- Mirrored items ----------------------------------------------------------

// Upsert inserts item or merges it into the existing row with the same ID
// using [model.Merge]. The read and the write run in one transaction.
func (s *Store) Upsert(ctx context.Context, item *model.Item) error {
	if item.ID == "" {
		return errors.New("upserting item: empty id")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upserting item %q: begin: %w", item.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := getItem(ctx, tx, item.ID)
	if err != nil {
		return fmt.Errorf("upserting item %q: %w", item.ID, err)
	}

	merged := *item
	if existing != nil {
		merged = model.Merge(*existing, *item)
	} else if !merged.Status.Valid() {
		merged.Status = model.StatusPending
	}

	const q = `
		INSERT INTO emails
		    (id, subject, sender, body, date, is_read, ai_response, status, processed_at)
		VALUES (:id, :subject, :sender, :body, :date, :is_read, :ai_response, :status, :processed_at)
		ON CONFLICT(id) DO UPDATE SET
		    subject      = excluded.subject,
		    sender       = excluded.sender,
		    body         = excluded.body,
		    date         = excluded.date,
		    is_read      = excluded.is_read,
		    ai_response  = excluded.ai_response,
		    status       = excluded.status,
		    processed_at = excluded.processed_at`

	if _, err := tx.NamedExecContext(ctx, q, toRow(merged)); err != nil {
		return fmt.Errorf("upserting item %q: %w", item.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upserting item %q: commit: %w", item.ID, err)
	}
	return nil
}

// Get returns the item with the given ID, or (nil, nil) if no such item exists.
func (s *Store) Get(ctx context.Context, id string) (*model.Item, error) {
	item, err := getItem(ctx, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("getting item %q: %w", id, err)
	}
	return item, nil
}

// List returns a page of items ordered by received time, newest first, along
// with the total number of mirrored items.
func (s *Store) List(ctx context.Context, offset, limit int) ([]model.Item, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 20
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM emails`); err != nil {
		return nil, 0, fmt.Errorf("counting items: %w", err)
	}

	var rows []itemRow
	const q = `SELECT ` + itemColumns + ` FROM emails ORDER BY date DESC, id DESC LIMIT ? OFFSET ?`
	if err := s.db.SelectContext(ctx, &rows, q, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("listing items: %w", err)
	}

	items := make([]model.Item, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toItem())
	}
	return items, total, nil
}

// Delete removes the item with the given ID. It reports whether a row existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM emails WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting item %q: %w", id, err)
	}
	return affected(res)
}

// ListIDs returns the IDs of every mirrored item.
func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM emails`); err != nil {
		return nil, fmt.Errorf("listing item ids: %w", err)
	}
	return ids, nil
}

// ListIDsMissingBody returns up to limit IDs of items without a body. Items
// never tried come first, newest first; items already tried without result
// follow, least recently tried first.
func (s *Store) ListIDsMissingBody(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	var ids []string
	const q = `
		SELECT id FROM emails WHERE body = ''
		ORDER BY body_checked_at IS NOT NULL, body_checked_at, date DESC, id DESC
		LIMIT ?`
	if err := s.db.SelectContext(ctx, &ids, q, limit); err != nil {
		return nil, fmt.Errorf("listing ids missing body: %w", err)
	}
	return ids, nil
}

// SetBody stores a fetched body. An empty body is ignored so a fetched body is
// never erased. It reports whether the row was updated.
func (s *Store) SetBody(ctx context.Context, id, body string) (bool, error) {
	if body == "" {
		return false, nil
	}
	const q = `UPDATE emails SET body = ?, body_checked_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, body, formatTime(s.now()), id)
	if err != nil {
		return false, fmt.Errorf("setting body for %q: %w", id, err)
	}
	return affected(res)
}

// MarkBodyChecked records a body fetch that produced no text, so that
// [Store.ListIDsMissingBody] moves the item behind untried ones.
func (s *Store) MarkBodyChecked(ctx context.Context, id string) error {
	const q = `UPDATE emails SET body_checked_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, formatTime(s.now()), id); err != nil {
		return fmt.Errorf("marking body checked for %q: %w", id, err)
	}
	return nil
}

// SetReadState updates the local read flag.
func (s *Store) SetReadState(ctx context.Context, id string, read bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE emails SET is_read = ? WHERE id = ?`, read, id)
	if err != nil {
		return false, fmt.Errorf("setting read state for %q: %w", id, err)
	}
	return affected(res)
}

// SetStatus changes the workflow status of an item. When aiResponse is
// non-empty the reply and the processing time are written in the same
// statement. It reports whether the item exists.
func (s *Store) SetStatus(ctx context.Context, id string, status model.Status, aiResponse string) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("setting status for %q: invalid status %q", id, status)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("setting status for %q: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := getItem(ctx, tx, id)
	if err != nil {
		return false, fmt.Errorf("setting status for %q: %w", id, err)
	}
	if existing == nil {
		return false, nil
	}
	if status == model.StatusProcessed && aiResponse == "" && existing.AIResponse == "" {
		return false, fmt.Errorf("setting status for %q: %w", id, ErrResponseRequired)
	}

	if aiResponse != "" {
		const q = `UPDATE emails SET status = ?, ai_response = ?, processed_at = ? WHERE id = ?`
		_, err = tx.ExecContext(ctx, q, string(status), aiResponse, formatTime(s.now()), id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE emails SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return false, fmt.Errorf("setting status for %q: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("setting status for %q: commit: %w", id, err)
	}
	return true, nil
}

// Count returns the number of mirrored items.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM emails`); err != nil {
		return 0, fmt.Errorf("counting items: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of mirrored items in the given status.
func (s *Store) CountByStatus(ctx context.Context, status model.Status) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM emails WHERE status = ?`, string(status)); err != nil {
		return 0, fmt.Errorf("counting %s items: %w", status, err)
	}
	return n, nil
}

// Reset removes every mirrored item. Settings and knowledge are kept.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM emails`); err != nil {
		return fmt.Errorf("resetting mirror: %w", err)
	}
	return nil
}

// --- Settings ----------------------------------------------------------------

// GetSetting returns the stored value for key, or def when the key is absent.
// On a query failure def is returned together with the error.
func (s *Store) GetSetting(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("getting setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting stores value under key, replacing any previous value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const q = `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, key, value, formatTime(s.now())); err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

// AllSettings returns every stored setting.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, value FROM settings ORDER BY key`); err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// --- Knowledge fragments -----------------------------------------------------

// Fragment is one stored chunk of an indexed document.
type Fragment struct {
	Filename string `db:"filename"`
	Chunk    int    `db:"chunk"`
	Content  string `db:"content"`
}

// Document summarises one indexed file.
type Document struct {
	Filename string    `json:"filename"`
	Chunks   int       `json:"chunks"`
	AddedAt  time.Time `json:"added_at"`
}

// ReplaceDocument stores the chunks of filename, replacing any chunks indexed
// earlier under the same name.
func (s *Store) ReplaceDocument(ctx context.Context, filename string, chunks []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("indexing %q: begin: %w", filename, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE filename = ?`, filename); err != nil {
		return fmt.Errorf("indexing %q: clearing previous chunks: %w", filename, err)
	}

	created := formatTime(s.now())
	for i, chunk := range chunks {
		const q = `INSERT INTO documents (filename, chunk, content, created_at) VALUES (?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, q, filename, i, chunk, created); err != nil {
			return fmt.Errorf("indexing %q chunk %d: %w", filename, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("indexing %q: commit: %w", filename, err)
	}
	return nil
}

// DeleteDocument removes every chunk of filename and returns how many were removed.
func (s *Store) DeleteDocument(ctx context.Context, filename string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE filename = ?`, filename)
	if err != nil {
		return 0, fmt.Errorf("deleting document %q: %w", filename, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting document %q: %w", filename, err)
	}
	return int(n), nil
}

// FragmentsMatching returns up to limit fragments whose content contains at
// least one of terms (case-insensitive). Terms must not contain LIKE wildcards.
func (s *Store) FragmentsMatching(ctx context.Context, terms []string, limit int) ([]Fragment, error) {
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	conds := make([]string, 0, len(terms))
	args := make([]any, 0, len(terms)+1)
	for _, term := range terms {
		conds = append(conds, "lower(content) LIKE ?")
		args = append(args, "%"+strings.ToLower(term)+"%")
	}
	args = append(args, limit)

	q := `SELECT filename, chunk, content FROM documents WHERE ` +
		strings.Join(conds, " OR ") + ` ORDER BY id LIMIT ?`

	var frags []Fragment
	if err := s.db.SelectContext(ctx, &frags, q, args...); err != nil {
		return nil, fmt.Errorf("searching fragments: %w", err)
	}
	return frags, nil
}

// ListDocuments returns one entry per indexed file.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	var rows []struct {
		Filename string `db:"filename"`
		Chunks   int    `db:"chunks"`
		AddedAt  string `db:"added_at"`
	}
	const q = `
		SELECT filename, COUNT(*) AS chunks, MIN(created_at) AS added_at
		FROM documents GROUP BY filename ORDER BY filename`
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}

	docs := make([]Document, 0, len(rows))
	for _, r := range rows {
		added, _ := parseTime(r.AddedAt)
		docs = append(docs, Document{Filename: r.Filename, Chunks: r.Chunks, AddedAt: added})
	}
	return docs, nil
}

// --- helpers -----------------------------------------------------------------

const itemColumns = `id, subject, sender, body, date, is_read, ai_response, status, processed_at`

// itemRow is the database shape of a mirrored item.
type itemRow struct {
	ID          string         `db:"id"`
	Subject     string         `db:"subject"`
	Sender      string         `db:"sender"`
	Body        string         `db:"body"`
	Date        string         `db:"date"`
	IsRead      bool           `db:"is_read"`
	AIResponse  sql.NullString `db:"ai_response"`
	Status      string         `db:"status"`
	ProcessedAt sql.NullString `db:"processed_at"`
}

func toRow(item model.Item) itemRow {
	r := itemRow{
		ID:      item.ID,
		Subject: item.Subject,
		Sender:  item.Sender,
		Body:    item.Body,
		Date:    formatTime(item.ReceivedAt),
		IsRead:  item.IsRead,
		Status:  string(item.Status),
	}
	if item.AIResponse != "" {
		r.AIResponse = sql.NullString{String: item.AIResponse, Valid: true}
	}
	if !item.ProcessedAt.IsZero() {
		r.ProcessedAt = sql.NullString{String: formatTime(item.ProcessedAt), Valid: true}
	}
	return r
}

func (r itemRow) toItem() model.Item {
	item := model.Item{
		ID:         r.ID,
		Subject:    r.Subject,
		Sender:     r.Sender,
		Body:       r.Body,
		IsRead:     r.IsRead,
		Status:     model.Status(r.Status),
		AIResponse: r.AIResponse.String,
	}
	item.ReceivedAt, _ = parseTime(r.Date)
	if r.ProcessedAt.Valid {
		item.ProcessedAt, _ = parseTime(r.ProcessedAt.String)
	}
	return item
}

// getItem works against both the pool and an open transaction.
func getItem(ctx context.Context, q sqlx.QueryerContext, id string) (*model.Item, error) {
	var r itemRow
	err := sqlx.GetContext(ctx, q, &r, `SELECT `+itemColumns+` FROM emails WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning item row: %w", err)
	}
	item := r.toItem()
	return &item, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return n > 0, nil
}

// timeLayout is fixed-width so that lexical order in SQLite matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
