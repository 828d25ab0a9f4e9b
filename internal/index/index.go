// Package index stores submitted documents in SQLite.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/harvester/pkg/types"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("document not found")

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	fields     TEXT NOT NULL DEFAULT '{}',
	source     TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_updated_at ON documents(updated_at);
`

var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}

// Index is the SQLite document sink. It implements harvest.Loader.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens or creates the index at path. ":memory:" gives a private
// in-memory index.
func Open(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("index: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open: %w", err)
	}
	// pragmas are per connection, and :memory: is per connection too
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("index: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}

	return &Index{
		db:     db,
		logger: logger.With("component", "index"),
		now:    time.Now,
	}, nil
}

// Load upserts docs in one transaction.
func (ix *Index) Load(ctx context.Context, docs []types.Document) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (id, title, body, fields, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			fields = excluded.fields,
			source = excluded.source,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("index: prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := ix.now().UnixMilli()
	for _, d := range docs {
		fields, err := json.Marshal(d.Fields)
		if err != nil {
			return fmt.Errorf("index: encode fields of %q: %w", d.ID, err)
		}
		if d.Fields == nil {
			fields = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx, d.ID, d.Title, d.Body, string(fields), d.Source, now); err != nil {
			return fmt.Errorf("index: upsert %q: %w", d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	ix.logger.Debug("Documents loaded", "count", len(docs))
	return nil
}

// Delete removes ids. Unknown ids are ignored.
func (ix *Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
			return fmt.Errorf("index: delete %q: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	ix.logger.Debug("Documents deleted", "count", len(ids))
	return nil
}

// Count returns the number of indexed documents.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: count: %w", err)
	}
	return n, nil
}

// Get returns the document stored under id.
func (ix *Index) Get(ctx context.Context, id string) (types.Document, error) {
	row := ix.db.QueryRowContext(ctx,
		`SELECT id, title, body, fields, source FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Document{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return doc, err
}

// Search returns up to limit documents whose title or body contains term,
// most recently updated first.
func (ix *Index) Search(ctx context.Context, term string, limit int) ([]types.Document, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(term) + "%"
	rows, err := ix.db.QueryContext(ctx, `
		SELECT id, title, body, fields, source FROM documents
		WHERE title LIKE ? ESCAPE '\' OR body LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC, id
		LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()

	var out []types.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// Close closes the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (types.Document, error) {
	var (
		doc    types.Document
		fields string
	)
	if err := s.Scan(&doc.ID, &doc.Title, &doc.Body, &fields, &doc.Source); err != nil {
		return types.Document{}, err
	}
	if fields != "" && fields != "{}" {
		if err := json.Unmarshal([]byte(fields), &doc.Fields); err != nil {
			return types.Document{}, fmt.Errorf("index: decode fields of %q: %w", doc.ID, err)
		}
	}
	return doc, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
