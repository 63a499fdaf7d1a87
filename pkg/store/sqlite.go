package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite persists document snapshots and the access control list in a single
// sqlite database. Content is stored base64 encoded in a text column.
type SQLite struct {
	db *sql.DB
	// openAccess grants read+write to any authenticated user on documents
	// that have no acl rows at all. Single tenant deployments run like this.
	openAccess bool
}

func OpenSQLite(path string, openAccess bool) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &SQLite{db: db, openAccess: openAccess}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	slog.Info("Ensuring initial tables exist")
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS documents (
		id text not null primary key,
		content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS document_acl (
		document_id text not null,
		user_id text not null,
		can_write integer not null default 0,
		primary key (document_id, user_id)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create document_acl table: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Load(ctx context.Context, documentID string) ([]byte, error) {
	var rawContent string
	if err := s.db.QueryRowContext(
		ctx, `SELECT content FROM documents WHERE id = ?`, documentID,
	).Scan(&rawContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	return raw, nil
}

// Save upserts the document snapshot. Writing identical content is skipped so
// that the periodic flush does not churn the database file.
func (s *SQLite) Save(ctx context.Context, documentID string, content []byte) error {
	encoded := base64.StdEncoding.EncodeToString(content)
	res, err := s.db.ExecContext(
		ctx, `UPDATE documents SET content = ? WHERE id = ? AND content != ?`,
		encoded, documentID, encoded,
	)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if r, err := res.RowsAffected(); err == nil && r > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(
		ctx, `INSERT OR IGNORE INTO documents (id, content) VALUES (?, ?)`,
		documentID, encoded,
	); err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func (s *SQLite) CanAccess(ctx context.Context, userID, documentID string) (Capabilities, error) {
	var canWrite bool
	err := s.db.QueryRowContext(
		ctx, `SELECT can_write FROM document_acl WHERE document_id = ? AND user_id = ?`,
		documentID, userID,
	).Scan(&canWrite)
	if err == nil {
		return Capabilities{Read: true, Write: canWrite}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Capabilities{}, fmt.Errorf("failed to query acl: %w", err)
	}
	if s.openAccess {
		var n int
		if err := s.db.QueryRowContext(
			ctx, `SELECT COUNT(1) FROM document_acl WHERE document_id = ?`, documentID,
		).Scan(&n); err != nil {
			return Capabilities{}, fmt.Errorf("failed to count acl: %w", err)
		}
		if n == 0 {
			return Capabilities{Read: true, Write: true}, nil
		}
	}
	return Capabilities{}, ErrDenied
}

// Grant inserts or replaces an acl row. Used by tests and provisioning.
func (s *SQLite) Grant(ctx context.Context, userID, documentID string, canWrite bool) error {
	if _, err := s.db.ExecContext(
		ctx, `INSERT OR REPLACE INTO document_acl (document_id, user_id, can_write) VALUES (?, ?, ?)`,
		documentID, userID, canWrite,
	); err != nil {
		return fmt.Errorf("failed to grant access: %w", err)
	}
	return nil
}
