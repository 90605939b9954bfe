// Package sqlite provides the SQLite-backed account store the server uses by
// default.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/DoyleJ11/pong-sync/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Authenticate(ctx context.Context, username, credential string) (store.UserID, bool, error) {
	var (
		id   int64
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, credential_hash FROM users WHERE username = ?`, username,
	).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, store.ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %q: %w", username, err)
	}
	return store.UserID(id), store.CheckCredential(hash, credential), nil
}

func (s *Store) Register(ctx context.Context, username, credential string) (store.UserID, error) {
	hash, err := store.HashCredential(credential)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, credential_hash, created_at) VALUES (?, ?, ?)`,
		username, hash, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("register %q: %w", username, store.ErrUsernameTaken)
		}
		return 0, fmt.Errorf("register %q: %w", username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("register %q: %w", username, err)
	}
	return store.UserID(id), nil
}

func (s *Store) RecordResult(ctx context.Context, id store.UserID, r store.Result) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err = tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, int64(id)).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("record result for %d: %w", id, store.ErrNotFound)
		}
		return fmt.Errorf("record result for %d: %w", id, err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO results (match_id, user_id, outcome, recorded_at) VALUES (?, ?, ?, ?)`,
		r.MatchID, int64(id), string(r.Outcome), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	if inserted == 1 {
		wins, losses := r.Outcome.Counts()
		if _, err = tx.ExecContext(ctx,
			`UPDATE users SET games = games + 1, wins = wins + ?, losses = losses + ? WHERE id = ?`,
			wins, losses, int64(id),
		); err != nil {
			return fmt.Errorf("update stats: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) GetStats(ctx context.Context, id store.UserID) (store.Stats, error) {
	var st store.Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT games, wins, losses FROM users WHERE id = ?`, int64(id),
	).Scan(&st.Games, &st.Wins, &st.Losses)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Stats{}, fmt.Errorf("stats for %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Stats{}, fmt.Errorf("stats for %d: %w", id, err)
	}
	return st, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
