package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore 把会话保存在一张 key-value 表里（每个来源一行）。
type SQLiteStore struct {
	db *sql.DB
}

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
  source     TEXT PRIMARY KEY,
  cookie     TEXT NOT NULL,
  csrf_token TEXT NOT NULL DEFAULT '',
  expiry_ms  INTEGER NOT NULL
);`

// OpenSQLite 打开（必要时创建）path 处的数据库并建表。
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(sessionSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Load(ctx context.Context, source string) (Credential, bool, error) {
	var (
		c        Credential
		expiryMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT cookie, csrf_token, expiry_ms FROM sessions WHERE source = ?`,
		normSource(source),
	).Scan(&c.Cookie, &c.CSRFToken, &expiryMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("query session: %w", err)
	}
	c.Expiry = time.UnixMilli(expiryMS)
	return c, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, source string, c Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (source, cookie, csrf_token, expiry_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
		  cookie = excluded.cookie,
		  csrf_token = excluded.csrf_token,
		  expiry_ms = excluded.expiry_ms`,
		normSource(source), c.Cookie, c.CSRFToken, c.Expiry.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, source string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE source = ?`, normSource(source)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func normSource(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
