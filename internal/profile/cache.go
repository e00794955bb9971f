package profile

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"whatschat/internal/domain"
)

// Cache is a SQLite-backed profile cache with a freshness TTL. It keeps the
// chat screen from re-fetching user records for every rendered message.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
}

func OpenCache(dbPath string, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create cache directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open cache database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Cache{db: db, ttl: ttl, logger: logger}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache migration failed: %w", err)
	}
	return c, nil
}

func (c *Cache) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		user_id      TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		avatar_url   TEXT,
		fetched_at   DATETIME NOT NULL
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Get returns the cached profile for userID if it is still fresh.
func (c *Cache) Get(ctx context.Context, userID string) (*domain.UserProfile, bool, error) {
	var p domain.UserProfile
	var fetchedAt time.Time
	err := c.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, avatar_url, fetched_at FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if time.Since(fetchedAt) > c.ttl {
		return &p, false, nil
	}
	return &p, true, nil
}

// Put stores or refreshes a profile.
func (c *Cache) Put(ctx context.Context, p domain.UserProfile) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, display_name, avatar_url, fetched_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   display_name = excluded.display_name,
		   avatar_url   = excluded.avatar_url,
		   fetched_at   = excluded.fetched_at`,
		p.UserID, p.DisplayName, p.AvatarURL, time.Now(),
	)
	return err
}

// Invalidate drops a cached profile so the next lookup refetches it.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM profiles WHERE user_id = ?`, userID)
	return err
}

func (c *Cache) Close() error { return c.db.Close() }
