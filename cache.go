package chatsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const cacheBusyTimeout = 5000

// CachedFile is one row of the download index: a message attachment that has
// been fully downloaded to local disk.
type CachedFile struct {
	ChatID       string
	MessageID    string
	Path         string
	Size         int64
	DownloadedAt time.Time
}

// DownloadIndex is the persistent map from message attachments to local
// files. It only promises what it records: a hit must still be validated
// against the filesystem, since cached files can be evicted externally.
type DownloadIndex struct {
	db *sql.DB
}

// OpenDownloadIndex opens (or creates) the index database at path and runs
// migrations. Call Close when done.
func OpenDownloadIndex(ctx context.Context, path string) (*DownloadIndex, error) {
	if path == "" {
		path = "chatsync-downloads.db"
	}
	db, err := sql.Open("sqlite", buildCacheDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", cacheBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	idx := &DownloadIndex{db: db}
	if err := idx.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func buildCacheDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d", path, separator, cacheBusyTimeout)
}

func (idx *DownloadIndex) migrate(ctx context.Context) error {
	_, err := idx.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS downloads (
		chat_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		downloaded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (chat_id, message_id)
	);`)
	return err
}

// Close releases the underlying DB connection.
func (idx *DownloadIndex) Close() error {
	if idx == nil || idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

// Get fetches the index entry for one message, or nil when absent.
func (idx *DownloadIndex) Get(ctx context.Context, chatID, messageID string) (*CachedFile, error) {
	row := idx.db.QueryRowContext(ctx,
		`SELECT chat_id, message_id, path, size, downloaded_at FROM downloads WHERE chat_id = ? AND message_id = ?`,
		chatID, messageID)
	var cf CachedFile
	if err := row.Scan(&cf.ChatID, &cf.MessageID, &cf.Path, &cf.Size, &cf.DownloadedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cf, nil
}

// Put records a completed download, replacing any previous entry for the
// same message.
func (idx *DownloadIndex) Put(ctx context.Context, cf *CachedFile) error {
	_, err := idx.db.ExecContext(ctx,
		`INSERT INTO downloads(chat_id, message_id, path, size, downloaded_at) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id, message_id) DO UPDATE SET path = excluded.path, size = excluded.size, downloaded_at = excluded.downloaded_at`,
		cf.ChatID, cf.MessageID, cf.Path, cf.Size, cf.DownloadedAt.UTC())
	return err
}

// Delete removes the entry for one message. Deleting a missing entry is not
// an error.
func (idx *DownloadIndex) Delete(ctx context.Context, chatID, messageID string) error {
	_, err := idx.db.ExecContext(ctx,
		`DELETE FROM downloads WHERE chat_id = ? AND message_id = ?`, chatID, messageID)
	return err
}

// Validate drops every entry whose file no longer exists on disk and
// returns how many were dropped.
func (idx *DownloadIndex) Validate(ctx context.Context) (int, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT chat_id, message_id, path FROM downloads`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type key struct{ chatID, messageID string }
	var stale []key
	for rows.Next() {
		var chatID, messageID, path string
		if err := rows.Scan(&chatID, &messageID, &path); err != nil {
			return 0, err
		}
		if _, err := os.Stat(path); err != nil {
			stale = append(stale, key{chatID, messageID})
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, k := range stale {
		if err := idx.Delete(ctx, k.chatID, k.messageID); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
