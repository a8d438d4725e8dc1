package chatsync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DownloadManager fetches message attachments to local disk, exactly once
// per message. Completed downloads are recorded in the index; a later
// request for the same message returns the cached path without touching the
// network. Interrupted downloads leave a .part file that the next attempt
// resumes with a Range request.
type DownloadManager struct {
	client *Client
	index  *DownloadIndex
	dir    string
	log    zerolog.Logger
}

// NewDownloadManager builds a manager that stores files under dir and
// tracks them in index.
func NewDownloadManager(client *Client, index *DownloadIndex, dir string) *DownloadManager {
	return &DownloadManager{
		client: client,
		index:  index,
		dir:    dir,
		log:    client.log.With().Str("component", "download").Logger(),
	}
}

// Download fetches msg's attachment into the chat's cache directory and
// returns the local path. A valid cache hit short-circuits without any
// network traffic. onProgress, when non-nil, receives (written, expected)
// byte counts; expected is -1 when the server does not send a length.
// Failures return a *DownloadError and leave the partial file in place for
// the next attempt to resume.
func (m *DownloadManager) Download(ctx context.Context, chatID string, msg Message, onProgress func(written, expected int64)) (string, error) {
	if msg.Attachment == nil {
		return "", ErrNoAttachment
	}

	if cached, err := m.index.Get(ctx, chatID, msg.ID); err == nil && cached != nil {
		if _, statErr := os.Stat(cached.Path); statErr == nil {
			return cached.Path, nil
		}
		// Stale entry: the file was evicted behind our back.
		_ = m.index.Delete(ctx, chatID, msg.ID)
	}

	dest := m.localPath(chatID, msg)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", &DownloadError{Err: fmt.Errorf("create cache dir: %w", err)}
	}

	part := dest + ".part"
	written, err := m.fetch(ctx, msg.Attachment.URL, part, onProgress)
	if err != nil {
		return "", err
	}

	if err := os.Rename(part, dest); err != nil {
		return "", &DownloadError{Err: fmt.Errorf("finalize download: %w", err)}
	}

	if err := m.index.Put(ctx, &CachedFile{
		ChatID:       chatID,
		MessageID:    msg.ID,
		Path:         dest,
		Size:         written,
		DownloadedAt: time.Now(),
	}); err != nil {
		m.log.Warn().Err(err).Str("message_id", msg.ID).Msg("download index write failed")
	}

	m.log.Debug().Str("message_id", msg.ID).Int64("size", written).Msg("attachment downloaded")
	return dest, nil
}

// fetch streams url into part, resuming from its current size when the
// server honors Range. It returns the final size of the file.
func (m *DownloadManager) fetch(ctx context.Context, url, part string, onProgress func(written, expected int64)) (int64, error) {
	var offset int64
	if info, err := os.Stat(part); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.client.resolveURL(url), nil)
	if err != nil {
		return 0, &DownloadError{Err: err}
	}
	m.client.setAuthHeader(req)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := m.client.httpClient.Do(req)
	if err != nil {
		return 0, &DownloadError{Err: err}
	}
	defer resp.Body.Close()

	var f *os.File
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		f, err = os.OpenFile(part, os.O_WRONLY|os.O_APPEND, 0o644)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Full body: the server ignored (or never saw) the Range header.
		offset = 0
		f, err = os.Create(part)
	default:
		return 0, &DownloadError{Status: resp.StatusCode}
	}
	if err != nil {
		return 0, &DownloadError{Err: fmt.Errorf("open partial file: %w", err)}
	}
	defer f.Close()

	expected := int64(-1)
	if resp.ContentLength >= 0 {
		expected = offset + resp.ContentLength
	}

	written := offset
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return 0, &DownloadError{Err: writeErr}
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(written, expected)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// Partial file stays on disk; the next attempt resumes here.
			return 0, &DownloadError{Err: readErr}
		}
	}
	return written, nil
}

// localPath builds the deterministic cache path for one message attachment.
func (m *DownloadManager) localPath(chatID string, msg Message) string {
	name := msg.Attachment.Name
	if name == "" {
		name = filepath.Base(msg.Attachment.URL)
	}
	file := fmt.Sprintf("%s-%s", sanitizePathComponent(msg.ID), sanitizePathComponent(name))
	return filepath.Join(m.dir, sanitizePathComponent(chatID), file)
}

// sanitizePathComponent removes dangerous characters from path components.
func sanitizePathComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "unnamed"
	}
	return s
}
