package chatsync

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// maxUploadSize caps attachment uploads at 50 MB.
const maxUploadSize = 50 * 1024 * 1024

// LocalAsset describes a file on disk that is about to become an attachment.
// Kind drives how the receiving side renders the message; Duration, Width and
// Height are caller-supplied metadata the server stores verbatim.
type LocalAsset struct {
	Path     string
	Name     string
	Mime     string
	Kind     MessageKind
	Duration float64
	Width    int
	Height   int
}

// progressReader reports the fraction of the source consumed so far.
type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	onProgress func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.onProgress != nil && p.total > 0 {
			frac := float64(p.read) / float64(p.total)
			if frac > 1 {
				frac = 1
			}
			p.onProgress(frac)
		}
	}
	return n, err
}

// Upload streams a local asset to the server as a multipart form and returns
// the stored attachment. onProgress, when non-nil, receives values in [0, 1]
// as the file body is consumed; it always sees 1 on success. Upload never
// retries: a failed attempt returns an *UploadError and the caller decides.
func (c *Client) Upload(ctx context.Context, asset LocalAsset, onProgress func(float64)) (*Attachment, error) {
	f, err := os.Open(asset.Path)
	if err != nil {
		return nil, &UploadError{Err: fmt.Errorf("open asset: %w", err)}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &UploadError{Err: fmt.Errorf("stat asset: %w", err)}
	}
	if info.Size() > maxUploadSize {
		return nil, &UploadError{Err: fmt.Errorf("file exceeds maximum size of 50 MB")}
	}

	name := asset.Name
	if name == "" {
		name = filepath.Base(asset.Path)
	}
	mimeType := asset.Mime
	if mimeType == "" {
		mimeType = guessMimeType(name)
	}

	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	go func() {
		part, err := w.CreateFormFile("file", name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		src := &progressReader{r: f, total: info.Size(), onProgress: onProgress}
		if _, err := io.Copy(part, src); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(w.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", pr)
	if err != nil {
		return nil, &UploadError{Err: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeader(req)

	c.log.Debug().Str("name", name).Int64("size", info.Size()).Str("mime", mimeType).Msg("uploading attachment")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UploadError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UploadError{Status: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
	}

	att, err := decodeJSON[Attachment](body)
	if err != nil {
		return nil, err
	}
	att.URL = c.resolveURL(att.URL)
	if att.Name == "" {
		att.Name = name
	}
	if att.Mime == "" {
		att.Mime = mimeType
	}
	if att.Size == 0 {
		att.Size = info.Size()
	}
	if att.Duration == 0 {
		att.Duration = asset.Duration
	}
	if att.Width == 0 {
		att.Width = asset.Width
	}
	if att.Height == 0 {
		att.Height = asset.Height
	}

	if onProgress != nil {
		onProgress(1)
	}
	return att, nil
}

// guessMimeType returns a MIME type from the file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".m4a": "audio/m4a", ".webp": "image/webp", ".webm": "video/webm",
		".heic": "image/heic",
	}
	if m, ok := fallback[strings.ToLower(ext)]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		// Strip charset parameter (e.g. "text/plain; charset=utf-8" → "text/plain")
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
