package snapshot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

// ProgressFunc is invoked periodically during a download with the number of
// bytes transferred so far and, when the server reports one, the total
// expected size (0 if unknown).
type ProgressFunc func(bytesSoFar, total int64)

// progressWriter wraps an io.Writer, invoking cb after every write.
type progressWriter struct {
	w     io.Writer
	total int64
	sofar int64
	cb    ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.sofar += int64(n)
	if p.cb != nil {
		p.cb(p.sofar, p.total)
	}
	return n, err
}

// downloadTo fetches url into the file at path, resuming from whatever
// bytes are already there (if any) via an HTTP Range request. The caller is
// responsible for cleaning up path on failure; a partial download is left
// in place specifically so a retry can resume it.
func downloadTo(ctx context.Context, client *http.Client, url, path string, progress ProgressFunc) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: opening download destination: %w", err)
	}
	defer f.Close()

	existing, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("snapshot: seeking download destination: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("snapshot: building request: %w", err)
	}
	if existing > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existing))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("snapshot: downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the Range request (or there was none); it's
		// sending the whole body from byte zero, so the local partial
		// file (if any) must be discarded first.
		if existing > 0 {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("snapshot: rewinding download destination: %w", err)
			}
			if err := f.Truncate(0); err != nil {
				return fmt.Errorf("snapshot: truncating download destination: %w", err)
			}
			existing = 0
		}
	case http.StatusPartialContent:
		// Resuming: the file cursor is already at `existing`, matching
		// where the server's partial body picks up.
	case http.StatusRequestedRangeNotSatisfiable:
		// The file on disk is already complete (or the server thinks so);
		// nothing more to do.
		return nil
	default:
		return fmt.Errorf("snapshot: downloading %s: unexpected status %s", url, resp.Status)
	}

	total := existing + resp.ContentLength
	if resp.ContentLength < 0 {
		total = 0
	}
	pw := &progressWriter{w: f, total: total, sofar: existing, cb: progress}
	if _, err := io.Copy(pw, resp.Body); err != nil {
		return fmt.Errorf("snapshot: writing downloaded bytes: %w", err)
	}
	return f.Sync()
}
