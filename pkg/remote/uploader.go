package remote

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
)

// Uploader pushes layer files to Storage with capped exponential backoff.
// Object-store hiccups are resource errors: retried, never dropped; the
// caller backpressures on the in-memory copy instead of losing data.
type Uploader struct {
	storage Storage

	minBackoff time.Duration
	maxBackoff time.Duration
	attempts   int
}

func NewUploader(storage Storage) *Uploader {
	return &Uploader{
		storage:    storage,
		minBackoff: 100 * time.Millisecond,
		maxBackoff: 10 * time.Second,
		attempts:   8,
	}
}

// UploadFile stores the file at path under name, retrying until it
// succeeds, the attempt budget runs out, or ctx is canceled.
func (u *Uploader) UploadFile(ctx context.Context, name, path string) error {
	return u.retry(ctx, "upload", name, func() error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return u.storage.Put(ctx, name, f)
	})
}

// DownloadFile fetches blob name into path (tmp+rename).
func (u *Uploader) DownloadFile(ctx context.Context, name, path string) error {
	return u.retry(ctx, "download", name, func() error {
		r, err := u.storage.Get(ctx, name)
		if err != nil {
			return err
		}
		defer r.Close()
		tmp, err := os.CreateTemp(filepath.Dir(path), ".fetch.*")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())
		if _, err := io.Copy(tmp, r); err != nil {
			tmp.Close()
			return err
		}
		if err := tmp.Close(); err != nil {
			return err
		}
		return os.Rename(tmp.Name(), path)
	})
}

// Delete removes blob name; not-found is success.
func (u *Uploader) Delete(ctx context.Context, name string) error {
	return u.retry(ctx, "delete", name, func() error {
		err := u.storage.Delete(ctx, name)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
}

func (u *Uploader) retry(ctx context.Context, op, name string, do func() error) error {
	backoff := u.minBackoff
	var err error
	for attempt := 1; attempt <= u.attempts; attempt++ {
		if err = do(); err == nil {
			return nil
		}
		// A missing blob will not appear on retry.
		if errors.Is(err, ErrNotFound) {
			return err
		}
		slog.Warn("remote storage operation failed, retrying",
			"op", op, "blob", name, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > u.maxBackoff {
			backoff = u.maxBackoff
		}
	}
	return errors.Wrapf(err, "remote %s of %s failed after %d attempts", op, name, u.attempts)
}
