package remote

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func TestLocalFSPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	blob := []byte("layer bytes")
	if err := s.Put(ctx, "tl1/D__x", bytes.NewReader(blob)); err != nil {
		t.Fatal(err)
	}
	r, err := s.Get(ctx, "tl1/D__x")
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	r.Close()
	if err != nil || !bytes.Equal(got, blob) {
		t.Fatalf("got %q, %v", got, err)
	}

	if err := s.Delete(ctx, "tl1/D__x"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "tl1/D__x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: %v, want ErrNotFound", err)
	}
	// Deleting a missing blob is not an error.
	if err := s.Delete(ctx, "tl1/D__x"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestLocalFSList(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a/1", "a/2", "b/1"} {
		if err := s.Put(ctx, name, strings.NewReader("x")); err != nil {
			t.Fatal(err)
		}
	}
	names, err := s.List(ctx, "a/")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"a/1", "a/2"}) {
		t.Errorf("List = %v", names)
	}
}

func TestUploaderRoundtrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	u := NewUploader(s)

	dir := t.TempDir()
	src := filepath.Join(dir, "layer")
	if err := os.WriteFile(src, []byte("sealed layer"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := u.UploadFile(ctx, "tl/layer", src); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "fetched")
	if err := u.DownloadFile(ctx, "tl/layer", dst); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "sealed layer" {
		t.Fatalf("downloaded %q, %v", got, err)
	}
}

// flaky fails every operation a fixed number of times before delegating.
type flaky struct {
	Storage
	failures int
}

func (f *flaky) Put(ctx context.Context, name string, r io.Reader) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("transient")
	}
	return f.Storage.Put(ctx, name, r)
}

func TestUploaderRetries(t *testing.T) {
	ctx := context.Background()
	base, err := NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	u := NewUploader(&flaky{Storage: base, failures: 2})
	u.minBackoff = time.Millisecond
	u.maxBackoff = time.Millisecond

	dir := t.TempDir()
	src := filepath.Join(dir, "layer")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := u.UploadFile(ctx, "tl/layer", src); err != nil {
		t.Fatalf("upload did not survive transient failures: %v", err)
	}
	if _, err := base.Get(ctx, "tl/layer"); err != nil {
		t.Errorf("blob missing after retries: %v", err)
	}
}

func TestUploaderGivesUp(t *testing.T) {
	ctx := context.Background()
	base, err := NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	u := NewUploader(&flaky{Storage: base, failures: 100})
	u.minBackoff = time.Millisecond
	u.maxBackoff = time.Millisecond
	u.attempts = 3

	dir := t.TempDir()
	src := filepath.Join(dir, "layer")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := u.UploadFile(ctx, "tl/layer", src); err == nil {
		t.Fatal("upload succeeded against a permanently failing store")
	}
}
