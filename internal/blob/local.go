package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore writes blobs below a directory. Useful for development and
// single-host deployments that serve the directory themselves.
type LocalStore struct {
	root      string
	publicURL string
}

// NewLocalStore creates the root directory if needed
func NewLocalStore(root, publicURL string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}
	return &LocalStore{root: root, publicURL: publicURL}, nil
}

// Put implements Store
func (l *LocalStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (Object, error) {
	if strings.Contains(key, "..") {
		return Object{}, fmt.Errorf("invalid key %q", key)
	}
	dst := filepath.Join(l.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Object{}, err
	}

	f, err := os.Create(dst)
	if err != nil {
		return Object{}, err
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return Object{}, err
	}
	if size >= 0 && n != size {
		os.Remove(dst)
		return Object{}, fmt.Errorf("short write: %d of %d bytes", n, size)
	}

	if l.publicURL != "" {
		return Object{Key: key, URL: publicURL(l.publicURL, key)}, nil
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}
	return Object{Key: key, URL: u.String()}, nil
}
