// Package blob stores generated artifacts and hands back public URLs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrEmptyFile is returned when an upload source has no content
var ErrEmptyFile = errors.New("file is empty")

// Object is a stored blob
type Object struct {
	Key string
	URL string
}

// Store puts bytes at a key and returns where they can be fetched
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (Object, error)
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9.]`)

// ObjectKey builds "<namespace>/<unix millis>_<sanitized name>"
func ObjectKey(namespace, fileName string, now time.Time) string {
	clean := unsafeChars.ReplaceAllString(filepath.Base(fileName), "-")
	return fmt.Sprintf("%s/%d_%s", strings.Trim(namespace, "/"), now.UnixMilli(), clean)
}

// ContentType guesses a MIME type from the file extension
func ContentType(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// UploadFile uploads a local file under namespace. Missing or empty files
// are rejected.
func UploadFile(ctx context.Context, store Store, path, namespace string, now time.Time) (Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return Object{}, fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Object{}, fmt.Errorf("reading artifact: %w", err)
	}
	if info.IsDir() {
		return Object{}, fmt.Errorf("artifact %s is a directory", path)
	}
	if info.Size() == 0 {
		return Object{}, fmt.Errorf("artifact %s: %w", path, ErrEmptyFile)
	}

	key := ObjectKey(namespace, path, now)
	obj, err := store.Put(ctx, key, f, info.Size(), ContentType(path))
	if err != nil {
		return Object{}, fmt.Errorf("uploading %s: %w", key, err)
	}
	return obj, nil
}

func publicURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
