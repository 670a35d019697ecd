// Package storage keeps uploaded originals in GCS, an S3-compatible bucket or
// the local filesystem.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var ErrNotFound = errors.New("storage: object not found")

// Storage is the object store used for uploaded documents.
type Storage interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	// Get returns ErrNotFound when the object does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete is a no-op for missing objects.
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Name() string
}

const maxFilenameLen = 128

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename reduces an uploaded filename to a safe object-name segment,
// keeping the extension when truncating.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "upload"
	}
	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxFilenameLen-len(ext)] + ext
	}
	return name
}

// ObjectKey builds uploads/<yyyy>/<mm>/<conversion-id>/<filename>.
func ObjectKey(conversionID, filename string, now time.Time) string {
	return fmt.Sprintf("uploads/%04d/%02d/%s/%s", now.Year(), int(now.Month()), conversionID, SanitizeFilename(filename))
}
