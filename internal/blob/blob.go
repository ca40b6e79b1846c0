// Package blob stores job photos and their thumbnails on local disk or S3.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"custody-tracker/internal/config"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("blob not found")

// Store puts and reads opaque objects by key.
type Store interface {
	// Put writes body under key and returns the URL clients use to fetch it.
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, string, error)
	// Delete removes key. A missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// New picks the store named by BLOB_DRIVER.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.BlobDriver {
	case "s3":
		return NewS3(ctx, cfg)
	case "local", "":
		return NewLocal(cfg.BlobDir, cfg.BlobBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.BlobDriver)
	}
}

// CleanKey normalizes a key and rejects ones that escape the store root.
func CleanKey(key string) (string, error) {
	key = strings.ReplaceAll(key, "\\", "/")
	cleaned := path.Clean("/" + key)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", errors.New("empty blob key")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("blob key %q escapes the store root", key)
		}
	}
	return cleaned, nil
}

// ThumbKey is where the thumbnail for a photo key lives.
func ThumbKey(key string) string {
	return "thumbs/" + strings.TrimPrefix(key, "thumbs/")
}

func joinURL(base, key string) string {
	if base == "" {
		return key
	}
	return strings.TrimSuffix(base, "/") + "/" + key
}
