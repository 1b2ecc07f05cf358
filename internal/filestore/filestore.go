// Package filestore holds uploaded page images and flashcard visuals.
package filestore

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/model"
)

// Store reads and writes opaque byte objects by key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
}

// Config selects the backend. Backend is "local" or "s3".
type Config struct {
	Backend  string   `yaml:"backend" mapstructure:"backend"`
	LocalDir string   `yaml:"local_dir" mapstructure:"local_dir"`
	S3       S3Config `yaml:"s3" mapstructure:"s3"`
}

// New builds the configured backend.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		dir := cfg.LocalDir
		if dir == "" {
			dir = "data/files"
		}
		return NewLocal(dir)
	case "s3":
		return NewS3(cfg.S3)
	default:
		return nil, eris.Errorf("filestore: unknown backend %q", cfg.Backend)
	}
}

// CleanKey validates an object key. Keys are slash-separated relative paths
// and may not escape the store root.
func CleanKey(key string) (string, error) {
	k := strings.TrimSpace(key)
	if k == "" {
		return "", model.NewValidationError("file_key", "must not be empty")
	}
	k = path.Clean(strings.TrimPrefix(k, "/"))
	if k == "." || k == ".." || strings.HasPrefix(k, "../") {
		return "", model.NewValidationError("file_key", "%q escapes the store root", key)
	}
	return k, nil
}

// PageKey is the key of an uploaded page image.
func PageKey(batchID string, pageNumber int, ext string) string {
	return path.Join("batches", batchID, "pages", fmt.Sprintf("%04d%s", pageNumber, ext))
}

// VisualKey is the key of a flashcard visual.
func VisualKey(flashcardID, ext string) string {
	return path.Join("flashcards", flashcardID+ext)
}
