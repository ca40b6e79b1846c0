package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

// Local keeps objects under a directory, served at baseURL.
type Local struct {
	baseDir string
	baseURL string
}

func NewLocal(baseDir, baseURL string) *Local {
	if baseDir == "" {
		baseDir = "./uploads"
	}
	return &Local{baseDir: baseDir, baseURL: baseURL}
}

func (l *Local) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return joinURL(l.baseURL, key), nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, "", err
	}
	body, err := os.ReadFile(filepath.Join(l.baseDir, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("read file: %w", err)
	}
	return body, mime.TypeByExtension(filepath.Ext(key)), nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(l.baseDir, filepath.FromSlash(key)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// Handler serves stored files. Directories are reported as missing so keys
// cannot be enumerated.
func (l *Local) Handler() http.Handler {
	return http.FileServer(filesOnly{http.Dir(l.baseDir)})
}

type filesOnly struct{ root http.FileSystem }

func (f filesOnly) Open(name string) (http.File, error) {
	file, err := f.root.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, fs.ErrNotExist
	}
	return file, nil
}
