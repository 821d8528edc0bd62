package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local stores objects as files below a root directory.
type Local struct {
	root string
}

// NewLocal creates dir if needed and returns an uploader rooted there.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, errors.New("local storage requires a directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{root: abs}, nil
}

// Upload writes r to root/key and returns a file:// location.
// Keys may contain '/' but must stay inside the root.
func (l *Local) Upload(ctx context.Context, key string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(l.root, filepath.FromSlash(key))
	if path != l.root && !strings.HasPrefix(path, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("storage key %q escapes root", key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(path), nil
}
