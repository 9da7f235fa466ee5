package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FS stores objects below a local directory that is served at publicURL.
type FS struct {
	root      string
	publicURL string
}

// NewFS creates root if needed.
func NewFS(root, publicURL string) (*FS, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("objectstore root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create objectstore root %s: %w", root, err)
	}
	return &FS{root: root, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

// Root returns the directory objects are written to.
func (s *FS) Root() string { return s.root }

// Upload writes data atomically and returns its public URL. contentType is
// implied by the file extension when served.
func (s *FS) Upload(ctx context.Context, p string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleaned, err := cleanPath(p)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, p)
	}

	dst := filepath.Join(s.root, filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", cleaned, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for %s: %w", cleaned, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write %s: %w", cleaned, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to flush %s: %w", cleaned, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move %s into place: %w", cleaned, err)
	}
	return s.publicURL + "/" + escapePath(cleaned), nil
}
