// Package objectstore uploads media blobs and hands back public URLs.
package objectstore

import (
	"context"
	"errors"
	"net/url"
	"path"
	"strings"
)

// Uploader stores a blob under path and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// ErrInvalidPath is returned for empty paths or paths escaping the store root.
var ErrInvalidPath = errors.New("invalid object path")

// MediaPath returns the storage path of an imported media file.
func MediaPath(ownerID, filename string) string {
	return ownerID + "/anki-media/" + filename
}

// cleanPath normalizes an object path and rejects traversal.
func cleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || strings.Contains(p, "\x00") {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean("/" + p)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(p, "/") {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}

// escapePath escapes each segment of p for use in a URL path.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
