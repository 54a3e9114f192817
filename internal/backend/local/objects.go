package local

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

var (
	ErrObjectExists = errors.New("the resource already exists")
	ErrBadObjectKey = errors.New("invalid object key")
)

// ObjectStore keeps uploaded objects on the local filesystem, one directory per bucket.
type ObjectStore struct {
	root    string
	baseURL string
}

// NewObjectStore creates the root directory if needed. Public URLs are built from
// baseURL, or point at the file itself when baseURL is empty.
func NewObjectStore(root, baseURL string) (*ObjectStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &ObjectStore{root: abs, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (s *ObjectStore) path(bucket, name string) (string, error) {
	for _, part := range []string{bucket, name} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", ErrBadObjectKey
		}
	}
	return filepath.Join(s.root, bucket, name), nil
}

// Save writes the object and returns its size and detected content type.
// An existing object is only replaced when upsert is set.
func (s *ObjectStore) Save(bucket, name string, r io.Reader, upsert bool) (int64, string, error) {
	path, err := s.path(bucket, name)
	if err != nil {
		return 0, "", err
	}

	if _, err := os.Stat(path); err == nil && !upsert {
		return 0, "", ErrObjectExists
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to temporary file first
	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return 0, "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name()) // Clean up if rename fails
	}()

	size, err := io.Copy(tmp, r)
	if err != nil {
		return 0, "", fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, "", fmt.Errorf("failed to close temp file: %w", err)
	}

	mimeType := "application/octet-stream"
	if kind, err := filetype.MatchFile(tmp.Name()); err == nil && kind != filetype.Unknown {
		mimeType = kind.MIME.Value
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, "", fmt.Errorf("failed to rename file: %w", err)
	}

	return size, mimeType, nil
}

func (s *ObjectStore) Open(bucket, name string) (*os.File, error) {
	path, err := s.path(bucket, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open object %s/%s: %w", bucket, name, err)
	}
	return f, nil
}

// PublicURL returns the address other clients load the object from.
func (s *ObjectStore) PublicURL(bucket, name string) string {
	if s.baseURL != "" {
		return s.baseURL + "/" + url.PathEscape(bucket) + "/" + url.PathEscape(name)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(s.root, bucket, name))}
	return u.String()
}
