// Package localdisk implements the Object Store contract (C3) against the
// local filesystem. It is the dev-local backend for SPEC_FULL.md's
// "persistence implementations ... are not specified" scope: every
// operation uses the same directory-rooted layout the teacher's local
// artifact-export tooling uses, keyed by opaque URIs of the form
// file:///<key>, resolved against the store's base directory.
package localdisk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/r3e-network/scribeflow/internal/objectstore"
)

// Store is a filesystem-backed objectstore.Store rooted at baseDir.
type Store struct {
	baseDir     string
	urlPrefix   string
	signingSalt string
}

// New roots a Store at baseDir, creating it if absent. urlPrefix is used
// to construct SignedURL values (e.g. "http://localhost:8088/blobs").
func New(baseDir, urlPrefix, signingSalt string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	return &Store{baseDir: baseDir, urlPrefix: strings.TrimSuffix(urlPrefix, "/"), signingSalt: signingSalt}, nil
}

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

func (s *Store) keyFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse object uri %s: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported object uri scheme %q", u.Scheme)
	}
	return strings.TrimPrefix(u.Path, "/"), nil
}

func (s *Store) uriFor(key string) string {
	return "file:///" + filepath.ToSlash(key)
}

func (s *Store) Put(_ context.Context, key string, body io.Reader, contentType string) (string, error) {
	path := s.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create object directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create object %s: %w", key, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return "", fmt.Errorf("write object %s: %w", key, err)
	}
	if contentType != "" {
		if err := os.WriteFile(path+".contenttype", []byte(contentType), 0o644); err != nil {
			return "", fmt.Errorf("write content type for %s: %w", key, err)
		}
	}
	return s.uriFor(key), nil
}

func (s *Store) Get(_ context.Context, uri string) (io.ReadCloser, objectstore.ObjectMeta, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return nil, objectstore.ObjectMeta{}, err
	}
	meta, err := s.statKey(key)
	if err != nil {
		return nil, objectstore.ObjectMeta{}, err
	}
	f, err := os.Open(s.pathFor(key))
	if err != nil {
		return nil, objectstore.ObjectMeta{}, fmt.Errorf("open object %s: %w", key, err)
	}
	return f, meta, nil
}

func (s *Store) GetRange(_ context.Context, uri string, offset, length int64) (io.ReadCloser, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.pathFor(key))
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek object %s: %w", key, err)
	}
	if length <= 0 {
		return f, nil
	}
	return &limitedReadCloser{f: f, remaining: length}, nil
}

type limitedReadCloser struct {
	f         *os.File
	remaining int64
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.f.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedReadCloser) Close() error { return l.f.Close() }

func (s *Store) statKey(key string) (objectstore.ObjectMeta, error) {
	info, err := os.Stat(s.pathFor(key))
	if err != nil {
		return objectstore.ObjectMeta{}, fmt.Errorf("stat object %s: %w", key, err)
	}
	contentType := ""
	if raw, err := os.ReadFile(s.pathFor(key) + ".contenttype"); err == nil {
		contentType = string(raw)
	}
	return objectstore.ObjectMeta{
		URI:         s.uriFor(key),
		Size:        info.Size(),
		ContentType: contentType,
		ModTime:     info.ModTime(),
	}, nil
}

func (s *Store) Stat(_ context.Context, uri string) (objectstore.ObjectMeta, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return objectstore.ObjectMeta{}, err
	}
	return s.statKey(key)
}

func (s *Store) Delete(_ context.Context, uri string) error {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(s.pathFor(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	_ = os.Remove(s.pathFor(key) + ".contenttype")
	return nil
}

// SignedURL returns a URL carrying an expiry timestamp and an HMAC-style
// digest derived from signingSalt; a local HTTP handler serving urlPrefix
// is expected to validate it the same way (dev-only, no real cloud STS).
func (s *Store) SignedURL(_ context.Context, uri string, expiry time.Duration) (string, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return "", err
	}
	exp := time.Now().Add(expiry).Unix()
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", key, exp, s.signingSalt)))
	return fmt.Sprintf("%s/%s?exp=%d&sig=%s", s.urlPrefix, key, exp, hex.EncodeToString(digest[:])), nil
}

func (s *Store) NewMultipartUpload(_ context.Context, key, contentType string) (objectstore.MultipartUpload, error) {
	path := s.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create object directory: %w", err)
	}
	f, err := os.Create(path + ".part")
	if err != nil {
		return nil, fmt.Errorf("create multipart upload for %s: %w", key, err)
	}
	return &multipartUpload{store: s, key: key, contentType: contentType, f: f}, nil
}

type multipartUpload struct {
	store       *Store
	key         string
	contentType string
	f           *os.File
}

func (m *multipartUpload) UploadPart(_ context.Context, body io.Reader) error {
	_, err := io.Copy(m.f, body)
	if err != nil {
		return fmt.Errorf("upload part for %s: %w", m.key, err)
	}
	return nil
}

func (m *multipartUpload) Complete(_ context.Context) (string, error) {
	partPath := m.f.Name()
	if err := m.f.Close(); err != nil {
		return "", fmt.Errorf("close multipart upload for %s: %w", m.key, err)
	}
	finalPath := m.store.pathFor(m.key)
	if err := os.Rename(partPath, finalPath); err != nil {
		return "", fmt.Errorf("finalize multipart upload for %s: %w", m.key, err)
	}
	if m.contentType != "" {
		if err := os.WriteFile(finalPath+".contenttype", []byte(m.contentType), 0o644); err != nil {
			return "", fmt.Errorf("write content type for %s: %w", m.key, err)
		}
	}
	return m.store.uriFor(m.key), nil
}

func (m *multipartUpload) Abort(_ context.Context) error {
	path := m.f.Name()
	_ = m.f.Close()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("abort multipart upload for %s: %w", m.key, err)
	}
	return nil
}

var _ objectstore.Store = (*Store)(nil)
