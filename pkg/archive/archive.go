// Package archive exports replay captures to content-addressed blob storage
// for audit retention. Blobs are keyed by "sha256:<hex>" of their bytes.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get for unknown digests.
var ErrNotFound = errors.New("archive: blob not found")

// Store is content-addressed blob storage.
type Store interface {
	// Put persists data and returns its digest. Putting existing content is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
	Delete(ctx context.Context, digest string) error
}

// Digest returns the "sha256:<hex>" digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// rawHex validates a digest and returns its hex part.
func rawHex(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, "sha256:")
	if !ok {
		return "", fmt.Errorf("invalid digest format: %s", digest)
	}
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid digest length: %s", digest)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid digest hex: %w", err)
	}
	return raw, nil
}

func objectKey(prefix, raw string) string { return prefix + raw + ".json" }

// Open creates a store from a URL:
//
//	file:///var/lib/trustsim/archive
//	s3://bucket/prefix/?region=eu-west-1&endpoint=http://localhost:9000
//	gs://bucket/prefix/
//	mem://
func Open(ctx context.Context, rawURL string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse archive url: %w", err)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	switch u.Scheme {
	case "mem":
		return NewMemoryStore(), nil
	case "file", "":
		dir := u.Path
		if u.Host != "" {
			dir = filepath.Join(u.Host, u.Path)
		}
		return NewFileStore(dir)
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("s3 archive url needs a bucket")
		}
		region := u.Query().Get("region")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   u.Host,
			Region:   region,
			Endpoint: u.Query().Get("endpoint"),
			Prefix:   prefix,
		})
	case "gs":
		if u.Host == "" {
			return nil, fmt.Errorf("gs archive url needs a bucket")
		}
		return newGCSStore(ctx, u.Host, prefix)
	default:
		return nil, fmt.Errorf("unsupported archive scheme %q", u.Scheme)
	}
}

// MemoryStore keeps blobs in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	d := Digest(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[d]; !ok {
		m.blobs[d] = append([]byte(nil), data...)
	}
	return d, nil
}

func (m *MemoryStore) Get(_ context.Context, digest string) ([]byte, error) {
	if _, err := rawHex(digest); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[digest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryStore) Exists(_ context.Context, digest string) (bool, error) {
	if _, err := rawHex(digest); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[digest]
	return ok, nil
}

func (m *MemoryStore) Delete(_ context.Context, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, digest)
	return nil
}

// Digests lists stored digests in order.
func (m *MemoryStore) Digests() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.blobs))
	for d := range m.blobs {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// FileStore keeps one file per blob under a directory.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(raw string) string { return filepath.Join(s.dir, objectKey("", raw)) }

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	d := Digest(data)
	raw, _ := rawHex(d)

	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(raw)
	if _, err := os.Stat(path); err == nil {
		return d, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return d, nil
}

func (s *FileStore) Get(_ context.Context, digest string) ([]byte, error) {
	raw, err := rawHex(digest)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := os.ReadFile(s.path(raw))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	return b, err
}

func (s *FileStore) Exists(_ context.Context, digest string) (bool, error) {
	raw, err := rawHex(digest)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(s.path(raw))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (s *FileStore) Delete(_ context.Context, digest string) error {
	raw, err := rawHex(digest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(raw)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
