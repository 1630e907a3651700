// Package assets turns volatile platform image URLs into content-addressed,
// durably hosted copies. Objects are stored under their content hash so the
// same image referenced by many products is uploaded once.
package assets

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"cloud.google.com/go/storage"

	"github.com/weftworks/loom/pkg/support/exception"
)

const moduleName = "assets"

// ObjectStore is the minimal blob contract the resolver needs.
type ObjectStore interface {
	// Upload writes one object. Uploading an existing name is a no-op
	// overwrite with identical content (names are content hashes).
	Upload(ctx context.Context, name string, data io.Reader, contentType string) error
	// Exists reports whether the object is already stored.
	Exists(ctx context.Context, name string) (bool, error)
	// PublicURL returns the durable URL of a stored object.
	PublicURL(name string) string
}

// GCSStore stores objects in a Google Cloud Storage bucket.
type GCSStore struct {
	client    *storage.Client
	bucket    string
	prefix    string
	publicURL string
}

// NewGCSStore creates the store on an existing client.
func NewGCSStore(client *storage.Client, bucket, prefix, publicURL string) *GCSStore {
	if publicURL == "" {
		publicURL = "https://storage.googleapis.com/" + bucket
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix, publicURL: publicURL}
}

var _ ObjectStore = (*GCSStore)(nil)

func (s *GCSStore) objectName(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *GCSStore) Upload(ctx context.Context, name string, data io.Reader, contentType string) error {
	w := s.client.Bucket(s.bucket).Object(s.objectName(name)).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return exception.New(moduleName, "failed to write object "+name, err, true)
	}
	if err := w.Close(); err != nil {
		return exception.New(moduleName, "failed to finalize object "+name, err, true)
	}
	return nil
}

func (s *GCSStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(s.objectName(name)).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, exception.New(moduleName, "failed to stat object "+name, err, true)
	}
	return true, nil
}

func (s *GCSStore) PublicURL(name string) string {
	return s.publicURL + "/" + s.objectName(name)
}

// MemoryStore is the in-process ObjectStore used by tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

var _ ObjectStore = (*MemoryStore)(nil)

func (s *MemoryStore) Upload(_ context.Context, name string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[name] = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[name]
	return ok, nil
}

func (s *MemoryStore) PublicURL(name string) string {
	return "memory://" + name
}

// Get returns a stored object's bytes, for test assertions.
func (s *MemoryStore) Get(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[name]
	if !ok {
		return nil, false
	}
	return bytes.Clone(b), true
}

// Names returns the stored object names, sorted.
func (s *MemoryStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.objects))
	for n := range s.objects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
