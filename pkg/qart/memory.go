package qart

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs unit tests and local dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	ops     map[string]int

	// FailDownloads / FailUploads, when set, are returned by every Download / Upload.
	FailDownloads error
	FailUploads   error
}

type memObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		ops:     make(map[string]int),
	}
}

// Put seeds an object directly.
func (s *MemoryStore) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memObject{data: append([]byte(nil), data...), modified: time.Now()}
}

// Get returns the stored bytes for key.
func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj.data, ok
}

// Keys returns every stored key in lexical order.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Ops returns how many times each operation ("stat", "list", "download",
// "upload") has been called.
func (s *MemoryStore) Ops() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.ops))
	for k, v := range s.ops {
		out[k] = v
	}
	return out
}

// TotalOps returns the number of calls across all operations.
func (s *MemoryStore) TotalOps() int {
	total := 0
	for _, n := range s.Ops() {
		total += n
	}
	return total
}

func (s *MemoryStore) Stat(_ context.Context, key string) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops["stat"]++

	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return obj.info(key), nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops["list"]++

	var out []Object
	for k, obj := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, *obj.info(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Download(_ context.Context, key, path string) error {
	s.mu.Lock()
	s.ops["download"]++
	obj, ok := s.objects[key]
	fail := s.FailDownloads
	s.mu.Unlock()

	if fail != nil {
		return fail
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, obj.data, 0o644)
}

func (s *MemoryStore) Upload(_ context.Context, key, path, contentType string, metadata map[string]string) (*Object, error) {
	s.mu.Lock()
	s.ops["upload"]++
	fail := s.FailUploads
	s.mu.Unlock()

	if fail != nil {
		return nil, fail
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	obj := memObject{data: data, contentType: contentType, metadata: metadata, modified: time.Now()}
	s.mu.Lock()
	s.objects[key] = obj
	s.mu.Unlock()
	return obj.info(key), nil
}

func (o memObject) info(key string) *Object {
	return &Object{
		Key:          key,
		Size:         int64(len(o.data)),
		ContentType:  o.contentType,
		LastModified: o.modified,
		Metadata:     o.metadata,
	}
}

var _ Store = (*MemoryStore)(nil)
