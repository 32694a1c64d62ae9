package artifact

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"coverforge/internal/fingerprint"
	"coverforge/internal/services"
)

// MemoryBackend keeps artifacts in process memory. It is intended for tests
// and for callers that never need a file path.
type MemoryBackend struct {
	mu        sync.Mutex
	artifacts map[fingerprint.Fingerprint]map[string][]byte
	staging   map[*memStaging]struct{}
	locks     map[fingerprint.Fingerprint]chan struct{}
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		artifacts: make(map[fingerprint.Fingerprint]map[string][]byte),
		staging:   make(map[*memStaging]struct{}),
		locks:     make(map[fingerprint.Fingerprint]chan struct{}),
	}
}

func (b *MemoryBackend) Exists(fp fingerprint.Fingerprint) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.artifacts[fp]
	return ok, nil
}

func (b *MemoryBackend) Open(fp fingerprint.Fingerprint, name string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	files, ok := b.artifacts[fp]
	if !ok {
		return nil, notFound(fp, name)
	}
	data, ok := files[name]
	if !ok {
		return nil, notFound(fp, name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *MemoryBackend) Path(fingerprint.Fingerprint, string) (string, bool) {
	return "", false
}

func (b *MemoryBackend) Stage() (Staging, error) {
	s := &memStaging{backend: b, files: make(map[string][]byte)}
	b.mu.Lock()
	b.staging[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

func (b *MemoryBackend) Publish(s Staging, fp fingerprint.Fingerprint) error {
	staged, ok := s.(*memStaging)
	if !ok || staged.backend != b {
		return services.Wrap(services.ErrIO, "artifact", "publish", "foreign staging area", nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.artifacts[fp]; exists {
		return ErrPublished
	}
	staged.mu.Lock()
	files := staged.files
	staged.files = nil
	staged.mu.Unlock()
	b.artifacts[fp] = files
	delete(b.staging, staged)
	return nil
}

func (b *MemoryBackend) Lock(ctx context.Context, fp fingerprint.Fingerprint) (func(), error) {
	b.mu.Lock()
	ch, ok := b.locks[fp]
	if !ok {
		ch = make(chan struct{}, 1)
		b.locks[fp] = ch
	}
	b.mu.Unlock()
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, services.Wrap(services.ErrTimeout, "artifact", "lock", string(fp), ctx.Err())
	}
}

// Remove deletes an artifact, simulating an out-of-band sweep.
func (b *MemoryBackend) Remove(fp fingerprint.Fingerprint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.artifacts[fp]; !ok {
		return notFound(fp, "")
	}
	delete(b.artifacts, fp)
	return nil
}

// Overwrite replaces one stored file, simulating corruption.
func (b *MemoryBackend) Overwrite(fp fingerprint.Fingerprint, name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	files, ok := b.artifacts[fp]
	if !ok {
		return notFound(fp, name)
	}
	files[name] = append([]byte(nil), data...)
	return nil
}

// StagingCount reports staging areas that were neither published nor discarded.
func (b *MemoryBackend) StagingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.staging)
}

type memStaging struct {
	backend *MemoryBackend
	mu      sync.Mutex
	files   map[string][]byte
}

func (s *memStaging) Create(name string) (io.WriteCloser, error) {
	if name != MetaFileName {
		if err := validateName(name); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		return nil, services.Wrap(services.ErrIO, "artifact", "stage file", "staging area closed", nil)
	}
	if _, exists := s.files[name]; exists {
		return nil, services.Wrap(services.ErrIO, "artifact", "stage file", name+" already staged", nil)
	}
	s.files[name] = nil
	return &memFile{staging: s, name: name}, nil
}

func (s *memStaging) Import(name, path string) error {
	if err := validateName(name); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return services.Wrap(services.ErrNotFound, "artifact", "import", path, err)
		}
		return services.Wrap(services.ErrIO, "artifact", "import", path, err)
	}
	w, err := s.Create(name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return services.Wrap(services.ErrIO, "artifact", "import", path, err)
	}
	return nil
}

func (s *memStaging) Discard() error {
	s.mu.Lock()
	s.files = nil
	s.mu.Unlock()
	s.backend.mu.Lock()
	delete(s.backend.staging, s)
	s.backend.mu.Unlock()
	return nil
}

type memFile struct {
	staging *memStaging
	name    string
	buf     bytes.Buffer
	closed  bool
}

func (f *memFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	return f.buf.Write(p)
}

func (f *memFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.staging.mu.Lock()
	defer f.staging.mu.Unlock()
	if f.staging.files == nil {
		return services.Wrap(services.ErrIO, "artifact", "stage file", "staging area closed", nil)
	}
	f.staging.files[f.name] = f.buf.Bytes()
	return nil
}
