package container

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/zsiec/ffindex/media"
)

// ProbeSize is the number of leading bytes handed to Backend.Probe.
const ProbeSize = 64 << 10

// Registry holds the backends known to the process, in priority order.
type Registry struct {
	mu       sync.RWMutex
	backends []Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends b. A backend of the same kind replaces the earlier one.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, have := range r.backends {
		if have.Kind() == b.Kind() {
			r.backends[i] = b
			return
		}
	}
	r.backends = append(r.backends, b)
}

// Backends returns the registered backends in priority order.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Backend(nil), r.backends...)
}

// Get returns the backend for kind. A backend that is not registered or
// not available is SourceUnavailable.
func (r *Registry) Get(kind media.SourceKind) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		if b.Kind() != kind {
			continue
		}
		if !b.Available() {
			return nil, media.Errorf(media.KindSourceUnavailable, "backend", "%s backend is not available in this build", kind)
		}
		return b, nil
	}
	return nil, media.Errorf(media.KindSourceUnavailable, "backend", "no %s backend registered", kind)
}

// Probe picks the first available backend that recognises the file at
// path.
func (r *Registry) Probe(path string) (Backend, error) {
	head, err := ReadHead(path, ProbeSize)
	if err != nil {
		return nil, err
	}
	for _, b := range r.Backends() {
		if b.Available() && b.Probe(head) {
			return b, nil
		}
	}
	return nil, media.Errorf(media.KindUnsupportedFormat, "probe", "no backend recognises %s", path)
}

// ReadHead returns up to n leading bytes of the file at path.
func ReadHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, media.Wrap(media.KindNoSuchFile, "open", err, "open %s", path)
		}
		return nil, media.Wrap(media.KindReadError, "open", err, "open %s", path)
	}
	defer f.Close()

	buf := make([]byte, n)
	got, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, media.Wrap(media.KindReadError, "open", err, "read %s", path)
	}
	return buf[:got], nil
}
