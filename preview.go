package chatsync

import (
	"sync"

	"github.com/google/uuid"
)

// PreviewRegistry hands out local, non-persisted handles for media picked
// but not yet uploaded. Every handle must be released.
type PreviewRegistry struct {
	mu      sync.Mutex
	handles map[string]MediaFile
}

// NewPreviewRegistry creates an empty registry.
func NewPreviewRegistry() *PreviewRegistry {
	return &PreviewRegistry{handles: make(map[string]MediaFile)}
}

// Open registers a file and returns its preview handle.
func (p *PreviewRegistry) Open(f MediaFile) string {
	h := "preview://" + uuid.NewString()
	p.mu.Lock()
	p.handles[h] = f
	p.mu.Unlock()
	return h
}

// Lookup returns the file behind a handle.
func (p *PreviewRegistry) Lookup(h string) (MediaFile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.handles[h]
	return f, ok
}

// Release frees a handle. Releasing twice is a no-op.
func (p *PreviewRegistry) Release(h string) {
	p.mu.Lock()
	delete(p.handles, h)
	p.mu.Unlock()
}

// Len returns the number of live handles.
func (p *PreviewRegistry) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}
