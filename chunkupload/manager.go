package chunkupload

import (
	"context"
	"fmt"
	"path"
	"sync"
)

// Manager runs independent uploads of multiple files and keeps their handles
// until they are cleared.
type Manager struct {
	coordinator *Coordinator

	mu      sync.Mutex
	handles []*Handle
	keys    map[*Handle]uploadKey
}

// uploadKey identifies the remote object and the local file behind an upload.
type uploadKey struct {
	destination string
	name        string
	source      string
}

func newUploadKey(src Source, destination string) uploadKey {
	source := fmt.Sprintf("%d", src.Size())
	if p, ok := src.(interface{ Path() string }); ok {
		source = p.Path() + "\x00" + source
	}
	return uploadKey{destination: destination, name: src.Name(), source: source}
}

// NewManager ...
func NewManager(coordinator *Coordinator) *Manager {
	return &Manager{
		coordinator: coordinator,
		keys:        map[*Handle]uploadKey{},
	}
}

// Start uploads src to destination. If an upload of the same file to the same
// destination is still running, its handle is returned instead of starting a second one.
// A different file with the same name fails with ErrDestinationInUse.
func (m *Manager) Start(ctx context.Context, src Source, destination string) (*Handle, error) {
	key := newUploadKey(src, destination)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.handles {
		running := m.keys[h]
		if running.destination != key.destination || running.name != key.name || h.Status().IsTerminal() {
			continue
		}
		if running.source != key.source {
			return nil, fmt.Errorf("%w: %s", ErrDestinationInUse, path.Join(destination, src.Name()))
		}
		return h, nil
	}

	h, err := m.coordinator.Start(ctx, src, destination)
	if err != nil {
		return nil, err
	}
	m.handles = append(m.handles, h)
	m.keys[h] = key

	return h, nil
}

// Get returns the handle with the given ID.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.handles {
		if h.ID() == id {
			return h, true
		}
	}
	return nil, false
}

// List returns the handles in start order.
func (m *Manager) List() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	handles := make([]*Handle, len(m.handles))
	copy(handles, m.handles)
	return handles
}

// Clear drops completed, failed and cancelled uploads and returns how many were dropped.
func (m *Manager) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.handles[:0]
	dropped := 0
	for _, h := range m.handles {
		if h.Status().IsTerminal() {
			delete(m.keys, h)
			dropped++
			continue
		}
		kept = append(kept, h)
	}
	for i := len(kept); i < len(m.handles); i++ {
		m.handles[i] = nil
	}
	m.handles = kept

	return dropped
}

// CancelAll cancels every running upload.
func (m *Manager) CancelAll() {
	for _, h := range m.List() {
		h.Cancel()
	}
}

// Wait blocks until every upload started so far is terminal or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	for _, h := range m.List() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.Done():
		}
	}
	return nil
}
