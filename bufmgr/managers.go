package bufmgr

import (
	"sync"

	"github.com/gpukit/gpumem/gem"
)

// Registry deduplicates managers by device identity so that multiple
// subsystems opening "the same" device collapse onto one manager. Its lock
// protects only list membership, never per-manager state.
type Registry struct {
	mu       sync.Mutex
	managers map[gem.DeviceID]*Manager
}

// NewRegistry creates an empty manager registry. Pass it down explicitly;
// there is deliberately no package-level instance.
func NewRegistry() *Registry {
	return &Registry{managers: make(map[gem.DeviceID]*Manager)}
}

// Acquire returns the manager for the device, creating it on first use.
// Every Acquire must be paired with a Manager.Unref. Re-acquiring with
// options that contradict the existing manager fails with
// ErrOptionsMismatch.
func (r *Registry) Acquire(dev gem.Device, opts Options) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[dev.ID()]; ok {
		if m.reuse == opts.DisableReuse || m.hasLLC != opts.HasLLC {
			return nil, ErrOptionsMismatch
		}
		m.refs.Add(1)
		return m, nil
	}

	m, err := New(dev, opts)
	if err != nil {
		return nil, err
	}
	m.registry = r
	r.managers[dev.ID()] = m
	return m, nil
}

// Unref drops a manager reference; the last one tears the manager down,
// closing all cached and zombie buffers.
func (m *Manager) Unref() {
	r := m.registry
	if r != nil {
		r.mu.Lock()
	}
	if m.refs.Add(-1) == 0 {
		if r != nil {
			delete(r.managers, m.dev.ID())
		}
		m.destroy()
	}
	if r != nil {
		r.mu.Unlock()
	}
}
