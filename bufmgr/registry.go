package bufmgr

import (
	"fmt"

	"github.com/gpukit/gpumem/gem"
	"github.com/gpukit/gpumem/vma"
)

// findAndRef looks a shared buffer up in one of the registry tables and
// takes a reference, rescuing it from a pending deferred close if an import
// raced one.
func findAndRef[K comparable](m *Manager, table map[K]*BO, key K) *BO {
	bo := table[key]
	if bo == nil {
		return nil
	}
	if !bo.external() || bo.reusable {
		panic("bufmgr: registry entry is not a shared, non-reusable buffer")
	}
	if bo.zombie {
		bo.zombie = false
		m.stats.ZombieRescues++
	}
	bo.finalized = false
	bo.refcount.Add(1)
	return bo
}

// newExternalBO builds the wrapper for a freshly imported kernel object.
// Callers hold m.mu and still need to assign an address and register it.
func newExternalBO(m *Manager, h gem.Handle, size uint64, name string) *BO {
	bo := &BO{mgr: m, handle: h, size: size}
	bo.name = name
	bo.imported = true
	bo.mapMode = gem.MapWC
	bo.refcount.Store(1)
	bo.shared.Store(true)
	return bo
}

// ImportName wraps the kernel object published under a global name. The
// same underlying resource is never wrapped twice: re-imports return the
// existing *BO with its reference count bumped.
func (m *Manager) ImportName(name string, global gem.Name) (*BO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	m.stats.Imports++

	if bo := findAndRef(m, m.nameTable, global); bo != nil {
		m.stats.ImportHits++
		return bo, nil
	}

	h, size, err := m.dev.ImportName(global)
	if err != nil {
		return nil, fmt.Errorf("bufmgr: import name %d: %w", global, err)
	}

	// The kernel may have handed this object back before under a prime
	// import; check the handle table too.
	if bo := findAndRef(m, m.handleTable, h); bo != nil {
		m.stats.ImportHits++
		return bo, nil
	}

	bo := newExternalBO(m, h, size, name)
	bo.globalName = global
	addr, err := m.space.Alloc(vma.ZoneOther, size, 1)
	if err != nil {
		m.dev.Close(h)
		return nil, err
	}
	bo.addr = addr
	m.handleTable[h] = bo
	m.nameTable[global] = bo
	m.log.Debug("bo_import_name", "name", name, "global", global, "handle", h)
	return bo, nil
}

// ImportFD wraps a dma-buf style shared descriptor.
func (m *Manager) ImportFD(fd gem.SharedFD) (*BO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	m.stats.Imports++

	h, size, err := m.dev.ImportFD(fd)
	if err != nil {
		return nil, fmt.Errorf("bufmgr: import fd %d: %w", fd, err)
	}

	if bo := findAndRef(m, m.handleTable, h); bo != nil {
		m.stats.ImportHits++
		return bo, nil
	}

	bo := newExternalBO(m, h, size, "prime")
	// The descriptor may wrap a compressed surface; 64KiB alignment is
	// always acceptable, so apply it unconditionally.
	addr, err := m.space.Alloc(vma.ZoneOther, size, 64*1024)
	if err != nil {
		m.dev.Close(h)
		return nil, err
	}
	bo.addr = addr
	m.handleTable[h] = bo
	m.log.Debug("bo_import_fd", "fd", fd, "handle", h)
	return bo, nil
}

// markExportedLocked makes the buffer externally shared: registered in the
// handle table, never reused, and no longer assumed cache-coherent (the
// memory may be read by non-coherent consumers such as a display engine).
// Idempotent.
func (m *Manager) markExportedLocked(bo *BO) {
	if !bo.external() {
		m.handleTable[bo.handle] = bo
		bo.shared.Store(true)
	}
	if !bo.exported {
		bo.coherent = false
		bo.exported = true
		bo.reusable = false
		m.stats.Exports++
	}
}

// MarkExported is the exported-state transition without an actual export,
// for callers that hand the raw handle to another subsystem themselves.
func (bo *BO) MarkExported() {
	m := bo.mgr
	m.mu.Lock()
	m.markExportedLocked(bo)
	m.mu.Unlock()
}

// ExportGEMHandle shares the buffer within the same device: the raw handle.
func (bo *BO) ExportGEMHandle() gem.Handle {
	bo.MarkExported()
	return bo.handle
}

// ExportFD shares the buffer as a dma-buf style descriptor.
func (bo *BO) ExportFD() (gem.SharedFD, error) {
	bo.MarkExported()
	return bo.mgr.dev.ExportFD(bo.handle)
}

// ExportName publishes the buffer under a global name (idempotent).
func (bo *BO) ExportName() (gem.Name, error) {
	m := bo.mgr

	m.mu.Lock()
	n := bo.globalName
	m.mu.Unlock()
	if n != 0 {
		return n, nil
	}

	n, err := m.dev.ExportName(bo.handle)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	if bo.globalName == 0 {
		m.markExportedLocked(bo)
		bo.globalName = n
		m.nameTable[n] = bo
	}
	n = bo.globalName
	m.mu.Unlock()
	return n, nil
}

// ExportHandleForDevice shares the buffer into another device's handle
// space. One handle is cached per (buffer, device) pair, so exporting twice
// to the same device issues only one import.
func (bo *BO) ExportHandleForDevice(foreign gem.Device) (gem.Handle, error) {
	m := bo.mgr

	// Same device: the raw handle is already valid there. Adding it to the
	// export cache would make us close the same handle twice.
	if foreign.ID() == m.dev.ID() {
		return bo.ExportGEMHandle(), nil
	}

	m.mu.Lock()
	for _, e := range bo.exports {
		if e.dev.ID() == foreign.ID() {
			h := e.handle
			m.mu.Unlock()
			return h, nil
		}
	}
	m.markExportedLocked(bo)
	m.mu.Unlock()

	fd, err := m.dev.ExportFD(bo.handle)
	if err != nil {
		return 0, err
	}
	h, _, err := foreign.ImportFD(fd)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range bo.exports {
		if e.dev.ID() == foreign.ID() {
			// Raced another exporter. For a given device the kernel hands
			// back one handle per object, so both must agree.
			if e.handle != h {
				panic("bufmgr: divergent handles for one (buffer, device) pair")
			}
			return e.handle, nil
		}
	}
	bo.exports = append(bo.exports, deviceExport{dev: foreign, handle: h})
	return h, nil
}
