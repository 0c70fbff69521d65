package bufmgr

import (
	"github.com/gpukit/gpumem/gem"
	"github.com/gpukit/gpumem/vma"
)

// takeLocked tries to serve an allocation from the bucket's idle list.
// Returns nil when no candidate exists; the caller then either retries with
// matchZone=false or allocates fresh.
func (m *Manager) takeLocked(b *bucket, alignment uint64, zone vma.Zone, flags AllocFlags, matchZone bool) *BO {
	if b == nil || !m.reuse {
		return nil
	}

	var bo *BO
	for i := 0; i < len(b.bos); {
		cur := b.bos[i]

		// Try a little harder to find one already in the right zone, so the
		// address can be kept.
		if matchZone && zone != vma.ZoneForAddress(cur.addr) {
			i++
			continue
		}

		busy, err := m.dev.Busy(cur.handle)
		if err == nil {
			cur.idle.Store(!busy)
		}
		if busy {
			// Entries are in insertion order and GPU completion roughly
			// tracks submission order, so later entries are assumed busier.
			// A heuristic, not a guarantee: bail rather than scan on.
			return nil
		}

		b.take(i)

		// Tell the kernel we need this buffer. If it is still resident,
		// we're done; if it was purged, throw it out and keep looking.
		retained, err := m.dev.Advise(cur.handle, gem.AdviseWillNeed)
		if err == nil && retained {
			bo = cur
			break
		}
		m.stats.PurgedDiscards++
		m.freeLocked(cur)
	}
	if bo == nil {
		return nil
	}

	bo.finalized = false

	// This buffer's old compression metadata range is stale: it was only
	// cached because nothing references it anymore.
	bo.auxMapAddr = 0

	// If the cached address is in the wrong zone or under-aligned, release
	// it; the caller assigns a new one.
	if zone != vma.ZoneForAddress(bo.addr) ||
		vma.Uncanonicalize(bo.addr)%alignment != 0 {
		m.space.Free(bo.addr, bo.size)
		bo.addr = 0
	}

	// Zero the contents if asked. On mapping failure fall back to a fresh
	// kernel object, which is always zero-filled: discard this one.
	if flags&AllocZeroed != 0 {
		data, err := m.mapForReuseLocked(bo)
		if err != nil {
			m.stats.ZeroFillFails++
			m.freeLocked(bo)
			return nil
		}
		clear(data)
	}

	return bo
}

// mapForReuseLocked establishes the CPU mapping of an idle cached buffer.
// No wait is needed: takeLocked only reaches here for idle buffers.
func (m *Manager) mapForReuseLocked(bo *BO) ([]byte, error) {
	if p := bo.mapping.Load(); p != nil {
		return p.data, nil
	}
	data, err := m.dev.Mmap(bo.handle, bo.mapMode)
	if err != nil {
		return nil, err
	}
	bo.mapping.Store(&mapping{data: data})
	return data, nil
}
