package bufmgr

import (
	"time"

	"github.com/gpukit/gpumem/gem"
)

// unrefFinalLocked handles a buffer whose reference count reached zero:
// cache it if possible, otherwise free it (which may defer to the zombie
// queue when GPU work is still in flight).
func (m *Manager) unrefFinalLocked(bo *BO, now time.Time) {
	bo.finalized = true
	m.log.Debug("bo_unreference final", "handle", bo.handle, "name", bo.name)

	// A buffer whose GPU work may still be in flight is never cached
	// directly; it goes through the zombie queue and is closed once idle.
	var b *bucket
	if bo.reusable && bo.idle.Load() {
		b = m.bucketFor(bo.size)
	}
	if b != nil {
		// Advise the kernel the content may be discarded. Rejection means
		// the buffer cannot sit in the cache; close it instead.
		retained, err := m.dev.Advise(bo.handle, gem.AdviseDontNeed)
		if err == nil && retained {
			bo.freeTime = now
			bo.name = ""
			b.bos = append(b.bos, bo) // keeps the list time-ordered
			m.stats.CachePuts++
			return
		}
		m.stats.CacheCloses++
	}
	m.freeLocked(bo)
}

// freeLocked releases a zero-ref buffer. If its GPU work may still be in
// flight, closing the kernel handle and recycling the address is deferred to
// the zombie queue.
func (m *Manager) freeLocked(bo *BO) {
	if !bo.userptr {
		bo.unmap()
	}
	if bo.idle.Load() {
		m.closeLocked(bo)
		return
	}
	bo.zombie = true
	if !bo.inZombie {
		m.zombies.Add(bo)
		bo.inZombie = true
		m.stats.ZombieEnqueues++
	}
}

// closeLocked closes the kernel handle, returns the address to its heap and
// unlinks the buffer from the registries and the per-device export cache.
func (m *Manager) closeLocked(bo *BO) {
	if bo.external() {
		if bo.globalName != 0 {
			delete(m.nameTable, bo.globalName)
		}
		delete(m.handleTable, bo.handle)
		for _, e := range bo.exports {
			e.dev.Close(e.handle)
		}
		bo.exports = nil
	} else if len(bo.exports) != 0 {
		panic("bufmgr: internal buffer holds device exports")
	}

	m.dev.Close(bo.handle)
	m.space.Free(bo.addr, bo.size)
	bo.addr = 0
	bo.zombie = false
}

// cleanupLocked is the debounced sweep: it runs its body at most once per
// clock tick. Cached buffers significantly older than one tick are closed
// (bucket lists are time-ordered, so the scan stops at the first young
// entry). The zombie queue is drained from the head until the first
// still-busy object, on the assumption that completion roughly follows
// submission order.
func (m *Manager) cleanupLocked(now time.Time) {
	tick := now.UnixNano() / int64(m.tick)
	if tick == m.lastSweep {
		return
	}
	m.lastSweep = tick

	for i := range m.buckets {
		b := &m.buckets[i]
		for len(b.bos) > 0 {
			bo := b.bos[0]
			if now.Sub(bo.freeTime) <= m.tick {
				break
			}
			b.popOldest()
			m.stats.BucketExpired++
			m.freeLocked(bo)
		}
	}

	for m.zombies.Length() > 0 {
		bo := m.zombies.Peek().(*BO)

		// An import can race a deferred close and revive the buffer; drop
		// the stale queue entry.
		if !bo.zombie || bo.refcount.Load() > 0 {
			m.zombies.Remove()
			bo.inZombie = false
			continue
		}

		if !bo.idle.Load() {
			busy, err := m.dev.Busy(bo.handle)
			if err == nil && busy {
				break
			}
			bo.idle.Store(true)
		}

		m.zombies.Remove()
		bo.inZombie = false
		m.stats.ZombieCloses++
		m.closeLocked(bo)
	}
}
