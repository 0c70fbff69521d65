package bufmgr

// Stats holds manager counters for testing and instrumentation.
type Stats struct {
	AllocCalls  int64 // total Alloc() calls
	CacheHits   int64 // allocations served from the bucket cache
	FreshAllocs int64 // allocations that created a kernel object

	CachePuts      int64 // buffers returned to the cache at zero refs
	CacheCloses    int64 // reusable buffers closed because DONT_NEED was rejected
	PurgedDiscards int64 // cached buffers found purged during revalidation
	ZeroFillFails  int64 // cached buffers discarded because zero-fill mapping failed
	BucketExpired  int64 // cached buffers aged out by the sweep

	ZombieEnqueues int64 // zero-ref buffers deferred until GPU-idle
	ZombieCloses   int64 // zombies closed by the sweep
	ZombieRescues  int64 // zombies revived by a racing import

	Imports    int64 // import operations (name or fd)
	ImportHits int64 // imports answered by an existing wrapper
	Exports    int64 // export operations
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
