package gem

import "sync/atomic"

// shmemBacking is the storage behind one or more shmem handles. Handles on
// several devices of a realm may share a backing after an import.
type shmemBacking struct {
	size    uint64
	name    Name
	purged  bool
	userptr bool
	refs    atomic.Int32

	fd  int    // memfd on unix builds, -1 otherwise
	mem []byte // userptr memory or the fallback heap buffer
}

func (b *shmemBacking) ref() { b.refs.Add(1) }

func (b *shmemBacking) unref() {
	if b.refs.Add(-1) == 0 {
		b.release()
	}
}

func newUserptrBacking(mem []byte) *shmemBacking {
	return &shmemBacking{size: uint64(len(mem)), userptr: true, fd: -1, mem: mem}
}
