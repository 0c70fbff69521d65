//go:build !linux

package gem

// The fallback backing keeps buffers on the Go heap. Every Mmap returns the
// same slice, so map-once CAS races collapse harmlessly.

func newShmemBacking(size uint64) (*shmemBacking, error) {
	return &shmemBacking{size: size, fd: -1, mem: make([]byte, size)}, nil
}

func (b *shmemBacking) mapNew() ([]byte, error) {
	return b.mem, nil
}

func unmapShmem([]byte) error { return nil }

func (b *shmemBacking) release() {
	if !b.userptr {
		b.mem = nil
	}
}
