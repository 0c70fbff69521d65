//go:build linux

package gem

import (
	"sync"

	"golang.org/x/sys/unix"
)

// mappedRegions remembers which slices came from mmap so Munmap can tell
// them apart from userptr and fallback heap memory.
var (
	mappedMu      sync.Mutex
	mappedRegions = map[*byte]int{}
)

func newShmemBacking(size uint64) (*shmemBacking, error) {
	fd, err := unix.MemfdCreate("gpumem-bo", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &shmemBacking{size: size, fd: fd}, nil
}

func (b *shmemBacking) mapNew() ([]byte, error) {
	if b.fd < 0 {
		return b.mem, nil
	}
	data, err := unix.Mmap(b.fd, 0, int(b.size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	mappedMu.Lock()
	mappedRegions[&data[0]] = len(data)
	mappedMu.Unlock()
	return data, nil
}

func unmapShmem(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	mappedMu.Lock()
	_, ok := mappedRegions[&data[0]]
	if ok {
		delete(mappedRegions, &data[0])
	}
	mappedMu.Unlock()
	if !ok {
		return nil // userptr or fallback memory, nothing to do
	}
	return unix.Munmap(data)
}

func (b *shmemBacking) release() {
	if b.fd >= 0 {
		unix.Close(b.fd)
		b.fd = -1
	}
	b.mem = nil
}
