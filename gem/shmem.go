package gem

import (
	"fmt"
	"sync"
	"time"
)

// Shmem is a software Device backed by anonymous shared memory. It is not a
// driver: GPU business is simulated through SignalBusy, which marks a handle
// busy until a deadline. Tooling (cmd/bostress) and integration runs use it
// to exercise the manager with real mappings and real purge bookkeeping.
//
// On unix builds each buffer is a memfd and every Mmap call produces an
// independent mapping, so the manager's map-once CAS discipline is exercised
// for real. Elsewhere buffers fall back to heap slices.
type Shmem struct {
	id DeviceID

	mu         sync.Mutex
	nextHandle Handle
	nextName   Name
	objects    map[Handle]*shmemObject
	names      map[Name]Handle
	byBacking  map[*shmemBacking]Handle

	realm *ShmemRealm
}

// shmemObject is one buffer on a Shmem device. A single backing may be
// referenced by handles on several devices of the same realm after a
// dma-buf style import.
type shmemObject struct {
	backing   *shmemBacking
	busyUntil time.Time
	dontNeed  bool
	tiling    Tiling
	caching   CachingMode
}

// ShmemRealm is the shared-export namespace a group of Shmem devices live
// in, standing in for the kernel's process-wide dma-buf table.
type ShmemRealm struct {
	mu     sync.Mutex
	nextID DeviceID
	nextFD SharedFD
	fds    map[SharedFD]*shmemBacking
}

// NewShmemRealm creates an empty export namespace.
func NewShmemRealm() *ShmemRealm {
	return &ShmemRealm{nextFD: 3, fds: make(map[SharedFD]*shmemBacking)}
}

// NewDevice opens a new device within the realm.
func (r *ShmemRealm) NewDevice() *Shmem {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()
	return &Shmem{
		id:         id,
		nextHandle: 1,
		nextName:   1,
		objects:    make(map[Handle]*shmemObject),
		names:      make(map[Name]Handle),
		byBacking:  make(map[*shmemBacking]Handle),
		realm:      r,
	}
}

// NewShmem opens a standalone device in a fresh realm.
func NewShmem() *Shmem {
	return NewShmemRealm().NewDevice()
}

var _ Device = (*Shmem)(nil)

func (d *Shmem) ID() DeviceID { return d.id }

func (d *Shmem) lookup(h Handle) (*shmemObject, error) {
	o, ok := d.objects[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, h)
	}
	return o, nil
}

func (d *Shmem) insert(bk *shmemBacking) Handle {
	h := d.nextHandle
	d.nextHandle++
	d.objects[h] = &shmemObject{backing: bk}
	d.byBacking[bk] = h
	return h
}

func (d *Shmem) Create(size uint64) (Handle, error) {
	bk, err := newShmemBacking(size)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoSpace, err)
	}
	bk.ref()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.insert(bk), nil
}

func (d *Shmem) CreateUserptr(mem []byte) (Handle, error) {
	bk := newUserptrBacking(mem)
	bk.ref()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.insert(bk), nil
}

func (d *Shmem) Close(h Handle) {
	d.mu.Lock()
	o, ok := d.objects[h]
	if ok {
		delete(d.objects, h)
		delete(d.byBacking, o.backing)
	}
	d.mu.Unlock()
	if ok {
		o.backing.unref()
	}
}

func (d *Shmem) Mmap(h Handle, _ MapMode) ([]byte, error) {
	d.mu.Lock()
	o, err := d.lookup(h)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	data, err := o.backing.mapNew()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}
	return data, nil
}

func (d *Shmem) Munmap(data []byte) error {
	return unmapShmem(data)
}

func (d *Shmem) Busy(h Handle) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, err := d.lookup(h)
	if err != nil {
		return false, err
	}
	return time.Now().Before(o.busyUntil), nil
}

func (d *Shmem) Wait(h Handle, timeoutNS int64) error {
	d.mu.Lock()
	o, err := d.lookup(h)
	var until time.Time
	if err == nil {
		until = o.busyUntil
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}
	remain := time.Until(until)
	if remain <= 0 {
		return nil
	}
	if timeoutNS >= 0 && int64(remain) > timeoutNS {
		time.Sleep(time.Duration(timeoutNS))
		return ErrTimedOut
	}
	time.Sleep(remain)
	return nil
}

func (d *Shmem) Advise(h Handle, a Advice) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, err := d.lookup(h)
	if err != nil {
		return false, err
	}
	switch a {
	case AdviseDontNeed:
		o.dontNeed = true
		return true, nil
	default: // AdviseWillNeed
		o.dontNeed = false
		return !o.backing.purged, nil
	}
}

func (d *Shmem) SetTiling(h Handle, t Tiling) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, err := d.lookup(h)
	if err != nil {
		return err
	}
	o.tiling = t
	return nil
}

func (d *Shmem) GetTiling(h Handle) (Tiling, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, err := d.lookup(h)
	if err != nil {
		return Tiling{}, err
	}
	return o.tiling, nil
}

func (d *Shmem) SetCaching(h Handle, c CachingMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, err := d.lookup(h)
	if err != nil {
		return err
	}
	o.caching = c
	return nil
}

func (d *Shmem) ExportFD(h Handle) (SharedFD, error) {
	d.mu.Lock()
	o, err := d.lookup(h)
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	r := d.realm
	r.mu.Lock()
	defer r.mu.Unlock()
	fd := r.nextFD
	r.nextFD++
	r.fds[fd] = o.backing
	return fd, nil
}

func (d *Shmem) ImportFD(fd SharedFD) (Handle, uint64, error) {
	r := d.realm
	r.mu.Lock()
	bk, ok := r.fds[fd]
	r.mu.Unlock()
	if !ok {
		return 0, 0, fmt.Errorf("%w: %d", ErrBadFD, fd)
	}
	return d.importBacking(bk)
}

func (d *Shmem) importBacking(bk *shmemBacking) (Handle, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.byBacking[bk]; ok {
		return h, bk.size, nil
	}
	bk.ref()
	return d.insert(bk), bk.size, nil
}

func (d *Shmem) ExportName(h Handle) (Name, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, err := d.lookup(h)
	if err != nil {
		return 0, err
	}
	if o.backing.name == 0 {
		o.backing.name = d.nextName
		d.names[o.backing.name] = h
		d.nextName++
	}
	return o.backing.name, nil
}

func (d *Shmem) ImportName(n Name) (Handle, uint64, error) {
	d.mu.Lock()
	h, ok := d.names[n]
	var bk *shmemBacking
	if ok {
		bk = d.objects[h].backing
	}
	d.mu.Unlock()
	if !ok {
		return 0, 0, fmt.Errorf("%w: %d", ErrBadName, n)
	}
	return d.importBacking(bk)
}

// SignalBusy marks the handle busy for the given duration, simulating
// in-flight GPU work.
func (d *Shmem) SignalBusy(h Handle, dur time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, err := d.lookup(h)
	if err != nil {
		return err
	}
	o.busyUntil = time.Now().Add(dur)
	return nil
}

// Purge discards the content of every handle currently marked DontNeed,
// simulating memory pressure. A later AdviseWillNeed reports retained=false.
func (d *Shmem) Purge() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range d.objects {
		if o.dontNeed {
			o.backing.purged = true
		}
	}
}
