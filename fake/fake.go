// Package fake provides a deterministic in-memory gem.Device for tests:
// busy state is a programmable countdown of polls, map failures and purges
// can be injected, and every syscall-like entry point is counted.
package fake

import (
	"fmt"
	"sync"

	"github.com/gpukit/gpumem/gem"
)

// Counters tallies calls into the device, one field per entry point.
type Counters struct {
	Creates     int
	Closes      int
	Mmaps       int
	Munmaps     int
	BusyPolls   int
	Waits       int
	Advises     int
	SetTilings  int
	SetCachings int
	ExportFDs   int
	ImportFDs   int
	ExportNames int
	ImportNames int
}

// object is one underlying buffer. Handles on several fake devices may share
// an object after an import.
type object struct {
	size      uint64
	data      []byte
	busyPolls int // Busy() polls remaining before the object reads idle
	dontNeed  bool
	purged    bool
	tiling    gem.Tiling
	caching   gem.CachingMode
	name      gem.Name
	refs      int // live handles across all devices
	closes    int // total Close() calls ever made against it
}

// Realm is the shared namespace (fds, names) a group of fake devices live in.
type Realm struct {
	mu     sync.Mutex
	nextID gem.DeviceID
	nextFD gem.SharedFD
	fds    map[gem.SharedFD]*object
	names  map[gem.Name]*object
	nextNm gem.Name
}

// NewRealm creates an empty namespace.
func NewRealm() *Realm {
	return &Realm{
		nextFD: 3,
		nextNm: 1,
		fds:    make(map[gem.SharedFD]*object),
		names:  make(map[gem.Name]*object),
	}
}

// Device is a deterministic gem.Device.
type Device struct {
	realm *Realm
	id    gem.DeviceID

	mu         sync.Mutex
	nextHandle gem.Handle
	objects    map[gem.Handle]*object
	handles    map[*object]gem.Handle // kernel-style same-object => same-handle

	// Failure injection.
	failMmaps      int  // fail the next N Mmap calls
	failCreates    int  // fail the next N Create calls
	rejectDontNeed bool // refuse DONT_NEED advisories

	closed   map[gem.Handle]int // Close() calls per handle value
	counters Counters
}

// NewDevice opens a device within the realm.
func (r *Realm) NewDevice() *Device {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()
	return &Device{
		realm:      r,
		id:         id,
		nextHandle: 1,
		objects:    make(map[gem.Handle]*object),
		handles:    make(map[*object]gem.Handle),
		closed:     make(map[gem.Handle]int),
	}
}

// New opens a standalone device in a fresh realm.
func New() *Device { return NewRealm().NewDevice() }

var _ gem.Device = (*Device)(nil)

func (d *Device) ID() gem.DeviceID { return d.id }

// Counters returns a snapshot of the call counters.
func (d *Device) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters
}

// FailNextMmaps makes the next n Mmap calls fail with gem.ErrMapFailed.
func (d *Device) FailNextMmaps(n int) {
	d.mu.Lock()
	d.failMmaps = n
	d.mu.Unlock()
}

// FailNextCreates makes the next n Create calls fail with gem.ErrNoSpace.
func (d *Device) FailNextCreates(n int) {
	d.mu.Lock()
	d.failCreates = n
	d.mu.Unlock()
}

// RejectDontNeed makes DONT_NEED advisories report not-accepted, forcing the
// manager down the close-instead-of-cache path.
func (d *Device) RejectDontNeed(v bool) {
	d.mu.Lock()
	d.rejectDontNeed = v
	d.mu.Unlock()
}

// SetBusyPolls marks the handle busy for the next n Busy() polls; the n+1st
// poll (and any Wait) observes it idle.
func (d *Device) SetBusyPolls(h gem.Handle, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, ok := d.objects[h]; ok {
		o.busyPolls = n
	}
}

// Purge discards the content of the handle if it was marked DONT_NEED.
func (d *Device) Purge(h gem.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, ok := d.objects[h]; ok && o.dontNeed {
		o.purged = true
	}
}

// CloseCount reports how many Close() calls this device has seen for the
// given handle value.
func (d *Device) CloseCount(h gem.Handle) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed[h]
}

// Live reports whether the handle is still open on this device.
func (d *Device) Live(h gem.Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.objects[h]
	return ok
}

// LiveObjects reports how many handles are open on this device.
func (d *Device) LiveObjects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.objects)
}

func (d *Device) lookup(h gem.Handle) (*object, error) {
	o, ok := d.objects[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", gem.ErrBadHandle, h)
	}
	return o, nil
}

func (d *Device) insert(o *object) gem.Handle {
	h := d.nextHandle
	d.nextHandle++
	d.objects[h] = o
	d.handles[o] = h
	o.refs++
	return h
}

func (d *Device) Create(size uint64) (gem.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.Creates++
	if d.failCreates > 0 {
		d.failCreates--
		return 0, gem.ErrNoSpace
	}
	return d.insert(&object{size: size, data: make([]byte, size)}), nil
}

func (d *Device) CreateUserptr(mem []byte) (gem.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.Creates++
	return d.insert(&object{size: uint64(len(mem)), data: mem}), nil
}

func (d *Device) Close(h gem.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.Closes++
	d.closed[h]++
	o, ok := d.objects[h]
	if !ok {
		return
	}
	delete(d.objects, h)
	delete(d.handles, o)
	o.refs--
	o.closes++
}

func (d *Device) Mmap(h gem.Handle, _ gem.MapMode) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.Mmaps++
	if d.failMmaps > 0 {
		d.failMmaps--
		return nil, gem.ErrMapFailed
	}
	o, err := d.lookup(h)
	if err != nil {
		return nil, err
	}
	return o.data, nil
}

func (d *Device) Munmap([]byte) error {
	d.mu.Lock()
	d.counters.Munmaps++
	d.mu.Unlock()
	return nil
}

func (d *Device) Busy(h gem.Handle) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.BusyPolls++
	o, err := d.lookup(h)
	if err != nil {
		return false, err
	}
	if o.busyPolls > 0 {
		o.busyPolls--
		return true, nil
	}
	return false, nil
}

func (d *Device) Wait(h gem.Handle, timeoutNS int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.Waits++
	o, err := d.lookup(h)
	if err != nil {
		return err
	}
	if o.busyPolls > 0 && timeoutNS == 0 {
		return gem.ErrTimedOut
	}
	o.busyPolls = 0
	return nil
}

func (d *Device) Advise(h gem.Handle, a gem.Advice) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.Advises++
	o, err := d.lookup(h)
	if err != nil {
		return false, err
	}
	switch a {
	case gem.AdviseDontNeed:
		if d.rejectDontNeed {
			return false, nil
		}
		o.dontNeed = true
		return true, nil
	default:
		o.dontNeed = false
		return !o.purged, nil
	}
}

func (d *Device) SetTiling(h gem.Handle, t gem.Tiling) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.SetTilings++
	o, err := d.lookup(h)
	if err != nil {
		return err
	}
	o.tiling = t
	return nil
}

func (d *Device) GetTiling(h gem.Handle) (gem.Tiling, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, err := d.lookup(h)
	if err != nil {
		return gem.Tiling{}, err
	}
	return o.tiling, nil
}

func (d *Device) SetCaching(h gem.Handle, c gem.CachingMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.SetCachings++
	o, err := d.lookup(h)
	if err != nil {
		return err
	}
	o.caching = c
	return nil
}

func (d *Device) ExportFD(h gem.Handle) (gem.SharedFD, error) {
	d.mu.Lock()
	o, err := d.lookup(h)
	d.counters.ExportFDs++
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	r := d.realm
	r.mu.Lock()
	defer r.mu.Unlock()
	fd := r.nextFD
	r.nextFD++
	r.fds[fd] = o
	return fd, nil
}

func (d *Device) ImportFD(fd gem.SharedFD) (gem.Handle, uint64, error) {
	r := d.realm
	r.mu.Lock()
	o, ok := r.fds[fd]
	r.mu.Unlock()
	if !ok {
		return 0, 0, fmt.Errorf("%w: %d", gem.ErrBadFD, fd)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.ImportFDs++
	if h, ok := d.handles[o]; ok {
		return h, o.size, nil
	}
	return d.insert(o), o.size, nil
}

func (d *Device) ExportName(h gem.Handle) (gem.Name, error) {
	d.mu.Lock()
	o, err := d.lookup(h)
	d.counters.ExportNames++
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	r := d.realm
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.name == 0 {
		o.name = r.nextNm
		r.nextNm++
		r.names[o.name] = o
	}
	return o.name, nil
}

func (d *Device) ImportName(n gem.Name) (gem.Handle, uint64, error) {
	r := d.realm
	r.mu.Lock()
	o, ok := r.names[n]
	r.mu.Unlock()
	if !ok {
		return 0, 0, fmt.Errorf("%w: %d", gem.ErrBadName, n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.ImportNames++
	if h, ok := d.handles[o]; ok {
		return h, o.size, nil
	}
	return d.insert(o), o.size, nil
}
