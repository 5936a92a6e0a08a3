// The objsys package is the object/memory system the loader maps
// images and TLS regions through. Objects are byte containers named by
// an id; mapping an object places it in an address-space slot, giving
// it a base address through which fields are located with Lea.
package objsys

import (
	"fmt"
	"sync"

	db "compmon/debug"
)

type Tobjid uint64

const NOOBJ Tobjid = 0

func (id Tobjid) String() string {
	return fmt.Sprintf("obj%x", uint64(id))
}

type BackingType int

const (
	BACKING_NORMAL BackingType = iota
)

type LifetimeType int

const (
	LIFETIME_VOLATILE LifetimeType = iota
	LIFETIME_PERSISTENT
)

type MapFlags uint32

const (
	MAP_READ MapFlags = 1 << iota
	MAP_WRITE
	MAP_EXEC
)

func (f MapFlags) String() string {
	s := []byte("---")
	if f&MAP_READ != 0 {
		s[0] = 'r'
	}
	if f&MAP_WRITE != 0 {
		s[1] = 'w'
	}
	if f&MAP_EXEC != 0 {
		s[2] = 'x'
	}
	return string(s)
}

type ObjectSystem interface {
	// Create an object. If owner is not NOOBJ, the new object is tied
	// to owner and is deleted along with it.
	CreateObject(bt BackingType, lt LifetimeType, owner Tobjid) (Tobjid, error)
	MapObject(id Tobjid, flags MapFlags) (*Handle, error)
	Unmap(h *Handle) error
	DeleteObject(id Tobjid) error
}

type object struct {
	sync.Mutex
	id    Tobjid
	bt    BackingType
	lt    LifetimeType
	owner Tobjid
	data  []byte
	ties  []Tobjid
}

// A mapping of an object at Base.
type Handle struct {
	id    Tobjid
	flags MapFlags
	slot  uint64
	base  uint64
	limit uint64
	obj   *object
}

func (h *Handle) Id() Tobjid {
	return h.id
}

func (h *Handle) Flags() MapFlags {
	return h.flags
}

func (h *Handle) Base() uint64 {
	return h.base
}

func (h *Handle) Limit() uint64 {
	return h.limit
}

func (h *Handle) String() string {
	return fmt.Sprintf("{%v %v @ %#x}", h.id, h.flags, h.base)
}

// Lea locates the field [off, off+size) of the object and returns its
// address, growing the object as needed.
func (h *Handle) Lea(off, size uint64) (uint64, bool) {
	if off+size < off || off+size > h.limit {
		return 0, false
	}
	h.obj.Lock()
	defer h.obj.Unlock()
	h.obj.growL(off + size)
	return h.base + off, true
}

// Bytes returns the object's memory backing [off, off+size).
func (h *Handle) Bytes(off, size uint64) ([]byte, bool) {
	if _, ok := h.Lea(off, size); !ok {
		return nil, false
	}
	h.obj.Lock()
	defer h.obj.Unlock()
	return h.obj.data[off : off+size], true
}

// Contains reports whether addr falls inside the mapped slot.
func (h *Handle) Contains(addr uint64) bool {
	return addr >= h.base && addr < h.base+h.limit
}

func (o *object) growL(n uint64) {
	if uint64(len(o.data)) < n {
		d := make([]byte, n)
		copy(d, o.data)
		o.data = d
	}
}

// Space is an in-process ObjectSystem: every mapping gets its own slot
// of slotSize bytes starting at slot firstSlot.
type Space struct {
	sync.Mutex
	slotSize uint64
	nextId   Tobjid
	objs     map[Tobjid]*object
	slots    map[uint64]*Handle
	free     []uint64
	nextSlot uint64
}

func NewSpace(slotSize, firstSlot uint64) *Space {
	return &Space{
		slotSize: slotSize,
		nextId:   1,
		objs:     make(map[Tobjid]*object),
		slots:    make(map[uint64]*Handle),
		nextSlot: firstSlot,
	}
}

func (sp *Space) SlotSize() uint64 {
	return sp.slotSize
}

func (sp *Space) CreateObject(bt BackingType, lt LifetimeType, owner Tobjid) (Tobjid, error) {
	sp.Lock()
	defer sp.Unlock()

	if owner != NOOBJ {
		if _, ok := sp.objs[owner]; !ok {
			return NOOBJ, fmt.Errorf("create: owner %v not found", owner)
		}
	}
	id := sp.nextId
	sp.nextId++
	sp.objs[id] = &object{id: id, bt: bt, lt: lt, owner: owner}
	if owner != NOOBJ {
		o := sp.objs[owner]
		o.ties = append(o.ties, id)
	}
	db.DPrintf(db.OBJSYS, "create %v owner %v", id, owner)
	return id, nil
}

func (sp *Space) MapObject(id Tobjid, flags MapFlags) (*Handle, error) {
	sp.Lock()
	defer sp.Unlock()

	o, ok := sp.objs[id]
	if !ok {
		return nil, fmt.Errorf("map: %v not found", id)
	}
	var slot uint64
	if n := len(sp.free); n > 0 {
		slot = sp.free[n-1]
		sp.free = sp.free[:n-1]
	} else {
		slot = sp.nextSlot
		sp.nextSlot++
	}
	h := &Handle{
		id:    id,
		flags: flags,
		slot:  slot,
		base:  slot * sp.slotSize,
		limit: sp.slotSize,
		obj:   o,
	}
	sp.slots[slot] = h
	db.DPrintf(db.OBJSYS, "map %v", h)
	return h, nil
}

func (sp *Space) Unmap(h *Handle) error {
	sp.Lock()
	defer sp.Unlock()
	return sp.unmapL(h)
}

func (sp *Space) unmapL(h *Handle) error {
	if sp.slots[h.slot] != h {
		return fmt.Errorf("unmap: %v not mapped", h)
	}
	delete(sp.slots, h.slot)
	sp.free = append(sp.free, h.slot)
	return nil
}

// Delete id, the objects tied to it, and their mappings.
func (sp *Space) DeleteObject(id Tobjid) error {
	sp.Lock()
	defer sp.Unlock()

	if _, ok := sp.objs[id]; !ok {
		return fmt.Errorf("delete: %v not found", id)
	}
	sp.deleteL(id)
	return nil
}

func (sp *Space) deleteL(id Tobjid) {
	o, ok := sp.objs[id]
	if !ok {
		return
	}
	for _, t := range o.ties {
		sp.deleteL(t)
	}
	for _, h := range sp.slots {
		if h.id == id {
			sp.unmapL(h)
		}
	}
	delete(sp.objs, id)
	db.DPrintf(db.OBJSYS, "delete %v", id)
}

// Resolve an address to the mapping that contains it.
func (sp *Space) Lookup(addr uint64) (*Handle, bool) {
	sp.Lock()
	defer sp.Unlock()
	h, ok := sp.slots[addr/sp.slotSize]
	return h, ok
}

func (sp *Space) Nobjs() int {
	sp.Lock()
	defer sp.Unlock()
	return len(sp.objs)
}
