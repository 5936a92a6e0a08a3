package compman

import (
	"fmt"

	humanize "github.com/dustin/go-humanize"

	db "compmon/debug"
	"compmon/dynlink"
	"compmon/objsys"
)

// The per-compartment object holding the main thread's stack, its
// initial TLS block, and the encoded init info, in that order. It is
// tied to the compartment instance and goes away with it.
type TlsObject struct {
	space     objsys.ObjectSystem
	handle    *objsys.Handle
	stackSize uint64
	tlsOff    uint64
	tlsSize   uint64
	initOff   uint64
	initSize  uint64
}

func align(n, a uint64) uint64 {
	if a <= 1 {
		return n
	}
	return (n + a - 1) &^ (a - 1)
}

func NewTlsObject(space objsys.ObjectSystem, instance objsys.Tobjid, tmpl *dynlink.TlsTemplate, init []byte, stackSize uint64) (*TlsObject, error) {
	id, err := space.CreateObject(objsys.BACKING_NORMAL, objsys.LIFETIME_VOLATILE, instance)
	if err != nil {
		return nil, err
	}
	h, err := space.MapObject(id, objsys.MAP_READ|objsys.MAP_WRITE)
	if err != nil {
		space.DeleteObject(id)
		return nil, err
	}
	to := &TlsObject{
		space:     space,
		handle:    h,
		stackSize: stackSize,
		tlsOff:    align(stackSize, tmpl.Align),
		tlsSize:   tmpl.Size(),
		initSize:  uint64(len(init)),
	}
	to.initOff = align(to.tlsOff+to.tlsSize, 8)
	b, ok := h.Bytes(0, to.initOff+to.initSize)
	if !ok {
		space.DeleteObject(id)
		return nil, fmt.Errorf("tls object of %v does not fit", humanize.IBytes(to.initOff+to.initSize))
	}
	copy(b[to.tlsOff:], tmpl.Init)
	copy(b[to.initOff:], init)
	db.DPrintf(db.TLS, "tls object %v: stack %v tls %v init %v", h, humanize.IBytes(stackSize), humanize.IBytes(to.tlsSize), humanize.IBytes(to.initSize))
	return to, nil
}

func (to *TlsObject) Handle() *objsys.Handle {
	return to.handle
}

// Stacks grow down from StackTop.
func (to *TlsObject) StackTop() uint64 {
	return to.handle.Base() + to.stackSize
}

func (to *TlsObject) TlsBase() uint64 {
	return to.handle.Base() + to.tlsOff
}

func (to *TlsObject) InitInfoAddr() uint64 {
	return to.handle.Base() + to.initOff
}

// InitInfo returns the init-info bytes stored in the object.
func (to *TlsObject) InitInfo() []byte {
	b, _ := to.handle.Bytes(to.initOff, to.initSize)
	return b
}

// Tls returns the thread's TLS block.
func (to *TlsObject) Tls() []byte {
	b, _ := to.handle.Bytes(to.tlsOff, to.tlsSize)
	return b
}

func (to *TlsObject) Delete() error {
	return to.space.DeleteObject(to.handle.Id())
}
