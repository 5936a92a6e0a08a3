package dynlink

import (
	"errors"
	"fmt"

	humanize "github.com/dustin/go-humanize"

	db "compmon/debug"
)

// One library's block in a compartment's static TLS image.
type TlsModule struct {
	Lib    TlibId
	Id     uint64
	Offset uint64
	Align  uint64
	Memsz  uint64
	Filesz uint64
}

// The static TLS layout of a compartment: every thread's TLS region
// starts as a copy of Init.
type TlsTemplate struct {
	Comp    TcompId
	Modules []TlsModule
	Align   uint64
	Init    []byte
}

func (t *TlsTemplate) Size() uint64 {
	return uint64(len(t.Init))
}

func (t *TlsTemplate) Module(id uint64) (TlsModule, bool) {
	for _, m := range t.Modules {
		if m.Id == id {
			return m, true
		}
	}
	return TlsModule{}, false
}

func (t *TlsTemplate) String() string {
	return fmt.Sprintf("{%v %d modules %v align %d}", t.Comp, len(t.Modules), humanize.IBytes(t.Size()), t.Align)
}

// BuildTlsTemplate lays out the TLS segments of comp's libraries in
// load order.
func (ctx *Context) BuildTlsTemplate(comp TcompId) (*TlsTemplate, error) {
	c, err := ctx.GetCompartment(comp)
	if err != nil {
		return nil, err
	}
	t := &TlsTemplate{Comp: comp, Align: 1}
	var off uint64
	for _, id := range c.libs {
		lib, err := ctx.GetLibrary(id)
		if err != nil {
			return nil, err
		}
		p := lib.tlsProg
		if p == nil {
			continue
		}
		if p.Filesz > p.Memsz || p.Vaddr+p.Filesz > uint64(len(lib.mem)) {
			return nil, newMalformed(lib.String(), errors.New("bad TLS segment"))
		}
		a := p.Align
		if a == 0 {
			a = 1
		}
		if a&(a-1) != 0 {
			return nil, newMalformed(lib.String(), fmt.Errorf("TLS alignment %d", a))
		}
		off = (off + a - 1) &^ (a - 1)
		t.Modules = append(t.Modules, TlsModule{
			Lib:    lib.id,
			Id:     lib.tlsId,
			Offset: off,
			Align:  a,
			Memsz:  p.Memsz,
			Filesz: p.Filesz,
		})
		if a > t.Align {
			t.Align = a
		}
		off += p.Memsz
	}
	t.Init = make([]byte, off)
	for i, m := range t.Modules {
		lib := ctx.libs[m.Lib]
		p := lib.tlsProg
		copy(t.Init[m.Offset:], lib.mem[p.Vaddr:p.Vaddr+p.Filesz])
		db.DPrintf(db.TLS, "%v: module %d (%v) at %#x", comp, m.Id, lib, t.Modules[i].Offset)
	}
	db.DPrintf(db.TLS, "template %v", t)
	return t, nil
}
