package dynlink

import (
	"fmt"
)

type TcompId uint32

func (id TcompId) String() string {
	return fmt.Sprintf("comp%d", uint32(id))
}

// An isolation domain: a set of libraries sharing one namespace, one
// TLS template, and, once started, one security context.
type Compartment struct {
	id        TcompId
	name      string
	libs      []TlibId
	byName    map[string]TlibId
	nextTlsId uint64
	sctx      uint64
}

func newCompartment(id TcompId, name string) *Compartment {
	return &Compartment{
		id:     id,
		name:   name,
		byName: make(map[string]TlibId),
	}
}

func (c *Compartment) Id() TcompId {
	return c.id
}

func (c *Compartment) Name() string {
	return c.name
}

// Libraries in load order.
func (c *Compartment) Libraries() []TlibId {
	return append([]TlibId{}, c.libs...)
}

func (c *Compartment) Nlibs() int {
	return len(c.libs)
}

func (c *Compartment) lookup(name string) (TlibId, bool) {
	id, ok := c.byName[name]
	return id, ok
}

func (c *Compartment) add(lib *Library) {
	c.libs = append(c.libs, lib.id)
	c.byName[lib.name] = lib.id
}

func (c *Compartment) remove(lib *Library) {
	for i, id := range c.libs {
		if id == lib.id {
			c.libs = append(c.libs[:i], c.libs[i+1:]...)
			break
		}
	}
	if c.byName[lib.name] == lib.id {
		delete(c.byName, lib.name)
	}
}

// SecurityContext returns the id of the security context the
// compartment runs in, if it has been assigned one.
func (c *Compartment) SecurityContext() (uint64, bool) {
	return c.sctx, c.sctx != 0
}

func (c *Compartment) SetSecurityContext(sctx uint64) {
	c.sctx = sctx
}

func (c *Compartment) String() string {
	return fmt.Sprintf("{%v %q %d libs}", c.id, c.name, len(c.libs))
}
