package dynlink

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	db "compmon/debug"
)

// Constructor information for one library: the legacy DT_INIT function
// and the location of its init array, as absolute addresses.
type CtorInfo struct {
	Lib          TlibId
	LegacyInit   uint64
	InitArray    uint64
	InitArrayLen int
}

func (ci CtorInfo) String() string {
	return fmt.Sprintf("{%v init %#x array %#x[%d]}", ci.Lib, ci.LegacyInit, ci.InitArray, ci.InitArrayLen)
}

// Constructors of a compartment's libraries, dependencies first.
type ConstructorList []CtorInfo

func (cl ConstructorList) Libs() []TlibId {
	ids := make([]TlibId, len(cl))
	for i, ci := range cl {
		ids[i] = ci.Lib
	}
	return ids
}

// Addrs flattens cl into the constructor addresses to call, in order.
// Init arrays are read from the relocated images.
func (ctx *Context) Addrs(cl ConstructorList) ([]uint64, error) {
	var addrs []uint64
	for _, ci := range cl {
		lib, err := ctx.GetLibrary(ci.Lib)
		if err != nil {
			return nil, err
		}
		if ci.LegacyInit != 0 {
			addrs = append(addrs, ci.LegacyInit)
		}
		fns, err := lib.ReadInitArray(ci)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, fns...)
	}
	return addrs, nil
}

// ReadInitArray returns the function pointers in lib's init array.
func (lib *Library) ReadInitArray(ci CtorInfo) ([]uint64, error) {
	if ci.InitArrayLen == 0 {
		return nil, nil
	}
	if lib.state != RELOCATED {
		return nil, NewErr(TErrNotRelocated, lib)
	}
	fns := make([]uint64, 0, ci.InitArrayLen)
	for i := 0; i < ci.InitArrayLen; i++ {
		fn, err := lib.ReadWord(ci.InitArray + 8*uint64(i))
		if err != nil {
			return nil, err
		}
		if fn != 0 && fn != ^uint64(0) {
			fns = append(fns, fn)
		}
	}
	return fns, nil
}

func (lib *Library) ctorInfo() (CtorInfo, error) {
	ci := CtorInfo{Lib: lib.id}
	dv, err := lib.dynamic()
	if err != nil {
		return ci, newMalformed(lib.String(), err)
	}
	if v, ok := dv.value(elf.DT_INIT); ok && v != 0 {
		ci.LegacyInit = lib.Base() + v
	}
	if v, ok := dv.value(elf.DT_INIT_ARRAY); ok {
		sz, _ := dv.value(elf.DT_INIT_ARRAYSZ)
		ci.InitArray = lib.Base() + v
		ci.InitArrayLen = int(sz / 8)
	}
	return ci, nil
}

// BuildCtorsList orders the constructors of root's closure within its
// own compartment so that every library follows its dependencies.
// Libraries in other compartments are started there and are not
// included. A dependency cycle is an error.
func (ctx *Context) BuildCtorsList(root TlibId) (ConstructorList, error) {
	rlib, err := ctx.GetLibrary(root)
	if err != nil {
		return nil, err
	}
	g := simple.NewDirectedGraph()
	ctx.bfs(root, func(lib *Library) bool {
		if lib.comp != rlib.comp {
			return false
		}
		if g.Node(int64(lib.id)) == nil {
			g.AddNode(simple.Node(lib.id))
		}
		return true
	})
	var cycle error
	ctx.bfs(root, func(lib *Library) bool {
		if lib.comp != rlib.comp {
			return false
		}
		for _, d := range lib.deps {
			if g.Node(int64(d)) == nil {
				continue
			}
			if d == lib.id {
				cycle = NewErr(TErrCycle, lib)
				continue
			}
			g.SetEdge(g.NewEdge(simple.Node(d), simple.Node(lib.id)))
		}
		return true
	})
	if cycle != nil {
		return nil, cycle
	}
	order, err := topo.SortStabilized(g, byId)
	if err != nil {
		var u topo.Unorderable
		if errors.As(err, &u) {
			db.DPrintf(db.DYNLINK_ERR, "ctors of %v: cycle %v", rlib, u)
			return nil, NewErrError(TErrCycle, rlib, err)
		}
		return nil, err
	}
	cl := make(ConstructorList, 0, len(order))
	for _, n := range order {
		lib, err := ctx.GetLibrary(TlibId(n.ID()))
		if err != nil {
			return nil, err
		}
		ci, err := lib.ctorInfo()
		if err != nil {
			return nil, err
		}
		cl = append(cl, ci)
	}
	db.DPrintf(db.DYNLINK, "ctors of %v: %v", rlib, cl)
	return cl, nil
}

func byId(ns []graph.Node) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].ID() < ns[j].ID() })
}
