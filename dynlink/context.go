package dynlink

import (
	"fmt"
	"sort"

	"go.uber.org/multierr"

	db "compmon/debug"
	"compmon/objsys"
)

// One resolved dependency: the library and the compartment it lives in.
type LoadIds struct {
	Lib  TlibId
	Comp TcompId
}

func (li LoadIds) String() string {
	return fmt.Sprintf("{%v in %v}", li.Lib, li.Comp)
}

// Context is the arena of compartments and libraries. All cross
// references are ids. Context is not synchronized; its owner must
// serialize access (the compartment manager holds one lock over it).
type Context struct {
	space    objsys.ObjectSystem
	comps    map[TcompId]*Compartment
	compIds  map[string]TcompId
	libs     map[TlibId]*Library
	nextComp TcompId
	nextLib  TlibId
	journals []*Journal
}

func NewContext(space objsys.ObjectSystem) *Context {
	return &Context{
		space:   space,
		comps:   make(map[TcompId]*Compartment),
		compIds: make(map[string]TcompId),
		libs:    make(map[TlibId]*Library),
	}
}

func (ctx *Context) Space() objsys.ObjectSystem {
	return ctx.space
}

func (ctx *Context) AddCompartment(name string) (TcompId, error) {
	if _, ok := ctx.compIds[name]; ok {
		return 0, NewErr(TErrDuplicateCompartment, name)
	}
	ctx.nextComp++
	id := ctx.nextComp
	ctx.comps[id] = newCompartment(id, name)
	ctx.compIds[name] = id
	ctx.record(jentry{op: JADD_COMP, comp: id})
	db.DPrintf(db.DYNLINK, "add compartment %q as %v", name, id)
	return id, nil
}

func (ctx *Context) LookupCompartment(name string) (TcompId, bool) {
	id, ok := ctx.compIds[name]
	return id, ok
}

func (ctx *Context) GetCompartment(id TcompId) (*Compartment, error) {
	c, ok := ctx.comps[id]
	if !ok {
		return nil, NewErr(TErrNotFound, id)
	}
	return c, nil
}

// Compartment ids in creation order.
func (ctx *Context) Compartments() []TcompId {
	ids := make([]TcompId, 0, len(ctx.comps))
	for id := range ctx.comps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (ctx *Context) SetSecurityContext(id TcompId, sctx uint64) error {
	c, err := ctx.GetCompartment(id)
	if err != nil {
		return err
	}
	ctx.record(jentry{op: JSET_SCTX, comp: id, old: c.sctx})
	c.SetSecurityContext(sctx)
	return nil
}

func (ctx *Context) GetLibrary(id TlibId) (*Library, error) {
	lib, ok := ctx.libs[id]
	if !ok {
		return nil, NewErr(TErrNotFound, id)
	}
	return lib, nil
}

func (ctx *Context) LookupLibrary(comp TcompId, name string) (TlibId, bool) {
	c, ok := ctx.comps[comp]
	if !ok {
		return 0, false
	}
	return c.lookup(name)
}

func (ctx *Context) Nlibs() int {
	return len(ctx.libs)
}

// AddManualDependency makes dep a dependency of lib, as if lib named it
// in its dynamic section.
func (ctx *Context) AddManualDependency(lib, dep TlibId) error {
	l, err := ctx.GetLibrary(lib)
	if err != nil {
		return err
	}
	if _, err := ctx.GetLibrary(dep); err != nil {
		return err
	}
	ctx.addDep(l, dep)
	return nil
}

func (ctx *Context) addDep(lib *Library, dep TlibId) {
	if lib.addDep(dep) {
		ctx.record(jentry{op: JADD_DEP, lib: lib.id, dep: dep})
	}
}

// place loads lib into compartment comp.
func (ctx *Context) place(lib *Library, comp TcompId) (TlibId, error) {
	c, err := ctx.GetCompartment(comp)
	if err != nil {
		return 0, err
	}
	lib.id = ctx.nextLib + 1
	lib.comp = comp
	if err := lib.load(ctx.space); err != nil {
		return 0, err
	}
	ctx.nextLib = lib.id
	ctx.libs[lib.id] = lib
	c.add(lib)
	if lib.tlsProg != nil {
		c.nextTlsId++
		lib.tlsId = c.nextTlsId
	}
	ctx.record(jentry{op: JADD_LIB, lib: lib.id, comp: comp})
	return lib.id, nil
}

// LoadLibraryInCompartment loads ul and its transitive dependencies,
// depth-first. Dependencies land in comp unless sel places them in
// another compartment, which is created if it does not exist yet. A
// library already present in its target compartment is reused. The
// returned records start with ul's and list each library once. On
// error, everything the call added is removed again.
func (ctx *Context) LoadLibraryInCompartment(comp TcompId, ul UnloadedLibrary, sel Selector) ([]LoadIds, error) {
	c, err := ctx.GetCompartment(comp)
	if err != nil {
		return nil, err
	}
	if id, ok := c.lookup(CanonicalName(sel, ul.Name())); ok {
		return []LoadIds{{Lib: id, Comp: comp}}, nil
	}
	j := ctx.Begin()
	recs, err := ctx.loadLibrary(c, ul, sel)
	if err != nil {
		ctx.Rollback(j)
		return nil, err
	}
	ctx.Commit(j)
	db.DPrintf(db.DYNLINK, "loaded %v in %v: %v", ul, c, recs)
	return recs, nil
}

func (ctx *Context) loadLibrary(c *Compartment, ul UnloadedLibrary, sel Selector) ([]LoadIds, error) {
	root, err := resolve(sel, ul.Name(), c.name)
	if err != nil {
		return nil, err
	}
	id, err := ctx.place(root, c.id)
	if err != nil {
		return nil, newMalformed(root.name, err)
	}
	recs := []LoadIds{{Lib: id, Comp: c.id}}
	seen := map[TlibId]bool{id: true}
	if err := ctx.loadDeps(root, sel, &recs, seen); err != nil {
		return nil, err
	}
	return recs, nil
}

func (ctx *Context) loadDeps(lib *Library, sel Selector, recs *[]LoadIds, seen map[TlibId]bool) error {
	deps, errs := lib.EnumerateNeeded(sel)
	for _, dep := range deps {
		target := lib.comp
		if dep.compHint != "" {
			id, ok := ctx.compIds[dep.compHint]
			if !ok {
				var err error
				if id, err = ctx.AddCompartment(dep.compHint); err != nil {
					errs = multierr.Append(errs, err)
					continue
				}
			}
			target = id
		}
		if id, ok := ctx.LookupLibrary(target, dep.name); ok {
			// The backing belongs to the selector; nothing to release.
			ctx.addDep(lib, id)
			if !seen[id] {
				seen[id] = true
				*recs = append(*recs, LoadIds{Lib: id, Comp: target})
			}
			continue
		}
		id, err := ctx.place(dep, target)
		if err != nil {
			errs = multierr.Append(errs, newMalformed(dep.name, err))
			continue
		}
		ctx.addDep(lib, id)
		seen[id] = true
		*recs = append(*recs, LoadIds{Lib: id, Comp: target})
		if err := ctx.loadDeps(dep, sel, recs, seen); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// WithBFS calls fn on root and its transitive dependencies in
// breadth-first order, once per library.
func (ctx *Context) WithBFS(root TlibId, fn func(*Library)) {
	ctx.bfs(root, func(lib *Library) bool {
		fn(lib)
		return true
	})
}

// bfs walks the dependency graph from root; fn returning false stops
// the walk from descending into that library's dependencies.
func (ctx *Context) bfs(root TlibId, fn func(*Library) bool) {
	seen := map[TlibId]bool{root: true}
	q := []TlibId{root}
	for len(q) > 0 {
		id := q[0]
		q = q[1:]
		lib, ok := ctx.libs[id]
		if !ok {
			continue
		}
		if !fn(lib) {
			continue
		}
		for _, d := range lib.deps {
			if !seen[d] {
				seen[d] = true
				q = append(q, d)
			}
		}
	}
}

// dependents lists libraries that depend on id.
func (ctx *Context) dependents(id TlibId) []TlibId {
	var ds []TlibId
	for _, lib := range ctx.libs {
		for _, d := range lib.deps {
			if d == id {
				ds = append(ds, lib.id)
				break
			}
		}
	}
	return ds
}

func (ctx *Context) removeLibrary(id TlibId) {
	lib, ok := ctx.libs[id]
	if !ok {
		return
	}
	if c, ok := ctx.comps[lib.comp]; ok {
		c.remove(lib)
	}
	lib.unload(ctx.space)
	delete(ctx.libs, id)
	db.DPrintf(db.DYNLINK, "removed %v", lib)
}

func (ctx *Context) removeCompartment(id TcompId) bool {
	c, ok := ctx.comps[id]
	if !ok || len(c.libs) > 0 {
		return false
	}
	delete(ctx.comps, id)
	delete(ctx.compIds, c.name)
	db.DPrintf(db.DYNLINK, "removed compartment %v", c)
	return true
}
