package compman

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	db "compmon/debug"
	"compmon/dynlink"
)

// Everything needed to start one compartment's main thread.
type CompartmentBringup struct {
	Name    string
	Comp    dynlink.TcompId
	RootLib dynlink.TlibId
	RtLib   dynlink.TlibId
	Sctx    uint64
	Ctors   dynlink.ConstructorList
	Addrs   []uint64
	Entry   uint64
	Tls     *dynlink.TlsTemplate
	rc      *RunComp
}

func (cb *CompartmentBringup) RunComp() *RunComp {
	return cb.rc
}

func (cb *CompartmentBringup) String() string {
	return fmt.Sprintf("{%q %v root %v rt %v sctx %d entry %#x %d ctors}", cb.Name, cb.Comp, cb.RootLib, cb.RtLib, cb.Sctx, cb.Entry, len(cb.Addrs))
}

func (cb *CompartmentBringup) initInfo(stackSize uint64) *InitInfo {
	return &InitInfo{
		Name:      cb.Name,
		Comp:      uint64(cb.Comp),
		Sctx:      cb.Sctx,
		RootLib:   uint64(cb.RootLib),
		Entry:     cb.Entry,
		Ctors:     cb.Addrs,
		TlsSize:   cb.Tls.Size(),
		TlsAlign:  cb.Tls.Align,
		StackSize: stackSize,
	}
}

// The result of LoadCompartment: the root compartment's bringup and
// the bringups of the other compartments the load reached, in
// discovery order.
type Loader struct {
	mu      sync.Mutex
	cm      *CompMan
	root    *CompartmentBringup
	extras  []*CompartmentBringup
	journal *dynlink.Journal
	started []*CompartmentBringup
	done    bool
}

func (l *Loader) Root() *CompartmentBringup {
	return l.root
}

func (l *Loader) Extras() []*CompartmentBringup {
	return l.extras
}

// LoadCompartment creates compartment name, loads root and its
// dependencies, and prepares every compartment the load reached for
// starting. On error nothing the call created stays registered.
func (cm *CompMan) LoadCompartment(ctx context.Context, name string, root dynlink.UnloadedLibrary) (*Loader, error) {
	ctx, span := cm.tracer.StartContextSpan(ctx, "CompMan.LoadCompartment",
		attribute.String("compartment", name), attribute.String("root", root.Name()))
	defer span.End()
	start := time.Now()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	l := &Loader{cm: cm}
	l.journal = cm.dctx.Begin()
	err := cm.loadL(ctx, l, name, root)
	loadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		cm.dctx.Rollback(l.journal)
		l.releaseL()
		le := loadError(name, err)
		loadsTotal.WithLabelValues("error").Inc()
		span.RecordError(le)
		span.SetStatus(codes.Error, le.Code.String())
		db.DPrintf(db.LOADER_ERR, "load %q: %v", name, le)
		return nil, le
	}
	cm.dctx.Commit(l.journal)
	loadsTotal.WithLabelValues("ok").Inc()
	db.DPrintf(db.LOADER, "loaded %q: root %v extras %v", name, l.root, l.extras)
	return l, nil
}

func (cm *CompMan) loadL(ctx context.Context, l *Loader, name string, root dynlink.UnloadedLibrary) error {
	rootComp, err := cm.dctx.AddCompartment(name)
	if err != nil {
		return err
	}
	loads, err := cm.dctx.LoadLibraryInCompartment(rootComp, root, cm.sel)
	if err != nil {
		return newLoadError(TErrDependency, name, err)
	}
	db.DPrintf(db.LOADER, "load %q: %v", name, loads)
	type pending struct {
		c    *dynlink.Compartment
		root dynlink.TlibId
		rt   dynlink.TlibId
	}
	var extras []pending
	seen := make(map[dynlink.TcompId]bool)
	for _, ld := range loads {
		if ld.Comp == rootComp || seen[ld.Comp] {
			continue
		}
		seen[ld.Comp] = true
		c, err := cm.dctx.GetCompartment(ld.Comp)
		if err != nil {
			return err
		}
		lib, err := cm.dctx.GetLibrary(ld.Lib)
		if err != nil {
			return err
		}
		db.DPrintf(db.LOADER, "load returned alternate compartment for library %v: %v", lib, c)
		rt, err := cm.maybeInjectRtL(ld.Lib, ld.Comp)
		if err != nil {
			return err
		}
		extras = append(extras, pending{c: c, root: ld.Lib, rt: rt})
	}
	c, err := cm.dctx.GetCompartment(rootComp)
	if err != nil {
		return err
	}
	rt, err := cm.maybeInjectRtL(loads[0].Lib, rootComp)
	if err != nil {
		return err
	}
	// Every runtime is in place before anything is relocated, so each
	// library binds against its complete closure.
	for _, p := range extras {
		cb, err := cm.extraBringupL(ctx, p.c, p.root, p.rt)
		if err != nil {
			return err
		}
		cm.acquireL(cb)
		l.extras = append(l.extras, cb)
	}
	cb, err := cm.bringupL(ctx, c, loads[0].Lib, rt)
	if err != nil {
		return err
	}
	cm.acquireL(cb)
	l.root = cb
	return nil
}

// extraBringupL returns the bringup of an alternate compartment. A
// compartment an earlier load already brought up keeps its instance;
// only what this load added to it is relocated.
func (cm *CompMan) extraBringupL(ctx context.Context, c *dynlink.Compartment, root, rt dynlink.TlibId) (*CompartmentBringup, error) {
	cr, ok := cm.comps[c.Id()]
	if !ok {
		return cm.bringupL(ctx, c, root, rt)
	}
	if err := cm.dctx.RelocateAll(root); err != nil {
		return nil, newLoadError(TErrRelocation, c.Name(), err)
	}
	db.DPrintf(db.LOADER, "load alt compartment library %v: %v (existing %v)", root, c, cr.cb)
	return cr.cb, nil
}

// maybeInjectRtL makes the runtime library a dependency of root,
// loading it into comp unless comp already has it.
func (cm *CompMan) maybeInjectRtL(root dynlink.TlibId, comp dynlink.TcompId) (dynlink.TlibId, error) {
	name := cm.conf.Loader.RUNTIME_NAME
	id, ok := cm.dctx.LookupLibrary(comp, dynlink.CanonicalName(cm.sel, name))
	if !ok {
		loads, err := cm.dctx.LoadLibraryInCompartment(comp, dynlink.NewUnloadedLibrary(name), cm.sel)
		if err != nil {
			return 0, newLoadError(TErrDependency, name, err)
		}
		id = loads[0].Lib
		db.DPrintf(db.LOADER, "injected runtime %v into %v", id, comp)
	}
	if id != root {
		if err := cm.dctx.AddManualDependency(root, id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (cm *CompMan) bringupL(ctx context.Context, c *dynlink.Compartment, root, rt dynlink.TlibId) (*CompartmentBringup, error) {
	_, span := cm.tracer.StartContextSpan(ctx, "CompMan.bringup", attribute.String("compartment", c.Name()))
	defer span.End()

	if err := cm.dctx.RelocateAll(root); err != nil {
		return nil, newLoadError(TErrRelocation, c.Name(), err)
	}
	sctx, ok := c.SecurityContext()
	if !ok {
		sctx = cm.allocSctxL()
		if err := cm.dctx.SetSecurityContext(c.Id(), sctx); err != nil {
			return nil, err
		}
	}
	ctors, err := cm.dctx.BuildCtorsList(root)
	if err != nil {
		return nil, newLoadError(TErrRelocation, c.Name(), err)
	}
	rtlib, err := cm.dctx.GetLibrary(rt)
	if err != nil {
		return nil, err
	}
	entry, err := rtlib.GetEntryAddress()
	if err != nil {
		return nil, newLoadError(TErrMissingEntry, c.Name(), err)
	}
	addrs, err := cm.dctx.Addrs(ctors)
	if err != nil {
		return nil, newLoadError(TErrRelocation, c.Name(), err)
	}
	tmpl, err := cm.dctx.BuildTlsTemplate(c.Id())
	if err != nil {
		return nil, newLoadError(TErrDependency, c.Name(), err)
	}
	rc, err := newRunComp(cm.space, cm.tm, cm.exec, c.Name(), c.Id(), root, sctx)
	if err != nil {
		return nil, err
	}
	cb := &CompartmentBringup{
		Name:    c.Name(),
		Comp:    c.Id(),
		RootLib: root,
		RtLib:   rt,
		Sctx:    sctx,
		Ctors:   ctors,
		Addrs:   addrs,
		Entry:   entry,
		Tls:     tmpl,
		rc:      rc,
	}
	db.DPrintf(db.LOADER, "bringup %v", cb)
	return cb, nil
}

// StartMain starts the extra compartments, innermost (last
// discovered) first, then the root compartment, and returns a waiter
// for the root's readiness checkpoint. An extra compartment another
// loader already started is not started again. If a compartment fails
// to start, the ones already started are torn down in reverse order.
func (l *Loader) StartMain(ctx context.Context) (*ReadyWaiter, error) {
	_, span := l.cm.tracer.StartContextSpan(ctx, "Loader.StartMain", attribute.String("compartment", l.root.Name))
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done {
		return nil, &StartError{Comp: l.root.Comp, Name: l.root.Name, Err: fmt.Errorf("loader unloaded")}
	}
	if len(l.started) > 0 {
		return nil, &StartError{Comp: l.root.Comp, Name: l.root.Name, Err: fmt.Errorf("already started")}
	}
	order := make([]*CompartmentBringup, 0, len(l.extras)+1)
	for i := len(l.extras) - 1; i >= 0; i-- {
		order = append(order, l.extras[i])
	}
	order = append(order, l.root)

	l.cm.mu.Lock()
	defer l.cm.mu.Unlock()
	var rw *ReadyWaiter
	for _, cb := range order {
		w, err := l.cm.startL(cb)
		if err != nil {
			se := &StartError{Comp: cb.Comp, Name: cb.Name, Err: err}
			db.DPrintf(db.RUNCOMP_ERR, "start %v: %v; tearing down %d", cb, err, len(l.started))
			l.teardownL()
			startsTotal.WithLabelValues("error").Inc()
			span.RecordError(se)
			span.SetStatus(codes.Error, "start failed")
			return nil, se
		}
		l.started = append(l.started, cb)
		db.DPrintf(db.RUNCOMP, "started %v", cb)
		rw = w
	}
	startsTotal.WithLabelValues("ok").Inc()
	return rw, nil
}

// teardownL undoes this loader's starts, most recent first. Caller
// holds cm.mu.
func (l *Loader) teardownL() {
	for i := len(l.started) - 1; i >= 0; i-- {
		l.cm.stopL(l.started[i])
	}
	l.started = nil
}

// releaseL drops this loader's references to its compartment
// instances, root first. Caller holds cm.mu.
func (l *Loader) releaseL() {
	if l.root != nil {
		l.cm.releaseL(l.root)
	}
	for i := len(l.extras) - 1; i >= 0; i-- {
		l.cm.releaseL(l.extras[i])
	}
}

// Unload stops the loader's compartments and releases what the load
// created, in reverse order of acquisition. Compartments and libraries
// that other loaders still use stay loaded and running.
func (l *Loader) Unload() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done {
		return
	}
	l.done = true
	l.cm.mu.Lock()
	defer l.cm.mu.Unlock()
	l.teardownL()
	l.releaseL()
	nlib, ncomp := l.cm.dctx.Release(l.journal)
	db.DPrintf(db.LOADER, "unloaded %q: %d libraries %d compartments", l.root.Name, nlib, ncomp)
}
