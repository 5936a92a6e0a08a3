// The compman package loads compartments and brings up their runtimes.
// All mutations of the dynamic linker's state happen under CompMan's
// lock.
package compman

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sasha-s/go-deadlock"

	"compmon/config"
	db "compmon/debug"
	"compmon/dynlink"
	"compmon/objsys"
	"compmon/threadmgr"
	"compmon/util/tracing"
)

var (
	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compmon_loads_total",
		Help: "Compartment loads by result",
	}, []string{"result"})
	loadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "compmon_load_duration_seconds",
		Help:    "Compartment load latency",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
	startsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compmon_starts_total",
		Help: "Compartment starts by result",
	}, []string{"result"})
)

type CompMan struct {
	mu       deadlock.Mutex
	conf     *config.Config
	space    objsys.ObjectSystem
	dctx     *dynlink.Context
	sel      dynlink.Selector
	tm       *threadmgr.ThreadMgr
	exec     Executor
	tracer   *tracing.Tracer
	nextSctx uint64
	comps    map[dynlink.TcompId]*compRef
}

// The instance of a compartment, shared by every loader whose load
// reached it. It is started once, on the first StartMain that needs it,
// and destroyed when the last loader holding it unloads.
type compRef struct {
	cb     *CompartmentBringup
	refs   int
	starts int
}

// NewCompMan returns a compartment manager that resolves libraries
// through sel. A nil exec selects LogExecutor; a nil tracer records no
// spans.
func NewCompMan(conf *config.Config, space objsys.ObjectSystem, sel dynlink.Selector, tm *threadmgr.ThreadMgr, exec Executor, tracer *tracing.Tracer) *CompMan {
	if exec == nil {
		exec = LogExecutor{}
	}
	if tracer == nil {
		tracer = tracing.NoopTracer("compman")
	}
	return &CompMan{
		conf:   conf,
		space:  space,
		dctx:   dynlink.NewContext(space),
		sel:    sel,
		tm:     tm,
		exec:   exec,
		tracer: tracer,
		comps:  make(map[dynlink.TcompId]*compRef),
	}
}

func (cm *CompMan) ThreadMgr() *threadmgr.ThreadMgr {
	return cm.tm
}

// WithContext runs fn with the dynamic linker state locked.
func (cm *CompMan) WithContext(fn func(dctx *dynlink.Context)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	fn(cm.dctx)
}

func (cm *CompMan) LookupCompartment(name string) (dynlink.TcompId, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.dctx.LookupCompartment(name)
}

func (cm *CompMan) LookupLibrary(comp dynlink.TcompId, name string) (dynlink.TlibId, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.dctx.LookupLibrary(comp, dynlink.CanonicalName(cm.sel, name))
}

// Running returns the compartment instances whose main threads were
// started and not yet torn down.
func (cm *CompMan) Running() []*RunComp {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	rcs := make([]*RunComp, 0, len(cm.comps))
	for _, id := range cm.dctx.Compartments() {
		if cr, ok := cm.comps[id]; ok && cr.starts > 0 {
			rcs = append(rcs, cr.cb.rc)
		}
	}
	return rcs
}

func (cm *CompMan) allocSctxL() uint64 {
	cm.nextSctx++
	return cm.nextSctx
}

// acquireL adds a reference to cb's compartment instance, registering
// cb if this is the first one.
func (cm *CompMan) acquireL(cb *CompartmentBringup) *compRef {
	cr, ok := cm.comps[cb.Comp]
	if !ok {
		cr = &compRef{cb: cb}
		cm.comps[cb.Comp] = cr
	}
	cr.refs++
	db.DPrintf(db.RUNCOMP, "acquire %v refs %d", cb.rc, cr.refs)
	return cr
}

// releaseL drops a reference; the last one destroys the instance.
func (cm *CompMan) releaseL(cb *CompartmentBringup) {
	cr, ok := cm.comps[cb.Comp]
	if !ok || cr.cb != cb {
		return
	}
	cr.refs--
	db.DPrintf(db.RUNCOMP, "release %v refs %d", cb.rc, cr.refs)
	if cr.refs > 0 {
		return
	}
	delete(cm.comps, cb.Comp)
	cr.starts = 0
	cb.rc.Destroy()
}

// startL starts cb's main thread unless another loader already did, and
// returns a waiter for its readiness either way.
func (cm *CompMan) startL(cb *CompartmentBringup) (*ReadyWaiter, error) {
	cr, ok := cm.comps[cb.Comp]
	if !ok || cr.cb != cb {
		return nil, fmt.Errorf("%v not loaded", cb)
	}
	if cr.starts > 0 {
		cr.starts++
		db.DPrintf(db.RUNCOMP, "%v already running, starts %d", cb.rc, cr.starts)
		return cb.rc.waiter(), nil
	}
	stack := cm.conf.RunComp.MAIN_STACK_SIZE
	rw, err := cb.rc.StartMain(cb.Tls, cb.initInfo(stack), stack)
	if err != nil {
		return nil, err
	}
	cr.starts++
	return rw, nil
}

// stopL undoes one startL; the last one cancels the main thread.
func (cm *CompMan) stopL(cb *CompartmentBringup) {
	cr, ok := cm.comps[cb.Comp]
	if !ok || cr.cb != cb || cr.starts == 0 {
		return
	}
	cr.starts--
	if cr.starts == 0 {
		cb.rc.Cancel()
	}
	db.DPrintf(db.RUNCOMP, "stop %v starts %d", cb.rc, cr.starts)
}
