package compman_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"compmon/compman"
	"compmon/config"
	db "compmon/debug"
	"compmon/dynlink"
	"compmon/dynlink/elftest"
	"compmon/objsys"
	"compmon/selector"
	"compmon/threadmgr"
	"compmon/threadsync"
	"compmon/util/tracing"
)

const (
	SLOT     = 1 << 24
	RT_ENTRY = 0x18
	TIMEOUT  = 5 * time.Second
)

type recExec struct {
	sync.Mutex
	order   []string
	fail    map[string]bool
	noReady bool
	infos   map[string]*compman.InitInfo
}

func newRecExec() *recExec {
	return &recExec{fail: make(map[string]bool), infos: make(map[string]*compman.InitInfo)}
}

func (re *recExec) Prepare(ec *compman.ExecContext) error {
	re.Lock()
	defer re.Unlock()
	re.order = append(re.order, ec.Name)
	if re.fail[ec.Name] {
		return errors.New("prepare refused")
	}
	ii, err := compman.UnmarshalInitInfo(ec.InitInfo)
	if err != nil {
		return err
	}
	re.infos[ec.Name] = ii
	return nil
}

func (re *recExec) Run(ec *compman.ExecContext) int {
	if re.noReady {
		return 1
	}
	ec.Ready()
	<-ec.Canceled()
	return 0
}

func (re *recExec) started() []string {
	re.Lock()
	defer re.Unlock()
	return append([]string{}, re.order...)
}

type tstate struct {
	t     *testing.T
	space *objsys.Space
	sel   *selector.MapSelector
	tm    *threadmgr.ThreadMgr
	exec  *recExec
	sr    *tracetest.SpanRecorder
	cm    *compman.CompMan
}

func newTstate(t *testing.T) *tstate {
	ts := &tstate{
		t:     t,
		space: objsys.NewSpace(SLOT, 1),
		sel:   selector.NewMapSelector(config.Conf),
		tm:    threadmgr.NewThreadMgr(config.Conf, threadsync.NewSync()),
		exec:  newRecExec(),
		sr:    tracetest.NewSpanRecorder(),
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(ts.sr))
	ts.cm = compman.NewCompMan(config.Conf, ts.space, ts.sel, ts.tm, ts.exec, tracing.NewTracer(tp.Tracer("test")))
	ts.add(config.Conf.Loader.RUNTIME_NAME, &elftest.Lib{Entry: RT_ENTRY, InitArray: []uint64{0x10}})
	return ts
}

func (ts *tstate) add(name string, l *elftest.Lib) *elftest.Layout {
	b, lay := l.Build()
	ts.sel.Add(name, b)
	return lay
}

func (ts *tstate) shutdown() {
	ts.tm.Stop()
}

func (ts *tstate) load(comp, root string) (*compman.Loader, error) {
	return ts.cm.LoadCompartment(context.TODO(), comp, dynlink.NewUnloadedLibrary(root))
}

func (ts *tstate) library(id dynlink.TlibId) *dynlink.Library {
	var lib *dynlink.Library
	ts.cm.WithContext(func(dctx *dynlink.Context) {
		l, err := dctx.GetLibrary(id)
		assert.Nil(ts.t, err)
		lib = l
	})
	return lib
}

func (ts *tstate) nlibs() int {
	n := 0
	ts.cm.WithContext(func(dctx *dynlink.Context) {
		n = dctx.Nlibs()
	})
	return n
}

func TestLoadAndStart(t *testing.T) {
	ts := newTstate(t)
	defer ts.shutdown()
	ts.add("root", &elftest.Lib{Needed: []string{"liba.so"}, InitArray: []uint64{0x20}})
	ts.add("liba.so", &elftest.Lib{InitArray: []uint64{0x30}})

	l, err := ts.load("app", "root")
	assert.Nil(t, err)
	assert.Equal(t, 0, len(l.Extras()))
	cb := l.Root()
	assert.Equal(t, "app", cb.Name)
	assert.Equal(t, uint64(1), cb.Sctx)
	assert.Equal(t, 3, ts.nlibs())

	rt := ts.library(cb.RtLib)
	assert.Equal(t, config.Conf.Loader.RUNTIME_NAME, rt.Name())
	f, err := rt.GetEntryAddress()
	assert.Nil(t, err)
	assert.Equal(t, f, cb.Entry)
	assert.True(t, rt.Contains(cb.Entry))
	assert.Contains(t, ts.library(cb.RootLib).Deps(), cb.RtLib)

	assert.Equal(t, 3, len(cb.Ctors))
	assert.Equal(t, cb.RootLib, cb.Ctors[2].Lib)
	assert.Equal(t, 3, len(cb.Addrs))
	for i, a := range cb.Addrs {
		lib := ts.library(cb.Ctors[i].Lib)
		assert.True(t, lib.Contains(a), "ctor %#x of %v", a, lib)
	}

	rw, err := l.StartMain(context.TODO())
	assert.Nil(t, err)
	assert.Nil(t, rw.Wait(TIMEOUT))
	assert.True(t, rw.RunComp().IsReady())
	assert.Equal(t, []string{"app"}, ts.exec.started())
	assert.Equal(t, 1, len(ts.cm.Running()))

	ts.exec.Lock()
	ii := ts.exec.infos["app"]
	ts.exec.Unlock()
	assert.Equal(t, "app", ii.Name)
	assert.Equal(t, cb.Sctx, ii.Sctx)
	assert.Equal(t, cb.Entry, ii.Entry)
	assert.Equal(t, cb.Addrs, ii.Ctors)
	assert.Equal(t, config.Conf.RunComp.MAIN_STACK_SIZE, ii.StackSize)

	tls := rw.RunComp().Tls()
	assert.True(t, tls.StackTop() <= tls.TlsBase())
	_, err = l.StartMain(context.TODO())
	assert.NotNil(t, err)

	main := rw.RunComp().Main()
	l.Unload()
	assert.Equal(t, 0, main.Wait())
	assert.Equal(t, 0, ts.nlibs())
	assert.Equal(t, 0, ts.space.Nobjs())
	assert.Equal(t, 0, len(ts.cm.Running()))
	_, ok := ts.cm.LookupCompartment("app")
	assert.False(t, ok)
	l.Unload()

	names := make(map[string]bool)
	for _, s := range ts.sr.Ended() {
		names[s.Name()] = true
	}
	assert.True(t, names["CompMan.LoadCompartment"])
	assert.True(t, names["Loader.StartMain"])
}

// root -> liba (in compA) -> libb (in compB)
func nested(ts *tstate) {
	ts.add("root", &elftest.Lib{Needed: []string{"liba.so"}})
	ts.add("liba.so", &elftest.Lib{Needed: []string{"libb.so"}})
	ts.add("libb.so", &elftest.Lib{})
	ts.sel.SetCompartment("liba.so", "compA")
	ts.sel.SetCompartment("libb.so", "compB")
}

func TestStartOrder(t *testing.T) {
	ts := newTstate(t)
	defer ts.shutdown()
	nested(ts)

	l, err := ts.load("app", "root")
	assert.Nil(t, err)
	ex := l.Extras()
	assert.Equal(t, 2, len(ex))
	assert.Equal(t, "compA", ex[0].Name)
	assert.Equal(t, "compB", ex[1].Name)
	sctxs := map[uint64]bool{l.Root().Sctx: true, ex[0].Sctx: true, ex[1].Sctx: true}
	assert.Equal(t, 3, len(sctxs))
	rts := map[dynlink.TlibId]bool{l.Root().RtLib: true, ex[0].RtLib: true, ex[1].RtLib: true}
	assert.Equal(t, 3, len(rts))
	// the root's constructors stay in its own compartment
	for _, ci := range l.Root().Ctors {
		assert.Equal(t, l.Root().Comp, ts.library(ci.Lib).Compartment())
	}

	rw, err := l.StartMain(context.TODO())
	assert.Nil(t, err)
	assert.Nil(t, rw.Wait(TIMEOUT))
	assert.Equal(t, []string{"compB", "compA", "app"}, ts.exec.started())
	assert.Equal(t, 3, len(ts.cm.Running()))
	l.Unload()
	assert.Equal(t, 0, ts.nlibs())
	assert.Equal(t, 0, ts.space.Nobjs())
}

func TestStartFailureTearsDown(t *testing.T) {
	ts := newTstate(t)
	defer ts.shutdown()
	nested(ts)
	ts.exec.fail["compA"] = true

	l, err := ts.load("app", "root")
	assert.Nil(t, err)
	compB := l.Extras()[1].RunComp()
	_, err = l.StartMain(context.TODO())
	var se *compman.StartError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, "compA", se.Name)
	assert.Equal(t, l.Extras()[0].Comp, se.Comp)
	assert.Equal(t, []string{"compB", "compA"}, ts.exec.started())
	assert.Equal(t, 0, len(ts.cm.Running()))
	assert.True(t, compB.Main().IsExited())
	l.Unload()
}

func TestLoadErrorIsAtomic(t *testing.T) {
	ts := newTstate(t)
	defer ts.shutdown()
	ts.add("root", &elftest.Lib{Needed: []string{"liba.so", "nosuch1.so", "libshared.so", "nosuch2.so"}})
	ts.add("liba.so", &elftest.Lib{})
	ts.add("libshared.so", &elftest.Lib{})
	ts.sel.SetCompartment("libshared.so", "shared")

	_, err := ts.load("app", "root")
	var le *compman.LoadError
	assert.True(t, errors.As(err, &le))
	assert.Equal(t, compman.TErrDependency, le.Code)
	assert.Equal(t, []string{"nosuch1.so", "nosuch2.so"}, dynlink.UnresolvedNames(err))
	assert.Equal(t, 0, ts.nlibs())
	assert.Equal(t, 0, ts.space.Nobjs())
	_, ok := ts.cm.LookupCompartment("app")
	assert.False(t, ok)
	_, ok = ts.cm.LookupCompartment("shared")
	assert.False(t, ok)

	// the name is free again
	ts.add("nosuch1.so", &elftest.Lib{})
	ts.add("nosuch2.so", &elftest.Lib{})
	l, err := ts.load("app", "root")
	assert.Nil(t, err)
	l.Unload()
}

func TestDuplicateCompartment(t *testing.T) {
	ts := newTstate(t)
	defer ts.shutdown()
	ts.add("root", &elftest.Lib{})
	l, err := ts.load("app", "root")
	assert.Nil(t, err)
	n := ts.nlibs()
	_, err = ts.load("app", "root")
	var le *compman.LoadError
	assert.True(t, errors.As(err, &le))
	assert.Equal(t, compman.TErrDuplicateCompartment, le.Code)
	assert.Equal(t, n, ts.nlibs())
	l.Unload()
}

func TestMissingEntry(t *testing.T) {
	ts := newTstate(t)
	defer ts.shutdown()
	ts.add(config.Conf.Loader.RUNTIME_NAME, &elftest.Lib{NoEntry: true})
	ts.add("root", &elftest.Lib{})
	_, err := ts.load("app", "root")
	var le *compman.LoadError
	assert.True(t, errors.As(err, &le))
	assert.Equal(t, compman.TErrMissingEntry, le.Code)
	assert.Equal(t, 0, ts.nlibs())
	assert.Equal(t, 0, ts.space.Nobjs())
}

func TestRelocationError(t *testing.T) {
	ts := newTstate(t)
	defer ts.shutdown()
	ts.add("root", &elftest.Lib{
		Imports: []string{"undefined_fn"},
		Relocs:  []elftest.Reloc{{Off: 0, Type: elftest.GlobDatType(0), Sym: "undefined_fn"}},
	})
	_, err := ts.load("app", "root")
	var le *compman.LoadError
	assert.True(t, errors.As(err, &le))
	assert.Equal(t, compman.TErrRelocation, le.Code)
	assert.Equal(t, dynlink.TErrRelocation, dynlink.Code(err))
	assert.Equal(t, 0, ts.nlibs())
}

func TestRuntimeInjectionIdempotent(t *testing.T) {
	ts := newTstate(t)
	defer ts.shutdown()
	rtname := config.Conf.Loader.RUNTIME_NAME
	ts.add("root", &elftest.Lib{Needed: []string{rtname, "liba.so"}})
	ts.add("liba.so", &elftest.Lib{Needed: []string{rtname}})
	l, err := ts.load("app", "root")
	assert.Nil(t, err)
	assert.Equal(t, 3, ts.nlibs())
	deps := ts.library(l.Root().RootLib).Deps()
	n := 0
	for _, d := range deps {
		if d == l.Root().RtLib {
			n++
		}
	}
	assert.Equal(t, 1, n)
	l.Unload()
}

func TestLibstdNormalization(t *testing.T) {
	ts := newTstate(t)
	defer ts.shutdown()
	ts.add("root", &elftest.Lib{Needed: []string{"libstd-0a1b2c.so", "liba.so"}})
	ts.add("liba.so", &elftest.Lib{Needed: []string{"libstd-ffee.so"}})
	ts.add("libstd.so", &elftest.Lib{})
	l, err := ts.load("app", "root")
	assert.Nil(t, err)
	std, ok := ts.cm.LookupLibrary(l.Root().Comp, "libstd-whatever.so")
	assert.True(t, ok)
	assert.Equal(t, "libstd.so", ts.library(std).Name())
	assert.Equal(t, 4, ts.nlibs())
	l.Unload()
}

func TestSharedCompartmentReused(t *testing.T) {
	ts := newTstate(t)
	defer ts.shutdown()
	ts.add("root1", &elftest.Lib{Needed: []string{"libshared.so"}})
	ts.add("root2", &elftest.Lib{Needed: []string{"libshared.so"}})
	ts.add("libshared.so", &elftest.Lib{})
	ts.sel.SetCompartment("libshared.so", "shared")

	l1, err := ts.load("app1", "root1")
	assert.Nil(t, err)
	assert.Equal(t, 1, len(l1.Extras()))
	_, err = l1.StartMain(context.TODO())
	assert.Nil(t, err)

	l2, err := ts.load("app2", "root2")
	assert.Nil(t, err)
	assert.Equal(t, 1, len(l2.Extras()))
	assert.Equal(t, l1.Extras()[0], l2.Extras()[0])
	rw, err := l2.StartMain(context.TODO())
	assert.Nil(t, err)
	assert.Nil(t, rw.Wait(TIMEOUT))
	// started once, by l1
	assert.Equal(t, []string{"shared", "app1", "app2"}, ts.exec.started())

	shared, ok := ts.cm.LookupCompartment("shared")
	assert.True(t, ok)
	lib, ok := ts.cm.LookupLibrary(shared, "libshared.so")
	assert.True(t, ok)
	assert.Contains(t, ts.library(l2.Root().RootLib).Deps(), lib)

	srun := l2.Extras()[0].RunComp()
	l1.Unload()
	_, ok = ts.cm.LookupLibrary(shared, "libshared.so")
	assert.True(t, ok)
	_, ok = ts.cm.LookupCompartment("app1")
	assert.False(t, ok)
	assert.Equal(t, []string{"shared", "app2"}, running(ts))
	assert.False(t, srun.Main().IsExited())
	waitReady(t, srun)

	l2.Unload()
	assert.Equal(t, 0, len(ts.cm.Running()))
	assert.True(t, srun.Main().IsExited())
	db.DPrintf(db.TEST, "libs left %d", ts.nlibs())
}

func waitReady(t *testing.T, rc *compman.RunComp) {
	deadline := time.Now().Add(TIMEOUT)
	for !rc.IsReady() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.True(t, rc.IsReady(), "%v not ready", rc)
}

func running(ts *tstate) []string {
	var names []string
	for _, rc := range ts.cm.Running() {
		names = append(names, rc.Name())
	}
	return names
}

// app0 puts libstd in the shared compartment and is never started; a
// later load reaching the shared compartment through two paths gets
// one bringup for it and starts it.
func TestSharedCompartmentOneBringup(t *testing.T) {
	ts := newTstate(t)
	defer ts.shutdown()
	ts.add("root0", &elftest.Lib{Needed: []string{"libstd-0.9"}})
	ts.add("root", &elftest.Lib{Needed: []string{"liba.so", "libb.so"}})
	ts.add("liba.so", &elftest.Lib{Needed: []string{"libstd-1.0"}})
	ts.add("libb.so", &elftest.Lib{Needed: []string{"libstd-2.0"}})
	ts.add("libstd.so", &elftest.Lib{})
	ts.sel.SetCompartment("libstd.so", "shared")

	l0, err := ts.load("app0", "root0")
	assert.Nil(t, err)
	assert.Equal(t, 1, len(l0.Extras()))

	l, err := ts.load("app", "root")
	assert.Nil(t, err)
	assert.Equal(t, 1, len(l.Extras()))
	cb := l.Extras()[0]
	assert.Equal(t, "shared", cb.Name)
	assert.Equal(t, l0.Extras()[0], cb)
	assert.NotEqual(t, cb.Sctx, l.Root().Sctx)

	rw, err := l.StartMain(context.TODO())
	assert.Nil(t, err)
	assert.Nil(t, rw.Wait(TIMEOUT))
	assert.Equal(t, []string{"shared", "app"}, ts.exec.started())
	assert.Equal(t, []string{"shared", "app"}, running(ts))
	waitReady(t, cb.RunComp())

	// unloading the never-started loader leaves the shared instance up
	l0.Unload()
	assert.Equal(t, []string{"shared", "app"}, running(ts))
	l.Unload()
	assert.Equal(t, 0, len(ts.cm.Running()))
}

// A shared compartment torn down by its last starter comes back up
// when another loader starts.
func TestSharedCompartmentRestart(t *testing.T) {
	ts := newTstate(t)
	defer ts.shutdown()
	ts.add("root1", &elftest.Lib{Needed: []string{"libshared.so"}})
	ts.add("root2", &elftest.Lib{Needed: []string{"libshared.so"}})
	ts.add("libshared.so", &elftest.Lib{})
	ts.sel.SetCompartment("libshared.so", "shared")

	l1, err := ts.load("app1", "root1")
	assert.Nil(t, err)
	l2, err := ts.load("app2", "root2")
	assert.Nil(t, err)
	rw, err := l1.StartMain(context.TODO())
	assert.Nil(t, err)
	assert.Nil(t, rw.Wait(TIMEOUT))
	l1.Unload()
	assert.Equal(t, 0, len(ts.cm.Running()))

	rw, err = l2.StartMain(context.TODO())
	assert.Nil(t, err)
	assert.Nil(t, rw.Wait(TIMEOUT))
	assert.Equal(t, []string{"shared", "app1", "shared", "app2"}, ts.exec.started())
	assert.Equal(t, []string{"shared", "app2"}, running(ts))
	l2.Unload()
}

func TestExitedBeforeReady(t *testing.T) {
	ts := newTstate(t)
	defer ts.shutdown()
	ts.exec.noReady = true
	ts.add("root", &elftest.Lib{})
	l, err := ts.load("app", "root")
	assert.Nil(t, err)
	rw, err := l.StartMain(context.TODO())
	assert.Nil(t, err)
	assert.ErrorIs(t, rw.Wait(TIMEOUT), compman.ErrExitedEarly)
	assert.Equal(t, 1, rw.RunComp().Main().Wait())
	l.Unload()
}

func TestTlsObject(t *testing.T) {
	ts := newTstate(t)
	defer ts.shutdown()
	ts.add("root", &elftest.Lib{Tls: []byte{7, 7}, TlsMemsz: 8})
	l, err := ts.load("app", "root")
	assert.Nil(t, err)
	assert.Equal(t, uint64(8), l.Root().Tls.Size())
	rw, err := l.StartMain(context.TODO())
	assert.Nil(t, err)
	assert.Nil(t, rw.Wait(TIMEOUT))
	tls := rw.RunComp().Tls()
	assert.Equal(t, []byte{7, 7, 0, 0, 0, 0, 0, 0}, tls.Tls())
	ii, err := compman.UnmarshalInitInfo(tls.InitInfo())
	assert.Nil(t, err)
	assert.Equal(t, uint64(8), ii.TlsSize)
	h, ok := ts.space.Lookup(tls.TlsBase())
	assert.True(t, ok)
	assert.Equal(t, tls.Handle().Id(), h.Id())
	l.Unload()
}
