package compman

import (
	"errors"
	"fmt"
	"sync"
	"time"

	db "compmon/debug"
	"compmon/dynlink"
	"compmon/objsys"
	"compmon/threadmgr"
	"compmon/threadsync"
)

const (
	NOT_READY uint64 = iota
	READY
	EXITED_EARLY
)

var ErrExitedEarly = errors.New("main thread exited before ready")

// A running (or startable) compartment instance.
type RunComp struct {
	mu       sync.Mutex
	name     string
	comp     dynlink.TcompId
	root     dynlink.TlibId
	sctx     uint64
	instance objsys.Tobjid
	space    objsys.ObjectSystem
	tm       *threadmgr.ThreadMgr
	exec     Executor
	ready    threadsync.Word
	tls      *TlsObject
	main     *threadmgr.Thread
	cancel   chan struct{}
}

func newRunComp(space objsys.ObjectSystem, tm *threadmgr.ThreadMgr, exec Executor, name string, comp dynlink.TcompId, root dynlink.TlibId, sctx uint64) (*RunComp, error) {
	inst, err := space.CreateObject(objsys.BACKING_NORMAL, objsys.LIFETIME_VOLATILE, objsys.NOOBJ)
	if err != nil {
		return nil, err
	}
	return &RunComp{
		name:     name,
		comp:     comp,
		root:     root,
		sctx:     sctx,
		instance: inst,
		space:    space,
		tm:       tm,
		exec:     exec,
	}, nil
}

func (rc *RunComp) Name() string {
	return rc.name
}

func (rc *RunComp) Compartment() dynlink.TcompId {
	return rc.comp
}

func (rc *RunComp) SecurityContext() uint64 {
	return rc.sctx
}

func (rc *RunComp) Instance() objsys.Tobjid {
	return rc.instance
}

func (rc *RunComp) IsReady() bool {
	return rc.ready.Load() == READY
}

func (rc *RunComp) Main() *threadmgr.Thread {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.main
}

func (rc *RunComp) Tls() *TlsObject {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.tls
}

func (rc *RunComp) String() string {
	return fmt.Sprintf("{%q %v sctx %d inst %v}", rc.name, rc.comp, rc.sctx, rc.instance)
}

// StartMain creates the compartment's TLS object and spawns its main
// thread, which runs the executor.
func (rc *RunComp) StartMain(tmpl *dynlink.TlsTemplate, ii *InitInfo, stackSize uint64) (*ReadyWaiter, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.cancel != nil {
		return nil, fmt.Errorf("%v already started", rc)
	}
	if rc.tls != nil {
		// left over from a canceled run
		if err := rc.tls.Delete(); err != nil {
			db.DPrintf(db.RUNCOMP_ERR, "restart %v: %v", rc, err)
		}
		rc.tls = nil
	}
	rc.ready.Store(NOT_READY)
	init := ii.Marshal()
	tls, err := NewTlsObject(rc.space, rc.instance, tmpl, init, stackSize)
	if err != nil {
		return nil, err
	}
	cancel := make(chan struct{})
	ts := rc.tm.ThreadSync()
	ec := &ExecContext{
		Name:     rc.name,
		InitInfo: tls.InitInfo(),
		Ctors:    ii.Ctors,
		Entry:    ii.Entry,
		Tls:      tls,
		ready: func() {
			if rc.ready.CompareAndSwap(NOT_READY, READY) {
				ts.Wake(threadsync.NewWake(&rc.ready, threadsync.WAKE_ALL))
			}
		},
		cancel: cancel,
	}
	if err := rc.exec.Prepare(ec); err != nil {
		tls.Delete()
		return nil, err
	}
	rc.tls = tls
	rc.cancel = cancel
	rc.main = rc.tm.Spawn(rc.name+"-main", func(t *threadmgr.Thread) int {
		code := rc.exec.Run(ec)
		if rc.ready.CompareAndSwap(NOT_READY, EXITED_EARLY) {
			ts.Wake(threadsync.NewWake(&rc.ready, threadsync.WAKE_ALL))
		}
		return code
	})
	db.DPrintf(db.RUNCOMP, "started %v main %v", rc, rc.main)
	return &ReadyWaiter{rc: rc, ts: ts}, nil
}

func (rc *RunComp) waiter() *ReadyWaiter {
	return &ReadyWaiter{rc: rc, ts: rc.tm.ThreadSync()}
}

// Cancel stops the main thread, if started, and waits for it to exit.
// The instance can be started again afterwards.
func (rc *RunComp) Cancel() {
	rc.mu.Lock()
	main, cancel := rc.main, rc.cancel
	rc.cancel = nil
	rc.mu.Unlock()
	if cancel == nil {
		return
	}
	close(cancel)
	code := main.Wait()
	db.DPrintf(db.RUNCOMP, "canceled %v: main exited %d", rc, code)
}

// Destroy cancels rc and deletes its instance and everything tied to it.
func (rc *RunComp) Destroy() {
	rc.Cancel()
	if err := rc.space.DeleteObject(rc.instance); err != nil {
		db.DPrintf(db.RUNCOMP_ERR, "destroy %v: %v", rc, err)
	}
}

// ReadyWaiter waits for a compartment's readiness checkpoint.
type ReadyWaiter struct {
	rc *RunComp
	ts threadsync.ThreadSync
}

func (rw *ReadyWaiter) RunComp() *RunComp {
	return rw.rc
}

// Wait blocks until the compartment is ready, its main thread exits
// first (ErrExitedEarly), or timeout expires (threadsync.ErrTimeout).
// timeout <= 0 waits forever.
func (rw *ReadyWaiter) Wait(timeout time.Duration) error {
	if err := threadsync.WaitWhileEqual(rw.ts, &rw.rc.ready, NOT_READY, timeout); err != nil {
		return err
	}
	if rw.rc.ready.Load() == EXITED_EARLY {
		return ErrExitedEarly
	}
	return nil
}
