package threadmgr

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"compmon/config"
	db "compmon/debug"
	"compmon/threadsync"
)

var (
	threadsSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compmon_threads_spawned_total",
		Help: "Managed threads spawned",
	})
	threadsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compmon_threads_removed_total",
		Help: "Managed threads removed from the registry",
	})
)

// ThreadMgr is the global thread registry. Threads enter it when
// spawned and leave it only when its reaper sees them exit.
type ThreadMgr struct {
	sync.Mutex
	ts      threadsync.ThreadSync
	threads map[Tid]*Thread
	nextId  Tid
	reaper  *Reaper
}

func NewThreadMgr(conf *config.Config, ts threadsync.ThreadSync) *ThreadMgr {
	tm := &ThreadMgr{
		ts:      ts,
		threads: make(map[Tid]*Thread),
	}
	tm.reaper = NewReaper(conf.Reaper.NAME, ts, tm)
	tm.reaper.Start()
	return tm
}

func (tm *ThreadMgr) Reaper() *Reaper {
	return tm.reaper
}

func (tm *ThreadMgr) ThreadSync() threadsync.ThreadSync {
	return tm.ts
}

// Spawn runs fn on a new managed thread, registers it, and tracks it
// for exit. fn's return value is the thread's exit code.
func (tm *ThreadMgr) Spawn(name string, fn func(t *Thread) int) *Thread {
	t := tm.AddThread(name)
	threadsSpawned.Inc()
	go func() {
		code := fn(t)
		t.exited(code)
	}()
	return t
}

// AddThread registers a thread whose body the caller runs; the caller
// must call Exit on it.
func (tm *ThreadMgr) AddThread(name string) *Thread {
	tm.Lock()
	tm.nextId++
	t := newThread(tm.nextId, name, tm.ts)
	tm.threads[t.id] = t
	tm.Unlock()
	db.DPrintf(db.THREADMGR, "add %v", t)
	tm.reaper.Track(t)
	return t
}

// Exit marks a thread added with AddThread as exited.
func (tm *ThreadMgr) Exit(t *Thread, code int) {
	t.exited(code)
}

func (tm *ThreadMgr) Lookup(id Tid) (*Thread, bool) {
	tm.Lock()
	defer tm.Unlock()
	t, ok := tm.threads[id]
	return t, ok
}

func (tm *ThreadMgr) Len() int {
	tm.Lock()
	defer tm.Unlock()
	return len(tm.threads)
}

// RemoveThread drops id from the registry and reports whether it was
// present. Only the reaper calls it.
func (tm *ThreadMgr) RemoveThread(id Tid) bool {
	tm.Lock()
	defer tm.Unlock()
	if _, ok := tm.threads[id]; !ok {
		return false
	}
	delete(tm.threads, id)
	threadsRemoved.Inc()
	db.DPrintf(db.THREADMGR, "remove %v", id)
	return true
}

// Stop stops the reaper. Threads still running stay registered.
func (tm *ThreadMgr) Stop() {
	tm.reaper.Stop()
}
