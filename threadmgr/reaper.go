package threadmgr

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	db "compmon/debug"
	"compmon/threadsync"
)

var (
	reaperIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compmon_reaper_iterations_total",
		Help: "Reaper loop iterations",
	})
	reaperReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compmon_reaper_reaped_total",
		Help: "Exited threads retired by the reaper",
	})
	reaperWaitErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compmon_reaper_wait_errors_total",
		Help: "Failed reaper waits",
	})
)

// The registry the reaper retires exited threads from.
type Registry interface {
	RemoveThread(id Tid) bool
}

// Reaper watches tracked threads and removes each one from the
// registry once it exits. Track and Untrack only queue work and
// never block.
type Reaper struct {
	name    string
	ts      threadsync.ThreadSync
	reg     Registry
	mu      sync.Mutex
	queue   []Op
	notify  threadsync.Word
	done    atomic.Bool
	stopped chan struct{}
	ntrack  atomic.Int64
	nreap   atomic.Uint64
}

func NewReaper(name string, ts threadsync.ThreadSync, reg Registry) *Reaper {
	return &Reaper{
		name:    name,
		ts:      ts,
		reg:     reg,
		stopped: make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	go r.run()
}

func (r *Reaper) Track(t *Thread) {
	r.enqueue(makeAdd(t))
}

func (r *Reaper) Untrack(id Tid) {
	r.enqueue(makeRemove(id))
}

func (r *Reaper) enqueue(op Op) {
	r.mu.Lock()
	r.queue = append(r.queue, op)
	r.mu.Unlock()
	threadsync.Notify(r.ts, &r.notify, 1, threadsync.WAKE_ALL)
}

func (r *Reaper) drain() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := r.queue
	r.queue = nil
	return ops
}

// Number of threads the loop tracked at the end of its last pass.
func (r *Reaper) Ntracked() int {
	return int(r.ntrack.Load())
}

// Number of threads retired so far.
func (r *Reaper) Nreaped() uint64 {
	return r.nreap.Load()
}

// Stop ends the loop after its current iteration and waits for it.
func (r *Reaper) Stop() {
	if r.done.Swap(true) {
		<-r.stopped
		return
	}
	threadsync.Notify(r.ts, &r.notify, 1, threadsync.WAKE_ALL)
	<-r.stopped
	db.DPrintf(db.REAPER, "%v: stopped", r.name)
}

func (r *Reaper) run() {
	defer close(r.stopped)
	tracked := make(map[Tid]*Thread)
	for !r.done.Load() {
		reaperIterations.Inc()
		for _, op := range r.drain() {
			switch op.op {
			case OP_ADD:
				tracked[op.id] = op.t
			case OP_REMOVE:
				delete(tracked, op.id)
			}
		}
		var exited []*Thread
		for id, t := range tracked {
			if t.IsExited() {
				delete(tracked, id)
				exited = append(exited, t)
			}
		}
		for _, t := range exited {
			if r.reg.RemoveThread(t.id) {
				r.nreap.Add(1)
				reaperReaped.Inc()
			}
			db.DPrintf(db.REAPER, "%v: reaped %v", r.name, t)
		}
		r.ntrack.Store(int64(len(tracked)))
		if db.WillBePrinted(db.REAPER) {
			ids := maps.Keys(tracked)
			slices.Sort(ids)
			db.DPrintf(db.REAPER, "%v: tracking %v", r.name, ids)
		}
		sleeps := make([]threadsync.Sleep, 0, len(tracked)+1)
		sleeps = append(sleeps, threadsync.NewSleep(&r.notify, 0, threadsync.OpEqual))
		for _, t := range tracked {
			sleeps = append(sleeps, threadsync.NewSleep(t.ExitWord(), RUNNING, threadsync.OpEqual))
		}
		if r.notify.Swap(0) != 0 {
			continue
		}
		if err := r.ts.Wait(sleeps, 0); err != nil {
			reaperWaitErrors.Inc()
			db.DPrintf(db.REAPER_ERR, "%v: wait err %v", r.name, err)
		}
	}
}
