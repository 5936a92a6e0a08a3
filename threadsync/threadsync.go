// The threadsync package is the blocking wait/notify facility threads
// use to sleep on memory words. A thread sleeps while a set of
// conditions (word op value) all hold, and is woken by Wake on any of
// the words. Callers must tolerate spurious wakeups: Wait returning
// only means that something may have changed.
package threadsync

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	db "compmon/debug"
)

var ErrTimeout = errors.New("thread sync: timeout")

// WAKE_ALL wakes every thread sleeping on a word.
const WAKE_ALL = math.MaxInt

// A Word is a 64-bit memory location threads can sleep on. A Word must
// not be copied after first use.
type Word struct {
	v atomic.Uint64
}

func (w *Word) Load() uint64 {
	return w.v.Load()
}

func (w *Word) Store(v uint64) {
	w.v.Store(v)
}

func (w *Word) Swap(v uint64) uint64 {
	return w.v.Swap(v)
}

func (w *Word) CompareAndSwap(old, new uint64) bool {
	return w.v.CompareAndSwap(old, new)
}

func (w *Word) Add(d uint64) uint64 {
	return w.v.Add(d)
}

type Top int

const (
	OpEqual Top = iota + 1
	OpNotEqual
	OpLessThan
	OpGreaterThan
)

func (op Top) String() string {
	switch op {
	case OpEqual:
		return "=="
	case OpNotEqual:
		return "!="
	case OpLessThan:
		return "<"
	case OpGreaterThan:
		return ">"
	default:
		return "unknown op"
	}
}

func (op Top) holds(cur, val uint64) bool {
	switch op {
	case OpEqual:
		return cur == val
	case OpNotEqual:
		return cur != val
	case OpLessThan:
		return cur < val
	case OpGreaterThan:
		return cur > val
	default:
		return false
	}
}

// Sleep while *Ref op Value holds.
type Sleep struct {
	Ref   *Word
	Value uint64
	Op    Top
}

func NewSleep(ref *Word, value uint64, op Top) Sleep {
	return Sleep{Ref: ref, Value: value, Op: op}
}

// Ready reports whether the sleep condition no longer holds, i.e.,
// whether a thread waiting on it would return immediately.
func (s Sleep) Ready() bool {
	return !s.Op.holds(s.Ref.Load(), s.Value)
}

func (s Sleep) String() string {
	return fmt.Sprintf("{sleep %p(%d) %v %d}", s.Ref, s.Ref.Load(), s.Op, s.Value)
}

// Wake up to Count threads sleeping on Ref.
type Wake struct {
	Ref   *Word
	Count int
}

func NewWake(ref *Word, count int) Wake {
	return Wake{Ref: ref, Count: count}
}

// The wait/notify facility consumed by the loader and the reaper.
type ThreadSync interface {
	// Block until one of sleeps is ready, a wake arrives on one of their
	// words, or timeout expires (timeout <= 0 means no timeout).
	Wait(sleeps []Sleep, timeout time.Duration) error
	// Wake threads sleeping on w.Ref; returns the number woken.
	Wake(w Wake) int
}

type waiter struct {
	ch    chan struct{}
	woken bool
}

// Sync implements ThreadSync with per-word wait queues. Registration
// on the queues and the condition check happen under one lock, which
// Wake also takes, so a wake issued after a word store cannot be lost.
type Sync struct {
	mu      sync.Mutex
	waiters map[*Word][]*waiter
	nwait   atomic.Uint64
	nwake   atomic.Uint64
}

func NewSync() *Sync {
	return &Sync{
		waiters: make(map[*Word][]*waiter),
	}
}

func (s *Sync) Wait(sleeps []Sleep, timeout time.Duration) error {
	if len(sleeps) == 0 {
		return nil
	}
	s.nwait.Add(1)
	w := &waiter{ch: make(chan struct{}, 1)}

	s.mu.Lock()
	for _, sl := range sleeps {
		if sl.Ready() {
			s.mu.Unlock()
			return nil
		}
	}
	for _, sl := range sleeps {
		s.waiters[sl.Ref] = append(s.waiters[sl.Ref], w)
	}
	s.mu.Unlock()

	var tmo <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		tmo = t.C
	}

	var err error
	select {
	case <-w.ch:
	case <-tmo:
		err = ErrTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w.woken {
		// a wake raced with the timeout; the wake wins.
		err = nil
	}
	for _, sl := range sleeps {
		s.removeL(sl.Ref, w)
	}
	return err
}

func (s *Sync) Wake(wk Wake) int {
	s.nwake.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := s.waiters[wk.Ref]
	n := 0
	i := 0
	for ; i < len(ws) && n < wk.Count; i++ {
		w := ws[i]
		if w.woken {
			continue
		}
		w.woken = true
		w.ch <- struct{}{}
		n++
	}
	if rest := ws[i:]; len(rest) == 0 {
		delete(s.waiters, wk.Ref)
	} else {
		s.waiters[wk.Ref] = rest
	}
	return n
}

// Number of threads currently queued on ref.
func (s *Sync) Nwaiters(ref *Word) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.waiters[ref] {
		if !w.woken {
			n++
		}
	}
	return n
}

func (s *Sync) Stats() (uint64, uint64) {
	return s.nwait.Load(), s.nwake.Load()
}

func (s *Sync) removeL(ref *Word, w *waiter) {
	ws := s.waiters[ref]
	for i, w1 := range ws {
		if w1 == w {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(s.waiters, ref)
	} else {
		s.waiters[ref] = ws
	}
}

// Store v into ref and wake up to n sleepers on it.
func Notify(ts ThreadSync, ref *Word, v uint64, n int) int {
	ref.Store(v)
	nw := ts.Wake(NewWake(ref, n))
	db.DPrintf(db.THREADSYNC, "notify %p=%d woke %d", ref, v, nw)
	return nw
}

// Sleep until ref no longer equals val, looping over spurious wakeups.
func WaitWhileEqual(ts ThreadSync, ref *Word, val uint64, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for ref.Load() == val {
		tmo := time.Duration(0)
		if timeout > 0 {
			tmo = time.Until(deadline)
			if tmo <= 0 {
				return ErrTimeout
			}
		}
		if err := ts.Wait([]Sleep{NewSleep(ref, val, OpEqual)}, tmo); err != nil {
			return err
		}
	}
	return nil
}
