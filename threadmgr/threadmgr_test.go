package threadmgr_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"compmon/config"
	db "compmon/debug"
	"compmon/threadmgr"
	"compmon/threadsync"
)

func waitFor(t *testing.T, what string, f func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !f() {
		if time.Now().After(deadline) {
			assert.Fail(t, "timeout", what)
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReapEventually(t *testing.T) {
	tm := threadmgr.NewThreadMgr(config.Conf, threadsync.NewSync())
	defer tm.Stop()

	const N = 100
	ch := make(chan struct{})
	for i := 0; i < N; i++ {
		tm.Spawn("worker", func(t *threadmgr.Thread) int {
			<-ch
			return 0
		})
	}
	assert.Equal(t, N, tm.Len())
	waitFor(t, "tracked", func() bool { return tm.Reaper().Ntracked() == N })
	close(ch)
	waitFor(t, "reaped", func() bool { return tm.Reaper().Nreaped() == N })
	assert.Equal(t, 0, tm.Len())
}

func TestTrackThenImmediateExit(t *testing.T) {
	tm := threadmgr.NewThreadMgr(config.Conf, threadsync.NewSync())
	defer tm.Stop()

	th := tm.AddThread("short")
	tm.Exit(th, 3)
	assert.Equal(t, 3, th.Wait())
	waitFor(t, "reaped", func() bool { return tm.Reaper().Nreaped() == 1 })
	_, ok := tm.Lookup(th.Id())
	assert.False(t, ok)
	assert.Equal(t, 0, tm.Len())
}

func TestExitTwice(t *testing.T) {
	tm := threadmgr.NewThreadMgr(config.Conf, threadsync.NewSync())
	defer tm.Stop()

	th := tm.AddThread("twice")
	tm.Exit(th, 3)
	assert.NotPanics(t, func() { tm.Exit(th, 5) })
	assert.Equal(t, 3, th.Wait())
	assert.Equal(t, 3, th.Code())
	assert.True(t, th.IsExited())
	waitFor(t, "reaped", func() bool { return tm.Reaper().Nreaped() == 1 })
}

func TestUntrackKeepsRegistered(t *testing.T) {
	tm := threadmgr.NewThreadMgr(config.Conf, threadsync.NewSync())
	defer tm.Stop()

	th := tm.AddThread("untracked")
	waitFor(t, "tracked", func() bool { return tm.Reaper().Ntracked() == 1 })
	tm.Reaper().Untrack(th.Id())
	waitFor(t, "untracked", func() bool { return tm.Reaper().Ntracked() == 0 })
	tm.Exit(th, 0)
	time.Sleep(50 * time.Millisecond)
	t1, ok := tm.Lookup(th.Id())
	assert.True(t, ok)
	assert.True(t, t1.IsExited())
	assert.Equal(t, 1, tm.Len())
	assert.Equal(t, uint64(0), tm.Reaper().Nreaped())
}

func TestConcurrentSpawn(t *testing.T) {
	tm := threadmgr.NewThreadMgr(config.Conf, threadsync.NewSync())
	defer tm.Stop()

	const G = 8
	const N = 50
	var wg sync.WaitGroup
	for g := 0; g < G; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < N; i++ {
				tm.Spawn("short", func(t *threadmgr.Thread) int { return 0 })
			}
		}()
	}
	wg.Wait()
	waitFor(t, "reaped", func() bool { return tm.Reaper().Nreaped() == G*N })
	assert.Equal(t, 0, tm.Len())
}

type countReg struct {
	sync.Mutex
	n map[threadmgr.Tid]int
}

func (cr *countReg) RemoveThread(id threadmgr.Tid) bool {
	cr.Lock()
	defer cr.Unlock()
	cr.n[id]++
	return true
}

func TestRemovedExactlyOnce(t *testing.T) {
	reg := &countReg{n: make(map[threadmgr.Tid]int)}
	tm := threadmgr.NewThreadMgr(config.Conf, threadsync.NewSync())
	defer tm.Stop()
	r := threadmgr.NewReaper("test", tm.ThreadSync(), reg)
	r.Start()

	var ths []*threadmgr.Thread
	for i := 0; i < 20; i++ {
		th := tm.AddThread("dup")
		r.Track(th)
		r.Track(th)
		ths = append(ths, th)
	}
	for _, th := range ths {
		tm.Exit(th, 0)
	}
	waitFor(t, "reaped", func() bool { return r.Nreaped() == 20 })
	r.Stop()
	r.Stop()
	for _, th := range ths {
		assert.Equal(t, 1, reg.n[th.Id()])
	}
}

func TestSnapshot(t *testing.T) {
	tm := threadmgr.NewThreadMgr(config.Conf, threadsync.NewSync())
	defer tm.Stop()
	a := tm.AddThread("a")
	b := tm.AddThread("b")
	ti := tm.Snapshot()
	assert.Equal(t, 2, len(ti))
	assert.Equal(t, a.Id(), ti[0].Id)
	assert.Equal(t, b.Id(), ti[1].Id)
	db.DPrintf(db.TEST, "snapshot %s", tm.SnapshotJSON())
	tm.Exit(a, 0)
	tm.Exit(b, 0)
}
