package threadsync_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	db "compmon/debug"
	"compmon/threadsync"
)

func TestReadyReturnsImmediately(t *testing.T) {
	ts := threadsync.NewSync()
	var w threadsync.Word
	w.Store(1)
	err := ts.Wait([]threadsync.Sleep{threadsync.NewSleep(&w, 0, threadsync.OpEqual)}, 0)
	assert.Nil(t, err)
	assert.Equal(t, 0, ts.Nwaiters(&w))
}

func TestNoSleeps(t *testing.T) {
	ts := threadsync.NewSync()
	assert.Nil(t, ts.Wait(nil, 0))
}

func TestTimeout(t *testing.T) {
	ts := threadsync.NewSync()
	var w threadsync.Word
	start := time.Now()
	err := ts.Wait([]threadsync.Sleep{threadsync.NewSleep(&w, 0, threadsync.OpEqual)}, 20*time.Millisecond)
	assert.ErrorIs(t, err, threadsync.ErrTimeout)
	assert.True(t, time.Since(start) >= 20*time.Millisecond)
	assert.Equal(t, 0, ts.Nwaiters(&w))
}

func TestWakeOne(t *testing.T) {
	ts := threadsync.NewSync()
	var w threadsync.Word
	done := make(chan error)
	go func() {
		done <- threadsync.WaitWhileEqual(ts, &w, 0, 0)
	}()
	for ts.Nwaiters(&w) == 0 {
		time.Sleep(time.Millisecond)
	}
	n := threadsync.Notify(ts, &w, 1, 1)
	assert.Equal(t, 1, n)
	assert.Nil(t, <-done)
}

func TestWakeCount(t *testing.T) {
	ts := threadsync.NewSync()
	var w threadsync.Word
	const N = 4
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			threadsync.WaitWhileEqual(ts, &w, 0, 0)
		}()
	}
	for ts.Nwaiters(&w) < N {
		time.Sleep(time.Millisecond)
	}
	// wake without changing the word: woken threads go back to sleep
	n := ts.Wake(threadsync.NewWake(&w, 2))
	assert.Equal(t, 2, n)
	for ts.Nwaiters(&w) < N {
		time.Sleep(time.Millisecond)
	}
	n = threadsync.Notify(ts, &w, 7, threadsync.WAKE_ALL)
	assert.Equal(t, N, n)
	wg.Wait()
}

func TestWaitAny(t *testing.T) {
	ts := threadsync.NewSync()
	var a, b threadsync.Word
	b.Store(5)
	done := make(chan error)
	go func() {
		done <- ts.Wait([]threadsync.Sleep{
			threadsync.NewSleep(&a, 0, threadsync.OpEqual),
			threadsync.NewSleep(&b, 10, threadsync.OpLessThan),
		}, 0)
	}()
	for ts.Nwaiters(&b) == 0 {
		time.Sleep(time.Millisecond)
	}
	threadsync.Notify(ts, &b, 11, 1)
	assert.Nil(t, <-done)
	// the waiter is also gone from the other word's queue
	assert.Equal(t, 0, ts.Nwaiters(&a))
}

func TestNoLostWakeup(t *testing.T) {
	ts := threadsync.NewSync()
	const N = 1000
	for i := 0; i < N; i++ {
		var w threadsync.Word
		done := make(chan error)
		go func() {
			done <- threadsync.WaitWhileEqual(ts, &w, 0, 0)
		}()
		threadsync.Notify(ts, &w, 1, 1)
		select {
		case err := <-done:
			assert.Nil(t, err)
		case <-time.After(5 * time.Second):
			assert.Fail(t, "lost wakeup", "iteration %d", i)
			return
		}
	}
	nwait, nwake := ts.Stats()
	db.DPrintf(db.TEST, "waits %d wakes %d", nwait, nwake)
}
