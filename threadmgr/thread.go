package threadmgr

import (
	"fmt"
	"sync"

	db "compmon/debug"
	"compmon/threadsync"
)

type Tid uint64

func (id Tid) String() string {
	return fmt.Sprintf("t%d", uint64(id))
}

const (
	RUNNING uint64 = 0
	EXITED  uint64 = 1
)

// A managed thread. Its exit word goes from RUNNING to EXITED exactly
// once, when the thread's function returns.
type Thread struct {
	id   Tid
	name string
	ts   threadsync.ThreadSync
	exit threadsync.Word
	code int
	once sync.Once
	done chan struct{}
}

func newThread(id Tid, name string, ts threadsync.ThreadSync) *Thread {
	return &Thread{id: id, name: name, ts: ts, done: make(chan struct{})}
}

func (t *Thread) Id() Tid {
	return t.id
}

func (t *Thread) Name() string {
	return t.name
}

func (t *Thread) IsExited() bool {
	return t.exit.Load() == EXITED
}

// ExitWord is the word a waiter sleeps on, while it equals RUNNING, to
// learn that t exited.
func (t *Thread) ExitWord() *threadsync.Word {
	return &t.exit
}

// Exit code; valid once the thread has exited.
func (t *Thread) Code() int {
	return t.code
}

// Wait blocks until t exits.
func (t *Thread) Wait() int {
	<-t.done
	return t.code
}

// exited records t's exit; only the first call counts.
func (t *Thread) exited(code int) {
	t.once.Do(func() {
		t.code = code
		n := threadsync.Notify(t.ts, &t.exit, EXITED, threadsync.WAKE_ALL)
		close(t.done)
		db.DPrintf(db.THREADMGR, "%v exited %d woke %d", t, code, n)
	})
}

func (t *Thread) String() string {
	return fmt.Sprintf("{%v %q}", t.id, t.name)
}
