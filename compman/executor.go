package compman

import (
	db "compmon/debug"
)

// ExecContext is what a compartment's main thread starts with.
type ExecContext struct {
	Name     string
	InitInfo []byte
	Ctors    []uint64
	Entry    uint64
	Tls      *TlsObject
	ready    func()
	cancel   <-chan struct{}
}

// Ready marks the compartment as having passed its readiness
// checkpoint: constructors done, entry about to run.
func (ec *ExecContext) Ready() {
	ec.ready()
}

// Canceled is closed when the compartment is being torn down.
func (ec *ExecContext) Canceled() <-chan struct{} {
	return ec.cancel
}

// An Executor jumps into a compartment's runtime. Prepare runs on the
// starting thread and may refuse the start; Run runs on the new main
// thread and its result is the thread's exit code.
type Executor interface {
	Prepare(ec *ExecContext) error
	Run(ec *ExecContext) int
}

// LogExecutor logs the constructors and the entry point it would call,
// reports ready, and stays up until canceled.
type LogExecutor struct{}

func (LogExecutor) Prepare(ec *ExecContext) error {
	return nil
}

func (LogExecutor) Run(ec *ExecContext) int {
	for i, c := range ec.Ctors {
		db.DPrintf(db.RUNCOMP, "%v: ctor %d at %#x", ec.Name, i, c)
	}
	db.DPrintf(db.RUNCOMP, "%v: entry %#x stack %#x tls %#x", ec.Name, ec.Entry, ec.Tls.StackTop(), ec.Tls.TlsBase())
	ec.Ready()
	<-ec.Canceled()
	return 0
}
