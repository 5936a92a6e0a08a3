package threadmgr

type Top int

const (
	OP_ADD Top = iota + 1
	OP_REMOVE
)

// A queued track or untrack request for the reaper.
type Op struct {
	op Top
	t  *Thread
	id Tid
}

func makeAdd(t *Thread) Op {
	return Op{op: OP_ADD, t: t, id: t.id}
}

func makeRemove(id Tid) Op {
	return Op{op: OP_REMOVE, id: id}
}
