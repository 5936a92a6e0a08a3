package dynlink

import (
	db "compmon/debug"
)

type Tjop int

const (
	JADD_COMP Tjop = iota + 1
	JADD_LIB
	JADD_DEP
	JSET_SCTX
)

type jentry struct {
	op   Tjop
	comp TcompId
	lib  TlibId
	dep  TlibId
	old  uint64
}

// A Journal records the mutations made to a Context since Begin, so
// that they can be undone as a unit. Journals nest: committing an inner
// journal hands its entries to the enclosing one.
type Journal struct {
	entries []jentry
}

func (j *Journal) Len() int {
	return len(j.entries)
}

func (ctx *Context) Begin() *Journal {
	j := &Journal{}
	ctx.journals = append(ctx.journals, j)
	return j
}

func (ctx *Context) record(e jentry) {
	if n := len(ctx.journals); n > 0 {
		j := ctx.journals[n-1]
		j.entries = append(j.entries, e)
	}
}

func (ctx *Context) pop(j *Journal) {
	n := len(ctx.journals)
	if n == 0 || ctx.journals[n-1] != j {
		db.DFatalf("journal %p is not innermost", j)
	}
	ctx.journals = ctx.journals[:n-1]
}

// Commit keeps j's mutations. If j is nested, the enclosing journal
// takes ownership of them; otherwise j keeps them for a later Unwind
// or Release.
func (ctx *Context) Commit(j *Journal) {
	ctx.pop(j)
	if n := len(ctx.journals); n > 0 {
		outer := ctx.journals[n-1]
		outer.entries = append(outer.entries, j.entries...)
		j.entries = nil
	}
}

// Rollback undoes j's mutations, newest first.
func (ctx *Context) Rollback(j *Journal) {
	ctx.pop(j)
	ctx.unwind(j.entries)
	j.entries = nil
}

// Unwind undoes a committed journal.
func (ctx *Context) Unwind(j *Journal) {
	ctx.unwind(j.entries)
	j.entries = nil
}

func (ctx *Context) unwind(es []jentry) {
	db.DPrintf(db.DYNLINK, "unwind %d entries", len(es))
	for i := len(es) - 1; i >= 0; i-- {
		e := es[i]
		switch e.op {
		case JADD_DEP:
			if lib, ok := ctx.libs[e.lib]; ok {
				lib.removeDep(e.dep)
			}
		case JADD_LIB:
			ctx.removeLibrary(e.lib)
		case JADD_COMP:
			if !ctx.removeCompartment(e.comp) {
				db.DPrintf(db.DYNLINK_ERR, "unwind: compartment %v not empty", e.comp)
			}
		case JSET_SCTX:
			if c, ok := ctx.comps[e.comp]; ok {
				c.sctx = e.old
			}
		}
	}
}

// Release undoes a committed journal except for libraries that other
// libraries still depend on (and, transitively, what those need).
// Compartments are removed only once empty. It returns the number of
// libraries and compartments removed.
func (ctx *Context) Release(j *Journal) (int, int) {
	removable := make(map[TlibId]bool)
	for _, e := range j.entries {
		if e.op == JADD_LIB {
			if _, ok := ctx.libs[e.lib]; ok {
				removable[e.lib] = true
			}
		}
	}
	for changed := true; changed; {
		changed = false
		for id := range removable {
			for _, d := range ctx.dependents(id) {
				if !removable[d] {
					db.DPrintf(db.DYNLINK, "release: keep %v, needed by %v", id, d)
					delete(removable, id)
					changed = true
					break
				}
			}
		}
	}
	nlib, ncomp := 0, 0
	for i := len(j.entries) - 1; i >= 0; i-- {
		e := j.entries[i]
		switch e.op {
		case JADD_LIB:
			if removable[e.lib] {
				ctx.removeLibrary(e.lib)
				nlib++
			}
		case JADD_COMP:
			if ctx.removeCompartment(e.comp) {
				ncomp++
			}
		}
	}
	j.entries = nil
	return nlib, ncomp
}
