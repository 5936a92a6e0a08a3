package threadmgr

import (
	"encoding/json"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	db "compmon/debug"
)

type ThreadInfo struct {
	Id     Tid    `json:"id"`
	Name   string `json:"name"`
	Exited bool   `json:"exited"`
}

// Snapshot lists the registered threads in id order.
func (tm *ThreadMgr) Snapshot() []ThreadInfo {
	tm.Lock()
	defer tm.Unlock()
	ids := maps.Keys(tm.threads)
	slices.Sort(ids)
	ti := make([]ThreadInfo, 0, len(ids))
	for _, id := range ids {
		t := tm.threads[id]
		ti = append(ti, ThreadInfo{Id: id, Name: t.name, Exited: t.IsExited()})
	}
	return ti
}

func (tm *ThreadMgr) SnapshotJSON() []byte {
	b, err := json.Marshal(tm.Snapshot())
	if err != nil {
		db.DFatalf("Error snapshot encoding thread table: %v", err)
	}
	return b
}
