package selector

import (
	"sync"

	"compmon/backing"
	"compmon/config"
	db "compmon/debug"
)

// MapSelector serves images held in memory.
type MapSelector struct {
	*Policy
	mu   sync.Mutex
	libs map[string][]byte
}

func NewMapSelector(conf *config.Config) *MapSelector {
	return &MapSelector{Policy: newPolicy(conf), libs: make(map[string][]byte)}
}

func (ms *MapSelector) Add(name string, img []byte) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.libs[name] = img
}

func (ms *MapSelector) ResolveName(name string) (backing.Backing, bool) {
	name = ms.NormalizeName(name)
	if b, ok := ms.lookupFixed(name); ok {
		return b, true
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	img, ok := ms.libs[name]
	if !ok {
		db.DPrintf(db.SELECTOR, "%v: not found", name)
		return nil, false
	}
	return backing.NewMem(name, img), true
}
