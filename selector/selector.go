// The selector package maps library names to their backing storage.
// DirSelector searches a list of directories; MapSelector serves
// in-memory images. Both collapse versioned standard-library names to
// one canonical name and serve the runtime library from a fixed
// backing.
package selector

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"compmon/backing"
	"compmon/config"
	db "compmon/debug"
)

// Names and placement shared by all selectors.
type Policy struct {
	sync.Mutex
	stdPrefix string
	stdName   string
	fixed     map[string]backing.Backing
	comps     map[string]string
}

func newPolicy(conf *config.Config) *Policy {
	return &Policy{
		stdPrefix: conf.Loader.STD_PREFIX,
		stdName:   conf.Loader.STD_NAME,
		fixed:     make(map[string]backing.Backing),
		comps:     make(map[string]string),
	}
}

// NormalizeName collapses libstd-<hash>.so style names to the
// unversioned standard-library name.
func (p *Policy) NormalizeName(name string) string {
	if p.stdPrefix != "" && strings.HasPrefix(name, p.stdPrefix) {
		return p.stdName
	}
	return name
}

// SetFixed serves name from b without consulting storage.
func (p *Policy) SetFixed(name string, b backing.Backing) {
	p.Lock()
	defer p.Unlock()
	p.fixed[name] = b
}

func (p *Policy) lookupFixed(name string) (backing.Backing, bool) {
	p.Lock()
	defer p.Unlock()
	b, ok := p.fixed[name]
	return b, ok
}

// SetCompartment places library name in compartment comp, whichever
// compartment asks for it.
func (p *Policy) SetCompartment(name, comp string) {
	p.Lock()
	defer p.Unlock()
	p.comps[name] = comp
}

func (p *Policy) SelectCompartment(name string) (string, bool) {
	p.Lock()
	defer p.Unlock()
	c, ok := p.comps[name]
	return c, ok
}

type DirSelector struct {
	*Policy
	dirs    []string
	cache   *lru.Cache[string, backing.Backing]
	flight  singleflight.Group
	mu      sync.Mutex
	retired []backing.Backing
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewDirSelector searches conf's search path, then dirs. rt, if not
// nil, backs the runtime library.
func NewDirSelector(conf *config.Config, rt backing.Backing, dirs ...string) (*DirSelector, error) {
	ds := &DirSelector{
		Policy: newPolicy(conf),
		dirs:   append(append([]string{}, conf.Selector.SEARCH_PATH...), dirs...),
	}
	sz := conf.Selector.CACHE_SIZE
	if sz <= 0 {
		sz = 1
	}
	c, err := lru.NewWithEvict[string, backing.Backing](sz, ds.evict)
	if err != nil {
		return nil, err
	}
	ds.cache = c
	if rt != nil {
		ds.SetFixed(conf.Loader.RUNTIME_NAME, rt)
	}
	return ds, nil
}

// Backings still in use by loaded libraries stay mapped until Close.
func (ds *DirSelector) evict(name string, b backing.Backing) {
	db.DPrintf(db.SELECTOR, "evict %v", name)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.retired = append(ds.retired, b)
}

func (ds *DirSelector) Dirs() []string {
	return ds.dirs
}

func (ds *DirSelector) ResolveName(name string) (backing.Backing, bool) {
	name = ds.NormalizeName(name)
	if b, ok := ds.lookupFixed(name); ok {
		db.DPrintf(db.SELECTOR, "%v: fixed %v", name, backing.String(b))
		return b, true
	}
	if b, ok := ds.cache.Get(name); ok {
		db.DPrintf(db.SELECTOR, "%v: cache hit", name)
		return b, true
	}
	v, err, _ := ds.flight.Do(name, func() (interface{}, error) {
		if b, ok := ds.cache.Get(name); ok {
			return b, nil
		}
		b, err := ds.open(name)
		if err != nil {
			return nil, err
		}
		ds.cache.Add(name, b)
		return b, nil
	})
	if err != nil {
		db.DPrintf(db.SELECTOR, "%v: %v", name, err)
		return nil, false
	}
	return v.(backing.Backing), true
}

func (ds *DirSelector) open(name string) (backing.Backing, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		return backing.OpenFile(name)
	}
	for _, d := range ds.dirs {
		pn := filepath.Join(d, name)
		b, err := backing.OpenFile(pn)
		if err == nil {
			db.DPrintf(db.SELECTOR, "%v: opened %v", name, backing.String(b))
			return b, nil
		}
		if !os.IsNotExist(err) {
			db.DPrintf(db.SELECTOR, "%v: %v", pn, err)
		}
	}
	return nil, os.ErrNotExist
}

// Watch drops cached backings of files that change in the search
// directories, so the next resolution reopens them.
func (ds *DirSelector) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, d := range ds.dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			return err
		}
	}
	ds.watcher = w
	ds.done = make(chan struct{})
	go ds.watch(w, ds.done)
	return nil
}

func (ds *DirSelector) watch(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if ds.cache.Remove(ds.NormalizeName(name)) {
				db.DPrintf(db.SELECTOR, "invalidate %v (%v)", name, ev.Op)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			db.DPrintf(db.SELECTOR, "watch err %v", err)
		}
	}
}

// Stop ends Watch.
func (ds *DirSelector) Stop() error {
	if ds.watcher == nil {
		return nil
	}
	err := ds.watcher.Close()
	<-ds.done
	ds.watcher = nil
	return err
}

// Close stops watching and releases every backing the selector opened.
func (ds *DirSelector) Close() error {
	err := ds.Stop()
	ds.cache.Purge()
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for _, b := range ds.retired {
		if e := b.Close(); e != nil && err == nil {
			err = e
		}
	}
	ds.retired = nil
	return err
}
