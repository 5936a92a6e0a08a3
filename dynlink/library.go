package dynlink

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	humanize "github.com/dustin/go-humanize"

	"compmon/backing"
	db "compmon/debug"
	"compmon/objsys"
)

type TlibId uint32

func (id TlibId) String() string {
	return fmt.Sprintf("lib%d", uint32(id))
}

type Tstate int

const (
	UNLOADED Tstate = iota
	LOADED
	RELOCATING
	RELOCATED
)

func (st Tstate) String() string {
	switch st {
	case UNLOADED:
		return "unloaded"
	case LOADED:
		return "loaded"
	case RELOCATING:
		return "relocating"
	case RELOCATED:
		return "relocated"
	default:
		return "unknown"
	}
}

// A library name that has not been resolved to backing storage yet.
type UnloadedLibrary struct {
	name string
}

func NewUnloadedLibrary(name string) UnloadedLibrary {
	return UnloadedLibrary{name: name}
}

func (ul UnloadedLibrary) Name() string {
	return ul.name
}

func (ul UnloadedLibrary) String() string {
	return ul.name
}

type Library struct {
	id       TlibId
	name     string
	comp     TcompId
	compHint string
	backing  backing.Backing
	f        *elf.File
	dyn      *dynamicView
	handle   *objsys.Handle
	mem      []byte
	state    Tstate
	deps     []TlibId
	syms     []elf.Symbol
	symIdx   map[string]SymbolId
	relsyms  []RelocatedSymbol
	tlsProg  *elf.Prog
	tlsId    uint64
}

func newLibrary(name string, b backing.Backing) *Library {
	return &Library{name: name, backing: b}
}

func (lib *Library) Id() TlibId {
	return lib.id
}

func (lib *Library) Name() string {
	return lib.name
}

func (lib *Library) Compartment() TcompId {
	return lib.comp
}

func (lib *Library) Backing() backing.Backing {
	return lib.backing
}

func (lib *Library) State() Tstate {
	return lib.state
}

func (lib *Library) IsRelocated() bool {
	return lib.state == RELOCATED
}

func (lib *Library) Base() uint64 {
	if lib.handle == nil {
		return 0
	}
	return lib.handle.Base()
}

func (lib *Library) Size() uint64 {
	return uint64(len(lib.mem))
}

func (lib *Library) Handle() *objsys.Handle {
	return lib.handle
}

// Contains reports whether addr is inside the library's mapped image.
func (lib *Library) Contains(addr uint64) bool {
	return lib.handle != nil && addr >= lib.Base() && addr < lib.Base()+lib.Size()
}

func (lib *Library) Deps() []TlibId {
	return append([]TlibId{}, lib.deps...)
}

func (lib *Library) TlsModuleId() uint64 {
	return lib.tlsId
}

func (lib *Library) String() string {
	return fmt.Sprintf("%v#%d", lib.name, lib.id)
}

func (lib *Library) addDep(dep TlibId) bool {
	for _, d := range lib.deps {
		if d == dep {
			return false
		}
	}
	lib.deps = append(lib.deps, dep)
	return true
}

func (lib *Library) removeDep(dep TlibId) {
	for i, d := range lib.deps {
		if d == dep {
			lib.deps = append(lib.deps[:i], lib.deps[i+1:]...)
			return
		}
	}
}

// getElf parses the backing on first use.
func (lib *Library) getElf() (*elf.File, error) {
	if lib.f != nil {
		return lib.f, nil
	}
	f, err := elf.NewFile(backing.Reader(lib.backing))
	if err != nil {
		return nil, err
	}
	lib.f = f
	return f, nil
}

// dynamic returns the parsed dynamic section, computing it on first
// use.
func (lib *Library) dynamic() (*dynamicView, error) {
	if lib.dyn != nil {
		return lib.dyn, nil
	}
	f, err := lib.getElf()
	if err != nil {
		return nil, err
	}
	dv, err := parseDynamic(f)
	if err != nil {
		return nil, err
	}
	lib.dyn = dv
	return dv, nil
}

// load maps the library's loadable segments into a fresh object and
// reads its dynamic symbol table. On error nothing stays mapped.
func (lib *Library) load(space objsys.ObjectSystem) error {
	f, err := lib.getElf()
	if err != nil {
		return err
	}
	if f.Type != elf.ET_DYN {
		return fmt.Errorf("%v: type %v is not position independent", lib.name, f.Type)
	}
	if f.Class != elf.ELFCLASS64 {
		return fmt.Errorf("%v: unsupported class %v", lib.name, f.Class)
	}
	var end uint64
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if p.Filesz > p.Memsz {
				return fmt.Errorf("%v: segment filesz %d > memsz %d", lib.name, p.Filesz, p.Memsz)
			}
			if e := p.Vaddr + p.Memsz; e > end {
				end = e
			}
		case elf.PT_TLS:
			lib.tlsProg = p
		}
	}
	if end == 0 {
		return fmt.Errorf("%v: no loadable segments", lib.name)
	}
	syms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return err
	}
	oid, err := space.CreateObject(objsys.BACKING_NORMAL, objsys.LIFETIME_VOLATILE, objsys.NOOBJ)
	if err != nil {
		return err
	}
	h, err := space.MapObject(oid, objsys.MAP_READ|objsys.MAP_WRITE|objsys.MAP_EXEC)
	if err != nil {
		space.DeleteObject(oid)
		return err
	}
	mem, ok := h.Bytes(0, end)
	if !ok {
		space.DeleteObject(oid)
		return fmt.Errorf("%v: image of %v does not fit a slot", lib.name, humanize.IBytes(end))
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		if _, err := p.ReadAt(mem[p.Vaddr:p.Vaddr+p.Filesz], 0); err != nil && err != io.EOF {
			space.DeleteObject(oid)
			return fmt.Errorf("%v: read segment: %v", lib.name, err)
		}
	}
	lib.handle = h
	lib.mem = mem
	lib.syms = append([]elf.Symbol{{}}, syms...)
	lib.symIdx = make(map[string]SymbolId)
	for i, s := range lib.syms[1:] {
		if s.Section == elf.SHN_UNDEF {
			continue
		}
		switch elf.ST_BIND(s.Info) {
		case elf.STB_GLOBAL:
			if j, ok := lib.symIdx[s.Name]; !ok || elf.ST_BIND(lib.syms[j].Info) == elf.STB_WEAK {
				lib.symIdx[s.Name] = SymbolId(i + 1)
			}
		case elf.STB_WEAK:
			if _, ok := lib.symIdx[s.Name]; !ok {
				lib.symIdx[s.Name] = SymbolId(i + 1)
			}
		}
	}
	lib.state = LOADED
	db.DPrintf(db.DYNLINK, "loaded %v at %#x (%v, %d symbols)", lib, h.Base(), humanize.IBytes(end), len(syms))
	return nil
}

// unload releases the library's mapping.
func (lib *Library) unload(space objsys.ObjectSystem) {
	if lib.handle != nil {
		if err := space.DeleteObject(lib.handle.Id()); err != nil {
			db.DPrintf(db.DYNLINK_ERR, "unload %v: %v", lib, err)
		}
	}
	lib.handle = nil
	lib.mem = nil
	lib.state = UNLOADED
}

func (lib *Library) UnrelocatedSymbolById(id SymbolId) (*UnrelocatedSymbol, error) {
	if lib.state == UNLOADED {
		return nil, NewErr(TErrNotFound, lib)
	}
	if int(id) >= len(lib.syms) {
		return nil, NewErr(TErrSymbolNotFound, fmt.Sprintf("%v:%d", lib, id))
	}
	return &UnrelocatedSymbol{id: id, sym: lib.syms[id]}, nil
}

// LookupUnrelocatedSymbol finds a symbol defined by lib, by name.
func (lib *Library) LookupUnrelocatedSymbol(name SymbolName) (*UnrelocatedSymbol, bool) {
	id, ok := lib.symIdx[string(name)]
	if !ok {
		return nil, false
	}
	return &UnrelocatedSymbol{id: id, sym: lib.syms[id]}, true
}

// LookupSymbol finds a symbol defined by lib. lib must have completed
// relocation.
func (lib *Library) LookupSymbol(name SymbolName) (*RelocatedSymbol, error) {
	if lib.state != RELOCATED {
		return nil, NewErr(TErrNotRelocated, lib)
	}
	id, ok := lib.symIdx[string(name)]
	if !ok {
		return nil, NewErr(TErrSymbolNotFound, fmt.Sprintf("%v in %v", name, lib))
	}
	s := lib.relsyms[id]
	return &s, nil
}

func (lib *Library) LookupSymbolById(id SymbolId) (*RelocatedSymbol, error) {
	if lib.state != RELOCATED {
		return nil, NewErr(TErrNotRelocated, lib)
	}
	if id == 0 || int(id) >= len(lib.relsyms) {
		return nil, NewErr(TErrSymbolNotFound, fmt.Sprintf("%v:%d", lib, id))
	}
	s := lib.relsyms[id]
	return &s, nil
}

// convertSymbols produces the relocated symbol table. Called once, at
// the end of lib's relocation pass.
func (lib *Library) convertSymbols() {
	lib.relsyms = make([]RelocatedSymbol, len(lib.syms))
	for i := range lib.syms {
		us := UnrelocatedSymbol{id: SymbolId(i), sym: lib.syms[i]}
		lib.relsyms[i] = us.relocate(lib.id, lib.Base())
	}
}

// GetEntryAddress returns the absolute address of lib's ELF entry point.
func (lib *Library) GetEntryAddress() (uint64, error) {
	f, err := lib.getElf()
	if err != nil {
		return 0, err
	}
	if f.Entry == 0 || lib.handle == nil {
		return 0, NewErr(TErrMissingEntry, lib)
	}
	return lib.Base() + f.Entry, nil
}

func (lib *Library) readWord(vaddr uint64) (uint64, error) {
	if vaddr+8 < vaddr || vaddr+8 > uint64(len(lib.mem)) {
		return 0, fmt.Errorf("%v: address %#x outside image", lib, vaddr)
	}
	return lib.f.ByteOrder.Uint64(lib.mem[vaddr:]), nil
}

func (lib *Library) writeWord(vaddr, v uint64) error {
	if vaddr+8 < vaddr || vaddr+8 > uint64(len(lib.mem)) {
		return fmt.Errorf("%v: address %#x outside image", lib, vaddr)
	}
	lib.f.ByteOrder.PutUint64(lib.mem[vaddr:], v)
	return nil
}

// ReadWord reads the 64-bit word at absolute address addr.
func (lib *Library) ReadWord(addr uint64) (uint64, error) {
	if !lib.Contains(addr) {
		return 0, fmt.Errorf("%v: address %#x outside image", lib, addr)
	}
	return lib.readWord(addr - lib.Base())
}

type dynEntry struct {
	tag elf.DynTag
	val uint64
}

// The parsed dynamic section of an image.
type dynamicView struct {
	entries []dynEntry
	strtab  []byte
}

func parseDynamic(f *elf.File) (*dynamicView, error) {
	ds := f.SectionByType(elf.SHT_DYNAMIC)
	if ds == nil {
		return nil, errors.New("no dynamic section")
	}
	d, err := ds.Data()
	if err != nil {
		return nil, fmt.Errorf("dynamic section: %v", err)
	}
	if ds.Link == 0 || int(ds.Link) >= len(f.Sections) || f.Sections[ds.Link].Type != elf.SHT_STRTAB {
		return nil, errors.New("no dynamic string table")
	}
	strtab, err := f.Sections[ds.Link].Data()
	if err != nil {
		return nil, fmt.Errorf("dynamic string table: %v", err)
	}
	entsz := 16
	if f.Class == elf.ELFCLASS32 {
		entsz = 8
	}
	if len(d)%entsz != 0 {
		return nil, fmt.Errorf("dynamic section size %d not a multiple of %d", len(d), entsz)
	}
	dv := &dynamicView{strtab: strtab}
	for off := 0; off+entsz <= len(d); off += entsz {
		var e dynEntry
		if entsz == 16 {
			e.tag = elf.DynTag(f.ByteOrder.Uint64(d[off:]))
			e.val = f.ByteOrder.Uint64(d[off+8:])
		} else {
			e.tag = elf.DynTag(f.ByteOrder.Uint32(d[off:]))
			e.val = uint64(f.ByteOrder.Uint32(d[off+4:]))
		}
		if e.tag == elf.DT_NULL {
			break
		}
		dv.entries = append(dv.entries, e)
	}
	return dv, nil
}

func (dv *dynamicView) str(off uint64) (string, error) {
	if off >= uint64(len(dv.strtab)) {
		return "", fmt.Errorf("string offset %d outside table of %d", off, len(dv.strtab))
	}
	for i := off; i < uint64(len(dv.strtab)); i++ {
		if dv.strtab[i] == 0 {
			return string(dv.strtab[off:i]), nil
		}
	}
	return "", fmt.Errorf("unterminated string at %d", off)
}

func (dv *dynamicView) value(tag elf.DynTag) (uint64, bool) {
	for _, e := range dv.entries {
		if e.tag == tag {
			return e.val, true
		}
	}
	return 0, false
}

func (dv *dynamicView) has(tag elf.DynTag) bool {
	_, ok := dv.value(tag)
	return ok
}
