package dynlink

import (
	"debug/elf"
	"fmt"

	db "compmon/debug"
)

type relocKind int

const (
	rNONE relocKind = iota
	rABS            // S + A
	rGLOB           // S, or S + A where the ABI says so
	rRELATIVE       // B + A
	rDTPMOD         // TLS module id of S's library
	rDTPOFF         // offset of S in its TLS block, + A
)

type rela struct {
	off    uint64
	sym    uint32
	typ    uint32
	addend int64
}

func classify(m elf.Machine, typ uint32) (relocKind, bool, bool) {
	switch m {
	case elf.EM_X86_64:
		switch elf.R_X86_64(typ) {
		case elf.R_X86_64_NONE:
			return rNONE, false, true
		case elf.R_X86_64_64:
			return rABS, true, true
		case elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT:
			return rGLOB, false, true
		case elf.R_X86_64_RELATIVE:
			return rRELATIVE, true, true
		case elf.R_X86_64_DTPMOD64:
			return rDTPMOD, false, true
		case elf.R_X86_64_DTPOFF64:
			return rDTPOFF, true, true
		}
	case elf.EM_AARCH64:
		switch elf.R_AARCH64(typ) {
		case elf.R_AARCH64_NONE:
			return rNONE, false, true
		case elf.R_AARCH64_ABS64:
			return rABS, true, true
		case elf.R_AARCH64_GLOB_DAT, elf.R_AARCH64_JUMP_SLOT:
			return rGLOB, true, true
		case elf.R_AARCH64_RELATIVE:
			return rRELATIVE, true, true
		case elf.R_AARCH64_TLS_DTPMOD64:
			return rDTPMOD, false, true
		case elf.R_AARCH64_TLS_DTPREL64:
			return rDTPOFF, true, true
		}
	}
	return rNONE, false, false
}

// RelocateAll relocates root and every library it depends on,
// dependencies first. Already relocated libraries are left alone.
func (ctx *Context) RelocateAll(root TlibId) error {
	lib, err := ctx.GetLibrary(root)
	if err != nil {
		return err
	}
	return ctx.relocate(lib)
}

func (ctx *Context) relocate(lib *Library) error {
	switch lib.state {
	case RELOCATED:
		return nil
	case RELOCATING:
		db.DPrintf(db.DYNLINK_ERR, "cycle at %v", lib)
		return NewErr(TErrCycle, lib)
	case UNLOADED:
		return NewErr(TErrNotFound, lib)
	}
	lib.state = RELOCATING
	for _, d := range lib.deps {
		dep, err := ctx.GetLibrary(d)
		if err == nil {
			err = ctx.relocate(dep)
		}
		if err != nil {
			lib.state = LOADED
			return err
		}
	}
	if err := ctx.applyRelocations(lib); err != nil {
		lib.state = LOADED
		return err
	}
	lib.convertSymbols()
	lib.state = RELOCATED
	db.DPrintf(db.DYNLINK, "relocated %v", lib)
	return nil
}

func (lib *Library) relaTables() ([]rela, error) {
	dv, err := lib.dynamic()
	if err != nil {
		return nil, err
	}
	if dv.has(elf.DT_REL) {
		return nil, NewErr(TErrUnsupportedReloc, fmt.Sprintf("%v: DT_REL", lib))
	}
	entsz := uint64(24)
	if v, ok := dv.value(elf.DT_RELAENT); ok {
		entsz = v
	}
	if entsz < 24 {
		return nil, NewErr(TErrRelocation, fmt.Sprintf("%v: rela entry size %d", lib, entsz))
	}
	var rs []rela
	read := func(off, sz uint64) error {
		if off+sz < off || off+sz > uint64(len(lib.mem)) {
			return NewErr(TErrRelocation, fmt.Sprintf("%v: rela table %#x+%#x outside image", lib, off, sz))
		}
		bo := lib.f.ByteOrder
		for p := off; p+entsz <= off+sz; p += entsz {
			info := bo.Uint64(lib.mem[p+8:])
			rs = append(rs, rela{
				off:    bo.Uint64(lib.mem[p:]),
				sym:    elf.R_SYM64(info),
				typ:    elf.R_TYPE64(info),
				addend: int64(bo.Uint64(lib.mem[p+16:])),
			})
		}
		return nil
	}
	if off, ok := dv.value(elf.DT_RELA); ok {
		sz, _ := dv.value(elf.DT_RELASZ)
		if err := read(off, sz); err != nil {
			return nil, err
		}
	}
	if off, ok := dv.value(elf.DT_JMPREL); ok {
		if kind, ok := dv.value(elf.DT_PLTREL); ok && elf.DynTag(kind) != elf.DT_RELA {
			return nil, NewErr(TErrUnsupportedReloc, fmt.Sprintf("%v: PLT relocations of type %v", lib, elf.DynTag(kind)))
		}
		sz, _ := dv.value(elf.DT_PLTRELSZ)
		if err := read(off, sz); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

func (ctx *Context) applyRelocations(lib *Library) error {
	rs, err := lib.relaTables()
	if err != nil {
		return err
	}
	m := lib.f.Machine
	base := lib.Base()
	for _, r := range rs {
		kind, addend, ok := classify(m, r.typ)
		if !ok {
			return NewErr(TErrUnsupportedReloc, fmt.Sprintf("%v: type %d at %#x", lib, r.typ, r.off))
		}
		if kind == rNONE {
			continue
		}
		var a uint64
		if addend {
			a = uint64(r.addend)
		}
		var v uint64
		switch kind {
		case rRELATIVE:
			v = base + a
		default:
			sym, mod, err := ctx.bindSymbol(lib, SymbolId(r.sym))
			if err != nil {
				return err
			}
			switch kind {
			case rDTPMOD:
				v = mod
			default:
				v = sym + a
			}
		}
		if err := lib.writeWord(r.off, v); err != nil {
			return NewErrError(TErrRelocation, lib, err)
		}
		db.DPrintf(db.RELOC, "%v: %#x <- %#x (type %d sym %d)", lib, r.off, v, r.typ, r.sym)
	}
	return nil
}

// bindSymbol returns the value of lib's symbol id and, for TLS
// symbols, the module id of the defining library. The lookup scope is
// lib's dependency closure in breadth-first order, then lib itself.
func (ctx *Context) bindSymbol(lib *Library, id SymbolId) (uint64, uint64, error) {
	if id == 0 {
		return 0, lib.tlsId, nil
	}
	us, err := lib.UnrelocatedSymbolById(id)
	if err != nil {
		return 0, 0, NewErrError(TErrRelocation, lib, err)
	}
	if len(us.Name()) > 0 {
		var found *RelocatedSymbol
		var from *Library
		ctx.bfs(lib.id, func(l *Library) bool {
			if found != nil {
				return false
			}
			if l == lib {
				return true
			}
			if rs, err := l.LookupSymbol(us.Name()); err == nil {
				found, from = rs, l
				return false
			}
			return true
		})
		if found != nil {
			return found.Address(), from.tlsId, nil
		}
	}
	if !us.IsUndefined() {
		rs := us.relocate(lib.id, lib.Base())
		return rs.Address(), lib.tlsId, nil
	}
	if us.Bind() == elf.STB_WEAK {
		return 0, 0, nil
	}
	db.DPrintf(db.DYNLINK_ERR, "%v: unresolved symbol %v", lib, us.Name())
	return 0, 0, NewErrError(TErrRelocation, lib, NewErr(TErrSymbolNotFound, us.Name()))
}
