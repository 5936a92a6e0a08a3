// The elftest package builds small ELF64 shared objects for tests:
// a single PT_LOAD covering the whole file at vaddr 0, a dynamic
// section with DT_NEEDED entries, a dynamic symbol table, RELA
// relocations, an init array, and optionally a TLS segment.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	TEXT_SIZE = 0x100
	DATA_SIZE = 0x100
)

// A symbol defined by or imported into the library.
type Sym struct {
	Name  string
	Value uint64 // offset into .text, .data, or the TLS segment
	Size  uint64
	Type  elf.SymType
	Bind  elf.SymBind
	Data  bool // defined in .data instead of .text
	Tls   bool // defined in the TLS segment
}

// A relocation applied at Off bytes into .data.
type Reloc struct {
	Off    uint64
	Type   uint32
	Sym    string // "" for no symbol
	Addend int64
}

type Lib struct {
	Machine   elf.Machine
	Needed    []string
	Syms      []Sym
	Imports   []string
	Weak      []string // imports bound weakly
	Relocs    []Reloc
	InitArray []uint64 // .text offsets of constructors
	Init      uint64   // .text offset of DT_INIT; 0 means none
	Entry     uint64   // .text offset of the entry point
	NoEntry   bool
	Tls       []byte
	TlsMemsz  uint64
	NoDynamic bool
	Exec      bool // ET_EXEC instead of ET_DYN
}

// Offsets of the built image's regions; offsets are also vaddrs.
type Layout struct {
	Text      uint64
	Data      uint64
	InitArray uint64
	Tdata     uint64
	Dynamic   uint64
	Size      uint64
}

type section struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	off     uint64
	data    []byte
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

type strtab struct {
	b   bytes.Buffer
	off map[string]uint32
}

func newStrtab() *strtab {
	st := &strtab{off: make(map[string]uint32)}
	st.b.WriteByte(0)
	return st
}

func (st *strtab) add(s string) uint32 {
	if o, ok := st.off[s]; ok {
		return o
	}
	o := uint32(st.b.Len())
	st.b.WriteString(s)
	st.b.WriteByte(0)
	st.off[s] = o
	return o
}

func align(n, a uint64) uint64 {
	if a == 0 {
		return n
	}
	return (n + a - 1) &^ (a - 1)
}

func RelativeType(m elf.Machine) uint32 {
	if m == elf.EM_AARCH64 {
		return uint32(elf.R_AARCH64_RELATIVE)
	}
	return uint32(elf.R_X86_64_RELATIVE)
}

func Abs64Type(m elf.Machine) uint32 {
	if m == elf.EM_AARCH64 {
		return uint32(elf.R_AARCH64_ABS64)
	}
	return uint32(elf.R_X86_64_64)
}

func GlobDatType(m elf.Machine) uint32 {
	if m == elf.EM_AARCH64 {
		return uint32(elf.R_AARCH64_GLOB_DAT)
	}
	return uint32(elf.R_X86_64_GLOB_DAT)
}

const (
	SEC_TEXT = iota + 1
	SEC_DATA
	SEC_INIT_ARRAY
	SEC_TDATA
	SEC_DYNSYM
	SEC_DYNSTR
	SEC_RELA
	SEC_DYNAMIC
	SEC_SHSTRTAB
	NSEC
)

func (l *Lib) Build() ([]byte, *Layout) {
	le := binary.LittleEndian
	m := l.Machine
	if m == elf.EM_NONE {
		m = elf.EM_X86_64
	}
	nphdr := uint64(2)
	if len(l.Tls) > 0 || l.TlsMemsz > 0 {
		nphdr++
	}
	lay := &Layout{}
	off := uint64(64) + nphdr*56
	lay.Text = align(off, 16)
	lay.Data = align(lay.Text+TEXT_SIZE, 8)
	lay.InitArray = align(lay.Data+DATA_SIZE, 8)
	lay.Tdata = align(lay.InitArray+8*uint64(len(l.InitArray)), 16)

	// dynamic strings and symbols
	dynstr := newStrtab()
	var dynsym bytes.Buffer
	dynsym.Write(make([]byte, 24))
	symidx := make(map[string]uint32)
	putSym := func(name uint32, info uint8, shndx uint16, val, sz uint64) {
		var b [24]byte
		le.PutUint32(b[0:], name)
		b[4] = info
		b[5] = 0
		le.PutUint16(b[6:], shndx)
		le.PutUint64(b[8:], val)
		le.PutUint64(b[16:], sz)
		dynsym.Write(b[:])
	}
	n := uint32(1)
	for _, s := range l.Syms {
		bind := s.Bind
		if bind == elf.STB_LOCAL {
			bind = elf.STB_GLOBAL
		}
		typ := s.Type
		shndx := uint16(SEC_TEXT)
		val := lay.Text + s.Value
		if s.Data {
			shndx = SEC_DATA
			val = lay.Data + s.Value
			if typ == elf.STT_NOTYPE {
				typ = elf.STT_OBJECT
			}
		} else if s.Tls {
			shndx = SEC_TDATA
			val = s.Value
			typ = elf.STT_TLS
		} else if typ == elf.STT_NOTYPE {
			typ = elf.STT_FUNC
		}
		putSym(dynstr.add(s.Name), elf.ST_INFO(bind, typ), shndx, val, s.Size)
		symidx[s.Name] = n
		n++
	}
	for _, name := range l.Imports {
		putSym(dynstr.add(name), elf.ST_INFO(elf.STB_GLOBAL, elf.STT_NOTYPE), uint16(elf.SHN_UNDEF), 0, 0)
		symidx[name] = n
		n++
	}
	for _, name := range l.Weak {
		putSym(dynstr.add(name), elf.ST_INFO(elf.STB_WEAK, elf.STT_NOTYPE), uint16(elf.SHN_UNDEF), 0, 0)
		symidx[name] = n
		n++
	}
	needed := make([]uint32, len(l.Needed))
	for i, name := range l.Needed {
		needed[i] = dynstr.add(name)
	}

	// relocations
	var rela bytes.Buffer
	putRela := func(off uint64, sym, typ uint32, addend int64) {
		var b [24]byte
		le.PutUint64(b[0:], off)
		le.PutUint64(b[8:], elf.R_INFO(sym, typ))
		le.PutUint64(b[16:], uint64(addend))
		rela.Write(b[:])
	}
	for _, r := range l.Relocs {
		putRela(lay.Data+r.Off, symidx[r.Sym], r.Type, r.Addend)
	}
	for i, c := range l.InitArray {
		putRela(lay.InitArray+8*uint64(i), 0, RelativeType(m), int64(lay.Text+c))
	}

	off = align(lay.Tdata+uint64(len(l.Tls)), 8)
	dynsymOff := off
	off += uint64(dynsym.Len())
	dynstrOff := off
	off = align(off+uint64(dynstr.b.Len()), 8)
	relaOff := off
	off += uint64(rela.Len())
	lay.Dynamic = align(off, 8)

	// dynamic section
	var dyn bytes.Buffer
	putDyn := func(tag elf.DynTag, val uint64) {
		var b [16]byte
		le.PutUint64(b[0:], uint64(tag))
		le.PutUint64(b[8:], val)
		dyn.Write(b[:])
	}
	for _, o := range needed {
		putDyn(elf.DT_NEEDED, uint64(o))
	}
	putDyn(elf.DT_STRTAB, dynstrOff)
	putDyn(elf.DT_STRSZ, uint64(dynstr.b.Len()))
	putDyn(elf.DT_SYMTAB, dynsymOff)
	putDyn(elf.DT_SYMENT, 24)
	if rela.Len() > 0 {
		putDyn(elf.DT_RELA, relaOff)
		putDyn(elf.DT_RELASZ, uint64(rela.Len()))
		putDyn(elf.DT_RELAENT, 24)
	}
	if len(l.InitArray) > 0 {
		putDyn(elf.DT_INIT_ARRAY, lay.InitArray)
		putDyn(elf.DT_INIT_ARRAYSZ, 8*uint64(len(l.InitArray)))
	}
	if l.Init != 0 {
		putDyn(elf.DT_INIT, lay.Text+l.Init)
	}
	putDyn(elf.DT_NULL, 0)

	shstrtab := newStrtab()
	secs := make([]section, NSEC)
	secs[SEC_TEXT] = section{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, off: lay.Text, data: make([]byte, TEXT_SIZE), align: 16}
	secs[SEC_DATA] = section{name: ".data", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, off: lay.Data, data: make([]byte, DATA_SIZE), align: 8}
	secs[SEC_INIT_ARRAY] = section{name: ".init_array", typ: elf.SHT_INIT_ARRAY, flags: elf.SHF_ALLOC | elf.SHF_WRITE, off: lay.InitArray, data: make([]byte, 8*len(l.InitArray)), align: 8, entsize: 8}
	secs[SEC_TDATA] = section{name: ".tdata", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_TLS, off: lay.Tdata, data: l.Tls, align: 16}
	secs[SEC_DYNSYM] = section{name: ".dynsym", typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC, off: dynsymOff, data: dynsym.Bytes(), link: SEC_DYNSTR, info: 1, align: 8, entsize: 24}
	secs[SEC_DYNSTR] = section{name: ".dynstr", typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC, off: dynstrOff, data: dynstr.b.Bytes(), align: 1}
	secs[SEC_RELA] = section{name: ".rela.dyn", typ: elf.SHT_RELA, flags: elf.SHF_ALLOC, off: relaOff, data: rela.Bytes(), link: SEC_DYNSYM, align: 8, entsize: 24}
	secs[SEC_DYNAMIC] = section{name: ".dynamic", typ: elf.SHT_DYNAMIC, flags: elf.SHF_ALLOC | elf.SHF_WRITE, off: lay.Dynamic, data: dyn.Bytes(), link: SEC_DYNSTR, align: 8, entsize: 16}
	if l.NoDynamic {
		secs[SEC_DYNAMIC].typ = elf.SHT_PROGBITS
		secs[SEC_DYNAMIC].name = ".nodynamic"
	}
	names := make([]uint32, NSEC)
	for i := 1; i < NSEC; i++ {
		if i == SEC_SHSTRTAB {
			continue
		}
		names[i] = shstrtab.add(secs[i].name)
	}
	names[SEC_SHSTRTAB] = shstrtab.add(".shstrtab")
	loadEnd := lay.Dynamic + uint64(dyn.Len())
	lay.Size = loadEnd
	secs[SEC_SHSTRTAB] = section{name: ".shstrtab", typ: elf.SHT_STRTAB, off: loadEnd, data: shstrtab.b.Bytes(), align: 1}
	shoff := align(loadEnd+uint64(shstrtab.b.Len()), 8)

	out := make([]byte, shoff+NSEC*64)

	// ELF header
	copy(out[0:], elf.ELFMAG)
	out[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	out[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)
	typ := elf.ET_DYN
	if l.Exec {
		typ = elf.ET_EXEC
	}
	le.PutUint16(out[16:], uint16(typ))
	le.PutUint16(out[18:], uint16(m))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	if !l.NoEntry {
		le.PutUint64(out[24:], lay.Text+l.Entry)
	}
	le.PutUint64(out[32:], 64)
	le.PutUint64(out[40:], shoff)
	le.PutUint32(out[48:], 0)
	le.PutUint16(out[52:], 64)
	le.PutUint16(out[54:], 56)
	le.PutUint16(out[56:], uint16(nphdr))
	le.PutUint16(out[58:], 64)
	le.PutUint16(out[60:], NSEC)
	le.PutUint16(out[62:], SEC_SHSTRTAB)

	// program headers
	putPhdr := func(i int, typ elf.ProgType, flags elf.ProgFlag, off, filesz, memsz, align uint64) {
		b := out[64+56*i:]
		le.PutUint32(b[0:], uint32(typ))
		le.PutUint32(b[4:], uint32(flags))
		le.PutUint64(b[8:], off)
		le.PutUint64(b[16:], off)
		le.PutUint64(b[24:], off)
		le.PutUint64(b[32:], filesz)
		le.PutUint64(b[40:], memsz)
		le.PutUint64(b[48:], align)
	}
	putPhdr(0, elf.PT_LOAD, elf.PF_R|elf.PF_W|elf.PF_X, 0, loadEnd, loadEnd, 0x1000)
	putPhdr(1, elf.PT_DYNAMIC, elf.PF_R|elf.PF_W, lay.Dynamic, uint64(dyn.Len()), uint64(dyn.Len()), 8)
	if nphdr > 2 {
		memsz := l.TlsMemsz
		if memsz < uint64(len(l.Tls)) {
			memsz = uint64(len(l.Tls))
		}
		putPhdr(2, elf.PT_TLS, elf.PF_R, lay.Tdata, uint64(len(l.Tls)), memsz, 16)
	}

	// section contents and headers
	for i := 1; i < NSEC; i++ {
		s := secs[i]
		copy(out[s.off:], s.data)
		b := out[shoff+64*uint64(i):]
		le.PutUint32(b[0:], names[i])
		le.PutUint32(b[4:], uint32(s.typ))
		le.PutUint64(b[8:], uint64(s.flags))
		addr := s.off
		if s.flags&elf.SHF_ALLOC == 0 {
			addr = 0
		}
		le.PutUint64(b[16:], addr)
		le.PutUint64(b[24:], s.off)
		le.PutUint64(b[32:], uint64(len(s.data)))
		le.PutUint32(b[40:], s.link)
		le.PutUint32(b[44:], s.info)
		le.PutUint64(b[48:], s.align)
		le.PutUint64(b[56:], s.entsize)
	}
	return out, lay
}

// Bytes builds l and drops the layout.
func (l *Lib) Bytes() []byte {
	b, _ := l.Build()
	return b
}
