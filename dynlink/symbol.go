package dynlink

import (
	"debug/elf"
	"fmt"
)

// Index of a symbol in a library's dynamic symbol table. Index 0 is the
// null symbol.
type SymbolId uint32

// Symbol names are compared as raw bytes; no charset is assumed.
type SymbolName []byte

func (n SymbolName) String() string {
	return fmt.Sprintf("%q", []byte(n))
}

// A symbol as read from the image: its value is image-relative.
type UnrelocatedSymbol struct {
	id  SymbolId
	sym elf.Symbol
}

func (s *UnrelocatedSymbol) Id() SymbolId {
	return s.id
}

func (s *UnrelocatedSymbol) Name() SymbolName {
	return SymbolName(s.sym.Name)
}

func (s *UnrelocatedSymbol) Value() uint64 {
	return s.sym.Value
}

func (s *UnrelocatedSymbol) Size() uint64 {
	return s.sym.Size
}

func (s *UnrelocatedSymbol) Type() elf.SymType {
	return elf.ST_TYPE(s.sym.Info)
}

func (s *UnrelocatedSymbol) Bind() elf.SymBind {
	return elf.ST_BIND(s.sym.Info)
}

func (s *UnrelocatedSymbol) IsUndefined() bool {
	return s.sym.Section == elf.SHN_UNDEF
}

func (s *UnrelocatedSymbol) IsTls() bool {
	return s.Type() == elf.STT_TLS
}

func (s *UnrelocatedSymbol) String() string {
	return fmt.Sprintf("{%d %q %#x}", s.id, s.sym.Name, s.sym.Value)
}

// relocate rebases s to base. Only the relocation pass calls it.
func (s *UnrelocatedSymbol) relocate(lib TlibId, base uint64) RelocatedSymbol {
	addr := s.sym.Value
	switch {
	case s.sym.Section == elf.SHN_ABS:
	case s.IsTls():
		// TLS symbol values are offsets into the library's TLS block.
	case s.IsUndefined():
		addr = 0
	default:
		addr += base
	}
	return RelocatedSymbol{id: s.id, lib: lib, sym: s.sym, addr: addr}
}

// A symbol of a relocated library: its address is absolute.
type RelocatedSymbol struct {
	id   SymbolId
	lib  TlibId
	sym  elf.Symbol
	addr uint64
}

func (s *RelocatedSymbol) Id() SymbolId {
	return s.id
}

func (s *RelocatedSymbol) Library() TlibId {
	return s.lib
}

func (s *RelocatedSymbol) Name() SymbolName {
	return SymbolName(s.sym.Name)
}

// Address of the symbol; for TLS symbols the offset in the TLS block.
func (s *RelocatedSymbol) Address() uint64 {
	return s.addr
}

func (s *RelocatedSymbol) Size() uint64 {
	return s.sym.Size
}

func (s *RelocatedSymbol) Type() elf.SymType {
	return elf.ST_TYPE(s.sym.Info)
}

func (s *RelocatedSymbol) String() string {
	return fmt.Sprintf("{%v:%d %q %#x}", s.lib, s.id, s.sym.Name, s.addr)
}
