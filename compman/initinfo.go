package compman

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// What a compartment's runtime needs to know when its main thread
// starts. It travels as a protobuf-encoded blob, copied into the
// compartment's TLS object and handed to the executor.
type InitInfo struct {
	Name      string
	Comp      uint64
	Sctx      uint64
	RootLib   uint64
	Entry     uint64
	Ctors     []uint64
	TlsSize   uint64
	TlsAlign  uint64
	StackSize uint64
}

const (
	fNAME protowire.Number = iota + 1
	fCOMP
	fSCTX
	fROOTLIB
	fENTRY
	fCTORS
	fTLSSIZE
	fTLSALIGN
	fSTACKSIZE
)

func (ii *InitInfo) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fNAME, protowire.BytesType)
	b = protowire.AppendString(b, ii.Name)
	for _, f := range []struct {
		n protowire.Number
		v uint64
	}{{fCOMP, ii.Comp}, {fSCTX, ii.Sctx}, {fROOTLIB, ii.RootLib}, {fENTRY, ii.Entry}} {
		b = protowire.AppendTag(b, f.n, protowire.VarintType)
		b = protowire.AppendVarint(b, f.v)
	}
	if len(ii.Ctors) > 0 {
		var packed []byte
		for _, c := range ii.Ctors {
			packed = protowire.AppendFixed64(packed, c)
		}
		b = protowire.AppendTag(b, fCTORS, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	for _, f := range []struct {
		n protowire.Number
		v uint64
	}{{fTLSSIZE, ii.TlsSize}, {fTLSALIGN, ii.TlsAlign}, {fSTACKSIZE, ii.StackSize}} {
		b = protowire.AppendTag(b, f.n, protowire.VarintType)
		b = protowire.AppendVarint(b, f.v)
	}
	return b
}

func UnmarshalInitInfo(b []byte) (*InitInfo, error) {
	ii := &InitInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fNAME && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ii.Name = s
			b = b[n:]
		case num == fCTORS && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if len(packed)%8 != 0 {
				return nil, fmt.Errorf("init info: ctor list of %d bytes", len(packed))
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed64(packed)
				ii.Ctors = append(ii.Ctors, v)
				packed = packed[m:]
			}
			b = b[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			switch num {
			case fCOMP:
				ii.Comp = v
			case fSCTX:
				ii.Sctx = v
			case fROOTLIB:
				ii.RootLib = v
			case fENTRY:
				ii.Entry = v
			case fTLSSIZE:
				ii.TlsSize = v
			case fTLSALIGN:
				ii.TlsAlign = v
			case fSTACKSIZE:
				ii.StackSize = v
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return ii, nil
}
