package dynlink

import (
	"debug/elf"

	"go.uber.org/multierr"

	"compmon/backing"
	db "compmon/debug"
)

// A Selector maps a library name to the storage backing it, or reports
// that no backing exists. Implementations normalize the name before
// looking it up.
type Selector interface {
	ResolveName(name string) (backing.Backing, bool)
}

// Selectors that collapse names (e.g., versioned standard libraries)
// implement Normalizer, so that aliases load as one library.
type Normalizer interface {
	NormalizeName(name string) string
}

// Selectors that place some libraries in a compartment other than the
// requesting one implement CompartmentSelector.
type CompartmentSelector interface {
	SelectCompartment(name string) (string, bool)
}

func CanonicalName(sel Selector, name string) string {
	if n, ok := sel.(Normalizer); ok {
		return n.NormalizeName(name)
	}
	return name
}

// resolve turns a name into an unplaced library backed by sel.
func resolve(sel Selector, name, neededBy string) (*Library, error) {
	b, ok := sel.ResolveName(name)
	if !ok {
		db.DPrintf(db.DYNLINK_ERR, "failed to resolve library %v (needed by %v)", name, neededBy)
		return nil, newUnresolved(neededBy, name)
	}
	canon := CanonicalName(sel, name)
	lib := newLibrary(canon, b)
	if cs, ok := sel.(CompartmentSelector); ok {
		if c, ok := cs.SelectCompartment(canon); ok {
			lib.compHint = c
		}
	}
	return lib, nil
}

// EnumerateNeeded resolves each DT_NEEDED entry of lib through sel,
// returning one unplaced library per entry in dynamic-section order.
// A name that fails to resolve does not stop the enumeration of the
// others; all failures come back together in one aggregated error,
// alongside the libraries that did resolve.
func (lib *Library) EnumerateNeeded(sel Selector) ([]*Library, error) {
	db.DPrintf(db.DYNLINK, "%v: enumerating dependencies", lib)
	dv, err := lib.dynamic()
	if err != nil {
		return nil, newMalformed(lib.String(), err)
	}
	var libs []*Library
	var errs error
	for _, e := range dv.entries {
		if e.tag != elf.DT_NEEDED {
			continue
		}
		name, err := dv.str(e.val)
		if err != nil {
			errs = multierr.Append(errs, newMalformed(lib.String(), err))
			continue
		}
		dep, err := resolve(sel, name, lib.String())
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		libs = append(libs, dep)
	}
	return libs, errs
}

// NeededNames lists lib's DT_NEEDED entries without resolving them.
func (lib *Library) NeededNames() ([]string, error) {
	dv, err := lib.dynamic()
	if err != nil {
		return nil, newMalformed(lib.String(), err)
	}
	var names []string
	for _, e := range dv.entries {
		if e.tag != elf.DT_NEEDED {
			continue
		}
		name, err := dv.str(e.val)
		if err != nil {
			return nil, newMalformed(lib.String(), err)
		}
		names = append(names, name)
	}
	return names, nil
}
