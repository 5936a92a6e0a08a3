package dynlink

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

type Terror uint32

const (
	TErrNoError Terror = iota
	TErrMalformedImage
	TErrUnresolvedName
	TErrNotFound
	TErrDuplicateCompartment
	TErrSymbolNotFound
	TErrUnsupportedReloc
	TErrRelocation
	TErrCycle
	TErrNotRelocated
	TErrMissingEntry
)

func (err Terror) String() string {
	switch err {
	case TErrNoError:
		return "no error"
	case TErrMalformedImage:
		return "malformed image"
	case TErrUnresolvedName:
		return "unresolved name"
	case TErrNotFound:
		return "not found"
	case TErrDuplicateCompartment:
		return "duplicate compartment"
	case TErrSymbolNotFound:
		return "symbol not found"
	case TErrUnsupportedReloc:
		return "unsupported relocation"
	case TErrRelocation:
		return "relocation failed"
	case TErrCycle:
		return "dependency cycle"
	case TErrNotRelocated:
		return "library not relocated"
	case TErrMissingEntry:
		return "missing entry point"
	default:
		return "unknown error"
	}
}

type Err struct {
	ErrCode Terror
	Obj     string
	Err     error
}

func NewErr(code Terror, obj interface{}) *Err {
	return &Err{ErrCode: code, Obj: fmt.Sprintf("%v", obj)}
}

func NewErrError(code Terror, obj interface{}, err error) *Err {
	return &Err{ErrCode: code, Obj: fmt.Sprintf("%v", obj), Err: err}
}

func (err *Err) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("{Err: %q Obj: %q (%v)}", err.ErrCode, err.Obj, err.Err)
	}
	return fmt.Sprintf("{Err: %q Obj: %q}", err.ErrCode, err.Obj)
}

func (err *Err) Unwrap() error {
	return err.Err
}

// Is matches any *Err with the same code, so callers can test with
// errors.Is(err, NewErr(TErrCycle, "")).
func (err *Err) Is(target error) bool {
	var t *Err
	if errors.As(target, &t) {
		return t.ErrCode == err.ErrCode
	}
	return false
}

// Code returns the dynlink error code in err's chain, if any.
func Code(err error) Terror {
	var e *Err
	if errors.As(err, &e) {
		return e.ErrCode
	}
	var de *DependencyError
	if errors.As(err, &de) {
		return de.Code
	}
	return TErrNoError
}

// A failure to enumerate or resolve one needed library of Lib.
type DependencyError struct {
	Code Terror // TErrMalformedImage or TErrUnresolvedName
	Lib  string // the library whose needed list was being enumerated
	Name string // the needed name, for TErrUnresolvedName
	Err  error
}

func newMalformed(lib string, err error) *DependencyError {
	return &DependencyError{Code: TErrMalformedImage, Lib: lib, Err: err}
}

func newUnresolved(lib, name string) *DependencyError {
	return &DependencyError{Code: TErrUnresolvedName, Lib: lib, Name: name}
}

func (de *DependencyError) Error() string {
	switch de.Code {
	case TErrUnresolvedName:
		return fmt.Sprintf("%v: failed to resolve library %q (needed by %v)", de.Code, de.Name, de.Lib)
	default:
		return fmt.Sprintf("%v: %v: %v", de.Code, de.Lib, de.Err)
	}
}

func (de *DependencyError) Unwrap() error {
	return de.Err
}

// DependencyErrors splits an aggregated enumeration error, possibly
// wrapped, into the individual per-dependency failures.
func DependencyErrors(err error) []*DependencyError {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if errs := multierr.Errors(e); len(errs) > 1 {
			var des []*DependencyError
			for _, e1 := range errs {
				var de *DependencyError
				if errors.As(e1, &de) {
					des = append(des, de)
				}
			}
			return des
		}
		if de, ok := e.(*DependencyError); ok {
			return []*DependencyError{de}
		}
	}
	return nil
}

// UnresolvedNames lists the needed names in err that could not be
// resolved.
func UnresolvedNames(err error) []string {
	var names []string
	for _, de := range DependencyErrors(err) {
		if de.Code == TErrUnresolvedName {
			names = append(names, de.Name)
		}
	}
	return names
}
