package compman

import (
	"errors"
	"fmt"

	"compmon/dynlink"
)

type Terror uint32

const (
	TErrNoError Terror = iota
	TErrDependency
	TErrRelocation
	TErrMissingEntry
	TErrDuplicateCompartment
)

func (err Terror) String() string {
	switch err {
	case TErrNoError:
		return "no error"
	case TErrDependency:
		return "dependency error"
	case TErrRelocation:
		return "relocation error"
	case TErrMissingEntry:
		return "missing entry point"
	case TErrDuplicateCompartment:
		return "duplicate compartment"
	default:
		return "unknown error"
	}
}

// A failed LoadCompartment. Nothing the load created stays registered.
type LoadError struct {
	Code Terror
	Comp string
	Err  error
}

func newLoadError(code Terror, comp string, err error) *LoadError {
	return &LoadError{Code: code, Comp: comp, Err: err}
}

// loadError classifies an error from the dynamic linker.
func loadError(comp string, err error) *LoadError {
	var le *LoadError
	if errors.As(err, &le) {
		return le
	}
	switch dynlink.Code(err) {
	case dynlink.TErrMalformedImage, dynlink.TErrUnresolvedName:
		return newLoadError(TErrDependency, comp, err)
	case dynlink.TErrDuplicateCompartment:
		return newLoadError(TErrDuplicateCompartment, comp, err)
	case dynlink.TErrMissingEntry:
		return newLoadError(TErrMissingEntry, comp, err)
	default:
		return newLoadError(TErrRelocation, comp, err)
	}
}

func (le *LoadError) Error() string {
	return fmt.Sprintf("load %q: %v: %v", le.Comp, le.Code, le.Err)
}

func (le *LoadError) Unwrap() error {
	return le.Err
}

// The first compartment that failed to start.
type StartError struct {
	Comp dynlink.TcompId
	Name string
	Err  error
}

func (se *StartError) Error() string {
	return fmt.Sprintf("start %v (%q): %v", se.Comp, se.Name, se.Err)
}

func (se *StartError) Unwrap() error {
	return se.Err
}
