package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"compmon/backing"
	"compmon/compman"
	db "compmon/debug"
	"compmon/dynlink"
)

const (
	EXIT_LOAD  = 3
	EXIT_START = 4
)

type usageError struct {
	msg string
}

func (ue *usageError) Error() string {
	return ue.msg
}

func oneLibrary(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return &usageError{fmt.Sprintf("%v: expected one library name, got %d", cmd.Name(), len(args))}
	}
	return nil
}

func exitCode(err error) int {
	var ue *usageError
	var le *compman.LoadError
	var se *compman.StartError
	switch {
	case errors.As(err, &ue):
		return EXIT_USAGE
	case errors.As(err, &le):
		return EXIT_LOAD
	case errors.As(err, &se):
		return EXIT_START
	default:
		return EXIT_ERR
	}
}

var runCmd = &cobra.Command{
	Use:   "run <root-library>",
	Short: "Load a root library into a compartment and start it",
	Args:  oneLibrary,
	RunE:  runRoot,
}

var depsCmd = &cobra.Command{
	Use:   "deps <root-library>",
	Short: "Load a root library and print its dependency closure",
	Args:  oneLibrary,
	RunE:  printDeps,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <library>...",
	Short: "Print the file each library name resolves to",
	Args:  cobra.MinimumNArgs(1),
	RunE:  resolveNames,
}

func runRoot(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.close()

	if watch {
		if err := e.sel.Watch(); err != nil {
			return err
		}
	}
	tracer, err := newTracer("compload")
	if err != nil {
		return err
	}
	defer func() {
		tracer.Flush()
		if err := tracer.Shutdown(); err != nil {
			db.DPrintf(db.ALWAYS, "Err tracer shutdown: %v", err)
		}
	}()

	name := compName
	if name == "" {
		name = args[0]
	}
	ctx, span := tracer.StartTopLevelSpan("compload.run")
	defer span.End()

	cm := compman.NewCompMan(e.conf, e.sp, e.sel, e.tm, nil, tracer)
	l, err := cm.LoadCompartment(ctx, name, dynlink.NewUnloadedLibrary(args[0]))
	if err != nil {
		if names := dynlink.UnresolvedNames(err); len(names) > 0 {
			fmt.Fprintf(os.Stderr, "unresolved: %v\n", strings.Join(names, " "))
		}
		return err
	}
	defer l.Unload()

	for _, cb := range l.Extras() {
		fmt.Printf("extra %v\n", cb)
	}
	fmt.Printf("root  %v\n", l.Root())

	rw, err := l.StartMain(ctx)
	if err != nil {
		return err
	}
	to := timeout
	if to == 0 {
		to = e.conf.RunComp.READY_TIMEOUT
	}
	if err := rw.Wait(to); err != nil {
		return &compman.StartError{Comp: l.Root().Comp, Name: name, Err: err}
	}
	fmt.Printf("%v ready\n", rw.RunComp())
	fmt.Printf("%s\n", e.tm.SnapshotJSON())
	return nil
}

func printDeps(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.close()

	dctx := dynlink.NewContext(e.sp)
	comp, err := dctx.AddCompartment(args[0])
	if err != nil {
		return err
	}
	recs, err := dctx.LoadLibraryInCompartment(comp, dynlink.NewUnloadedLibrary(args[0]), e.sel)
	if err != nil {
		for _, de := range dynlink.DependencyErrors(err) {
			fmt.Fprintf(os.Stderr, "  %v\n", de)
		}
		return err
	}
	dctx.WithBFS(recs[0].Lib, func(lib *dynlink.Library) {
		deps := make([]string, 0, len(lib.Deps()))
		for _, d := range lib.Deps() {
			if dl, err := dctx.GetLibrary(d); err == nil {
				deps = append(deps, dl.Name())
			}
		}
		fmt.Printf("%v %v -> [%v]\n", lib.Compartment(), lib, strings.Join(deps, " "))
	})
	return nil
}

func resolveNames(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.close()

	var missing []string
	for _, n := range args {
		b, ok := e.sel.ResolveName(n)
		if !ok {
			missing = append(missing, n)
			continue
		}
		fmt.Printf("%v => %v\n", n, backing.String(b))
	}
	if len(missing) > 0 {
		return fmt.Errorf("not found in %v: %v", e.sel.Dirs(), strings.Join(missing, " "))
	}
	return nil
}

