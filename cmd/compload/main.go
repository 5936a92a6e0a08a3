package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"compmon/config"
	db "compmon/debug"
	"compmon/objsys"
	"compmon/selector"
	"compmon/threadmgr"
	"compmon/threadsync"
	"compmon/util/tracing"
)

const (
	EXIT_OK    = 0
	EXIT_ERR   = 1
	EXIT_USAGE = 2
)

var (
	confPath   string
	debugFlags string
	dirs       []string
	compName   string
	jaegerHost string
	watch      bool
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "compload",
	Short: "Load and start compartmentalized programs",
	Long: `compload resolves a root library and its dependencies from a set of
directories, loads them into compartments, and starts the compartments'
main threads.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debugFlags != "" {
			db.SetDebug(debugFlags)
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&confPath, "config", "", "yaml file overriding the built-in configuration")
	pf.StringVar(&debugFlags, "debug", "", "debug labels, e.g. \"LOADER;REAPER\"")
	pf.StringSliceVarP(&dirs, "dir", "d", nil, "library search directory (repeatable)")

	runCmd.Flags().StringVarP(&compName, "comp", "c", "", "name of the root compartment (default: root library name)")
	runCmd.Flags().StringVar(&jaegerHost, "trace", "", "jaeger collector host; tracing is off when empty")
	runCmd.Flags().BoolVar(&watch, "watch", false, "invalidate cached libraries when search directories change")
	runCmd.Flags().DurationVar(&timeout, "timeout", 0, "readiness timeout (default: runcomp.ready_timeout)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(resolveCmd)
}

// env bundles the state every subcommand needs.
type env struct {
	conf *config.Config
	sp   *objsys.Space
	tm   *threadmgr.ThreadMgr
	sel  *selector.DirSelector
}

func newEnv() (*env, error) {
	conf := config.Conf
	if confPath != "" {
		c, err := config.ReadConfigFile(confPath)
		if err != nil {
			return nil, fmt.Errorf("config %v: %w", confPath, err)
		}
		conf = c
	}
	sel, err := selector.NewDirSelector(conf, nil, dirs...)
	if err != nil {
		return nil, err
	}
	return &env{
		conf: conf,
		sp:   objsys.NewSpace(conf.Loader.SLOT_SIZE, conf.Loader.FIRST_SLOT),
		tm:   threadmgr.NewThreadMgr(conf, threadsync.NewSync()),
		sel:  sel,
	}, nil
}

func (e *env) close() {
	e.tm.Stop()
	if err := e.sel.Close(); err != nil {
		db.DPrintf(db.SELECTOR, "Err close selector: %v", err)
	}
}

func newTracer(svc string) (*tracing.Tracer, error) {
	if jaegerHost == "" {
		return tracing.NoopTracer(svc), nil
	}
	return tracing.Init(svc, jaegerHost, 1.0)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "compload: %v\n", err)
		os.Exit(exitCode(err))
	}
}
