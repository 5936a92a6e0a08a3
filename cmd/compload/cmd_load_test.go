package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"compmon/compman"
	"compmon/config"
	"compmon/dynlink/elftest"
)

func writeLib(t *testing.T, dir, name string, l *elftest.Lib) {
	b, _ := l.Build()
	assert.Nil(t, os.WriteFile(filepath.Join(dir, name), b, 0644))
}

func execute(args ...string) error {
	dirs = nil
	compName = ""
	timeout = 0
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, EXIT_USAGE, exitCode(&usageError{"x"}))
	assert.Equal(t, EXIT_LOAD, exitCode(&compman.LoadError{Code: compman.TErrDependency, Comp: "c", Err: errors.New("x")}))
	assert.Equal(t, EXIT_START, exitCode(&compman.StartError{Name: "c", Err: errors.New("x")}))
	assert.Equal(t, EXIT_ERR, exitCode(errors.New("x")))
}

func TestRunUsage(t *testing.T) {
	err := execute("run")
	assert.Equal(t, EXIT_USAGE, exitCode(err))
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	writeLib(t, dir, "liba.so", &elftest.Lib{})
	assert.Nil(t, execute("resolve", "-d", dir, "liba.so"))
	err := execute("resolve", "-d", dir, "libmissing.so")
	assert.NotNil(t, err)
	assert.Equal(t, EXIT_ERR, exitCode(err))
}

func TestRunFromDir(t *testing.T) {
	dir := t.TempDir()
	writeLib(t, dir, config.Conf.Loader.RUNTIME_NAME, &elftest.Lib{Entry: 0x18})
	writeLib(t, dir, "app", &elftest.Lib{Needed: []string{"liba.so"}})
	writeLib(t, dir, "liba.so", &elftest.Lib{})

	assert.Nil(t, execute("deps", "-d", dir, "app"))
	assert.Nil(t, execute("run", "-d", dir, "--comp", "cli", "--timeout", "5s", "app"))
}

func TestRunUnresolved(t *testing.T) {
	dir := t.TempDir()
	writeLib(t, dir, config.Conf.Loader.RUNTIME_NAME, &elftest.Lib{Entry: 0x18})
	writeLib(t, dir, "app", &elftest.Lib{Needed: []string{"libgone.so"}})

	err := execute("run", "-d", dir, "app")
	assert.NotNil(t, err)
	assert.Equal(t, EXIT_LOAD, exitCode(err))
}
