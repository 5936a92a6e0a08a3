package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	db "compmon/debug"
)

const (
	COMPCONFIG = "COMPCONFIG"
)

// Default params
var defaults = `
loader:
  runtime_name: libtwz_rt.so
  std_prefix: libstd-
  std_name: libstd.so
  slot_size: 1073741824
  first_slot: 16

selector:
  search_path: []
  cache_size: 128

runcomp:
  main_stack_size: 2097152
  ready_timeout: 5s

reaper:
  name: thread-exit cleanup tracker
`

type Config struct {
	Loader struct {
		// Shared runtime library injected into every compartment.
		RUNTIME_NAME string `yaml:"runtime_name"`
		// Versioned standard libraries carry this prefix ...
		STD_PREFIX string `yaml:"std_prefix"`
		// ... and collapse to this canonical name.
		STD_NAME string `yaml:"std_name"`
		// Size of the address-space slot an image is mapped into.
		SLOT_SIZE uint64 `yaml:"slot_size"`
		// First slot used for image bases; lower slots are reserved.
		FIRST_SLOT uint64 `yaml:"first_slot"`
	} `yaml:"loader"`
	Selector struct {
		// Directories searched for libraries, in order.
		SEARCH_PATH []string `yaml:"search_path"`
		// Number of resolved backings kept open.
		CACHE_SIZE int `yaml:"cache_size"`
	} `yaml:"selector"`
	RunComp struct {
		MAIN_STACK_SIZE uint64 `yaml:"main_stack_size"`
		// How long StartMain callers wait for the readiness checkpoint
		// by default.
		READY_TIMEOUT time.Duration `yaml:"ready_timeout"`
	} `yaml:"runcomp"`
	Reaper struct {
		NAME string `yaml:"name"`
	} `yaml:"reaper"`
}

var Conf *Config

func init() {
	Conf = ReadConfig(defaults)
	if pn := os.Getenv(COMPCONFIG); pn != "" {
		c, err := ReadConfigFile(pn)
		if err != nil {
			db.DFatalf("Error read config %v: %v", pn, err)
		}
		Conf = c
	}
}

// Decode params on top of the defaults, so a partial document only
// overrides the fields it names.
func ReadConfig(params string) *Config {
	c, err := decode(params)
	if err != nil {
		db.DFatalf("Yaml decode %v err %v\n", params, err)
	}
	return c
}

func ReadConfigFile(pn string) (*Config, error) {
	b, err := os.ReadFile(pn)
	if err != nil {
		return nil, err
	}
	return decode(string(b))
}

func decode(params string) (*Config, error) {
	config := &Config{}
	if params != defaults {
		if err := yaml.NewDecoder(strings.NewReader(defaults)).Decode(config); err != nil {
			return nil, err
		}
	}
	d := yaml.NewDecoder(strings.NewReader(params))
	if err := d.Decode(config); err != nil {
		return nil, err
	}
	return config, nil
}
