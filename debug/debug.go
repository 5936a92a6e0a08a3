package debug

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
)

//
// Debug output is controled by the COMPDEBUG environment variable,
// which can be a list of labels (e.g., "LOADER;REAPER").
//

const COMPDEBUG = "COMPDEBUG"

// Read on every DPrintf; replaced wholesale by SetDebug.
var labels atomic.Pointer[map[Tselector]bool]

func init() {
	// XXX may want to set log.Ldate when not debugging
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	SetDebug(os.Getenv(COMPDEBUG))
}

// Replace the set of enabled labels (e.g., from a config file or a
// command-line flag).
func SetDebug(s string) {
	m := make(map[Tselector]bool)
	if s != "" {
		for _, l := range strings.Split(s, ";") {
			m[Tselector(l)] = true
		}
	}
	labels.Store(&m)
}

func WillBePrinted(label Tselector) bool {
	if label == ALWAYS || label == ERROR {
		return true
	}
	m := labels.Load()
	return m != nil && (*m)[label]
}

func DPrintf(label Tselector, format string, v ...interface{}) {
	if WillBePrinted(label) {
		log.Printf("%v %v", label, fmt.Sprintf(format, v...))
	}
}

func DFatalf(format string, v ...interface{}) {
	// Get info for the caller.
	pc, file, line, ok := runtime.Caller(1)
	fnDetails := runtime.FuncForPC(pc)
	if ok && fnDetails != nil {
		log.Fatalf("FATAL %v %v:%v %v", fnDetails.Name(), file, line, fmt.Sprintf(format, v...))
	} else {
		log.Fatalf("FATAL (missing details) %v", fmt.Sprintf(format, v...))
	}
}
