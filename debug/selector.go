package debug

type Tselector string

// ALWAYS
const (
	ALWAYS Tselector = "ALWAYS"
	ERROR  Tselector = "ERROR"
	NEVER  Tselector = "NEVER"
)

// ERR
const (
	ERR Tselector = "_ERR"
)

// Tests
const (
	TEST  Tselector = "TEST"
	TEST1 Tselector = "TEST1"
)

// Dynamic linker
const (
	DYNLINK     Tselector = "DYNLINK"
	DYNLINK_ERR           = DYNLINK + ERR
	RELOC       Tselector = "RELOC"
	TLS         Tselector = "TLS"
	SELECTOR    Tselector = "SELECTOR"
	OBJSYS      Tselector = "OBJSYS"
)

// Compartment manager
const (
	LOADER      Tselector = "LOADER"
	LOADER_ERR            = LOADER + ERR
	RUNCOMP     Tselector = "RUNCOMP"
	RUNCOMP_ERR           = RUNCOMP + ERR
)

// Threads
const (
	THREADMGR  Tselector = "THREADMGR"
	THREADSYNC Tselector = "THREADSYNC"
	REAPER     Tselector = "REAPER"
	REAPER_ERR           = REAPER + ERR
)

// Tracing
const (
	TRACING     Tselector = "TRACING"
	TRACING_ERR           = TRACING + ERR
)
