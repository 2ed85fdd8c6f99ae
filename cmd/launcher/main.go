// Command launcher drives a target process through the injector engine
// (L1-L3) and exits with the fixed code enumeration §6 defines. It is
// the external collaborator the core treats as out of scope,
// reconstructed here as a small, single-threaded CLI.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bpppps/pyflightprofiler-go/internal/inject"
	"github.com/bpppps/pyflightprofiler-go/internal/logx"
	"github.com/rs/zerolog"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// injectFn is overridable in tests so run's flag parsing and exit-code
// mapping can be exercised without a real target process or ptrace.
var injectFn = inject.Inject

func run(args []string) int {
	fs := flag.NewFlagSet("launcher", flag.ContinueOnError)
	debug := fs.Bool("debug", false, "enable verbose debug logging")
	agentLib := fs.String("agent-lib", defaultAgentLib(), "path to the agent shared object to inject")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: launcher <target-pid> [--debug] [--agent-lib path]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return int(inject.AttachFailed)
	}

	if *debug {
		l := logx.L().Level(zerolog.DebugLevel)
		logx.Use(l)
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return int(inject.AttachFailed)
	}
	pid, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "launcher: invalid target pid %q: %v\n", fs.Arg(0), err)
		return int(inject.AttachFailed)
	}

	code, err := injectFn(pid, *agentLib, inject.Config{})
	if err != nil {
		logx.L().Error().Err(err).Int("pid", pid).Str("code", code.String()).Msg("launcher: injection failed")
	} else {
		logx.L().Info().Int("pid", pid).Msg("launcher: injection succeeded")
	}
	return int(code)
}

// defaultAgentLib assumes the agent shared object ships alongside the
// launcher binary, matching how the sidecar params file is derived from
// the agent's own on-disk path in agent/bootstrap.
func defaultAgentLib() string {
	self, err := os.Executable()
	if err != nil {
		return "libpyflightprofiler.so"
	}
	return filepath.Join(filepath.Dir(self), "libpyflightprofiler.so")
}
