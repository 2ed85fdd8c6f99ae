// Package stackdump implements A6 StackDumper: a single entry point
// that writes every live thread's current stack trace to a file
// descriptor, using whichever interpreter state is current for the
// calling thread (§4.6).
package stackdump

import (
	"fmt"
	"os"

	"github.com/bpppps/pyflightprofiler-go/agent/symres"
	"github.com/bpppps/pyflightprofiler-go/internal/runtimehost"
)

// DumpAllThreadsStack locates the runtime's traceback-dump entry point
// by its resolved symbol address, obtains the calling thread's runtime
// state, and writes every thread's traceback to fd. addr is the raw
// (unresolved) symbol offset; it is passed through symres.Resolve the
// same way A2 resolves every other address the agent calls into.
//
// A non-nil error corresponds to the non-zero return value §4.6
// specifies.
func DumpAllThreadsStack(host runtimehost.Host, fd *os.File, addr uint64) error {
	resolved := symres.Resolve(addr)
	if resolved == 0 {
		return fmt.Errorf("stackdump: resolved address for offset %#x is zero", addr)
	}

	host.Lock()
	defer host.Unlock()

	threads := host.Threads()
	if len(threads) == 0 {
		if _, err := fmt.Fprintln(fd, "no live threads"); err != nil {
			return fmt.Errorf("stackdump: write: %w", err)
		}
		return nil
	}

	for tid := range threads {
		if err := host.DumpTraceback(fd, tid); err != nil {
			return fmt.Errorf("stackdump: dump thread %d: %w", tid, err)
		}
	}
	return nil
}
