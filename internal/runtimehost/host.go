// Package runtimehost defines the abstract boundary between the agent
// and "the runtime" (§1's managed interpreter protected by one big
// lock). Everything here is an external collaborator's contract, not an
// implementation: agent/bootstrap, agent/lockmonitor, agent/traceprofiler
// and agent/stackdump all depend on Host, never on a concrete runtime.
//
// internal/runtimehost/gojahost supplies the one concrete Host this repo
// ships, backed by a goja.Runtime.
package runtimehost

import (
	"context"
	"io"
)

// EventKind names the point in a frame's lifecycle a trace callback
// fires for, mirroring the runtime-level and native-level call/return
// events §4.5 describes.
type EventKind int

const (
	EventCall EventKind = iota
	EventReturn
	EventNativeCall
	EventNativeReturn
	EventException
)

func (k EventKind) String() string {
	switch k {
	case EventCall:
		return "call"
	case EventReturn:
		return "return"
	case EventNativeCall:
		return "native_call"
	case EventNativeReturn:
		return "native_return"
	case EventException:
		return "exception"
	default:
		return "unknown"
	}
}

// Activation describes one frame activation the runtime surfaces to a
// trace callback (§3 "Frame node", §4.5). ID is the opaque, comparable
// value the runtime uses to recognize the same logical async frame
// across suspensions; two Activations naming the same logical frame
// must carry equal IDs.
type Activation struct {
	ID     any
	Name   string
	Origin string // source filename, or "<built-in>" for a native frame
	Line   int
	Async  bool
	Native bool
}

// TraceCallback receives every frame-lifecycle event while installed.
type TraceCallback func(kind EventKind, act Activation)

// Host is everything the agent needs from the runtime it is embedded
// in: the big lock, thread enumeration, script execution, trace-event
// delivery, and the thread-traceback primitive. All methods may be
// called from any thread; Lock/Unlock guard the single big lock exactly
// the way the real interpreter's GIL does.
type Host interface {
	// Lock and Unlock acquire and release the big lock (§1, §4.4, §5).
	Lock()
	Unlock()

	// Threads returns a snapshot of every live runtime thread, mapping
	// the runtime's thread identifier to its human-readable name. Must
	// be called with the big lock held (§4.4 reporter step 2).
	Threads() map[int64]string

	// ThreadName resolves a single thread's name, falling back to the
	// OS thread name when the runtime has none recorded (§4.4 step 2).
	ThreadName(tid int64) (name string, ok bool)

	// CurrentThreadID returns the calling goroutine's runtime thread
	// identifier, registering one if this is its first call.
	CurrentThreadID() int64

	// RunScript executes the script at path with the given globals
	// (conventionally including "__file__" and "__profile_listen_port__",
	// §4.7 step 3) while holding the big lock for the duration of the
	// call. A script-level abort is reported as an error to the caller,
	// which agent/bootstrap swallows per §4.7/§7.
	RunScript(ctx context.Context, path string, globals map[string]any) error

	// SetTraceCallback installs cb as the sole active trace callback,
	// replacing any previous one. ClearTraceCallback removes it. Both
	// correspond to the runtime's set_trace_profile/remove_trace_profile
	// entry points (§6).
	SetTraceCallback(cb TraceCallback)
	ClearTraceCallback()

	// DumpTraceback writes tid's current stack trace to w, using
	// whichever thread state is current for the calling thread. A6
	// wraps this directly.
	DumpTraceback(w io.Writer, tid int64) error

	// Version reports the runtime's major/minor version, consulted by
	// agent/bootstrap's activation gate (§4.7, §9 open question 1).
	Version() (major, minor int)
}
