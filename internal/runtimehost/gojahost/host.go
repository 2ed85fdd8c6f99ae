// Package gojahost is the one concrete runtimehost.Host this repo
// ships: a goja.Runtime guarded by a single sync.Mutex playing the role
// of the big lock, since a goja.Runtime is not itself goroutine-safe.
// It stands in for the managed interpreter a real deployment attaches to
// out of process, adapted from an event-loop wrapper to a direct
// Lock/Unlock big-lock model rather than a cooperative loop.
package gojahost

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/dop251/goja"

	"github.com/bpppps/pyflightprofiler-go/internal/runtimehost"
)

// Host is the concrete runtimehost.Host backed by goja.
type Host struct {
	mu         sync.Mutex
	rt         *goja.Runtime
	vmaj, vmin int

	threads map[int64]string
	nextTID int64

	traceMu sync.Mutex
	traceCB runtimehost.TraceCallback
}

// New returns a Host with a fresh goja.Runtime. major/minor report as
// the runtime's version from Version(), letting tests exercise
// agent/bootstrap's version gate without a real interpreter.
func New(major, minor int) *Host {
	return &Host{
		rt:      goja.New(),
		vmaj:    major,
		vmin:    minor,
		threads: make(map[int64]string),
	}
}

// Lock acquires the big lock.
func (h *Host) Lock() { h.mu.Lock() }

// Unlock releases the big lock.
func (h *Host) Unlock() { h.mu.Unlock() }

// Version reports the configured runtime version.
func (h *Host) Version() (major, minor int) { return h.vmaj, h.vmin }

// RegisterThread adds tid to the thread table under name, for tests and
// the bootstrap worker to announce themselves. Safe to call without the
// big lock held.
func (h *Host) RegisterThread(tid int64, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.threads[tid] = name
}

// UnregisterThread removes tid from the thread table, modeling a thread
// that has exited (used by the lock-monitor reporter's liveness probe).
func (h *Host) UnregisterThread(tid int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.threads, tid)
}

// Threads returns a snapshot of the thread table. Callers are expected
// to hold the big lock per the Host contract; gojahost does not enforce
// this since doing so would require reentrant locking support goja
// itself has no equivalent for.
func (h *Host) Threads() map[int64]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[int64]string, len(h.threads))
	for k, v := range h.threads {
		out[k] = v
	}
	return out
}

// ThreadName resolves tid's name, falling back to a synthetic
// "thread-<id>" name if the runtime never recorded one (§4.4 step 2's
// "native thread-name is read as fallback").
func (h *Host) ThreadName(tid int64) (string, bool) {
	h.mu.Lock()
	name, ok := h.threads[tid]
	h.mu.Unlock()
	if ok && name != "" {
		return name, true
	}
	return "thread-" + strconv.FormatInt(tid, 10), false
}

// CurrentThreadID allocates a fresh synthetic thread identifier on
// first call from a given goroutine and remembers it via a goroutine-
// local emulation: since Go has no native goroutine-local storage, the
// caller must use the returned ID consistently (agent/bootstrap does,
// by capturing it once per worker).
func (h *Host) CurrentThreadID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextTID++
	id := h.nextTID
	if _, ok := h.threads[id]; !ok {
		h.threads[id] = ""
	}
	return id
}

// RunScript reads path, binds globals into the runtime's global object,
// and evaluates it while holding the big lock, matching §4.7 step 3.
func (h *Host) RunScript(ctx context.Context, path string, globals map[string]any) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("gojahost: read script %s: %w", path, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for k, v := range globals {
		if err := h.rt.Set(k, v); err != nil {
			return fmt.Errorf("gojahost: set global %q: %w", k, err)
		}
	}

	prog, err := goja.Compile(path, string(src), false)
	if err != nil {
		return fmt.Errorf("gojahost: compile %s: %w", path, err)
	}

	done := make(chan error, 1)
	go func() {
		_, runErr := h.rt.RunProgram(prog)
		done <- runErr
	}()

	select {
	case <-ctx.Done():
		h.rt.Interrupt(ctx.Err())
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("gojahost: run %s: %w", path, err)
		}
		return nil
	}
}

// SetTraceCallback installs cb, replacing any previous callback.
func (h *Host) SetTraceCallback(cb runtimehost.TraceCallback) {
	h.traceMu.Lock()
	defer h.traceMu.Unlock()
	h.traceCB = cb
}

// ClearTraceCallback removes the active trace callback, if any.
func (h *Host) ClearTraceCallback() {
	h.traceMu.Lock()
	defer h.traceMu.Unlock()
	h.traceCB = nil
}

// Fire delivers one trace event to the installed callback, if any. This
// is gojahost's stand-in for the runtime's own per-bytecode call
// tracing (goja exposes no such hook publicly); agent/bootstrap's
// worker and agent-side tests call it directly to drive
// agent/traceprofiler with synthetic Activations.
func (h *Host) Fire(kind runtimehost.EventKind, act runtimehost.Activation) {
	h.traceMu.Lock()
	cb := h.traceCB
	h.traceMu.Unlock()
	if cb != nil {
		cb(kind, act)
	}
}

// DumpTraceback writes a synthetic single-frame traceback for tid to w.
// goja keeps no call-stack history once a script call returns, so this
// reports only the thread's name, not a real frame list.
func (h *Host) DumpTraceback(w io.Writer, tid int64) error {
	h.mu.Lock()
	name := h.threads[tid]
	h.mu.Unlock()
	_, err := fmt.Fprintf(w, "Thread %d (%s):\n  <no frames>\n", tid, name)
	return err
}
