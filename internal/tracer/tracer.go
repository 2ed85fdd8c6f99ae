//go:build linux

// Package tracer owns a debug-channel (ptrace) session to exactly one
// target process: attach, read/write registers and memory a machine word
// at a time, continue, wait for the next trap, and restore state on any
// failure path (§4.1, L1 TargetTracer).
//
// The ptrace mechanics here are grounded on
// IreliaTable-gvisor/pkg/sentry/platform/systrap/subprocess.go's thread
// type (attach/detach/wait/syscall), adapted from a parent-via-clone
// stub process to an arbitrary already-running target attached to from
// the outside.
package tracer

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bpppps/pyflightprofiler-go/internal/arch"
	"github.com/bpppps/pyflightprofiler-go/internal/logx"
)

// Sentinel errors, each corresponding to a recoverable failure mode named
// in §6's exit-code enumeration. internal/inject maps these onto the
// specific launcher exit codes.
var (
	ErrAttachFailed    = errors.New("tracer: attach failed")
	ErrGetRegsFailed   = errors.New("tracer: get registers failed")
	ErrSetRegsFailed   = errors.New("tracer: set registers failed")
	ErrReadMemFailed   = errors.New("tracer: read memory failed")
	ErrWriteMemFailed  = errors.New("tracer: write memory failed")
	ErrDetachFailed    = errors.New("tracer: detach failed")
	ErrNotAttached     = errors.New("tracer: not attached")
	ErrAlreadyAttached = errors.New("tracer: already attached")
)

// UnexpectedStopError is the one deliberately fatal condition in this
// package (§4.1, §7): the target's next stop after a continue was not a
// trap. The tracer has already sent the target a stop signal by the time
// this is returned; the caller (ultimately cmd/launcher) must treat this
// as fatal, since the target's execution state has diverged from every
// invariant the injector relies on.
type UnexpectedStopError struct {
	Signal unix.Signal
}

func (e *UnexpectedStopError) Error() string {
	return fmt.Sprintf("tracer: unexpected stop signal %v after continue (target forcibly stopped)", e.Signal)
}

const (
	waitPollInterval = 5 * time.Millisecond
	waitPollAttempts = 100
)

// Tracer owns a ptrace session against a single target pid. Not safe for
// concurrent use from multiple goroutines without external
// synchronization — like the launcher itself, it is meant to run
// single-threaded (§5).
type Tracer struct {
	pid      int
	attached bool
}

// New returns a Tracer for the given target pid. It does not attach.
func New(pid int) *Tracer {
	return &Tracer{pid: pid}
}

// PID returns the target process id.
func (t *Tracer) PID() int { return t.pid }

// Attach stops the target and waits until the stop is observed.
func (t *Tracer) Attach() error {
	if t.attached {
		return ErrAlreadyAttached
	}
	if err := unix.PtraceAttach(t.pid); err != nil {
		return fmt.Errorf("%w: %v", ErrAttachFailed, err)
	}
	var status unix.WaitStatus
	if _, err := unix.Wait4(t.pid, &status, 0, nil); err != nil {
		return fmt.Errorf("%w: wait after attach: %v", ErrAttachFailed, err)
	}
	if !status.Stopped() {
		return fmt.Errorf("%w: target did not stop after PTRACE_ATTACH (status %v)", ErrAttachFailed, status)
	}
	t.attached = true
	return nil
}

// Detach ends the ptrace session. Safe to call on an unattached Tracer
// (no-op), mirroring "on destruction an attached session is detached
// automatically."
func (t *Tracer) Detach() error {
	if !t.attached {
		return nil
	}
	t.attached = false
	if err := unix.PtraceDetach(t.pid); err != nil {
		return fmt.Errorf("%w: %v", ErrDetachFailed, err)
	}
	return nil
}

// Close is an alias for Detach, so Tracer satisfies io.Closer.
func (t *Tracer) Close() error { return t.Detach() }

// GetRegisters reads the full register file into out.
func (t *Tracer) GetRegisters(out *arch.Registers) error {
	if !t.attached {
		return ErrNotAttached
	}
	if err := unix.PtraceGetRegs(t.pid, &out.PtraceRegs); err != nil {
		return fmt.Errorf("%w: %v", ErrGetRegsFailed, err)
	}
	return nil
}

// SetRegisters writes the full register file from in.
func (t *Tracer) SetRegisters(in *arch.Registers) error {
	if !t.attached {
		return ErrNotAttached
	}
	if err := unix.PtraceSetRegs(t.pid, &in.PtraceRegs); err != nil {
		return fmt.Errorf("%w: %v", ErrSetRegsFailed, err)
	}
	return nil
}

// ReadMemory reads n bytes from the target's address space starting at
// addr into buf, operating in machine-word chunks per §4.1 (length is
// rounded up to the next word; buf must have word-aligned capacity).
func (t *Tracer) ReadMemory(addr uintptr, buf []byte) error {
	if !t.attached {
		return ErrNotAttached
	}
	n := arch.RoundUpToWord(len(buf))
	for off := 0; off < n; off += arch.WordSize {
		end := off + arch.WordSize
		if end <= len(buf) {
			if _, err := unix.PtracePeekData(t.pid, addr+uintptr(off), buf[off:end]); err != nil {
				return fmt.Errorf("%w: at offset %d: %v", ErrReadMemFailed, off, err)
			}
			continue
		}
		var word [arch.WordSize]byte
		if _, err := unix.PtracePeekData(t.pid, addr+uintptr(off), word[:]); err != nil {
			return fmt.Errorf("%w: at offset %d: %v", ErrReadMemFailed, off, err)
		}
		copy(buf[off:], word[:])
	}
	return nil
}

// WriteMemory writes buf into the target's address space at addr,
// operating in machine-word chunks per §4.1.
func (t *Tracer) WriteMemory(addr uintptr, buf []byte) error {
	if !t.attached {
		return ErrNotAttached
	}
	n := arch.RoundUpToWord(len(buf))
	padded := buf
	if n != len(buf) {
		padded = make([]byte, n)
		copy(padded, buf)
	}
	for off := 0; off < n; off += arch.WordSize {
		if _, err := unix.PtracePokeData(t.pid, addr+uintptr(off), padded[off:off+arch.WordSize]); err != nil {
			return fmt.Errorf("%w: at offset %d: %v", ErrWriteMemFailed, off, err)
		}
	}
	return nil
}

// ContinueExecution resumes the target and blocks until it hits the next
// trap. If the next stop is not a trap, the target is forcibly sent
// SIGSTOP and an *UnexpectedStopError is returned — a deliberately fatal
// condition (§4.1, §7).
func (t *Tracer) ContinueExecution() error {
	if !t.attached {
		return ErrNotAttached
	}
	if err := unix.PtraceCont(t.pid, 0); err != nil {
		return fmt.Errorf("tracer: ptrace cont failed: %v", err)
	}
	sig, err := t.waitForStop()
	if err != nil {
		return err
	}
	if sig != unix.SIGTRAP {
		_ = unix.Tgkill(t.pid, t.pid, unix.SIGSTOP)
		logx.L().Error().Int("pid", t.pid).Str("signal", sig.String()).
			Msg("target stopped with unexpected signal after continue; forcibly stopping")
		return &UnexpectedStopError{Signal: sig}
	}
	return nil
}

// waitForStop polls for the target's next stop, tolerating the target
// being mid-syscall when ptrace continues it (§4.1): poll with a short
// sleep between attempts, up to waitPollAttempts times.
func (t *Tracer) waitForStop() (unix.Signal, error) {
	var status unix.WaitStatus
	for attempt := 0; attempt < waitPollAttempts; attempt++ {
		pid, err := unix.Wait4(t.pid, &status, unix.WNOHANG, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, fmt.Errorf("tracer: wait failed: %v", err)
		}
		if pid == 0 {
			// Not ready yet; target may still be mid-syscall.
			time.Sleep(waitPollInterval)
			continue
		}
		if status.Exited() || status.Signaled() {
			return 0, fmt.Errorf("tracer: target exited while waiting for stop (status %v)", status)
		}
		if !status.Stopped() {
			time.Sleep(waitPollInterval)
			continue
		}
		return status.StopSignal(), nil
	}
	// Timed out: surfaces as a fatal "unexpected stop" per §4.1.
	_ = unix.Tgkill(t.pid, t.pid, unix.SIGSTOP)
	return 0, &UnexpectedStopError{Signal: -1}
}

// RecoverInjection performs the atomic, best-effort restore sequence used
// on any injector failure path: write memory back, restore registers,
// detach. Each sub-step's failure is reported but the remaining steps are
// still attempted (§4.1).
func (t *Tracer) RecoverInjection(addr uintptr, backup []byte, regs *arch.Registers) error {
	var errs []error
	if err := t.WriteMemory(addr, backup); err != nil {
		errs = append(errs, fmt.Errorf("restore memory: %w", err))
	}
	if err := t.SetRegisters(regs); err != nil {
		errs = append(errs, fmt.Errorf("restore registers: %w", err))
	}
	if err := t.Detach(); err != nil {
		errs = append(errs, fmt.Errorf("detach: %w", err))
	}
	return errors.Join(errs...)
}
