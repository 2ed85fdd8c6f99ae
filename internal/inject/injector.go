//go:build linux

// Package inject implements the L3 Injector (§4.3): the orchestration
// that turns an attached target process into one that has a shared
// library loaded into it, by driving a hand-written payload through
// malloc, dlopen, and free entirely inside the target, and restoring the
// target to its pre-attach state on any failure.
//
// Grounded on LibraryInjector.cpp's Inject() step sequence and
// ProcessTracer.cpp's register save/restore discipline; the ptrace
// mechanics underneath come from internal/tracer, themselves grounded on
// IreliaTable-gvisor's attach/detach/syscall handling.
package inject

import (
	"errors"
	"fmt"
	"os"

	"github.com/bpppps/pyflightprofiler-go/internal/arch"
	"github.com/bpppps/pyflightprofiler-go/internal/logx"
	"github.com/bpppps/pyflightprofiler-go/internal/payload"
	"github.com/bpppps/pyflightprofiler-go/internal/procfs"
	"github.com/bpppps/pyflightprofiler-go/internal/tracer"
)

// tracerIface is the subset of *tracer.Tracer the injector drives. Kept
// narrow and satisfied structurally so tests can substitute a fake
// without touching real ptrace.
type tracerIface interface {
	Attach() error
	Detach() error
	GetRegisters(*arch.Registers) error
	SetRegisters(*arch.Registers) error
	ReadMemory(addr uintptr, buf []byte) error
	WriteMemory(addr uintptr, buf []byte) error
	ContinueExecution() error
	RecoverInjection(addr uintptr, backup []byte, regs *arch.Registers) error
}

// Overridable for tests; production callers never need to touch these.
var (
	newTracer             = func(pid int) tracerIface { return tracer.New(pid) }
	findExecutableAddress = procfs.FindExecutableAddress
	libcBase              = procfs.LibcBase
	isLibraryLoaded       = procfs.IsLibraryLoaded
	resolveLocal          = procfs.ResolveLocal
	getpid                = os.Getpid
)

// LandingBias is added to the target's first executable address to pick
// the landing pad, leaving room ahead of it for the loader's own ELF
// header and avoiding the very start of the segment. Deliberately wider
// than the 8-byte margin a ptrace-based injector gets away with (§9),
// since this injector lands a larger script-eval trampoline rather than
// a few raw instructions.
const LandingBias = 0x100

// Config tunes the injector's resolution behavior. The zero value is
// usable and matches the defaults above.
type Config struct {
	LandingBias uintptr
}

func (c Config) landingBias() uintptr {
	if c.LandingBias != 0 {
		return c.LandingBias
	}
	return LandingBias
}

// resolved holds every address the payload needs, already translated
// into the target's address space.
type resolved struct {
	malloc, free, dlopen uintptr
	dlopenFlags          uint32
}

// resolveAddresses computes malloc/dlopen/free's addresses in the
// target by resolving them in the launcher's own libc and applying the
// launcher-to-target libc base offset (§4.2, §4.3 step "resolve
// malloc/dlopen/free"). It tries "dlopen" first and falls back to
// "__libc_dlopen_mode" with RTLD_NOW|RTLD_GLOBAL, matching glibc builds
// that do not export dlopen directly from libc.
func resolveAddresses(targetPID int) (resolved, error) {
	var r resolved

	localBase, err := libcBase(getpid())
	if err != nil {
		return r, fmt.Errorf("inject: resolve local libc base: %w", err)
	}
	targetBase, err := libcBase(targetPID)
	if err != nil {
		return r, fmt.Errorf("inject: resolve target libc base: %w", err)
	}
	translate := func(local uintptr) uintptr { return targetBase + (local - localBase) }

	mallocLocal, err := resolveLocal("malloc")
	if err != nil {
		return r, fmt.Errorf("inject: resolve malloc: %w", err)
	}
	freeLocal, err := resolveLocal("free")
	if err != nil {
		return r, fmt.Errorf("inject: resolve free: %w", err)
	}

	dlopenLocal, err := resolveLocal("dlopen")
	r.dlopenFlags = payload.RTLDLazy
	if err != nil {
		dlopenLocal, err = resolveLocal("__libc_dlopen_mode")
		r.dlopenFlags = payload.RTLDNowGlobal
		if err != nil {
			return resolved{}, fmt.Errorf("inject: resolve dlopen (and fallback __libc_dlopen_mode): %w", err)
		}
	}

	r.malloc = translate(mallocLocal)
	r.free = translate(freeLocal)
	r.dlopen = translate(dlopenLocal)
	return r, nil
}

// Inject attaches to targetPID, loads libPath into it by calling
// malloc/dlopen/free on the target's own behalf, and restores the
// target's landing-pad memory and registers to their pre-attach state
// before returning — whether injection succeeded or not (§4.3, §8
// invariant 1).
func Inject(targetPID int, libPath string, cfg Config) (ExitCode, error) {
	addrs, err := resolveAddresses(targetPID)
	if err != nil {
		return AttachFailed, fmt.Errorf("inject: %w", err)
	}
	execAddr, err := findExecutableAddress(targetPID)
	if err != nil {
		return AttachFailed, fmt.Errorf("inject: %w", err)
	}
	landing := execAddr + cfg.landingBias()

	tr := newTracer(targetPID)
	if err := tr.Attach(); err != nil {
		return AttachFailed, fmt.Errorf("inject: %w", err)
	}

	var original arch.Registers
	if err := tr.GetRegisters(&original); err != nil {
		_ = tr.Detach()
		return GetRegistersAfterAttachFailed, fmt.Errorf("inject: %w", err)
	}

	img := payload.Build(addrs.dlopenFlags)
	backup := make([]byte, len(img))
	if err := tr.ReadMemory(landing, backup); err != nil {
		_ = tr.Detach()
		return ReadTargetMemoryFailed, fmt.Errorf("inject: %w", err)
	}

	finish := func(code ExitCode, cause error) (ExitCode, error) {
		if rerr := tr.RecoverInjection(landing, backup, &original); rerr != nil {
			logx.L().Error().Err(rerr).Int("pid", targetPID).Msg("inject: failed to restore target after injection failure")
			return ErrorInExecuteRecoverInjection, errors.Join(cause, rerr)
		}
		return code, cause
	}

	working := original
	working.SetArg(payload.ArgLen, uintptr(len(libPath)+1))
	working.SetArg(payload.ArgFree, addrs.free)
	working.SetArg(payload.ArgDlopen, addrs.dlopen)
	working.SetArg(payload.ArgMalloc, addrs.malloc)
	working.SetInstructionPointer(landing + payload.LandingOffset)
	if err := tr.SetRegisters(&working); err != nil {
		return finish(SetInjectedShellcodeRegistersFailed, fmt.Errorf("inject: %w", err))
	}

	if err := tr.WriteMemory(landing, img); err != nil {
		return finish(WriteShellcodeToTargetMemoryFailed, fmt.Errorf("inject: %w", err))
	}

	// Trap 1: malloc has run; rax holds the allocated buffer.
	if err := tr.ContinueExecution(); err != nil {
		return finish(ErrorInExecuteMalloc, fmt.Errorf("inject: %w", err))
	}
	var afterMalloc arch.Registers
	if err := tr.GetRegisters(&afterMalloc); err != nil {
		return finish(GetMallocRegistersFailed, fmt.Errorf("inject: %w", err))
	}
	buf := afterMalloc.ReturnValue()
	if buf == 0 {
		return finish(MallocReturnZero, errors.New("inject: malloc returned NULL in target"))
	}

	pathBytes := append([]byte(libPath), 0)
	if err := tr.WriteMemory(buf, pathBytes); err != nil {
		return finish(WriteLibraryStrToTargetMemoryFailed, fmt.Errorf("inject: %w", err))
	}

	// Trap 2: dlopen has run; rax holds the handle (or NULL on failure).
	if err := tr.ContinueExecution(); err != nil {
		return finish(ErrorInExecuteDlopen, fmt.Errorf("inject: %w", err))
	}
	var afterDlopen arch.Registers
	if err := tr.GetRegisters(&afterDlopen); err != nil {
		return finish(GetDlopenRegistersFailed, fmt.Errorf("inject: %w", err))
	}
	if afterDlopen.ReturnValue() == 0 {
		return finish(DlopenReturnZero, fmt.Errorf("inject: dlopen(%q) returned NULL in target", libPath))
	}

	// Trap 3: free has run; nothing further to read.
	if err := tr.ContinueExecution(); err != nil {
		return finish(ErrorInExecuteFree, fmt.Errorf("inject: %w", err))
	}

	loaded, verr := isLibraryLoaded(targetPID, libPath)
	if verr != nil || !loaded {
		cause := verr
		if cause == nil {
			cause = fmt.Errorf("inject: %q not found in target's memory map after dlopen", libPath)
		}
		return finish(ErrorInVerifySoLocation, cause)
	}

	return finish(Success, nil)
}
