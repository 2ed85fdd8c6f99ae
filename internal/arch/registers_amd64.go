//go:build linux && amd64

// Package arch isolates the one ABI this injector targets (x86-64 System
// V, per spec §1's Non-goals) behind a small, named-field wrapper around
// golang.org/x/sys/unix.PtraceRegs, mirroring the role gvisor's
// sentry/arch.Registers plays for IreliaTable-gvisor's subprocess.go.
package arch

import "golang.org/x/sys/unix"

// Registers is a full register-file snapshot, word-exact with what ptrace
// hands back for PTRACE_GETREGS/PTRACE_SETREGS.
type Registers struct {
	unix.PtraceRegs
}

// InstructionPointer returns the saved RIP.
func (r *Registers) InstructionPointer() uintptr { return uintptr(r.Rip) }

// SetInstructionPointer overwrites RIP.
func (r *Registers) SetInstructionPointer(addr uintptr) { r.Rip = uint64(addr) }

// StackPointer returns the saved RSP.
func (r *Registers) StackPointer() uintptr { return uintptr(r.Rsp) }

// SetStackPointer overwrites RSP.
func (r *Registers) SetStackPointer(addr uintptr) { r.Rsp = uint64(addr) }

// ReturnValue returns RAX, the SysV return-value register.
func (r *Registers) ReturnValue() uintptr { return uintptr(r.Rax) }

// argRegisters lists the SysV integer-argument registers, in calling-
// convention order: rdi, rsi, rdx, rcx, r8, r9.
func (r *Registers) argRegisters() [6]*uint64 {
	return [6]*uint64{&r.Rdi, &r.Rsi, &r.Rdx, &r.Rcx, &r.R8, &r.R9}
}

// SetArg sets the n-th (0-indexed) SysV integer-argument register.
// Panics if n is out of [0,6).
func (r *Registers) SetArg(n int, val uintptr) {
	regs := r.argRegisters()
	*regs[n] = uint64(val)
}

// Arg returns the n-th (0-indexed) SysV integer-argument register.
func (r *Registers) Arg(n int) uintptr {
	regs := r.argRegisters()
	return uintptr(*regs[n])
}

// WordSize is the machine word width memory operations round up to, per
// §4.1 ("operate in machine-word chunks; length is rounded up to the next
// word").
const WordSize = 8

// RoundUpToWord rounds n up to the next multiple of WordSize.
func RoundUpToWord(n int) int {
	return (n + WordSize - 1) &^ (WordSize - 1)
}

// ReturnOpcode is the x86-64 `ret` (near return) opcode, used by
// ProcessIntrospector.find_return_opcode (§4.2) to locate the last
// instruction of the payload template.
const ReturnOpcode = 0xC3

// TrapOpcode is the x86-64 `int3` breakpoint-trap opcode the injector
// writes in place of the payload template's final ret, and which it
// appends after each call in the payload (§3).
const TrapOpcode = 0xCC

// NopOpcode is the x86-64 single-byte no-op, used for the two leading
// bytes of the payload image (§3).
const NopOpcode = 0x90
