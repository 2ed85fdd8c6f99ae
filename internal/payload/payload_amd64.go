//go:build linux && amd64

// Package payload builds the fixed, position-independent x86-64 byte image
// the injector writes into the target and drives through three traps to
// make it call malloc, dlopen, and free on its own behalf (§3, §4.3, §9).
//
// Per Design Notes §9 ("Keep it inline-assembly or pre-assembled bytes; do
// not rely on any compiler extension that rewrites the prologue"), the
// bytes below are hand-assembled, not emitted by a Go compiler pass.
package payload

import (
	"encoding/binary"

	"github.com/bpppps/pyflightprofiler-go/internal/arch"
)

// Register roles the caller (internal/inject) must load before the
// single continue that starts the payload, matching §4.3 step 3 exactly:
// "library-path length in the first integer-argument register, free
// address in the second, dlopen address in the third, malloc address in
// the fourth". The payload is self-contained past that point: it moves
// the saved free address and the malloc result into callee-saved
// registers itself, so the controller never touches registers again
// between the three traps.
const (
	ArgLen    = 0 // rdi: strlen(path)+1, the malloc size argument
	ArgFree   = 1 // rsi: free()'s address
	ArgDlopen = 2 // rdx: dlopen()'s address
	ArgMalloc = 3 // rcx: malloc()'s address
)

// RTLDLazy is the glibc/musl value of RTLD_LAZY, the dlopen flag used by
// default.
const RTLDLazy = 0x1

// RTLDNowGlobal is RTLD_NOW|RTLD_GLOBAL (2|0x100), the flag combination
// used when falling back to __libc_dlopen_mode.
const RTLDNowGlobal = 0x2 | 0x100

// buildTemplate assembles the call/trap instruction stream (everything
// after the two leading NOPs, before the trailing ret is patched to a
// trap). dlopenFlags is baked in as an immediate, since each call into
// dlopen is generated fresh by this function rather than compiled once
// and reused verbatim.
//
//	mov  r12, rsi     ; 49 89 f4        -- save free() address (clobbered below)
//	call *%rcx        ; ff d1           -- malloc(rdi=len) -> rax
//	mov  rbx, rax     ; 48 89 c3        -- save the allocated buffer
//	int3              ; cc              -- [trap 1] controller writes the path into [rax]
//	mov  rdi, rbx     ; 48 89 df        -- buf
//	mov  esi, flags   ; be xx xx xx xx  -- dlopen's flags argument
//	call *%rdx        ; ff d2           -- dlopen(rdi=buf, rsi=flags) -> rax = handle
//	int3              ; cc              -- [trap 2] controller reads rax; zero means failure
//	mov  rdi, rbx     ; 48 89 df        -- buf, again, for free()
//	call *%r12        ; 41 ff d4        -- free(rdi=buf)
//	int3              ; cc              -- [trap 3]
//	ret               ; c3              -- patched to int3 before use (see Build)
func buildTemplate(dlopenFlags uint32) []byte {
	var flagsLE [4]byte
	binary.LittleEndian.PutUint32(flagsLE[:], dlopenFlags)

	b := []byte{
		0x49, 0x89, 0xf4, // mov r12, rsi
		0xff, 0xd1, // call *%rcx   (malloc)
		0x48, 0x89, 0xc3, // mov rbx, rax
		0xcc, // int3            [trap 1]
		0x48, 0x89, 0xdf, // mov rdi, rbx
		0xbe, flagsLE[0], flagsLE[1], flagsLE[2], flagsLE[3], // mov esi, flags
		0xff, 0xd2, // call *%rdx   (dlopen)
		0xcc, // int3            [trap 2]
		0x48, 0x89, 0xdf, // mov rdi, rbx
		0x41, 0xff, 0xd4, // call *%r12   (free)
		0xcc, // int3            [trap 3]
	}
	return append(b, arch.ReturnOpcode)
}

// Offsets into the built image (post NOP-prefix) of each trap and of the
// final (patched) instruction, for callers that want to sanity-check RIP
// after each continue.
const (
	LandingOffset = 2 // the two leading NOPs
	Trap1Offset   = LandingOffset + 3 + 2 + 3
	Trap2Offset   = Trap1Offset + 1 + 3 + 5 + 2
	Trap3Offset   = Trap2Offset + 1 + 3 + 3
)

// Build returns the full payload image for the given dlopen flags: two
// leading NOPs (to tolerate a kernel rewind of RIP by two bytes when the
// target was stopped mid syscall, §3), the call/trap template, with the
// template's trailing ret overwritten by a trap opcode so the tracer
// always regains control by a breakpoint rather than an actual return
// into unknown code.
func Build(dlopenFlags uint32) []byte {
	tmpl := buildTemplate(dlopenFlags)
	img := make([]byte, 0, 2+len(tmpl))
	img = append(img, arch.NopOpcode, arch.NopOpcode)
	img = append(img, tmpl...)
	img[len(img)-1] = arch.TrapOpcode
	return img
}

// Len is the byte length of the image Build returns.
func Len() int {
	return len(Build(RTLDLazy))
}
