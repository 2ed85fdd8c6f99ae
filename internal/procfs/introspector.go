//go:build linux

// Package procfs performs the pure-read process-metadata lookups the
// injector needs before it can write anything into the target: where its
// one executable region is, where libc is mapped, and where malloc/dlopen/
// free live in the launcher's own address space (§4.2, L2
// ProcessIntrospector).
package procfs

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bpppps/pyflightprofiler-go/internal/arch"
)

// libcNamePatterns are the mapping-pathname substrings that identify a
// libc mapping: the GNU libc name variants plus musl's alternative name,
// per §4.2.
var libcNamePatterns = []string{
	"/libc.so.6",
	"/libc-2.",  // older glibc versions, e.g. libc-2.31.so
	"/libc.so",  // generic fallback
	"/libc.musl", // musl
}

// mapping is one parsed line of /proc/[pid]/maps.
type mapping struct {
	start, end uintptr
	perms      string
	pathname   string
}

func (m mapping) executable() bool { return strings.Contains(m.perms, "x") }

// readMaps parses /proc/[pid]/maps. Each line has 6 whitespace-separated
// fields; pathname (the 6th) may be empty or absent for anonymous
// mappings.
func readMaps(pid int) ([]mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("procfs: open maps: %w", err)
	}
	defer f.Close()

	var out []mapping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		addrRange := strings.SplitN(fields[0], "-", 2)
		if len(addrRange) != 2 {
			continue
		}
		start, err1 := strconv.ParseUint(addrRange[0], 16, 64)
		end, err2 := strconv.ParseUint(addrRange[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		m := mapping{start: uintptr(start), end: uintptr(end), perms: fields[1]}
		if len(fields) >= 6 {
			m.pathname = fields[5]
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("procfs: scan maps: %w", err)
	}
	return out, nil
}

// ErrNotFound is returned when a requested mapping or symbol does not
// exist.
var ErrNotFound = errors.New("procfs: not found")

// FindExecutableAddress scans the target's memory map and returns the
// start address of the first region whose permissions include execute —
// the landing pad for the payload (§4.2).
func FindExecutableAddress(pid int) (uintptr, error) {
	maps, err := readMaps(pid)
	if err != nil {
		return 0, err
	}
	for _, m := range maps {
		if m.executable() {
			return m.start, nil
		}
	}
	return 0, fmt.Errorf("%w: no executable mapping for pid %d", ErrNotFound, pid)
}

// LibcBase scans the target's memory map and returns the low address of
// the first mapping whose pathname matches a known libc name variant
// (§4.2).
func LibcBase(pid int) (uintptr, error) {
	maps, err := readMaps(pid)
	if err != nil {
		return 0, err
	}
	for _, m := range maps {
		for _, pat := range libcNamePatterns {
			if strings.Contains(m.pathname, pat) {
				return m.start, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: no libc mapping for pid %d", ErrNotFound, pid)
}

// IsLibraryLoaded scans the target's memory map for a substring match on
// name, used by the launcher to verify a successful injection (§4.2, §8
// invariant 7).
func IsLibraryLoaded(pid int, name string) (bool, error) {
	maps, err := readMaps(pid)
	if err != nil {
		return false, err
	}
	for _, m := range maps {
		if strings.Contains(m.pathname, name) {
			return true, nil
		}
	}
	return false, nil
}

// localLibcPaths lists where a local glibc/musl is conventionally found,
// tried in order.
var localLibcPaths = []string{
	"/lib/x86_64-linux-gnu/libc.so.6",
	"/usr/lib/x86_64-linux-gnu/libc.so.6",
	"/lib64/libc.so.6",
	"/usr/lib64/libc.so.6",
	"/lib/ld-musl-x86_64.so.1",
}

// ResolveLocal looks up name's address in the launcher's own libc image
// by reading its ELF dynamic symbol table directly (no dlopen: a cgo-free
// Go binary cannot call dlopen on itself — see DESIGN.md). Returns 0 if
// the symbol is absent, per §4.2's "returns 0 on absence" contract.
func ResolveLocal(name string) (uintptr, error) {
	var lastErr error
	for _, path := range localLibcPaths {
		addr, err := resolveInFile(path, name)
		if err != nil {
			lastErr = err
			continue
		}
		return addr, nil
	}
	if lastErr != nil {
		return 0, fmt.Errorf("procfs: resolve %q: %w", name, lastErr)
	}
	return 0, fmt.Errorf("procfs: resolve %q: no local libc found", name)
}

func resolveInFile(path, name string) (uintptr, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		return 0, err
	}
	for _, s := range syms {
		if s.Name == name && s.Value != 0 {
			return uintptr(s.Value), nil
		}
	}
	return 0, fmt.Errorf("%w: symbol %q in %s", ErrNotFound, name, path)
}

// FindReturnOpcode walks backwards from endAddr until it finds a byte
// equal to the target ABI's return opcode, used to locate the precise
// last instruction of a compiled payload template so it can be replaced
// by a trap (§4.2). read is supplied by the caller since this may scan
// either local process memory (a []byte slice) or, in principle, a
// remote target's memory via a Tracer; here it operates on an in-memory
// byte slice representing bytes ending at endAddr.
func FindReturnOpcode(img []byte, endAddr uintptr) (uintptr, error) {
	for i := len(img) - 1; i >= 0; i-- {
		if img[i] == arch.ReturnOpcode {
			return endAddr - uintptr(len(img)-i), nil
		}
	}
	return 0, fmt.Errorf("%w: no return opcode found scanning back from %#x", ErrNotFound, endAddr)
}
