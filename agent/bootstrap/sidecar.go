package bootstrap

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// SidecarParams is the single line of configuration a sidecar file
// carries (§6): the runtime script to execute, the port the trace
// profiler's controller listens on, and the base-address offset A2
// needs before any symbol resolution can happen.
type SidecarParams struct {
	ScriptPath string
	Port       int
	BaseOffset uint64
}

// ParseSidecar reads exactly one ASCII line of three comma-separated
// fields — script path, port, base-address offset — from r.
func ParseSidecar(r io.Reader) (SidecarParams, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return SidecarParams{}, fmt.Errorf("bootstrap: read sidecar: %w", err)
		}
		return SidecarParams{}, fmt.Errorf("bootstrap: sidecar file is empty")
	}
	line := scanner.Text()

	fields := strings.SplitN(line, ",", 3)
	if len(fields) != 3 {
		return SidecarParams{}, fmt.Errorf("bootstrap: sidecar line %q: want 3 comma-separated fields, got %d", line, len(fields))
	}

	port, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return SidecarParams{}, fmt.Errorf("bootstrap: sidecar port field %q: %w", fields[1], err)
	}
	offset, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
	if err != nil {
		return SidecarParams{}, fmt.Errorf("bootstrap: sidecar offset field %q: %w", fields[2], err)
	}

	return SidecarParams{
		ScriptPath: strings.TrimSpace(fields[0]),
		Port:       port,
		BaseOffset: offset,
	}, nil
}

// sidecarPathFor derives the sibling sidecar file path from the
// agent's own on-disk path (§4.7 step 1): same directory, same
// basename, with a ".params" suffix appended.
func sidecarPathFor(selfPath string) string {
	return selfPath + ".params"
}
