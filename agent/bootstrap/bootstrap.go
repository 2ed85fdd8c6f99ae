// Package bootstrap implements A1 AgentBootstrap: the constructor-run
// activation that locates the sidecar parameters file, gates itself on
// the runtime's version, publishes the base-address offset to A2, and
// spawns a background worker that executes the designated script under
// the runtime lock (§4.7).
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/bpppps/pyflightprofiler-go/agent/symres"
	"github.com/bpppps/pyflightprofiler-go/internal/logx"
	"github.com/bpppps/pyflightprofiler-go/internal/runtimehost"
)

// Config gates activation on the runtime's version. §9 open question 1
// leaves unspecified what happens to A4/A5/A6 above a runtime's minor
// version boundary; this implementation externalizes the gate here so a
// caller can widen or narrow it without touching code, and the rest of
// the agent never depends on whether bootstrap activated.
type Config struct {
	MinMajor, MinMinor int
	MaxMajor, MaxMinor int
}

// DefaultConfig matches the supported runtime version range, 3.8-3.12.
func DefaultConfig() Config {
	return Config{MinMajor: 3, MinMinor: 8, MaxMajor: 3, MaxMinor: 12}
}

func (c Config) supports(major, minor int) bool {
	v := major*1000 + minor
	min := c.MinMajor*1000 + c.MinMinor
	max := c.MaxMajor*1000 + c.MaxMinor
	return v >= min && v <= max
}

// Bootstrap is A1. Construct with New and call Activate exactly once
// from the shared-object constructor equivalent (an init-time call in
// this port).
type Bootstrap struct {
	cfg  Config
	host runtimehost.Host

	mu       sync.Mutex
	injected bool
	done     chan struct{}
}

// New constructs a Bootstrap bound to host.
func New(host runtimehost.Host, cfg Config) *Bootstrap {
	return &Bootstrap{cfg: cfg, host: host}
}

// Activate runs A1's four steps. selfPath is the agent's own on-disk
// path, normally obtained via a dynamic-linker self-query; callers that
// can't query the linker may pass any path whose sidecar sibling
// exists. A version outside cfg's supported range is not an error: it
// is the documented "runtime initialised but unsupported" no-op path,
// reported via the returned bool.
func (b *Bootstrap) Activate(ctx context.Context, selfPath string) (activated bool, err error) {
	major, minor := b.host.Version()
	if !b.cfg.supports(major, minor) {
		logx.L().Info().Int("major", major).Int("minor", minor).Msg("bootstrap: runtime version unsupported, skipping activation")
		return false, nil
	}

	params, err := b.loadSidecar(selfPath)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	if b.injected {
		b.mu.Unlock()
		return false, nil
	}
	b.injected = true
	b.done = make(chan struct{})
	b.mu.Unlock()

	symres.SetOffset(params.BaseOffset)

	go b.runWorker(ctx, params)
	return true, nil
}

func (b *Bootstrap) loadSidecar(selfPath string) (SidecarParams, error) {
	f, err := os.Open(sidecarPathFor(selfPath))
	if err != nil {
		return SidecarParams{}, fmt.Errorf("bootstrap: open sidecar: %w", err)
	}
	defer f.Close()
	return ParseSidecar(f)
}

// runWorker is the background thread §4.7 step 3 describes: it
// acquires the runtime lock (via RunScript) for the whole script
// execution, and swallows any error the script raises, matching §7's
// propagation policy ("a script-level system-exit from the bootstrap
// worker is caught and cleared").
func (b *Bootstrap) runWorker(ctx context.Context, params SidecarParams) {
	defer close(b.done)

	globals := map[string]any{
		"__file__":                params.ScriptPath,
		"__profile_listen_port__": params.Port,
	}
	if err := b.host.RunScript(ctx, params.ScriptPath, globals); err != nil {
		logx.L().Warn().Err(err).Str("script", params.ScriptPath).Msg("bootstrap: worker script exited with error")
	}
}

// Done reports when the background worker has returned, for tests and
// for a launcher wanting to wait on a single-shot script.
func (b *Bootstrap) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Injected reports whether Activate has already run to completion once.
func (b *Bootstrap) Injected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.injected
}
