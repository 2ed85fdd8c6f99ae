// Package logx is the package-level structured logger used throughout the
// agent and launcher. Design decision: a package-level variable is
// appropriate here because logging is an infrastructure cross-cutting
// concern shared by every agent-side component, and the agent runs inside
// someone else's process where we don't get to plumb a logger through a
// constructor chain.
package logx

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var current atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).With().Timestamp().Logger()
	current.Store(&l)
}

// Use replaces the package-level logger. Safe to call concurrently with L.
func Use(l zerolog.Logger) {
	current.Store(&l)
}

// L returns the current logger.
func L() *zerolog.Logger {
	return current.Load()
}
