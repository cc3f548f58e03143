package internal

import (
	"context"
	"io"
	"time"

	"github.com/davidmdm/ansi"
)

type debugKey struct{}

// WithDebug turns reconcile diagnostics and timings on or off for everything
// downstream of the context.
func WithDebug(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, debugKey{}, enabled)
}

// Debug returns a terminal for diagnostics: stderr when debugging is enabled
// on the context, a discard sink otherwise.
func Debug(ctx context.Context) ansi.Terminal {
	if enabled, _ := ctx.Value(debugKey{}).(bool); enabled {
		return ansi.Stderr
	}
	return ansi.Terminal{Writer: io.Discard}
}

// DebugTimer logs the start of an operation and returns a func logging its
// duration, meant to be deferred.
func DebugTimer(ctx context.Context, msg string) func() {
	terminal := Debug(ctx)
	start := time.Now()
	terminal.Printf("start: %s\n", msg)
	return func() {
		terminal.Printf("done:  %s: %s\n\n", msg, time.Since(start))
	}
}
