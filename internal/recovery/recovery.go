// Package recovery guards ClipRelay's long-lived goroutines against panics.
// The relay spawns one reader and one writer goroutine per WebSocket
// connection (internal/relaycore/handler.go), and each client session runs
// four cooperating tasks — send, receive, presence, command
// (internal/clientsession/session.go) — under a first-exit-wins selector. A
// panic in any one of those goroutines must not crash the relay process or
// silently wedge the client's selector, so every entry point defers into
// this package instead of recovering ad hoc.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic in the calling goroutine and logs it
// under the given panic site name (e.g. "relaycore.reader",
// "clientsession.send"). Defer it first in any goroutine that must outlive
// a single bad frame.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "relaycore.writer")
//	    // ... goroutine work
//	}()
func RecoverWithLog(logger *slog.Logger, site string) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		logger.Error("panic recovered",
			"site", site,
			"panic", fmt.Sprintf("%v", r),
			"stack", stack)
	}
}

// RecoverWithCallback recovers from a panic, logs it under site, and invokes
// the optional callback with the recovered value. clientsession uses this to
// turn a panicking task into a synthetic error on its errCh, so the
// first-exit-wins selector still unblocks and tears down the other three
// tasks instead of leaving them running against a dead fourth.
func RecoverWithCallback(logger *slog.Logger, site string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		logger.Error("panic recovered",
			"site", site,
			"panic", fmt.Sprintf("%v", r),
			"stack", stack)
		if callback != nil {
			callback(r)
		}
	}
}

// RecoverNoop silently recovers from panics without logging.
// Use only in tests or when logging is not available.
func RecoverNoop() {
	recover()
}
