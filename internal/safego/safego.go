// Package safego starts background goroutines that log panics instead of
// taking the process down.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine under the given name. A panic in fn is
// recovered and logged with the name and stack; the goroutine then exits.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
