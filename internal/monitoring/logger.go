// Package monitoring holds the SDK's diagnostic logging hook. Reactor,
// command and ingest paths report through Logf; embedders that want the
// SDK silent (or routed into their own logger) replace it once at
// startup.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf
// and may be replaced with SetLogger. Callbacks invoke it from reactor
// goroutines, so replacements must be safe for concurrent use.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
