// Package diag carries the guard engine's diagnostic surface: stack
// capture for panic messages, structured logging, and a live-allocation
// inventory dump for memory-dump-style post-mortems.
package diag

import (
	"fmt"
	"runtime"
)

// CallerTrace returns the call stack starting at the given skip depth,
// formatted one frame per line, innermost first. Every integrity-
// violation panic in the guard engine appends this to its message so a
// dump reader can tell which code path produced the fault.
func CallerTrace(skip int) string {
	i := skip
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d", f, l)
		} else {
			s += fmt.Sprintf("\n\t<-%s:%d", f, l)
		}
	}
	return s
}

// Fatalf formats a message, appends a caller trace starting above its
// own frame, and panics. Every integrity-violation path in the guard
// engine panics through this so the trace is never forgotten.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	panic(fmt.Sprintf("%s\ncaptured at:\n\t%s", msg, CallerTrace(2)))
}
