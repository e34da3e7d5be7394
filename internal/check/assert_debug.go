//go:build debug

// Package check holds invariant assertions that compile to no-ops unless
// the debug build tag is set. Scheduling state machines (ntp phases, timer
// slots) assert their transitions through it.
package check

import "fmt"

// Assert panics if cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}

// Assertf panics if cond is false, with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, args...))
	}
}
