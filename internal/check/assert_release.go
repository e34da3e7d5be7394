//go:build !debug

package check

// Assert does nothing in release builds.
func Assert(_ bool, _ string) {}

// Assertf does nothing in release builds.
func Assertf(_ bool, _ string, _ ...any) {}
