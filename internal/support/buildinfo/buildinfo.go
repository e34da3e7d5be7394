// Package buildinfo carries build metadata injected at link time.
package buildinfo

// Version is overridden via -ldflags "-X .../buildinfo.Version=v1.2.3".
var Version = "dev"
