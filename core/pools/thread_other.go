//go:build !linux
// +build !linux

package pools

// setThreadName is a no-op outside Linux; kqueue platforms have no
// portable per-thread naming call reachable without cgo.
func setThreadName(name string) {}
