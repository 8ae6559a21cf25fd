//go:build linux
// +build linux

package pools

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setThreadName labels the current OS thread for diagnostics (visible
// in /proc/<pid>/task/*/comm and thread-aware profilers). The name is
// truncated to the kernel's 15-byte limit.
func setThreadName(name string) {
	b := []byte(name)
	if len(b) > 15 {
		b = b[:15]
	}
	b = append(b, 0)
	unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}
