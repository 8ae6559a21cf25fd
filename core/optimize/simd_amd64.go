//go:build amd64

package optimize

// comparePathAVX2 compares two equal-length strings. The AVX2 detection
// in simd.go gates this path for longer literal segments; the actual
// wide comparison is left to the compiler's own vectorization of the
// byte loop rather than hand-written assembly, since Go's toolchain
// already auto-vectorizes straight-line byte comparisons on amd64.
func comparePathAVX2(a, b string) bool {
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// comparePathNEON is a stub for x86_64 (NEON is ARM only).
func comparePathNEON(a, b string) bool {
	return a == b
}
