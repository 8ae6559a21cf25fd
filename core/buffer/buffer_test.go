package buffer

import (
	"bytes"
	"syscall"
	"testing"
)

// pipeFDs returns a connected pipe for feeding the buffer's fd-based
// Read/Write paths.
func pipeFDs(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReadAndConsume(t *testing.T) {
	r, w := pipeFDs(t)
	if _, err := syscall.Write(w, []byte("hello world")); err != nil {
		t.Fatalf("write: %v", err)
	}

	b := New()
	n, eof, err := b.Read(r)
	if err != nil || eof {
		t.Fatalf("read: n=%d eof=%v err=%v", n, eof, err)
	}
	if n != 11 || b.Len() != 11 {
		t.Fatalf("n=%d len=%d, want 11", n, b.Len())
	}

	if c, ok := b.Getc(); !ok || c != 'h' {
		t.Fatalf("Getc = %q ok=%v", c, ok)
	}
	if got := b.Chunk(4); string(got) != "ello" {
		t.Fatalf("Chunk(4) = %q", got)
	}
	if got := b.Tail(); string(got) != " world" {
		t.Fatalf("Tail = %q", got)
	}
	if b.Len() != 0 {
		t.Fatalf("Len after Tail = %d", b.Len())
	}
}

func TestReadEOF(t *testing.T) {
	r, w := pipeFDs(t)
	syscall.Close(w)

	b := New()
	_, eof, err := b.Read(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !eof {
		t.Fatal("expected eof on closed pipe")
	}
}

func TestGrowKeepsContents(t *testing.T) {
	b := New()
	payload := bytes.Repeat([]byte("x"), 3000)
	b.Extend(payload)
	b.Extend(payload) // forces at least one grow past 4096

	if b.Len() != 6000 {
		t.Fatalf("Len = %d, want 6000", b.Len())
	}
	if got := b.Tail(); !bytes.Equal(got, bytes.Repeat([]byte("x"), 6000)) {
		t.Fatal("contents corrupted across grow")
	}
}

func TestWriteDrains(t *testing.T) {
	r, w := pipeFDs(t)

	b := New()
	b.Extend([]byte("response bytes"))

	drained, n, err := b.Write(w, 0)
	if err != nil || !drained {
		t.Fatalf("write: drained=%v n=%d err=%v", drained, n, err)
	}

	got := make([]byte, 64)
	rn, _ := syscall.Read(r, got)
	if string(got[:rn]) != "response bytes" {
		t.Fatalf("drained %q", got[:rn])
	}
}

func TestCompact(t *testing.T) {
	b := New()
	b.Extend([]byte("abcdef"))
	b.Chunk(4)
	b.Compact()

	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}
	if got := b.Tail(); string(got) != "ef" {
		t.Fatalf("Tail after Compact = %q", got)
	}
}

func TestResetInvariant(t *testing.T) {
	b := New()
	b.Extend([]byte("data"))
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("Len after Reset = %d", b.Len())
	}
	if _, ok := b.Getc(); ok {
		t.Fatal("Getc after Reset should report empty")
	}
}
