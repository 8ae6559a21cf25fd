// Package buffer implements the growable read/write-cursor byte region
// used everywhere a socket's bytes need staging: client read buffers,
// response assembly, and the proxy engine's upstream read buffer.
package buffer

import "syscall"

const initialCapacity = 4096

// Buffer is a growable byte region with a read cursor and an end cursor.
// Invariant: 0 <= rpos <= end <= cap(data).
type Buffer struct {
	data []byte
	rpos int
	end  int
}

// New returns an empty Buffer with the default initial capacity.
func New() *Buffer {
	return &Buffer{data: make([]byte, initialCapacity)}
}

// Reset sets rpos = end = 0 without releasing the backing storage.
func (b *Buffer) Reset() {
	b.rpos = 0
	b.end = 0
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return b.end - b.rpos }

// Cap returns the current backing capacity.
func (b *Buffer) Cap() int { return len(b.data) }

func (b *Buffer) grow() {
	newCap := len(b.data) * 2
	if newCap == 0 {
		newCap = initialCapacity
	}
	grown := make([]byte, newCap)
	copy(grown, b.data[:b.end])
	b.data = grown
}

// Read reads from fd into the free suffix of the buffer, growing first
// when the used prefix exceeds half of capacity. Returns the number of
// bytes read and whether EOF was observed (a zero-byte read on an
// otherwise successful syscall).
func (b *Buffer) Read(fd int) (n int, eof bool, err error) {
	if b.end >= len(b.data)/2 {
		b.grow()
	}

	n, err = syscall.Read(fd, b.data[b.end:])
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, true, nil
	}
	b.end += n
	return n, false, nil
}

// Write drains data[wpos:end] to fd, returning whether everything drained
// and how many bytes were written on this call. wpos is the caller's own
// write cursor into the unread region (distinct from rpos, since a
// response may be partially flushed while still being filled).
func (b *Buffer) Write(fd int, wpos int) (drainedAll bool, n int, err error) {
	if wpos >= b.end {
		return true, 0, nil
	}
	n, err = syscall.Write(fd, b.data[wpos:b.end])
	if err != nil {
		return false, 0, err
	}
	return wpos+n >= b.end, n, nil
}

// Getc returns the next unread byte and advances rpos. ok is false if the
// buffer is empty.
func (b *Buffer) Getc() (c byte, ok bool) {
	if b.rpos >= b.end {
		return 0, false
	}
	c = b.data[b.rpos]
	b.rpos++
	return c, true
}

// Tail consumes and returns every remaining unread byte.
func (b *Buffer) Tail() []byte {
	s := b.data[b.rpos:b.end]
	b.rpos = b.end
	return s
}

// Chunk consumes and returns up to n unread bytes.
func (b *Buffer) Chunk(n int) []byte {
	if n > b.Len() {
		n = b.Len()
	}
	s := b.data[b.rpos : b.rpos+n]
	b.rpos += n
	return s
}

// Peek returns the unread region without advancing rpos.
func (b *Buffer) Peek() []byte {
	return b.data[b.rpos:b.end]
}

// Extend appends p to the buffer, advancing end and growing as needed.
func (b *Buffer) Extend(p []byte) {
	for b.end+len(p) > len(b.data) {
		b.grow()
	}
	copy(b.data[b.end:], p)
	b.end += len(p)
}

// Discard drops n bytes from the front of the unread region without
// returning them (used once a full request has been consumed from a
// pipelined read buffer).
func (b *Buffer) Discard(n int) {
	b.rpos += n
	if b.rpos > b.end {
		b.rpos = b.end
	}
}

// Compact moves any unread bytes to the front of the backing array and
// resets the cursors, reclaiming space consumed by bytes already read.
func (b *Buffer) Compact() {
	if b.rpos == 0 {
		return
	}
	n := copy(b.data, b.data[b.rpos:b.end])
	b.rpos = 0
	b.end = n
}
