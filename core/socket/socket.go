// Package socket wraps a non-blocking TCP file descriptor with ownership
// tagging (owned vs borrowed), a cached peer address, and an absolute
// deadline.
package socket

import (
	"fmt"
	"net"
	"syscall"
	"time"
)

// Socket is a non-blocking TCP socket handle. A borrowed Socket shares the
// same fd with another owner and must not close it.
type Socket struct {
	fd       int
	borrowed bool
	local    net.Addr
	remote   net.Addr
	exp      time.Time
}

// FromFD wraps an already non-blocking fd as an owned Socket.
func FromFD(fd int, local, remote net.Addr) *Socket {
	return &Socket{fd: fd, local: local, remote: remote}
}

// Dial opens a new non-blocking TCP connection to addr. Because the
// socket is non-blocking, connect(2) may return EINPROGRESS; the caller
// (the reactor) must poll the fd for writability to confirm completion,
// then check Valid().
func Dial(addr string, timeout time.Duration) (*Socket, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	domain := syscall.AF_INET
	sa := &syscall.SockaddrInet4{Port: raddr.Port}
	if ip4 := raddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	} else {
		domain = syscall.AF_INET6
	}

	fd, err := syscall.Socket(domain, syscall.SOCK_STREAM, syscall.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)

	var connErr error
	if domain == syscall.AF_INET6 {
		sa6 := &syscall.SockaddrInet6{Port: raddr.Port}
		if ip6 := raddr.IP.To16(); ip6 != nil {
			copy(sa6.Addr[:], ip6)
		}
		connErr = syscall.Connect(fd, sa6)
	} else {
		connErr = syscall.Connect(fd, sa)
	}
	if connErr != nil && connErr != syscall.EINPROGRESS {
		syscall.Close(fd)
		return nil, connErr
	}

	s := &Socket{fd: fd, remote: raddr}
	if timeout > 0 {
		s.SetTimeout(timeout)
	}
	return s, nil
}

// FD returns the raw file descriptor.
func (s *Socket) FD() int { return s.fd }

// Weak returns a borrowed view over the same OS handle. Dropping it must
// never close the fd; the view simply stops being used.
func (s *Socket) Weak() *Socket {
	return &Socket{fd: s.fd, borrowed: true, local: s.local, remote: s.remote, exp: s.exp}
}

// Borrowed reports whether this handle does not own the fd.
func (s *Socket) Borrowed() bool { return s.borrowed }

// SetTimeout sets exp = now + d.
func (s *Socket) SetTimeout(d time.Duration) {
	s.exp = time.Now().Add(d)
}

// Deadline returns the absolute expiry instant (zero if unset).
func (s *Socket) Deadline() time.Time { return s.exp }

// TimedOut reports whether exp has passed.
func (s *Socket) TimedOut() bool {
	return !s.exp.IsZero() && time.Now().After(s.exp)
}

// Valid reports whether the OS-level socket error state is clean
// (equivalent to a getsockopt(SO_ERROR) check, i.e. take_error()).
func (s *Socket) Valid() bool {
	errno, err := syscall.GetsockoptInt(s.fd, syscall.SOL_SOCKET, syscall.SO_ERROR)
	if err != nil {
		return false
	}
	return errno == 0
}

// LocalAddr and RemoteAddr expose the cached addresses.
func (s *Socket) LocalAddr() net.Addr  { return s.local }
func (s *Socket) RemoteAddr() net.Addr { return s.remote }

// Close releases the underlying fd. A borrowed handle refuses to close.
func (s *Socket) Close() error {
	if s.borrowed {
		return fmt.Errorf("socket: refusing to close a borrowed view of fd %d", s.fd)
	}
	if s.fd < 0 {
		return nil
	}
	err := syscall.Close(s.fd)
	s.fd = -1
	return err
}
