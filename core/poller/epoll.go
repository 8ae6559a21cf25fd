//go:build linux
// +build linux

package poller

import (
	"syscall"
)

// EpollPoller is an epoll-based I/O multiplexer.
type EpollPoller struct {
	epfd   int
	events []syscall.EpollEvent
}

// NewPoller creates a new Poller (Linux).
func NewPoller() (Poller, error) {
	epfd, err := syscall.EpollCreate1(0)
	if err != nil {
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]syscall.EpollEvent, 1024),
	}, nil
}

func epollMask(interest Interest) uint32 {
	var mask uint32 = uint32(0x2000) // EPOLLRDHUP: detect peer shutdown
	if interest&Readable != 0 {
		mask |= uint32(syscall.EPOLLIN)
	}
	if interest&Writable != 0 {
		mask |= uint32(syscall.EPOLLOUT)
	}
	return mask
}

// Add adds a file descriptor to the watch list with the given interest.
// Level-triggered (no EPOLLET) for reliability.
func (p *EpollPoller) Add(fd int, interest Interest) error {
	ev := syscall.EpollEvent{Events: epollMask(interest), Fd: int32(fd)}
	return syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_ADD, fd, &ev)
}

// Modify changes the interest set for an already-registered fd.
func (p *EpollPoller) Modify(fd int, interest Interest) error {
	ev := syscall.EpollEvent{Events: epollMask(interest), Fd: int32(fd)}
	return syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_MOD, fd, &ev)
}

// Remove removes a file descriptor from the watch list.
func (p *EpollPoller) Remove(fd int) error {
	return syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events.
func (p *EpollPoller) Wait(timeout int) ([]Event, error) {
	n, err := syscall.EpollWait(p.epfd, p.events, timeout)
	if err != nil && err != syscall.EINTR {
		return nil, err
	}

	if n <= 0 {
		return nil, nil
	}

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := p.events[i]
		events = append(events, Event{
			FD:       int(e.Fd),
			Readable: e.Events&(uint32(syscall.EPOLLIN)|uint32(0x2000)) != 0,
			Writable: e.Events&uint32(syscall.EPOLLOUT) != 0,
		})
	}

	return events, nil
}

// Close closes the Poller.
func (p *EpollPoller) Close() error {
	return syscall.Close(p.epfd)
}

// SetNonblock sets non-blocking mode.
func SetNonblock(fd int) error {
	return syscall.SetNonblock(fd, true)
}
