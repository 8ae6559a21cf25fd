//go:build darwin
// +build darwin

package poller

import (
	"syscall"
)

// KqueuePoller is a kqueue-based I/O multiplexer.
type KqueuePoller struct {
	kqfd     int
	events   []syscall.Kevent_t
	interest map[int]Interest
}

// NewPoller creates a new Poller (macOS).
func NewPoller() (Poller, error) {
	kqfd, err := syscall.Kqueue()
	if err != nil {
		return nil, err
	}

	return &KqueuePoller{
		kqfd:     kqfd,
		events:   make([]syscall.Kevent_t, 1024),
		interest: make(map[int]Interest),
	}, nil
}

// Add adds a file descriptor to the watch list with the given interest.
// Level-triggered (no EV_CLEAR) for reliability.
func (p *KqueuePoller) Add(fd int, interest Interest) error {
	p.interest[fd] = interest
	return p.apply(fd, 0, interest)
}

// Modify changes the interest set for an already-registered fd.
func (p *KqueuePoller) Modify(fd int, interest Interest) error {
	old := p.interest[fd]
	p.interest[fd] = interest
	return p.apply(fd, old, interest)
}

func (p *KqueuePoller) apply(fd int, old, want Interest) error {
	var changes []syscall.Kevent_t

	wantRead := want&Readable != 0
	wantWrite := want&Writable != 0
	hadRead := old&Readable != 0
	hadWrite := old&Writable != 0

	if wantRead != hadRead {
		flags := syscall.EV_DELETE
		if wantRead {
			flags = syscall.EV_ADD | syscall.EV_ENABLE
		}
		changes = append(changes, syscall.Kevent_t{Ident: uint64(fd), Filter: syscall.EVFILT_READ, Flags: uint16(flags)})
	}
	if wantWrite != hadWrite {
		flags := syscall.EV_DELETE
		if wantWrite {
			flags = syscall.EV_ADD | syscall.EV_ENABLE
		}
		changes = append(changes, syscall.Kevent_t{Ident: uint64(fd), Filter: syscall.EVFILT_WRITE, Flags: uint16(flags)})
	}

	if len(changes) == 0 {
		return nil
	}
	_, err := syscall.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Remove removes a file descriptor from the watch list.
func (p *KqueuePoller) Remove(fd int) error {
	interest := p.interest[fd]
	delete(p.interest, fd)

	var changes []syscall.Kevent_t
	if interest&Readable != 0 {
		changes = append(changes, syscall.Kevent_t{Ident: uint64(fd), Filter: syscall.EVFILT_READ, Flags: syscall.EV_DELETE})
	}
	if interest&Writable != 0 {
		changes = append(changes, syscall.Kevent_t{Ident: uint64(fd), Filter: syscall.EVFILT_WRITE, Flags: syscall.EV_DELETE})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := syscall.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Wait waits for I/O events.
func (p *KqueuePoller) Wait(timeout int) ([]Event, error) {
	var ts *syscall.Timespec
	if timeout >= 0 {
		ts = &syscall.Timespec{
			Sec:  int64(timeout / 1000),
			Nsec: int64((timeout % 1000) * 1000000),
		}
	}

	n, err := syscall.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil && err != syscall.EINTR {
		return nil, err
	}

	if n <= 0 {
		return nil, nil
	}

	byFD := make(map[int]*Event, n)
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Ident)
		e, ok := byFD[fd]
		if !ok {
			e = &Event{FD: fd}
			byFD[fd] = e
			order = append(order, fd)
		}
		switch ev.Filter {
		case syscall.EVFILT_READ:
			e.Readable = true
		case syscall.EVFILT_WRITE:
			e.Writable = true
		}
	}

	events := make([]Event, 0, len(order))
	for _, fd := range order {
		events = append(events, *byFD[fd])
	}
	return events, nil
}

// Close closes the Poller.
func (p *KqueuePoller) Close() error {
	return syscall.Close(p.kqfd)
}

// SetNonblock sets non-blocking mode.
func SetNonblock(fd int) error {
	return syscall.SetNonblock(fd, true)
}
