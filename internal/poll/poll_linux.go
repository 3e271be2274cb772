//go:build linux

// Package poll is a thin level-triggered epoll wrapper used by the server's
// event loop.
package poll

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is the set of conditions a descriptor is watched for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
	PeerClosed // the peer shut down its writing side
)

func (i Interest) events() uint32 {
	var ev uint32
	if i&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	if i&PeerClosed != 0 {
		ev |= unix.EPOLLRDHUP
	}
	return ev
}

// Event reports the readiness of one descriptor.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool // peer closed, or both directions hung up
	Err      bool
}

// Poller wraps one epoll instance.
type Poller struct {
	epfd   int
	events []unix.EpollEvent
}

// New creates an epoll instance able to report up to batch events per Wait.
func New(batch int) (*Poller, error) {
	if batch <= 0 {
		batch = 256
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{epfd: epfd, events: make([]unix.EpollEvent, batch)}, nil
}

// Add starts watching fd.
func (p *Poller) Add(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: in.events(), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Modify replaces the interest set of a watched fd.
func (p *Poller) Modify(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: in.events(), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// Remove stops watching fd. Removing an fd that is not watched is not an
// error.
func (p *Poller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one fd is ready or timeout elapses, and
// appends the ready events to out. A negative timeout waits forever.
// Interrupted waits return no events and no error.
func (p *Poller) Wait(timeout time.Duration, out []Event) ([]Event, error) {
	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.EpollWait(p.epfd, p.events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return out, nil
		}
		return out, fmt.Errorf("epoll_wait: %w", err)
	}
	for _, ev := range p.events[:n] {
		out = append(out, Event{
			Fd:       int(ev.Fd),
			Readable: ev.Events&unix.EPOLLIN != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Hangup:   ev.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0,
			Err:      ev.Events&unix.EPOLLERR != 0,
		})
	}
	return out, nil
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
