// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package tcp

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// poller wraps an epoll instance plus an eventfd used to wake the readiness
// wait from other goroutines (worker completions, shutdown).
type poller struct {
	epfd   int
	wakefd int
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &poller{epfd: epfd, wakefd: wakefd}
	if err := p.add(wakefd, true, false); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func epollEvents(readable, writable bool) uint32 {
	var ev uint32
	if readable {
		ev |= unix.EPOLLIN
	}
	if writable {
		ev |= unix.EPOLLOUT
	}
	// Errors and hangups are always reported.
	return ev | unix.EPOLLERR | unix.EPOLLHUP
}

func (p *poller) add(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: epollEvents(readable, writable), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

func (p *poller) modify(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: epollEvents(readable, writable), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

func (p *poller) remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// wait blocks until readiness events arrive or msec elapses. Interrupted
// waits are reported as zero events, not errors.
func (p *poller) wait(events []unix.EpollEvent, msec int) (int, error) {
	n, err := unix.EpollWait(p.epfd, events, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	return n, nil
}

// wake interrupts a blocking wait. Safe to call from any goroutine.
func (p *poller) wake() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	// Best effort; a full eventfd counter still wakes the waiter.
	unix.Write(p.wakefd, one[:])
}

// drainWake consumes pending wake tokens so the eventfd re-arms.
func (p *poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (p *poller) close() {
	unix.Close(p.wakefd)
	unix.Close(p.epfd)
}
