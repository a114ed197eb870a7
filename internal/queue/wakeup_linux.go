//go:build linux

package queue

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// FrontendWake is the backend→frontend wakeup primitive: an eventfd
// on Linux, matching spec.md §5's "all inter-thread wake-ups go
// through the event fd (backend→frontend)". run_frontend reads the fd
// each poll; when it has no events the frontend handles zero
// callbacks and returns, per the same section.
type FrontendWake struct {
	fd int
}

// NewFrontendWake creates a nonblocking, close-on-exec eventfd.
func NewFrontendWake() (*FrontendWake, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &FrontendWake{fd: fd}, nil
}

// Signal posts one wakeup. Safe to call from the backend goroutine
// while the frontend concurrently drains via Drain.
func (f *FrontendWake) Signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(f.fd, buf[:])
	if err == unix.EAGAIN {
		return nil // counter already saturated; a wakeup is already pending
	}
	return err
}

// Drain consumes all pending wakeups, returning whether any were
// pending. Called by run_frontend before scanning the queues.
func (f *FrontendWake) Drain() bool {
	var buf [8]byte
	_, err := unix.Read(f.fd, buf[:])
	return err == nil
}

// FD exposes the raw descriptor for a select/poll-based transport
// loop that wants to multiplex client sockets and the wakeup fd.
func (f *FrontendWake) FD() int { return f.fd }

func (f *FrontendWake) Close() error { return unix.Close(f.fd) }
