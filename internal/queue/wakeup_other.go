//go:build !linux

package queue

import (
	"os"
	"time"
)

// FrontendWake is the non-Linux fallback for the backend→frontend
// wakeup: a pipe instead of an eventfd, since eventfd is Linux-only.
// Functionally equivalent for the single-byte-of-signal use this
// package makes of it.
type FrontendWake struct {
	r, w *os.File
}

func NewFrontendWake() (*FrontendWake, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &FrontendWake{r: r, w: w}, nil
}

func (f *FrontendWake) Signal() error {
	_, err := f.w.Write([]byte{1})
	return err
}

// Drain consumes all bytes currently available without blocking.
func (f *FrontendWake) Drain() bool {
	_ = f.r.SetReadDeadline(time.Now())
	var buf [64]byte
	n, _ := f.r.Read(buf[:])
	_ = f.r.SetReadDeadline(time.Time{})
	return n > 0
}

func (f *FrontendWake) FD() int { return int(f.r.Fd()) }

func (f *FrontendWake) Close() error {
	_ = f.w.Close()
	return f.r.Close()
}
