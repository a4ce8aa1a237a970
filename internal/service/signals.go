package service

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// Request is a lifecycle request from outside the process.
type Request int

const (
	// Reload asks for the configuration to be re-read.
	Reload Request = iota + 1
	// Shutdown asks the process to exit.
	Shutdown
)

func (r Request) String() string {
	switch r {
	case Reload:
		return "reload"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Translate maps a signal to a request. SIGHUP reloads; SIGINT, SIGTERM and
// SIGQUIT shut down.
func Translate(sig os.Signal) (Request, bool) {
	switch sig {
	case unix.SIGHUP:
		return Reload, true
	case unix.SIGINT, unix.SIGTERM, unix.SIGQUIT:
		return Shutdown, true
	default:
		return 0, false
	}
}

// OSSignals delivers requests for the process's signals until stop is
// called.
func OSSignals() (requests <-chan Request, stop func()) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, unix.SIGHUP, unix.SIGINT, unix.SIGTERM, unix.SIGQUIT)

	out := make(chan Request)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				req, ok := Translate(sig)
				if !ok {
					continue
				}
				select {
				case out <- req:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
		})
	}
}
