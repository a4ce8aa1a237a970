// Package service integrates the daemon with its service manager: readiness
// and status notifications and the signals that drive reload and shutdown.
package service

import (
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Notifier reports lifecycle transitions to the service manager.
type Notifier interface {
	Starting()
	Ready()
	Reloading()
	Stopping()
	Status(msg string)
	Failed(errno int, msg string)
}

// Systemd sends sd_notify messages over NOTIFY_SOCKET. Without the socket
// every notification is silently skipped.
type Systemd struct {
	Logger zerolog.Logger
}

func (s Systemd) Starting() { s.send("STATUS=starting") }

func (s Systemd) Ready() { s.send(daemon.SdNotifyReady + "\nSTATUS=ready") }

// Reloading announces a reload. systemd requires MONOTONIC_USEC alongside
// RELOADING=1 for Type=notify-reload units.
func (s Systemd) Reloading() {
	s.send(fmt.Sprintf("%s\nMONOTONIC_USEC=%d\nSTATUS=reloading", daemon.SdNotifyReloading, monotonicUsec()))
}

func (s Systemd) Stopping() { s.send(daemon.SdNotifyStopping + "\nSTATUS=stopping") }

func (s Systemd) Status(msg string) { s.send("STATUS=" + msg) }

func (s Systemd) Failed(errno int, msg string) {
	s.send(fmt.Sprintf("STATUS=%s\nERRNO=%d", msg, errno))
}

func (s Systemd) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("sd_notify failed")
		return
	}
	if sent {
		s.Logger.Trace().Str("state", state).Msg("sd_notify")
	}
}

func monotonicUsec() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano() / 1000
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Starting()          {}
func (Nop) Ready()             {}
func (Nop) Reloading()         {}
func (Nop) Stopping()          {}
func (Nop) Status(string)      {}
func (Nop) Failed(int, string) {}

// Recorder keeps notifications in order. It is used by tests of code that
// drives a Notifier.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *Recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *Recorder) Starting()         { r.add("starting") }
func (r *Recorder) Ready()            { r.add("ready") }
func (r *Recorder) Reloading()        { r.add("reloading") }
func (r *Recorder) Stopping()         { r.add("stopping") }
func (r *Recorder) Status(msg string) { r.add("status: " + msg) }
func (r *Recorder) Failed(errno int, msg string) {
	r.add(fmt.Sprintf("failed(%d): %s", errno, msg))
}

// Events returns a copy of the recorded notifications.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}
