package sysload

import "golang.org/x/sys/unix"

// Prober checks and terminates OS processes.
// The reaper depends on this instead of the syscall layer so tests can
// simulate dead and runaway executors.
type Prober interface {
	// Alive returns whether a process with the given pid exists.
	Alive(pid int) bool
	// Terminate asks a process to shut down.
	Terminate(pid int) error
}

// UnixProber probes real OS processes via signals.
type UnixProber struct{}

// Alive sends the null signal, which performs permission and existence
// checks without delivering anything.
func (UnixProber) Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// Terminate sends SIGTERM.
func (UnixProber) Terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}
