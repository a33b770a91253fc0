//go:build !windows

package main

import (
	"os"
	"syscall"
)

var suspendSignals = []os.Signal{syscall.SIGTSTP}

// stopProcess does what the default SIGTSTP action would have done.
// It returns once the process is continued.
func stopProcess() error {
	return syscall.Kill(os.Getpid(), syscall.SIGSTOP)
}
