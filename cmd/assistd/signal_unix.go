//go:build !windows

package main

import (
	"os"
	"syscall"
)

// signal0 probes whether a process exists without affecting it.
var signal0 os.Signal = syscall.Signal(0)

// terminate asks pid to shut down gracefully.
func terminate(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}
