//go:build windows

package main

import "os"

// signal0 has no real probe-without-disturbing equivalent on Windows;
// os.Process.Signal always errors there, so runningPID falls back to
// os.FindProcess succeeding as its liveness check.
var signal0 os.Signal = os.Interrupt

func terminate(proc *os.Process) error {
	return proc.Kill()
}
