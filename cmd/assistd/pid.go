package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"putplace.dev/internal/config"
)

// writePID records the current process's PID at config.PIDPath(), so stop
// and status can find it later.
func writePID() error {
	return os.WriteFile(config.PIDPath(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

// readPID returns the PID last written by writePID, or an error if no PID
// file exists or it's unparsable.
func readPID() (int, error) {
	data, err := os.ReadFile(config.PIDPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file: %w", err)
	}
	return pid, nil
}

// removePID deletes the PID file. Safe to call when it doesn't exist.
func removePID() {
	os.Remove(config.PIDPath())
}

// runningPID returns the PID file's contents and whether that process is
// still alive (checked with signal 0, the same probe codemap's watch
// daemon uses).
func runningPID() (pid int, alive bool) {
	pid, err := readPID()
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	if err := proc.Signal(signal0); err != nil && runtime.GOOS != "windows" {
		return pid, false
	}
	return pid, true
}
