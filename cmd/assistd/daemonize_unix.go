//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// detach configures cmd to survive after the parent CLI process exits, by
// starting it in a new session (no controlling terminal).
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
