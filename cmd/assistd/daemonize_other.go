//go:build windows

package main

import "os/exec"

// detach is a no-op on Windows, which has no POSIX session concept; the
// spawned process still outlives the parent because it's never Wait()ed on.
func detach(cmd *exec.Cmd) {}
