package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, alive := runningPID()
		if !alive {
			fmt.Fprintln(os.Stderr, "assistd: not running")
			removePID()
			return exitWith(2)
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("assistd: %w", err)
		}
		if err := terminate(proc); err != nil {
			return fmt.Errorf("assistd: signal pid %d: %w", pid, err)
		}

		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if _, stillAlive := runningPID(); !stillAlive {
				removePID()
				fmt.Println("assistd: stopped")
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}

		fmt.Fprintln(os.Stderr, "assistd: did not exit within grace period, killing")
		_ = proc.Kill()
		removePID()
		return nil
	},
}
