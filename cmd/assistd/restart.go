package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop the daemon if running, then start it again",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, alive := runningPID(); alive {
			if err := stopCmd.RunE(cmd, nil); err != nil {
				return err
			}
			time.Sleep(200 * time.Millisecond)
		} else {
			fmt.Println("assistd: not running, starting")
		}
		return runDetached()
	},
}
