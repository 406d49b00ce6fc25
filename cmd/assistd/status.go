package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running and healthy",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, alive := runningPID()
		if !alive {
			fmt.Println("assistd: not running")
			return exitWith(2)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyOverrides(&cfg)

		client := &http.Client{Timeout: 3 * time.Second}
		healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
		resp, err := client.Get(healthURL)
		if err != nil {
			fmt.Printf("assistd: running (pid %d) but control plane unreachable: %v\n", pid, err)
			return exitWith(3)
		}
		defer resp.Body.Close()

		var health struct {
			StoreOK bool   `json:"store_ok"`
			Error   string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&health)

		if resp.StatusCode != http.StatusOK || !health.StoreOK {
			fmt.Printf("assistd: running (pid %d) but unhealthy: %s\n", pid, health.Error)
			return exitWith(3)
		}

		statusURL := fmt.Sprintf("http://%s:%d/status", cfg.Server.Host, cfg.Server.Port)
		if sresp, err := client.Get(statusURL); err == nil {
			defer sresp.Body.Close()
			var st map[string]any
			if json.NewDecoder(sresp.Body).Decode(&st) == nil {
				fmt.Printf("assistd: running (pid %d), healthy\n", pid)
				for _, k := range []string{"version", "uptime_seconds", "files_tracked", "pending_sha256", "pending_uploads"} {
					if v, ok := st[k]; ok {
						fmt.Printf("  %s: %v\n", k, v)
					}
				}
				return nil
			}
		}

		fmt.Printf("assistd: running (pid %d), healthy\n", pid)
		return nil
	},
}
