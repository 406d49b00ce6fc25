package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"putplace.dev/internal/config"
	"putplace.dev/internal/daemon"
	applog "putplace.dev/internal/log"
)

var (
	flagForeground bool
	flagHost       string
	flagPort       int
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagForeground {
			return runForeground()
		}
		return runDetached()
	},
}

func init() {
	startCmd.Flags().BoolVar(&flagForeground, "foreground", false, "run in the foreground instead of detaching")
	startCmd.Flags().StringVar(&flagHost, "host", "", "override the control plane listen host")
	startCmd.Flags().IntVar(&flagPort, "port", 0, "override the control plane listen port")
}

// runForeground is what actually runs the daemon: it owns the PID file for
// its own lifetime and blocks until signaled.
func runForeground() error {
	if _, alive := runningPID(); alive {
		fmt.Fprintln(os.Stderr, "assistd: already running")
		return exitWith(2)
	}

	initLogging(nil)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyOverrides(&cfg)

	if err := config.EnsureDirs(); err != nil {
		return fmt.Errorf("assistd: prepare state dirs: %w", err)
	}

	daemon.Version = Version
	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("assistd: %w", err)
	}
	defer d.Close()

	if err := writePID(); err != nil {
		return fmt.Errorf("assistd: write pid file: %w", err)
	}
	defer removePID()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	applog.Logger.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).Msg("assistd starting")
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("assistd: %w", err)
	}
	return nil
}

// runDetached spawns `assistd start --foreground` in the background,
// redirecting its output to LogPath, and returns once the child has either
// written its PID file or failed.
func runDetached() error {
	if _, alive := runningPID(); alive {
		fmt.Fprintln(os.Stderr, "assistd: already running")
		return exitWith(2)
	}
	if err := config.EnsureDirs(); err != nil {
		return fmt.Errorf("assistd: prepare state dirs: %w", err)
	}

	logFile, err := os.OpenFile(config.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("assistd: open log file: %w", err)
	}
	defer logFile.Close()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("assistd: locate self: %w", err)
	}

	childArgs := append([]string{"start", "--foreground"}, passthroughFlags()...)
	child := exec.Command(self, childArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	detach(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("assistd: spawn daemon: %w", err)
	}

	for i := 0; i < 50; i++ {
		if pid, alive := runningPID(); alive && pid == child.Process.Pid {
			fmt.Printf("assistd: started (pid %d), logging to %s\n", pid, config.LogPath())
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "assistd: daemon did not report ready in time; check", config.LogPath())
	return exitWith(1)
}

func passthroughFlags() []string {
	var out []string
	if flagConfig != "" {
		out = append(out, "--config", flagConfig)
	}
	if flagLogLevel != "" {
		out = append(out, "--log-level", flagLogLevel)
	}
	if flagLogJSON {
		out = append(out, "--log-json")
	}
	if flagHost != "" {
		out = append(out, "--host", flagHost)
	}
	if flagPort != 0 {
		out = append(out, "--port", fmt.Sprint(flagPort))
	}
	return out
}

func applyOverrides(cfg *config.Config) {
	if flagHost != "" {
		cfg.Server.Host = flagHost
	}
	if flagPort != 0 {
		cfg.Server.Port = flagPort
	}
}
