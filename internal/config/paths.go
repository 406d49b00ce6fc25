// Package config resolves the daemon's on-disk layout and loads its TOML
// configuration file.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName names the directories this daemon creates under the user's home.
const AppName = "assist"

// HomeDir returns the user's home directory, or "" if unknown.
func HomeDir() string {
	if runtime.GOOS == "windows" {
		if h := os.Getenv("USERPROFILE"); h != "" {
			return h
		}
		return os.Getenv("HOMEPATH")
	}
	return os.Getenv("HOME")
}

// ConfigDir returns ~/.config/assist (or $XDG_CONFIG_HOME/assist), honoring
// the ASSIST_CONFIG_DIR override.
func ConfigDir() string {
	if d := os.Getenv("ASSIST_CONFIG_DIR"); d != "" {
		return d
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	return filepath.Join(HomeDir(), ".config", AppName)
}

// StateDir returns ~/.local/share/assist (or $XDG_DATA_HOME/assist), the
// directory that holds the store file, PID file, and log file (spec.md §6
// "Persisted state layout").
func StateDir() string {
	if d := os.Getenv("ASSIST_STATE_DIR"); d != "" {
		return d
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	return filepath.Join(HomeDir(), ".local", "share", AppName)
}

// DefaultConfigPath is ~/.config/assist/assist.toml.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "assist.toml")
}

// DefaultStorePath is the store's DB file within StateDir.
func DefaultStorePath() string {
	return filepath.Join(StateDir(), "assist.db")
}

// PIDPath is the PID file written while the daemon is alive.
func PIDPath() string {
	return filepath.Join(StateDir(), "assist.pid")
}

// LogPath is the daemon's log file when not running in the foreground.
func LogPath() string {
	return filepath.Join(StateDir(), "assist.log")
}

// EnsureDirs creates ConfigDir and StateDir if they don't already exist.
func EnsureDirs() error {
	if err := os.MkdirAll(ConfigDir(), 0700); err != nil {
		return err
	}
	return os.MkdirAll(StateDir(), 0700)
}
