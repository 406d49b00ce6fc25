package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon's TOML configuration (spec.md §6 "Persisted state
// layout"). Field names match the section/key names named in the spec.
type Config struct {
	Server       ServerSection       `toml:"server"`
	Database     DatabaseSection     `toml:"database"`
	Watcher      WatcherSection      `toml:"watcher"`
	Uploader     UploaderSection     `toml:"uploader"`
	SHA256       SHA256Section       `toml:"sha256"`
	RemoteServer RemoteServerSection `toml:"remote_server"`
	Activity     ActivitySection     `toml:"activity"`
}

// ServerSection configures the control plane's listen address.
type ServerSection struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// DatabaseSection configures the store.
type DatabaseSection struct {
	Path string `toml:"path"`
}

// WatcherSection configures the filesystem notifier.
type WatcherSection struct {
	Enabled  bool  `toml:"enabled"`
	DebounceMS int `toml:"debounce_ms"`
}

func (w WatcherSection) Debounce() time.Duration {
	return time.Duration(w.DebounceMS) * time.Millisecond
}

// UploaderSection configures the upload worker pool.
type UploaderSection struct {
	Parallel        int `toml:"parallel"`
	RetryAttempts   int `toml:"retry_attempts"`
	RetryDelayMS    int `toml:"retry_delay_ms"`
	TimeoutSec      int `toml:"timeout_sec"`
	ContentTimeoutSec int `toml:"content_timeout_sec"`
}

func (u UploaderSection) RetryDelay() time.Duration {
	return time.Duration(u.RetryDelayMS) * time.Millisecond
}

func (u UploaderSection) Timeout() time.Duration {
	return time.Duration(u.TimeoutSec) * time.Second
}

func (u UploaderSection) ContentTimeout() time.Duration {
	return time.Duration(u.ContentTimeoutSec) * time.Second
}

// SHA256Section configures the fingerprinter's read loop.
type SHA256Section struct {
	ChunkBytes      int `toml:"chunk_bytes"`
	InterChunkSleepMS int `toml:"inter_chunk_sleep_ms"`
}

func (s SHA256Section) InterChunkSleep() time.Duration {
	return time.Duration(s.InterChunkSleepMS) * time.Millisecond
}

// RemoteServerSection seeds the default Server row on first run.
type RemoteServerSection struct {
	Name     string `toml:"name"`
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"` // never logged; consumed once at seed time
}

// ActivitySection configures the activity-log retention policy.
type ActivitySection struct {
	MaxAgeHours int `toml:"max_age_hours"`
	MaxRows     int `toml:"max_rows"`
}

func (a ActivitySection) MaxAge() time.Duration {
	return time.Duration(a.MaxAgeHours) * time.Hour
}

// Default returns the configuration used when no file is present, so the
// daemon is runnable out of the box.
func Default() Config {
	return Config{
		Server:   ServerSection{Host: "127.0.0.1", Port: 8765},
		Database: DatabaseSection{Path: DefaultStorePath()},
		Watcher:  WatcherSection{Enabled: true, DebounceMS: 2000},
		Uploader: UploaderSection{
			Parallel:          defaultParallel(),
			RetryAttempts:     8,
			RetryDelayMS:      1000,
			TimeoutSec:        10,
			ContentTimeoutSec: 3600,
		},
		SHA256: SHA256Section{
			ChunkBytes:        1 << 20,
			InterChunkSleepMS: 0,
		},
		Activity: ActivitySection{MaxAgeHours: 24 * 14, MaxRows: 200_000},
	}
}

func defaultParallel() int {
	// Default ~ CPU count, capped at 8 (spec.md §4.4 "Pool model").
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Load reads path and returns the defaults merged with its contents. A
// missing file yields the defaults unchanged; no file is written.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultConfigPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
