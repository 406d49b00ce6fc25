// Package daemon wires the Store, Scanner, Fingerprinter, Uploader, and
// Control Plane into one running process and owns its shutdown ordering.
package daemon

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"putplace.dev/internal/activity"
	"putplace.dev/internal/config"
	"putplace.dev/internal/control"
	"putplace.dev/internal/fingerprint"
	applog "putplace.dev/internal/log"
	"putplace.dev/internal/model"
	"putplace.dev/internal/scanner"
	"putplace.dev/internal/store"
	"putplace.dev/internal/upload"
)

var logger = applog.Component("daemon")

// Version is set at build time (e.g. via -ldflags) and surfaced on
// /status; it defaults to "dev" for local builds.
var Version = "dev"

// Daemon owns every long-running component and the order they start and
// stop in.
type Daemon struct {
	cfg   config.Config
	store *store.Store

	scanner *scanner.Scanner
	watches *scanner.WatchSet
	fp      *fingerprint.Fingerprinter
	up      *upload.Uploader
	broker  *activity.Broker
	http    *control.Server

	started time.Time
}

// New opens the store at cfg.Database.Path and wires every component. It
// does not start them — call Run for that.
func New(cfg config.Config) (*Daemon, error) {
	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	broker := activity.NewBroker()
	s.SetAppendHook(broker.Publish)

	if err := seedDefaultServer(s, cfg.RemoteServer); err != nil {
		s.Close()
		return nil, err
	}

	sc := scanner.New(s)
	watches := scanner.NewWatchSet(sc, cfg.Watcher.Debounce())
	fp := fingerprint.New(s, int64(cfg.SHA256.ChunkBytes), cfg.SHA256.InterChunkSleep())
	up := upload.New(s, cfg.Uploader.Parallel, upload.PolicyContent, cfg.Uploader.Timeout(), cfg.Uploader.ContentTimeout(), cfg.Uploader.RetryAttempts, cfg.Uploader.RetryDelay())

	started := time.Now()
	httpSrv := control.New(s, sc, watches, up, broker, Version, started)

	return &Daemon{
		cfg: cfg, store: s,
		scanner: sc, watches: watches, fp: fp, up: up, broker: broker, http: httpSrv,
		started: started,
	}, nil
}

// seedDefaultServer registers cfg's remote_server section as the default
// Server row on first run, so the daemon is usable out of the box
// (spec.md §6 "remote_server (name, url, username, optional password)").
func seedDefaultServer(s *store.Store, cfg config.RemoteServerSection) error {
	if cfg.URL == "" {
		return nil
	}
	ctx := context.Background()
	if _, err := s.DefaultServer(ctx); err == nil {
		return nil // already configured; config-file values only seed an empty store
	}
	_, err := s.CreateServer(ctx, model.Server{
		Name: cfg.Name, BaseURL: cfg.URL, Username: cfg.Username, Secret: cfg.Password, IsDefault: true,
	})
	return err
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down in the order control plane → scanner watchers → fingerprinter and
// uploader workers together, the workers within a bounded grace period.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.scanner.ScanAll(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup scan_all")
	}
	if d.cfg.Watcher.Enabled {
		roots, err := d.store.ListRoots(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("list roots for watch startup")
		}
		for _, r := range roots {
			if !r.Enabled {
				continue
			}
			if err := d.watches.Start(ctx, r); err != nil {
				logger.Error().Err(err).Str("path", r.Path).Msg("start watch")
			}
		}
	}

	var workers errgroup.Group
	workers.Go(func() error { d.fp.Run(ctx); return nil })
	workers.Go(func() error { d.up.Run(ctx); return nil })

	go d.prunePeriodically(ctx)

	addr := fmt.Sprintf("%s:%d", d.cfg.Server.Host, d.cfg.Server.Port)
	httpErr := d.http.ListenAndServe(ctx, addr)

	// Control plane has already stopped accepting new requests; give the
	// scanner's watchers, then the fingerprinter and uploader, a bounded
	// grace period to observe cancellation and release their claims
	// (spec.md supplemented shutdown ordering).
	d.watches.StopAll()

	done := make(chan struct{})
	go func() { workers.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn().Msg("workers did not exit within grace period")
	}

	return httpErr
}

func (d *Daemon) prunePeriodically(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cursor := d.oldestUnreadCursor()
			if _, err := d.store.PruneActivity(ctx, d.cfg.Activity.MaxAge(), d.cfg.Activity.MaxRows, cursor); err != nil {
				logger.Warn().Err(err).Msg("prune activity")
			}
		}
	}
}

// oldestUnreadCursor always returns 0 (no SSE subscriber tracks per-client
// cursors durably), which PruneActivity treats as no floor: pruning follows
// maxAge/maxRows alone, and a row those limits select is removed even if a
// connected client has not read it yet.
func (d *Daemon) oldestUnreadCursor() int64 {
	return 0
}

// Close releases the store handle. Call after Run returns.
func (d *Daemon) Close() error {
	return d.store.Close()
}

// Healthy reports whether the store backing this daemon is usable. The
// CLI's `status` subcommand does not call it; it queries /health over HTTP.
func (d *Daemon) Healthy(ctx context.Context) error {
	return d.store.Healthy(ctx)
}
