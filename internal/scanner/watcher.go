package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"putplace.dev/internal/model"
)

// WatchSet manages one recursive fsnotify watch per registered root,
// debouncing events so a single editor save produces one work item
// (spec.md §4.2 "watch_start/stop(root_id)").
type WatchSet struct {
	sc       *Scanner
	debounce time.Duration

	mu    sync.Mutex
	stops map[int64]context.CancelFunc
}

// NewWatchSet returns a WatchSet that debounces events by d (default 2s
// per spec.md if the caller passes zero).
func NewWatchSet(sc *Scanner, d time.Duration) *WatchSet {
	if d <= 0 {
		d = 2 * time.Second
	}
	return &WatchSet{sc: sc, debounce: d, stops: make(map[int64]context.CancelFunc)}
}

// Start begins watching root in the background. Calling Start again for an
// already-watched root id is a no-op.
func (ws *WatchSet) Start(ctx context.Context, root model.Root) error {
	ws.mu.Lock()
	if _, active := ws.stops[root.ID]; active {
		ws.mu.Unlock()
		return nil
	}
	wctx, cancel := context.WithCancel(ctx)
	ws.stops[root.ID] = cancel
	ws.mu.Unlock()

	excludes, err := ws.sc.store.ListExcludes(ctx)
	if err != nil {
		cancel()
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return err
	}
	if err := addRecursive(fw, root.Path, excludes); err != nil {
		fw.Close()
		cancel()
		return err
	}

	go ws.run(wctx, fw, root)
	return nil
}

// Stop ends the watch for root id, if one is active.
func (ws *WatchSet) Stop(rootID int64) {
	ws.mu.Lock()
	cancel, ok := ws.stops[rootID]
	if ok {
		delete(ws.stops, rootID)
	}
	ws.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll ends every active watch, used during daemon shutdown.
func (ws *WatchSet) StopAll() {
	ws.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(ws.stops))
	for id, c := range ws.stops {
		cancels = append(cancels, c)
		delete(ws.stops, id)
	}
	ws.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (ws *WatchSet) run(ctx context.Context, fw *fsnotify.Watcher, root model.Root) {
	defer fw.Close()

	pending := make(map[string]struct{})
	timer := time.NewTimer(ws.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(ws.debounce)
			if ev.Has(fsnotify.Create) {
				if fi, err := statIsDir(ev.Name); err == nil && fi {
					excludes, eerr := ws.sc.store.ListExcludes(ctx)
					if eerr != nil {
						logger.Warn().Err(eerr).Msg("list excludes")
					} else if !matchExcludes(relPath(root.Path, ev.Name), excludes) {
						_ = fw.Add(ev.Name)
					}
				}
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				logger.Warn().Str("root", root.Path).Msg("notifier overflow, performing full rescan")
				// Scan only discovers or updates; reconcileMissing catches deletions
				// that happened during the overflow window.
				if rerr := ws.sc.Scan(ctx, root); rerr == nil {
					if rerr := ws.sc.reconcileMissing(ctx, root); rerr != nil {
						logger.Warn().Err(rerr).Str("root", root.Path).Msg("reconcile after overflow")
					}
					if _, aerr := ws.sc.store.Append(ctx, model.ActivityEvent{
						Kind: model.KindScanRecovered, RootID: root.ID,
					}); aerr != nil {
						logger.Warn().Err(aerr).Msg("append scan_recovered")
					}
				}
				continue
			}
			logger.Error().Err(err).Str("root", root.Path).Msg("watcher error")

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			pending = make(map[string]struct{})
			excludes, eerr := ws.sc.store.ListExcludes(ctx)
			if eerr != nil {
				logger.Warn().Err(eerr).Msg("list excludes")
			}
			ws.flush(ctx, root, paths, excludes)
		}
	}
}

// flush applies the same upsert/enqueue transaction Scan uses, including
// exclude filtering (spec.md §4.2 line 60: watch's debounce fire runs "the
// same upsert/enqueue transaction" as scan, so excluded paths must be
// suppressed here too, not just during a full Scan).
func (ws *WatchSet) flush(ctx context.Context, root model.Root, paths []string, excludes []model.Exclude) {
	for _, p := range paths {
		info, err := statInfo(p)
		if err != nil {
			// Gone: treat as a deletion (spec.md §4.2 "Deletion events
			// enqueue queue_pending_deletion and set File status to deleted").
			// Not gated on excludes: a path excluded after being discovered
			// must still be reconciled away when it disappears.
			f, derr := ws.sc.store.RecordDeletion(ctx, p)
			if derr != nil {
				continue // not a tracked path, or already deleted
			}
			if _, aerr := ws.sc.store.Append(ctx, model.ActivityEvent{
				Kind: model.KindFileDeleted, FilePath: f.Path, RootID: root.ID,
			}); aerr != nil {
				logger.Warn().Err(aerr).Msg("append file_deleted")
			}
			continue
		}
		if info.IsDir() {
			continue
		}
		if rel := relPath(root.Path, p); rel != "." && matchExcludes(rel, excludes) {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			ws.sc.recordSymlink(ctx, p, root, info)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		ws.sc.discoverOne(ctx, p, root, info)
	}
}

// addRecursive watches root and every subdirectory not matched by excludes,
// mirroring Scan's fs.SkipDir handling so an excluded directory tree is
// never watched in the first place (spec.md §4.2's Exclude semantics).
func addRecursive(fw *fsnotify.Watcher, root string, excludes []model.Exclude) error {
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		rel := relPath(root, p)
		if rel != "." && matchExcludes(rel, excludes) {
			return filepath.SkipDir
		}
		return fw.Add(p)
	})
}

// relPath returns p relative to root as a slash-separated path, the same
// normalization Scan applies before calling matchExcludes.
func relPath(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}

func statInfo(p string) (os.FileInfo, error) {
	return os.Lstat(p)
}

func statIsDir(p string) (bool, error) {
	info, err := os.Stat(p)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
