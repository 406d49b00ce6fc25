// Package scanner implements the Assist daemon's Scanner component
// (spec.md §4.2): populating the File table for registered Roots and
// emitting queue_pending_checksum entries for new or changed files.
package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"putplace.dev/internal/model"
	"putplace.dev/internal/store"

	applog "putplace.dev/internal/log"
)

var logger = applog.Component("scanner")

// Scanner walks registered Roots and maintains the File table.
type Scanner struct {
	store *store.Store
}

// New returns a Scanner backed by s.
func New(s *store.Store) *Scanner {
	return &Scanner{store: s}
}

// Scan performs one full, depth-first walk of root, upserting File rows and
// enqueueing queue_pending_checksum for anything new or changed
// (spec.md §4.2 "scan(root_id)").
func (sc *Scanner) Scan(ctx context.Context, root model.Root) error {
	excludes, err := sc.store.ListExcludes(ctx)
	if err != nil {
		return err
	}

	if _, err := sc.store.Append(ctx, model.ActivityEvent{
		Kind: model.KindScanStarted, RootID: root.ID, Message: root.Path,
	}); err != nil {
		logger.Warn().Err(err).Msg("append scan_started")
	}

	discovered, changed := 0, 0
	walkErr := filepath.WalkDir(root.Path, func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logger.Warn().Err(err).Str("path", p).Msg("unreadable, skipping")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root.Path, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && matchExcludes(rel, excludes) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if !root.Recursive && rel != "." {
				return fs.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.Warn().Err(err).Str("path", p).Msg("stat failed, skipping")
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			sc.recordSymlink(ctx, p, root, info)
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		discovered++
		if sc.discoverOne(ctx, p, root, info) {
			changed++
		}
		return nil
	})
	if walkErr != nil && ctx.Err() == nil {
		logger.Error().Err(walkErr).Str("root", root.Path).Msg("scan failed")
	}

	if _, err := sc.store.Append(ctx, model.ActivityEvent{
		Kind: model.KindScanComplete, RootID: root.ID,
		Details: map[string]any{"discovered": discovered, "changed": changed},
	}); err != nil {
		logger.Warn().Err(err).Msg("append scan_complete")
	}
	return walkErr
}

func (sc *Scanner) discoverOne(ctx context.Context, p string, root model.Root, info fs.FileInfo) bool {
	uid, gid, mtimeNS := fileOwnership(info)
	f := model.File{
		Path:    p,
		RootID:  root.ID,
		Size:    info.Size(),
		MtimeNS: mtimeNS,
		Mode:    uint32(info.Mode().Perm()),
		UID:     uid,
		GID:     gid,
	}
	got, changed, err := sc.store.DiscoverFile(ctx, f)
	if err != nil {
		logger.Error().Err(err).Str("path", p).Msg("discover file")
		return false
	}
	if !changed {
		return false
	}
	kind := model.KindFileDiscovered
	if !got.DiscoveredAt.Equal(got.UpdatedAt) {
		kind = model.KindFileChanged
	}
	if _, err := sc.store.Append(ctx, model.ActivityEvent{Kind: kind, FilePath: p, RootID: root.ID}); err != nil {
		logger.Warn().Err(err).Msg("append discovery event")
	}
	return true
}

func (sc *Scanner) recordSymlink(ctx context.Context, p string, root model.Root, info fs.FileInfo) {
	target, err := os.Readlink(p)
	if err != nil {
		logger.Warn().Err(err).Str("path", p).Msg("readlink failed")
		target = ""
	}
	uid, gid, mtimeNS := fileOwnership(info)
	f := model.File{
		Path: p, RootID: root.ID, Size: info.Size(), MtimeNS: mtimeNS,
		Mode: uint32(info.Mode().Perm()), UID: uid, GID: gid,
		IsSymlink: true, LinkTarget: target,
	}
	if _, _, err := sc.store.DiscoverFile(ctx, f); err != nil {
		logger.Error().Err(err).Str("path", p).Msg("discover symlink")
	}
}

// ScanAll scans every enabled root sequentially (spec.md §4.2 "scan_all()").
func (sc *Scanner) ScanAll(ctx context.Context) error {
	roots, err := sc.store.ListRoots(ctx)
	if err != nil {
		return err
	}
	for _, r := range roots {
		if !r.Enabled {
			continue
		}
		if err := sc.Scan(ctx, r); err != nil && ctx.Err() != nil {
			return err
		}
	}
	return nil
}

// reconcileMissing marks as deleted any File row under root whose path no
// longer exists on disk, used to recover after a notifier overflow that may
// have dropped delete events.
func (sc *Scanner) reconcileMissing(ctx context.Context, root model.Root) error {
	files, err := sc.store.ListFiles(ctx, store.ListFilesOptions{PathPrefix: withTrailingSlash(root.Path)})
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.Status == model.StatusDeleted {
			continue
		}
		if _, err := os.Lstat(f.Path); err != nil && os.IsNotExist(err) {
			if _, derr := sc.store.RecordDeletion(ctx, f.Path); derr != nil {
				logger.Error().Err(derr).Str("path", f.Path).Msg("record deletion")
				continue
			}
			if _, err := sc.store.Append(ctx, model.ActivityEvent{Kind: model.KindFileDeleted, FilePath: f.Path, RootID: root.ID}); err != nil {
				logger.Warn().Err(err).Msg("append file_deleted")
			}
		}
	}
	return nil
}

func withTrailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}
