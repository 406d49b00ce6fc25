// Package fingerprint implements the Assist daemon's Fingerprinter
// component (spec.md §4.3): computing the content hash for each
// queue_pending_checksum entry and deciding whether upload is needed.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"

	"golang.org/x/time/rate"

	applog "putplace.dev/internal/log"
	"putplace.dev/internal/model"
	"putplace.dev/internal/store"
)

var logger = applog.Component("fingerprinter")

const (
	defaultBatch     = 8
	defaultLease     = 5 * time.Minute
	maxAttempts      = 8
	baseBackoff      = time.Second
	staleMtimeBackoff = 2 * time.Second
)

// Fingerprinter drains queue_pending_checksum with a single worker, as
// required by spec.md §4.3 ("sufficient because the bottleneck is disk I/O
// on one volume").
type Fingerprinter struct {
	store       *store.Store
	chunkBytes  int64
	interChunk  time.Duration
	limiter     *rate.Limiter
}

// New returns a Fingerprinter reading in chunkBytes-sized chunks (default
// 1 MiB) with an optional sleep of interChunk between chunks to bound
// CPU/disk pressure.
func New(s *store.Store, chunkBytes int64, interChunk time.Duration) *Fingerprinter {
	if chunkBytes <= 0 {
		chunkBytes = 1 << 20
	}
	fp := &Fingerprinter{store: s, chunkBytes: chunkBytes, interChunk: interChunk}
	if interChunk > 0 {
		fp.limiter = rate.NewLimiter(rate.Every(interChunk), 1)
	}
	return fp
}

// Run claims and processes queue_pending_checksum entries until ctx is
// cancelled, sleeping briefly between empty polls.
func (fp *Fingerprinter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := fp.processBatch(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("process batch")
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
}

func (fp *Fingerprinter) processBatch(ctx context.Context) (int, error) {
	entries, err := fp.store.Claim(ctx, model.QueuePendingChecksum, "fingerprinter", defaultBatch, defaultLease)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		fp.processOne(ctx, e)
	}
	return len(entries), nil
}

func (fp *Fingerprinter) processOne(ctx context.Context, e model.QueueEntry) {
	f, err := fp.store.File(ctx, e.FileID)
	if err != nil {
		logger.Error().Err(err).Int64("file_id", e.FileID).Msg("load file")
		return
	}

	info, statErr := os.Stat(f.Path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			if err := fp.store.Complete(ctx, e.ID); err != nil {
				logger.Error().Err(err).Msg("complete missing-file entry")
			}
			if err := fp.store.SetFileStatus(ctx, f.ID, model.StatusDeleted, "missing at fingerprint time"); err != nil {
				logger.Error().Err(err).Msg("mark missing file deleted")
			}
			fp.appendEvent(ctx, model.KindFileMissing, f)
			return
		}
		fp.retry(ctx, e, f, statErr.Error())
		return
	}

	if err := fp.store.SetFileStatus(ctx, f.ID, model.StatusHashing, ""); err != nil {
		logger.Warn().Err(err).Msg("mark file hashing")
	}

	sum, hashErr := fp.hashFile(ctx, f.Path, info.Size())
	if hashErr != nil {
		fp.retry(ctx, e, f, hashErr.Error())
		return
	}

	// mtime moved under us mid-read: discard and let the short backoff
	// below bring the entry back for a consistent re-read
	// (spec.md §4.3 "discard the result and leave the entry for
	// re-processing").
	if fresh, err := os.Stat(f.Path); err != nil || fileMtimeNS(fresh) != fileMtimeNS(info) {
		if err := fp.store.Fail(ctx, e.ID, "mtime changed mid-read", staleMtimeBackoff); err != nil {
			logger.Error().Err(err).Msg("reschedule stale-mtime entry")
		}
		return
	}

	got, changed, err := fp.store.CompleteFingerprint(ctx, e.ID, f.ID, sum, info.Size(), fileMtimeNS(info))
	if err != nil {
		logger.Error().Err(err).Int64("file_id", f.ID).Msg("complete fingerprint")
		return
	}
	if changed {
		fp.appendEvent(ctx, model.KindFileChanged, got)
		return
	}
	fp.appendEvent(ctx, model.KindFingerprintUnchanged, got)
}

func (fp *Fingerprinter) retry(ctx context.Context, e model.QueueEntry, f model.File, msg string) {
	attempts, err := fp.store.QueueEntryAttempts(ctx, e.ID)
	if err != nil {
		logger.Error().Err(err).Msg("load attempts")
	}
	if attempts+1 >= maxAttempts {
		if err := fp.store.Complete(ctx, e.ID); err != nil {
			logger.Error().Err(err).Msg("complete terminal-failed entry")
		}
		if err := fp.store.SetFileStatus(ctx, f.ID, model.StatusFailed, msg); err != nil {
			logger.Error().Err(err).Msg("mark file failed")
		}
		fp.appendEvent(ctx, model.KindFingerprintFailed, f)
		return
	}
	backoff := baseBackoff << uint(attempts)
	if err := fp.store.Fail(ctx, e.ID, msg, backoff); err != nil {
		logger.Error().Err(err).Msg("reschedule entry")
	}
}

func (fp *Fingerprinter) appendEvent(ctx context.Context, kind model.ActivityKind, f model.File) {
	if _, err := fp.store.Append(ctx, model.ActivityEvent{Kind: kind, FilePath: f.Path, RootID: f.RootID}); err != nil {
		logger.Warn().Err(err).Msg("append activity event")
	}
}

// hashFile streams path in fp.chunkBytes-sized reads, optionally pausing
// between chunks, and returns the lowercase hex SHA-256 (spec.md §4.3
// "Numeric semantics").
func (fp *Fingerprinter) hashFile(ctx context.Context, path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, fp.chunkBytes)
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return "", werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if fp.limiter != nil {
			if err := fp.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileMtimeNS(info os.FileInfo) int64 {
	return info.ModTime().UnixNano()
}
