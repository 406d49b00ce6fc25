package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"putplace.dev/internal/model"
)

// DiscoverFile upserts f and, if the row is new or its (size, mtime_ns)
// changed, enqueues a queue_pending_checksum entry in the same transaction
// (spec.md §4.2 scan() steps (a)-(b)). changed reports whether an entry was
// queued.
func (s *Store) DiscoverFile(ctx context.Context, f model.File) (file model.File, changed bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, lookupErr := queryFileByPath(ctx, tx, f.Path)
		now := time.Now()
		switch {
		case errors.Is(lookupErr, sql.ErrNoRows):
			f.Status = model.StatusDiscovered
			f.DiscoveredAt = now
			f.UpdatedAt = now
			res, insErr := tx.ExecContext(ctx,
				`INSERT INTO files(path, root_id, size, mtime_ns, mode, uid, gid, is_symlink, link_target, sha256, status, last_error, discovered_at, updated_at)
				 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
				f.Path, f.RootID, f.Size, f.MtimeNS, f.Mode, f.UID, f.GID, boolToInt(f.IsSymlink), f.LinkTarget, "", f.Status, "", iso(now), iso(now))
			if insErr != nil {
				return insErr
			}
			id, idErr := res.LastInsertId()
			if idErr != nil {
				return idErr
			}
			f.ID = id
			changed = true
		case lookupErr != nil:
			return lookupErr
		default:
			rowChanged := existing.Size != f.Size || existing.MtimeNS != f.MtimeNS
			status := existing.Status
			sha := existing.SHA256
			if rowChanged {
				status = model.StatusDiscovered
				sha = ""
			}
			if _, updErr := tx.ExecContext(ctx,
				`UPDATE files SET root_id=?, size=?, mtime_ns=?, mode=?, uid=?, gid=?, is_symlink=?, link_target=?, sha256=?, status=?, updated_at=? WHERE id=?`,
				f.RootID, f.Size, f.MtimeNS, f.Mode, f.UID, f.GID, boolToInt(f.IsSymlink), f.LinkTarget, sha, status, iso(now), existing.ID); updErr != nil {
				return updErr
			}
			f.ID = existing.ID
			f.Status = status
			f.SHA256 = sha
			f.DiscoveredAt = existing.DiscoveredAt
			f.UpdatedAt = now
			changed = rowChanged
		}
		if changed {
			if err := enqueueTx(ctx, tx, f.ID, model.QueuePendingChecksum); err != nil {
				return err
			}
		}
		file = f
		return nil
	})
	return file, changed, err
}

// RecordDeletion marks path deleted and enqueues a queue_pending_deletion
// entry in the same transaction (spec.md §4.2 "Deletion events enqueue
// queue_pending_deletion and set File status to deleted").
func (s *Store) RecordDeletion(ctx context.Context, path string) (model.File, error) {
	var f model.File
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, lookupErr := queryFileByPath(ctx, tx, path)
		if lookupErr != nil {
			return lookupErr
		}
		now := time.Now()
		if _, err := tx.ExecContext(ctx, `UPDATE files SET status=?, updated_at=? WHERE id=?`, model.StatusDeleted, iso(now), existing.ID); err != nil {
			return err
		}
		if err := enqueueTx(ctx, tx, existing.ID, model.QueuePendingDeletion); err != nil {
			return err
		}
		existing.Status = model.StatusDeleted
		existing.UpdatedAt = now
		f = existing
		return nil
	})
	return f, err
}

// CompleteFingerprint applies the Fingerprinter's result for entryID in a
// single transaction: updates the File row's digest, decides the next
// status, conditionally enqueues queue_pending_upload, and marks the claim
// done (spec.md §4.3 "within one transaction").
func (s *Store) CompleteFingerprint(ctx context.Context, entryID, fileID int64, sha256 string, size, mtimeNS int64) (file model.File, changed bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, lookupErr := queryFileByID(ctx, tx, fileID)
		if lookupErr != nil {
			return lookupErr
		}
		changed = existing.SHA256 != sha256
		status := model.StatusCompleted
		if changed {
			status = model.StatusReadyForUpload
		}
		now := time.Now()
		if _, err := tx.ExecContext(ctx, `UPDATE files SET sha256=?, size=?, mtime_ns=?, status=?, last_error='', updated_at=? WHERE id=?`,
			sha256, size, mtimeNS, status, iso(now), fileID); err != nil {
			return err
		}
		if changed {
			if err := enqueueTx(ctx, tx, fileID, model.QueuePendingUpload); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE queue_entries SET done = 1 WHERE id = ?`, entryID); err != nil {
			return err
		}
		existing.SHA256 = sha256
		existing.Size = size
		existing.MtimeNS = mtimeNS
		existing.Status = status
		existing.UpdatedAt = now
		file = existing
		return nil
	})
	return file, changed, err
}

// CompleteUpload marks fileID completed and the claim done, in one
// transaction (spec.md §4.4 step 4).
func (s *Store) CompleteUpload(ctx context.Context, entryID, fileID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE files SET status=?, last_error='', updated_at=? WHERE id=?`, model.StatusCompleted, iso(time.Now()), fileID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE queue_entries SET done = 1 WHERE id = ?`, entryID)
		return err
	})
}
