package store

import (
	"context"

	"putplace.dev/internal/model"
)

// Stats aggregates queue depths and file-status counts for /status
// (spec.md §4.5 "Health & status").
func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	var err error
	if st.PendingChecksum, err = s.QueueDepth(ctx, model.QueuePendingChecksum); err != nil {
		return st, err
	}
	if st.PendingUpload, err = s.QueueDepth(ctx, model.QueuePendingUpload); err != nil {
		return st, err
	}
	if st.PendingDeletion, err = s.QueueDepth(ctx, model.QueuePendingDeletion); err != nil {
		return st, err
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&st.FilesTracked); err != nil {
		return st, err
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE status = ?`, model.StatusCompleted).Scan(&st.Completed); err != nil {
		return st, err
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE status = ?`, model.StatusFailed).Scan(&st.Failed); err != nil {
		return st, err
	}
	return st, nil
}
