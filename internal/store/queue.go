package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"putplace.dev/internal/model"
)

// enqueueTx inserts a queue row inside an existing transaction. Callers are
// responsible for committing alongside the File mutation that triggered
// it, satisfying spec.md §4.1's atomicity invariant.
func enqueueTx(ctx context.Context, tx *sql.Tx, fileID int64, kind model.QueueKind) error {
	now := time.Now()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO queue_entries(file_id, kind, enqueued_at, attempts, next_visible_at, claim_token, done) VALUES(?,?,?,0,?,'',0)`,
		fileID, kind, iso(now), iso(now))
	return err
}

// Enqueue adds a queue entry for fileID outside of any other mutation, for
// callers (e.g. a manual re-queue) that don't need atomicity with a File
// row change.
func (s *Store) Enqueue(ctx context.Context, fileID int64, kind model.QueueKind) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return enqueueTx(ctx, tx, fileID, kind)
	})
}

// Claim reserves up to limit not-yet-done entries of kind whose
// next_visible_at has passed, extending next_visible_at to now+lease so no
// other worker can claim the same row until it completes, fails, or the
// lease expires (spec.md §4.1 "claim is atomic"). Because the claim query
// itself filters on next_visible_at, an expired lease becomes visible again
// with no separate sweeper process (spec.md §4.1 "Retention").
func (s *Store) Claim(ctx context.Context, kind model.QueueKind, workerID string, limit int, lease time.Duration) ([]model.QueueEntry, error) {
	var out []model.QueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		rows, err := tx.QueryContext(ctx,
			`SELECT id, file_id, kind, enqueued_at, attempts, next_visible_at, claim_token
			 FROM queue_entries WHERE kind = ? AND done = 0 AND next_visible_at <= ?
			 ORDER BY next_visible_at, id LIMIT ?`,
			kind, iso(now), limit)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			e, err := scanQueueEntry(rows)
			if err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, e.ID)
			out = append(out, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		nextVisible := now.Add(lease)
		for i := range out {
			token := uuid.NewString()
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_entries SET claim_token=?, next_visible_at=? WHERE id=? AND done=0`,
				token, iso(nextVisible), out[i].ID); err != nil {
				return err
			}
			out[i].ClaimToken = token
			out[i].NextVisibleAt = nextVisible
		}
		_ = workerID // not persisted; claim_token is the exclusivity primitive
		return nil
	})
	return out, err
}

// Complete marks entryID as drained. It is a terminal operation; the row
// is retained for audit but will never be claimed again.
func (s *Store) Complete(ctx context.Context, entryID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queue_entries SET done = 1 WHERE id = ?`, entryID)
	return err
}

// Fail bumps attempts and schedules entryID to become visible again after
// backoff (spec.md §4.1 "fail ... bumps attempts and schedules the entry
// for later").
func (s *Store) Fail(ctx context.Context, entryID int64, errMsg string, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET attempts = attempts + 1, next_visible_at = ?, claim_token = '' WHERE id = ?`,
		iso(time.Now().Add(backoff)), entryID)
	_ = errMsg // the caller separately records last_error on the File row and/or an activity event
	return err
}

// QueueEntryAttempts returns the current attempts count for entryID, used
// by workers deciding whether a max-attempts cap has been hit.
func (s *Store) QueueEntryAttempts(ctx context.Context, entryID int64) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `SELECT attempts FROM queue_entries WHERE id = ?`, entryID).Scan(&attempts)
	return attempts, err
}

func scanQueueEntry(rows *sql.Rows) (model.QueueEntry, error) {
	var e model.QueueEntry
	var enqueuedAt, nextVisibleAt string
	if err := rows.Scan(&e.ID, &e.FileID, &e.Kind, &enqueuedAt, &e.Attempts, &nextVisibleAt, &e.ClaimToken); err != nil {
		return model.QueueEntry{}, err
	}
	e.EnqueuedAt = parseISO(enqueuedAt)
	e.NextVisibleAt = parseISO(nextVisibleAt)
	return e, nil
}

// QueueDepth returns the number of not-done entries for kind, used by
// Stats and /status.
func (s *Store) QueueDepth(ctx context.Context, kind model.QueueKind) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE kind = ? AND done = 0`, kind).Scan(&n)
	return n, err
}
