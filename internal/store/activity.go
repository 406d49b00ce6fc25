package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"putplace.dev/internal/model"
)

// Append records an activity event. IDs are strictly increasing and
// contiguous, enforced by SQLite's AUTOINCREMENT rowid (spec.md §8
// invariant "Activity-event ids are strictly increasing and contiguous").
func (s *Store) Append(ctx context.Context, ev model.ActivityEvent) (model.ActivityEvent, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	details := ev.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return model.ActivityEvent{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_events(created_at, kind, file_path, root_id, message, details) VALUES(?,?,?,?,?,?)`,
		iso(ev.CreatedAt), ev.Kind, ev.FilePath, ev.RootID, ev.Message, string(raw))
	if err != nil {
		return model.ActivityEvent{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.ActivityEvent{}, err
	}
	ev.ID = id
	if s.onAppend != nil {
		s.onAppend()
	}
	return ev, nil
}

// ActivityFilter narrows Read's result set (spec.md §4.5 "Activity").
type ActivityFilter struct {
	SinceID int64
	Limit   int
	Kind    model.ActivityKind // empty means unfiltered
}

// Read returns events with id > SinceID (ascending), used both by the
// polling /activity endpoint and by the SSE stream's cursor reads
// (spec.md §5 "the SSE stream reads using an ever-advancing cursor so slow
// consumers never block producers").
func (s *Store) Read(ctx context.Context, f ActivityFilter) ([]model.ActivityEvent, error) {
	q := `SELECT id, created_at, kind, file_path, root_id, message, details FROM activity_events WHERE id > ?`
	args := []any{f.SinceID}
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	q += ` ORDER BY id`
	limit := f.Limit
	if limit <= 0 || limit > 10000 {
		limit = 500
	}
	q += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ActivityEvent
	for rows.Next() {
		ev, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LatestActivityID returns the highest event id, or 0 if the log is empty.
func (s *Store) LatestActivityID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM activity_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// PruneActivity deletes events that are either older than maxAge or beyond
// the newest maxRows, but never anything at or after minUnreadCursor
// (spec.md §4.1 "Retention": "pruning never removes events newer than the
// oldest unread SSE cursor"). A maxAge or maxRows of 0 disables that
// criterion; a minUnreadCursor of 0 or less sets no floor.
func (s *Store) PruneActivity(ctx context.Context, maxAge time.Duration, maxRows int, minUnreadCursor int64) (int64, error) {
	// countCutoffID: ids <= this are beyond the newest maxRows rows.
	var countCutoffID int64 = -1
	if maxRows > 0 {
		var v sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM activity_events ORDER BY id DESC LIMIT 1 OFFSET ?`, maxRows).Scan(&v)
		if err != nil && err != sql.ErrNoRows {
			return 0, err
		}
		if v.Valid {
			countCutoffID = v.Int64
		}
	}

	q := `DELETE FROM activity_events WHERE (id <= ?`
	args := []any{countCutoffID}
	if maxAge > 0 {
		q += ` OR created_at < ?`
		args = append(args, iso(time.Now().Add(-maxAge)))
	}
	q += `)`
	if minUnreadCursor > 0 {
		q += ` AND id < ?`
		args = append(args, minUnreadCursor)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanActivity(rows *sql.Rows) (model.ActivityEvent, error) {
	var ev model.ActivityEvent
	var createdAt, detailsRaw string
	if err := rows.Scan(&ev.ID, &createdAt, &ev.Kind, &ev.FilePath, &ev.RootID, &ev.Message, &detailsRaw); err != nil {
		return model.ActivityEvent{}, err
	}
	ev.CreatedAt = parseISO(createdAt)
	if detailsRaw != "" {
		_ = json.Unmarshal([]byte(detailsRaw), &ev.Details)
	}
	return ev, nil
}
