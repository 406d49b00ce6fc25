package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"putplace.dev/internal/model"
)

// ErrConflict is returned by CreateRoot when the path is already
// registered; the caller can recover the existing row from the error.
type ErrConflict struct {
	Existing model.Root
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("root %q already registered as id %d", e.Existing.Path, e.Existing.ID)
}

// CreateRoot registers path for scanning. Registering an already-registered
// path returns *ErrConflict wrapping the existing row (spec.md §3 "path is
// absolute, unique"; §8 boundary "A root registered twice returns the
// existing id with a conflict indicator").
func (s *Store) CreateRoot(ctx context.Context, path string, recursive bool) (model.Root, error) {
	if existing, err := s.RootByPath(ctx, path); err == nil {
		return model.Root{}, &ErrConflict{Existing: existing}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return model.Root{}, err
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO roots(path, recursive, enabled, created_at) VALUES(?,?,1,?)`,
		path, boolToInt(recursive), iso(now))
	if err != nil {
		return model.Root{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Root{}, err
	}
	return model.Root{ID: id, Path: path, Recursive: recursive, Enabled: true, CreatedAt: now}, nil
}

// RootByPath looks up a root by its absolute path.
func (s *Store) RootByPath(ctx context.Context, path string) (model.Root, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, path, recursive, enabled, created_at FROM roots WHERE path = ?`, path)
	return scanRoot(row)
}

// Root fetches a single root by id.
func (s *Store) Root(ctx context.Context, id int64) (model.Root, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, path, recursive, enabled, created_at FROM roots WHERE id = ?`, id)
	return scanRoot(row)
}

// ListRoots returns every registered root.
func (s *Store) ListRoots(ctx context.Context) ([]model.Root, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, path, recursive, enabled, created_at FROM roots ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Root
	for rows.Next() {
		r, err := scanRootRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRoot removes the root and, per spec.md §3 ("destroyed removes all
// File rows under path"), every File row whose path falls under it.
func (s *Store) DeleteRoot(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE root_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM roots WHERE id = ?`, id); err != nil {
			return err
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoot(row rowScanner) (model.Root, error) {
	var r model.Root
	var recursive, enabled int
	var createdAt string
	if err := row.Scan(&r.ID, &r.Path, &recursive, &enabled, &createdAt); err != nil {
		return model.Root{}, err
	}
	r.Recursive = recursive != 0
	r.Enabled = enabled != 0
	r.CreatedAt = parseISO(createdAt)
	return r, nil
}

func scanRootRows(rows *sql.Rows) (model.Root, error) {
	return scanRoot(rows)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
