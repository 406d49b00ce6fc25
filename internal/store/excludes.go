package store

import (
	"context"

	"putplace.dev/internal/model"
)

// CreateExclude registers a glob-or-component exclude pattern. Uniqueness
// is case-sensitive (spec.md §3).
func (s *Store) CreateExclude(ctx context.Context, pattern string) (model.Exclude, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO excludes(pattern) VALUES(?)`, pattern)
	if err != nil {
		return model.Exclude{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Exclude{}, err
	}
	return model.Exclude{ID: id, Pattern: pattern}, nil
}

// ListExcludes returns every registered exclude pattern.
func (s *Store) ListExcludes(ctx context.Context) ([]model.Exclude, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, pattern FROM excludes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Exclude
	for rows.Next() {
		var e model.Exclude
		if err := rows.Scan(&e.ID, &e.Pattern); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteExclude removes an exclude pattern. Per spec.md §4.2, this never
// retroactively touches existing File rows — it only suppresses future
// enqueues.
func (s *Store) DeleteExclude(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM excludes WHERE id = ?`, id)
	return err
}
