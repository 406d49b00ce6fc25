package store

import (
	"context"
	"database/sql"
	"time"

	"putplace.dev/internal/model"
)

// SetFileStatus sets status (and optionally lastError) for id. Used for
// transitions that don't need to enqueue anything else (e.g. marking a file
// hashing or uploading, or a fingerprint or upload giving up after its
// max-attempts cap), unlike the atomic combinators in pipeline.go.
func (s *Store) SetFileStatus(ctx context.Context, id int64, status model.FileStatus, lastError string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE files SET status=?, last_error=?, updated_at=? WHERE id=?`, status, lastError, iso(time.Now()), id)
	return err
}

// File fetches a single File row.
func (s *Store) File(ctx context.Context, id int64) (model.File, error) {
	return queryFileByID(ctx, s.db, id)
}

// FileByPath fetches a single File row by its absolute path.
func (s *Store) FileByPath(ctx context.Context, path string) (model.File, error) {
	return queryFileByPath(ctx, s.db, path)
}

// ListFilesOptions filters a paginated file listing (spec.md §4.5
// "Files" endpoint).
type ListFilesOptions struct {
	PathPrefix string
	SHA256     string
	Limit      int
	Offset     int
}

// ListFiles returns File rows matching opts, ordered by id.
func (s *Store) ListFiles(ctx context.Context, opts ListFilesOptions) ([]model.File, error) {
	q := `SELECT id, path, root_id, size, mtime_ns, mode, uid, gid, is_symlink, link_target, sha256, status, last_error, discovered_at, updated_at FROM files WHERE 1=1`
	var args []any
	if opts.PathPrefix != "" {
		q += ` AND path LIKE ?`
		args = append(args, opts.PathPrefix+"%")
	}
	if opts.SHA256 != "" {
		q += ` AND sha256 = ?`
		args = append(args, opts.SHA256)
	}
	q += ` ORDER BY id LIMIT ? OFFSET ?`
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FilesReadyForUpload returns up to limit files in StatusReadyForUpload
// under pathPrefix, used by the /uploads trigger endpoint (spec.md §4.5).
func (s *Store) FilesReadyForUpload(ctx context.Context, pathPrefix string, limit int) ([]model.File, error) {
	q := `SELECT id, path, root_id, size, mtime_ns, mode, uid, gid, is_symlink, link_target, sha256, status, last_error, discovered_at, updated_at
	      FROM files WHERE status = ?`
	args := []any{model.StatusReadyForUpload}
	if pathPrefix != "" {
		q += ` AND path LIKE ?`
		args = append(args, pathPrefix+"%")
	}
	q += ` ORDER BY id`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func queryFileByPath(ctx context.Context, q querier, path string) (model.File, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, path, root_id, size, mtime_ns, mode, uid, gid, is_symlink, link_target, sha256, status, last_error, discovered_at, updated_at FROM files WHERE path = ?`, path)
	return scanFile(row)
}

func queryFileByID(ctx context.Context, q querier, id int64) (model.File, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, path, root_id, size, mtime_ns, mode, uid, gid, is_symlink, link_target, sha256, status, last_error, discovered_at, updated_at FROM files WHERE id = ?`, id)
	return scanFile(row)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanFile(row rowScanner) (model.File, error) {
	var f model.File
	var isSymlink int
	var discoveredAt, updatedAt string
	if err := row.Scan(&f.ID, &f.Path, &f.RootID, &f.Size, &f.MtimeNS, &f.Mode, &f.UID, &f.GID, &isSymlink, &f.LinkTarget, &f.SHA256, &f.Status, &f.LastError, &discoveredAt, &updatedAt); err != nil {
		return model.File{}, err
	}
	f.IsSymlink = isSymlink != 0
	f.DiscoveredAt = parseISO(discoveredAt)
	f.UpdatedAt = parseISO(updatedAt)
	return f, nil
}
