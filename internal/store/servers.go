package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"putplace.dev/internal/model"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// CreateServer registers a remote server. At most one Server row may have
// IsDefault set (spec.md §3); if isDefault is true, any previous default is
// cleared in the same transaction.
func (s *Store) CreateServer(ctx context.Context, srv model.Server) (model.Server, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if srv.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE servers SET is_default = 0`); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO servers(name, base_url, username, secret, is_default, token, token_expiry) VALUES(?,?,?,?,?,?,?)`,
			srv.Name, srv.BaseURL, srv.Username, srv.Secret, boolToInt(srv.IsDefault), "", "")
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return model.Server{}, err
	}
	srv.ID = id
	srv.Token = ""
	srv.TokenExpiry = time.Time{}
	return srv, nil
}

// ListServers returns every registered server, Secret and Token included.
// HTTP handlers must strip them before serializing a response.
func (s *Store) ListServers(ctx context.Context) ([]model.Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, base_url, username, secret, is_default, token, token_expiry FROM servers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// DefaultServer returns the Server row with IsDefault set, the target of
// the Uploader (spec.md §4.4).
func (s *Store) DefaultServer(ctx context.Context) (model.Server, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, base_url, username, secret, is_default, token, token_expiry FROM servers WHERE is_default = 1 LIMIT 1`)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Server{}, ErrNotFound
	}
	return srv, err
}

// SetDefaultServer makes id the sole default server.
func (s *Store) SetDefaultServer(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE servers SET is_default = 0`); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE servers SET is_default = 1 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteServer removes a server configuration.
func (s *Store) DeleteServer(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	return err
}

// UpdateServerToken caches a freshly-obtained bearer token, transactionally
// (spec.md §9 "Token caching via mutable module-level state → a Server
// record in the Store with token and token_expiry columns").
func (s *Store) UpdateServerToken(ctx context.Context, id int64, token string, expiry time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE servers SET token = ?, token_expiry = ? WHERE id = ?`, token, iso(expiry), id)
	return err
}

// EvictServerToken clears a cached token, used after a 401 (spec.md §4.4
// "Backpressure & retry").
func (s *Store) EvictServerToken(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE servers SET token = '', token_expiry = '' WHERE id = ?`, id)
	return err
}

func scanServer(row rowScanner) (model.Server, error) {
	var srv model.Server
	var isDefault int
	var tokenExpiry string
	if err := row.Scan(&srv.ID, &srv.Name, &srv.BaseURL, &srv.Username, &srv.Secret, &isDefault, &srv.Token, &tokenExpiry); err != nil {
		return model.Server{}, err
	}
	srv.IsDefault = isDefault != 0
	srv.TokenExpiry = parseISO(tokenExpiry)
	return srv, nil
}
