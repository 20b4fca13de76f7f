package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ivannde/lecollecteur/internal/model"
)

type ServerStore struct {
	db *sql.DB
}

func NewServerStore(db *sql.DB) *ServerStore { return &ServerStore{db: db} }

const serverColumns = `id, name, address, ssh_user, ssh_port, COALESCE(key_path,''), COALESCE(password,'')`

func scanServer(row interface{ Scan(...any) error }) (model.Server, error) {
	var s model.Server
	err := row.Scan(&s.ID, &s.Name, &s.Address, &s.User, &s.Port, &s.KeyPath, &s.Password)
	return s, err
}

func normalizeServer(s *model.Server) error {
	s.Name = strings.TrimSpace(s.Name)
	s.Address = strings.TrimSpace(s.Address)
	s.User = strings.TrimSpace(s.User)
	s.KeyPath = strings.TrimSpace(s.KeyPath)
	if s.Name == "" || s.Address == "" || s.User == "" {
		return fmt.Errorf("%w: server name, address and user are required", ErrInvalid)
	}
	if s.Port <= 0 {
		s.Port = model.DefaultSSHPort
	}
	return nil
}

func (r *ServerStore) Create(ctx context.Context, s *model.Server) error {
	if err := normalizeServer(s); err != nil {
		return err
	}
	return insertServer(ctx, r.db, s)
}

func insertServer(ctx context.Context, q querier, s *model.Server) error {
	res, err := q.ExecContext(ctx,
		`INSERT INTO servers(name, address, ssh_user, ssh_port, key_path, password) VALUES (?,?,?,?,?,?)`,
		s.Name, s.Address, s.User, s.Port, nullStr(s.KeyPath), nullStr(s.Password))
	if isUniqueViolation(err) {
		return fmt.Errorf("server %q: %w", s.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert server: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = id
	return nil
}

func (r *ServerStore) Get(ctx context.Context, id int64) (model.Server, error) {
	s, err := scanServer(r.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Server{}, fmt.Errorf("server %d: %w", id, ErrNotFound)
	}
	return s, err
}

func (r *ServerStore) GetByName(ctx context.Context, name string) (model.Server, error) {
	s, err := scanServer(r.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE name = ?`, strings.TrimSpace(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Server{}, fmt.Errorf("server %q: %w", name, ErrNotFound)
	}
	return s, err
}

func (r *ServerStore) List(ctx context.Context) ([]model.Server, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func (r *ServerStore) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM servers`).Scan(&n)
	return n, err
}

func (r *ServerStore) Update(ctx context.Context, s model.Server) error {
	if err := normalizeServer(&s); err != nil {
		return err
	}
	return updateServer(ctx, r.db, s)
}

func updateServer(ctx context.Context, q querier, s model.Server) error {
	res, err := q.ExecContext(ctx,
		`UPDATE servers SET name=?, address=?, ssh_user=?, ssh_port=?, key_path=?, password=? WHERE id=?`,
		s.Name, s.Address, s.User, s.Port, nullStr(s.KeyPath), nullStr(s.Password), s.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("server %q: %w", s.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("update server: %w", err)
	}
	return affectedOne(res, "server", s.ID)
}

// Delete removes the server only; its tasks and logs keep the dangling id.
func (r *ServerStore) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	return affectedOne(res, "server", id)
}

// UpsertByName inserts or updates every server keyed by name in a single
// transaction. Servers absent from the batch are left untouched.
func (r *ServerStore) UpsertByName(ctx context.Context, servers []model.Server) (inserted, updated int, err error) {
	if len(servers) == 0 {
		return 0, 0, nil
	}
	err = inTx(ctx, r.db, func(tx *sql.Tx) error {
		for i := range servers {
			s := &servers[i]
			if err := normalizeServer(s); err != nil {
				return fmt.Errorf("server #%d: %w", i, err)
			}
			var id int64
			err := tx.QueryRowContext(ctx, `SELECT id FROM servers WHERE name = ?`, s.Name).Scan(&id)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				if err := insertServer(ctx, tx, s); err != nil {
					return err
				}
				inserted++
			case err != nil:
				return err
			default:
				s.ID = id
				if err := updateServer(ctx, tx, *s); err != nil {
					return err
				}
				updated++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return inserted, updated, nil
}
