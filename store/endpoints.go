package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Endpoint is a tenant row. Config holds the behavior flags as raw JSON;
// interpretation lives with the endpoint service.
type Endpoint struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	DisplayName string `db:"display_name"`
	Description string `db:"description"`
	Config      string `db:"config"`
	Active      bool   `db:"active"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

// CreateEndpoint inserts a tenant. A name collision yields ErrConflict.
func (s *Store) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	e.CreatedAt = now()
	e.UpdatedAt = e.CreatedAt
	if e.Config == "" {
		e.Config = "{}"
	}
	return s.withWriteTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO endpoints (id, name, display_name, description, config, active, created_at, updated_at)
			VALUES (:id, :name, :display_name, :description, :config, :active, :created_at, :updated_at)`, e)
		return err
	})
}

// GetEndpoint fetches a tenant by id.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	var e Endpoint
	err := s.db.GetContext(ctx, &e, s.rebind(`SELECT * FROM endpoints WHERE id = ?`), id)
	if err != nil {
		return nil, translateErr(err, nil)
	}
	return &e, nil
}

// GetEndpointByName fetches a tenant by its unique name.
func (s *Store) GetEndpointByName(ctx context.Context, name string) (*Endpoint, error) {
	var e Endpoint
	err := s.db.GetContext(ctx, &e, s.rebind(`SELECT * FROM endpoints WHERE name = ?`), name)
	if err != nil {
		return nil, translateErr(err, nil)
	}
	return &e, nil
}

// ListEndpoints returns every tenant ordered by creation.
func (s *Store) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	var out []Endpoint
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM endpoints ORDER BY created_at, id`)
	return out, translateErr(err, nil)
}

// UpdateEndpoint persists mutated tenant fields and bumps updated_at.
func (s *Store) UpdateEndpoint(ctx context.Context, e *Endpoint) error {
	e.UpdatedAt = now()
	return s.withWriteTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, `
			UPDATE endpoints
			SET name = :name, display_name = :display_name, description = :description,
			    config = :config, active = :active, updated_at = :updated_at
			WHERE id = :id`, e)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return ErrNotFound
		}
		return err
	})
}

// DeleteEndpoint removes the tenant and everything it owns: memberships,
// groups, then users, inside one transaction.
func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM group_members
			WHERE group_id IN (SELECT id FROM groups WHERE endpoint_id = ?)`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM groups WHERE endpoint_id = ?`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM users WHERE endpoint_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM endpoints WHERE id = ?`), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return ErrNotFound
		}
		return err
	})
}

// EndpointStats are the ownership counts reported by the admin API.
type EndpointStats struct {
	Users  int `db:"users"`
	Groups int `db:"groups"`
}

// GetEndpointStats counts the resources a tenant owns.
func (s *Store) GetEndpointStats(ctx context.Context, id string) (*EndpointStats, error) {
	var stats EndpointStats
	err := s.db.GetContext(ctx, &stats, s.rebind(`
		SELECT
			(SELECT COUNT(*) FROM users WHERE endpoint_id = ?) AS users,
			(SELECT COUNT(*) FROM groups WHERE endpoint_id = ?) AS groups`), id, id)
	return &stats, translateErr(err, nil)
}
