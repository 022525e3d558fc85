package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pranems/scimserver/scim"
)

// User is a stored user row. First-class columns back uniqueness and filter
// pushdown; everything else lives in RawPayload.
type User struct {
	ID            int64          `db:"id"`
	ScimID        string         `db:"scim_id"`
	EndpointID    string         `db:"endpoint_id"`
	ExternalID    sql.NullString `db:"external_id"`
	UserName      string         `db:"user_name"`
	UserNameLower string         `db:"user_name_lower"`
	Active        bool           `db:"active"`
	RawPayload    string         `db:"raw_payload"`
	CreatedAt     string         `db:"created_at"`
	UpdatedAt     string         `db:"updated_at"`
}

// CreatedTime decodes the creation timestamp.
func (u *User) CreatedTime() time.Time { return parseTime(u.CreatedAt) }

// UpdatedTime decodes the last-modified timestamp backing the ETag.
func (u *User) UpdatedTime() time.Time { return parseTime(u.UpdatedAt) }

// InsertUser persists a new user. Uniqueness collisions surface ErrConflict.
func (s *Store) InsertUser(ctx context.Context, u *User) error {
	u.CreatedAt = now()
	u.UpdatedAt = u.CreatedAt
	u.UserNameLower = strings.ToLower(u.UserName)
	return s.withWriteTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO users (scim_id, endpoint_id, external_id, user_name, user_name_lower, active, raw_payload, created_at, updated_at)
			VALUES (:scim_id, :endpoint_id, :external_id, :user_name, :user_name_lower, :active, :raw_payload, :created_at, :updated_at)`, u); err != nil {
			return err
		}
		// LastInsertId is SQLite-only; reading the key back works on both
		// backends.
		return tx.GetContext(ctx, &u.ID, s.rebind(
			`SELECT id FROM users WHERE endpoint_id = ? AND scim_id = ?`), u.EndpointID, u.ScimID)
	})
}

// GetUser fetches by the external identity (endpointId, scimId).
func (s *Store) GetUser(ctx context.Context, endpointID, scimID string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, s.rebind(
		`SELECT * FROM users WHERE endpoint_id = ? AND scim_id = ?`), endpointID, scimID)
	if err != nil {
		return nil, translateErr(err, nil)
	}
	return &u, nil
}

// FindUserConflict returns the first user colliding on userNameLower or, when
// set, externalId, excluding the given scimId. Nil result means no conflict.
func (s *Store) FindUserConflict(ctx context.Context, endpointID, userNameLower string, externalID *string, excludeScimID string) (*User, error) {
	query := `SELECT * FROM users WHERE endpoint_id = ? AND scim_id != ? AND (user_name_lower = ?`
	args := []any{endpointID, excludeScimID, strings.ToLower(userNameLower)}
	if externalID != nil && *externalID != "" {
		query += ` OR external_id = ?`
		args = append(args, *externalID)
	}
	query += `) LIMIT 1`

	var u User
	err := s.db.GetContext(ctx, &u, s.rebind(query), args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns the endpoint's users ordered by creation time with the
// insertion rowid as tiebreak. A pushdown hint narrows the scan to one
// indexed equality; the caller still applies the full in-memory predicate.
func (s *Store) ListUsers(ctx context.Context, endpointID string, hint *scim.Pushdown) ([]User, error) {
	query := `SELECT * FROM users WHERE endpoint_id = ?`
	args := []any{endpointID}
	if hint != nil {
		switch hint.Attr {
		case "userName":
			query += ` AND user_name_lower = ?`
			args = append(args, strings.ToLower(hint.Value))
		case "externalId":
			query += ` AND external_id = ?`
			args = append(args, hint.Value)
		case "id":
			query += ` AND scim_id = ?`
			args = append(args, hint.Value)
		}
	}
	query += ` ORDER BY created_at, id`

	var out []User
	err := s.db.SelectContext(ctx, &out, s.rebind(query), args...)
	return out, translateErr(err, nil)
}

// GetUsersByScimIDs resolves scim ids to users within one endpoint. Missing
// ids are simply absent from the result.
func (s *Store) GetUsersByScimIDs(ctx context.Context, endpointID string, scimIDs []string) (map[string]*User, error) {
	out := make(map[string]*User, len(scimIDs))
	if len(scimIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		`SELECT * FROM users WHERE endpoint_id = ? AND scim_id IN (?)`, endpointID, scimIDs)
	if err != nil {
		return nil, err
	}
	var rows []User
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, err
	}
	for i := range rows {
		out[rows[i].ScimID] = &rows[i]
	}
	return out, nil
}

// UpdateUser replaces the mutable columns of an existing user.
func (s *Store) UpdateUser(ctx context.Context, u *User) error {
	u.UpdatedAt = now()
	u.UserNameLower = strings.ToLower(u.UserName)
	return s.withWriteTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, `
			UPDATE users
			SET external_id = :external_id, user_name = :user_name, user_name_lower = :user_name_lower,
			    active = :active, raw_payload = :raw_payload, updated_at = :updated_at
			WHERE endpoint_id = :endpoint_id AND scim_id = :scim_id`, u)
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

// DeleteUser hard-deletes a user and detaches it from group memberships.
// Memberships keep the opaque value so groups still list the reference.
func (s *Store) DeleteUser(ctx context.Context, endpointID, scimID string) error {
	return s.withWriteTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE group_members SET member_id = NULL
			WHERE member_id IN (SELECT id FROM users WHERE endpoint_id = ? AND scim_id = ?)`),
			endpointID, scimID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM users WHERE endpoint_id = ? AND scim_id = ?`), endpointID, scimID)
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
