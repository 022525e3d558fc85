package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pranems/scimserver/scim"
)

// Group is a stored group row; memberships live in their own table.
type Group struct {
	ID               int64          `db:"id"`
	ScimID           string         `db:"scim_id"`
	EndpointID       string         `db:"endpoint_id"`
	ExternalID       sql.NullString `db:"external_id"`
	DisplayName      string         `db:"display_name"`
	DisplayNameLower string         `db:"display_name_lower"`
	RawPayload       string         `db:"raw_payload"`
	CreatedAt        string         `db:"created_at"`
	UpdatedAt        string         `db:"updated_at"`
}

// Member is one membership row. MemberID is set when the value resolved to
// a user in the same endpoint; otherwise only the opaque value is kept.
type Member struct {
	ID       int64         `db:"id"`
	GroupID  int64         `db:"group_id"`
	MemberID sql.NullInt64 `db:"member_id"`
	Value    string        `db:"value"`
	Display  string        `db:"display"`
	Type     string        `db:"type"`
}

// CreatedTime decodes the creation timestamp.
func (g *Group) CreatedTime() time.Time { return parseTime(g.CreatedAt) }

// UpdatedTime decodes the last-modified timestamp backing the ETag.
func (g *Group) UpdatedTime() time.Time { return parseTime(g.UpdatedAt) }

// InsertGroup persists a new group with its initial membership set in one
// transaction.
func (s *Store) InsertGroup(ctx context.Context, g *Group, members []Member) error {
	g.CreatedAt = now()
	g.UpdatedAt = g.CreatedAt
	g.DisplayNameLower = strings.ToLower(g.DisplayName)
	return s.withWriteTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO groups (scim_id, endpoint_id, external_id, display_name, display_name_lower, raw_payload, created_at, updated_at)
			VALUES (:scim_id, :endpoint_id, :external_id, :display_name, :display_name_lower, :raw_payload, :created_at, :updated_at)`, g); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &g.ID, s.rebind(
			`SELECT id FROM groups WHERE endpoint_id = ? AND scim_id = ?`), g.EndpointID, g.ScimID); err != nil {
			return err
		}
		return insertMembers(ctx, tx, g.ID, members)
	})
}

// GetGroup fetches by (endpointId, scimId).
func (s *Store) GetGroup(ctx context.Context, endpointID, scimID string) (*Group, error) {
	var g Group
	err := s.db.GetContext(ctx, &g, s.rebind(
		`SELECT * FROM groups WHERE endpoint_id = ? AND scim_id = ?`), endpointID, scimID)
	if err != nil {
		return nil, translateErr(err, nil)
	}
	return &g, nil
}

// GetMembers lists a group's memberships in insertion order.
func (s *Store) GetMembers(ctx context.Context, groupID int64) ([]Member, error) {
	var out []Member
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT * FROM group_members WHERE group_id = ? ORDER BY id`), groupID)
	return out, translateErr(err, nil)
}

// FindGroupConflict returns the first group colliding on displayNameLower or,
// when set, externalId, excluding the given scimId.
func (s *Store) FindGroupConflict(ctx context.Context, endpointID, displayNameLower string, externalID *string, excludeScimID string) (*Group, error) {
	query := `SELECT * FROM groups WHERE endpoint_id = ? AND scim_id != ? AND (display_name_lower = ?`
	args := []any{endpointID, excludeScimID, strings.ToLower(displayNameLower)}
	if externalID != nil && *externalID != "" {
		query += ` OR external_id = ?`
		args = append(args, *externalID)
	}
	query += `) LIMIT 1`

	var g Group
	err := s.db.GetContext(ctx, &g, s.rebind(query), args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGroups returns the endpoint's groups ordered by creation time, scan
// narrowed by an optional pushdown hint.
func (s *Store) ListGroups(ctx context.Context, endpointID string, hint *scim.Pushdown) ([]Group, error) {
	query := `SELECT * FROM groups WHERE endpoint_id = ?`
	args := []any{endpointID}
	if hint != nil {
		switch hint.Attr {
		case "displayName":
			query += ` AND display_name_lower = ?`
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

	var out []Group
	err := s.db.SelectContext(ctx, &out, s.rebind(query), args...)
	return out, translateErr(err, nil)
}

// MembersForGroups loads memberships for a set of groups in one query.
func (s *Store) MembersForGroups(ctx context.Context, groupIDs []int64) (map[int64][]Member, error) {
	out := make(map[int64][]Member, len(groupIDs))
	if len(groupIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		`SELECT * FROM group_members WHERE group_id IN (?) ORDER BY group_id, id`, groupIDs)
	if err != nil {
		return nil, err
	}
	var rows []Member
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, err
	}
	for _, m := range rows {
		out[m.GroupID] = append(out[m.GroupID], m)
	}
	return out, nil
}

// UpdateGroupWithMembers replaces the group's columns and its whole
// membership set in one bounded transaction: update, delete old members,
// insert new members. Member resolution must already have happened; the
// transaction does no lookups.
func (s *Store) UpdateGroupWithMembers(ctx context.Context, g *Group, members []Member) error {
	g.UpdatedAt = now()
	g.DisplayNameLower = strings.ToLower(g.DisplayName)
	return s.withWriteTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, `
			UPDATE groups
			SET external_id = :external_id, display_name = :display_name,
			    display_name_lower = :display_name_lower, raw_payload = :raw_payload, updated_at = :updated_at
			WHERE endpoint_id = :endpoint_id AND scim_id = :scim_id`, g)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM group_members WHERE group_id = ?`), g.ID); err != nil {
			return err
		}
		return insertMembers(ctx, tx, g.ID, members)
	})
}

// DeleteGroup removes a group and its memberships.
func (s *Store) DeleteGroup(ctx context.Context, endpointID, scimID string) error {
	return s.withWriteTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM group_members
			WHERE group_id IN (SELECT id FROM groups WHERE endpoint_id = ? AND scim_id = ?)`),
			endpointID, scimID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM groups WHERE endpoint_id = ? AND scim_id = ?`), endpointID, scimID)
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

func insertMembers(ctx context.Context, tx *sqlx.Tx, groupID int64, members []Member) error {
	for i := range members {
		members[i].GroupID = groupID
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO group_members (group_id, member_id, value, display, type)
			VALUES (:group_id, :member_id, :value, :display, :type)`, &members[i]); err != nil {
			return err
		}
	}
	return nil
}
