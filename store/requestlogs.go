package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// RequestLog is one audit record of a handled HTTP request.
type RequestLog struct {
	ID              int64          `db:"id"`
	Method          string         `db:"method"`
	URL             string         `db:"url"`
	Status          int            `db:"status"`
	DurationMs      int64          `db:"duration_ms"`
	RequestHeaders  string         `db:"request_headers"`
	RequestBody     string         `db:"request_body"`
	ResponseHeaders string         `db:"response_headers"`
	ResponseBody    string         `db:"response_body"`
	ErrorMessage    sql.NullString `db:"error_message"`
	ErrorStack      sql.NullString `db:"error_stack"`
	Identifier      sql.NullString `db:"identifier"`
	CreatedAt       string         `db:"created_at"`
}

// AppendRequestLogs batch-inserts audit records in one transaction and
// returns their ids in batch order, so the caller can backfill identifiers.
func (s *Store) AppendRequestLogs(ctx context.Context, batch []RequestLog) ([]int64, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(batch))
	err := s.withWriteTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		for i := range batch {
			if batch[i].CreatedAt == "" {
				batch[i].CreatedAt = now()
			}
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO request_logs (method, url, status, duration_ms, request_headers, request_body,
				                          response_headers, response_body, error_message, error_stack, identifier, created_at)
				VALUES (:method, :url, :status, :duration_ms, :request_headers, :request_body,
				        :response_headers, :response_body, :error_message, :error_stack, :identifier, :created_at)`,
				&batch[i]); err != nil {
				return err
			}
			var id int64
			if err := tx.GetContext(ctx, &id, `SELECT MAX(id) FROM request_logs`); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// SetRequestLogIdentifier backfills the derived human-friendly label on one
// row. Best effort; a missing row is not an error.
func (s *Store) SetRequestLogIdentifier(ctx context.Context, id int64, identifier string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE request_logs SET identifier = ? WHERE id = ?`), identifier, id)
	return err
}

// RequestLogQuery filters the audit trail. Zero values mean "any".
type RequestLogQuery struct {
	Method      string
	Status      int
	URLContains string
	// Since and Until compare against created_at in the canonical text
	// encoding, inclusive.
	Since    string
	Until    string
	HasError *bool
	// Search matches a substring against URL, bodies, headers, and the
	// error message.
	Search string
	// IncludeAdmin keeps admin and root traffic; default hides it.
	IncludeAdmin bool
	// HideKeepalive excludes Entra liveness probes: identifier-less,
	// successful, filtered GETs of /Users.
	HideKeepalive bool
	Limit         int
	Offset        int
}

// ListRequestLogs returns matching records newest first plus the total
// match count before pagination. Keepalive suppression happens in SQL so
// the count stays accurate.
func (s *Store) ListRequestLogs(ctx context.Context, q RequestLogQuery) ([]RequestLog, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if q.Method != "" {
		where += ` AND method = ?`
		args = append(args, q.Method)
	}
	if q.Status != 0 {
		where += ` AND status = ?`
		args = append(args, q.Status)
	}
	if q.URLContains != "" {
		where += ` AND url LIKE ?`
		args = append(args, "%"+q.URLContains+"%")
	}
	if q.Since != "" {
		where += ` AND created_at >= ?`
		args = append(args, q.Since)
	}
	if q.Until != "" {
		where += ` AND created_at <= ?`
		args = append(args, q.Until)
	}
	if q.HasError != nil {
		if *q.HasError {
			where += ` AND error_message IS NOT NULL`
		} else {
			where += ` AND error_message IS NULL`
		}
	}
	if q.Search != "" {
		where += ` AND (url LIKE ? OR request_body LIKE ? OR response_body LIKE ?
			OR request_headers LIKE ? OR response_headers LIKE ? OR error_message LIKE ?)`
		pat := "%" + q.Search + "%"
		args = append(args, pat, pat, pat, pat, pat, pat)
	}
	if !q.IncludeAdmin {
		where += ` AND url NOT LIKE '%/admin/%' AND url != '/' AND url NOT LIKE '/health%' AND url NOT LIKE '/metrics%'`
	}
	if q.HideKeepalive {
		where += ` AND NOT (method = 'GET' AND url LIKE '%/Users%' AND url LIKE '%?filter=%'
			AND identifier IS NULL AND status < 400)`
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.rebind(`SELECT COUNT(*) FROM request_logs`+where), args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT * FROM request_logs` + where + ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	if q.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, q.Offset)
	}
	var out []RequestLog
	if err := s.db.SelectContext(ctx, &out, s.rebind(query), args...); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ClearRequestLogs purges the audit trail.
func (s *Store) ClearRequestLogs(ctx context.Context) error {
	return s.withWriteTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM request_logs`)
		return err
	})
}
