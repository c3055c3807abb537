package repo

import (
	"context"
	"database/sql"

	"careerline/internal/domain"
)

const exceptionColumns = `id,type,intent_id,run_id,approval_id,actor_id,resolution,resolved_by,resolved_at,created_at`

func scanException(s rowScanner) (domain.ExceptionEvent, error) {
	var ev domain.ExceptionEvent
	var intentID, runID, approvalID, actorID, resolution, resolvedBy, resolvedAt sql.NullString
	err := s.Scan(&ev.ID, &ev.Type, &intentID, &runID, &approvalID, &actorID, &resolution, &resolvedBy, &resolvedAt, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	ev.IntentID = stringPtr(intentID)
	ev.RunID = stringPtr(runID)
	ev.ApprovalID = stringPtr(approvalID)
	ev.ActorID = stringPtr(actorID)
	ev.Resolution = stringPtr(resolution)
	ev.ResolvedBy = stringPtr(resolvedBy)
	ev.ResolvedAt = stringPtr(resolvedAt)
	return ev, nil
}

// InsertException appends ev. An approval_expired row for an approval that
// already has one is skipped; inserted reports whether a row was written.
func (r Repo) InsertException(ctx context.Context, tx *sql.Tx, ev domain.ExceptionEvent) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO exception_events(`+exceptionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(approval_id) WHERE type='approval_expired' DO NOTHING`,
		ev.ID, ev.Type, nullableStringPtr(ev.IntentID), nullableStringPtr(ev.RunID), nullableStringPtr(ev.ApprovalID),
		nullableStringPtr(ev.ActorID), nullableStringPtr(ev.Resolution), nullableStringPtr(ev.ResolvedBy),
		nullableStringPtr(ev.ResolvedAt), ev.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) GetException(ctx context.Context, id string) (domain.ExceptionEvent, error) {
	return r.GetExceptionTx(ctx, nil, id)
}

func (r Repo) GetExceptionTx(ctx context.Context, tx *sql.Tx, id string) (domain.ExceptionEvent, error) {
	return scanException(r.q(tx).QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exception_events WHERE id=?`, id))
}

// ResolveExceptionTx sets the resolution once. It reports false when the
// exception was already resolved.
func (r Repo) ResolveExceptionTx(ctx context.Context, tx *sql.Tx, id, resolution, resolvedBy, ts string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE exception_events SET resolution=?, resolved_by=?, resolved_at=? WHERE id=? AND resolution IS NULL`,
		resolution, resolvedBy, ts, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListExceptions lists exceptions newest first, optionally of one type.
func (r Repo) ListExceptions(ctx context.Context, typ string, limit int) ([]domain.ExceptionEvent, error) {
	var clauses []string
	var args []any
	if typ != "" {
		clauses = append(clauses, "type=?")
		args = append(args, typ)
	}
	query := `SELECT ` + exceptionColumns + ` FROM exception_events` + where(clauses) + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExceptionEvent
	for rows.Next() {
		ev, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, ev domain.Evidence) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO evidences(id,linked_type,linked_id,kind,url,hash,created_at) VALUES (?,?,?,?,?,?,?)`,
		ev.ID, ev.LinkedType, ev.LinkedID, ev.Kind, nullableStringPtr(ev.URL), nullableStringPtr(ev.Hash), ev.CreatedAt)
	return err
}

// ListEvidence returns evidence linked to an entity, newest first.
func (r Repo) ListEvidence(ctx context.Context, linkedType, linkedID string) ([]domain.Evidence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,linked_type,linked_id,kind,url,hash,created_at FROM evidences
WHERE linked_type=? AND linked_id=? ORDER BY created_at DESC, id DESC`, linkedType, linkedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evidence
	for rows.Next() {
		var ev domain.Evidence
		var url, hash sql.NullString
		if err := rows.Scan(&ev.ID, &ev.LinkedType, &ev.LinkedID, &ev.Kind, &url, &hash, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.URL = stringPtr(url)
		ev.Hash = stringPtr(hash)
		res = append(res, ev)
	}
	return res, rows.Err()
}
