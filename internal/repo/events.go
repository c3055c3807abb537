package repo

import (
	"context"
	"database/sql"

	"careerline/internal/domain"
)

const eventColumns = `id,delivery_id,event_type,user_id,repository_id,pr_number,pr_title,pr_description,pr_author,pr_url,head_sha,payload_json,diff_content,files_changed,additions,deletions,total_lines,status,retry_count,artifact_id,error_message,received_at,updated_at,processed_at`

func scanEvent(s rowScanner) (domain.InboundEvent, error) {
	var e domain.InboundEvent
	var desc, headSHA, payload, diff, artifactID, errMsg, processedAt sql.NullString
	err := s.Scan(&e.ID, &e.DeliveryID, &e.EventType, &e.UserID, &e.RepositoryID, &e.PRNumber, &e.PRTitle, &desc, &e.PRAuthor, &e.PRURL,
		&headSHA, &payload, &diff, &e.DiffStats.FilesChanged, &e.DiffStats.Additions, &e.DiffStats.Deletions, &e.DiffStats.TotalLines,
		&e.Status, &e.RetryCount, &artifactID, &errMsg, &e.ReceivedAt, &e.UpdatedAt, &processedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.PRDescription = desc.String
	e.HeadSHA = headSHA.String
	e.PayloadJSON = payload.String
	e.DiffContent = diff.String
	e.ArtifactID = stringPtr(artifactID)
	e.ErrorMessage = stringPtr(errMsg)
	e.ProcessedAt = stringPtr(processedAt)
	return e, nil
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.InboundEvent, error) {
	return r.GetEventTx(ctx, nil, id)
}

func (r Repo) GetEventTx(ctx context.Context, tx *sql.Tx, id string) (domain.InboundEvent, error) {
	return scanEvent(r.q(tx).QueryRowContext(ctx, `SELECT `+eventColumns+` FROM pr_events WHERE id=?`, id))
}

func (r Repo) GetEventByDelivery(ctx context.Context, deliveryID string) (domain.InboundEvent, error) {
	return r.GetEventByDeliveryTx(ctx, nil, deliveryID)
}

func (r Repo) GetEventByDeliveryTx(ctx context.Context, tx *sql.Tx, deliveryID string) (domain.InboundEvent, error) {
	return scanEvent(r.q(tx).QueryRowContext(ctx, `SELECT `+eventColumns+` FROM pr_events WHERE delivery_id=?`, deliveryID))
}

// InsertEventIfAbsent stores e unless a row with the same delivery id
// exists, then returns whichever row owns the delivery id. created
// reports whether e was the row written.
func (r Repo) InsertEventIfAbsent(ctx context.Context, tx *sql.Tx, e domain.InboundEvent) (domain.InboundEvent, bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO pr_events(`+eventColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(delivery_id) DO NOTHING`,
		e.ID, e.DeliveryID, e.EventType, e.UserID, e.RepositoryID, e.PRNumber, e.PRTitle, nullable(e.PRDescription), e.PRAuthor, e.PRURL,
		nullable(e.HeadSHA), nullable(e.PayloadJSON), nullable(e.DiffContent), e.DiffStats.FilesChanged, e.DiffStats.Additions,
		e.DiffStats.Deletions, e.DiffStats.TotalLines, e.Status, e.RetryCount, nullableStringPtr(e.ArtifactID),
		nullableStringPtr(e.ErrorMessage), e.ReceivedAt, e.UpdatedAt, nullableStringPtr(e.ProcessedAt))
	if err != nil {
		return domain.InboundEvent{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.InboundEvent{}, false, err
	}
	stored, err := r.GetEventByDeliveryTx(ctx, tx, e.DeliveryID)
	return stored, n == 1, err
}

// SetEventStatusTx moves an event to status and records errMsg (cleared
// when empty).
func (r Repo) SetEventStatusTx(ctx context.Context, tx *sql.Tx, id, status, errMsg, ts string) error {
	return affected(r.q(tx).ExecContext(ctx, `UPDATE pr_events SET status=?, error_message=?, updated_at=? WHERE id=?`,
		status, nullable(errMsg), ts, id))
}

// UpdateEventPRTx refreshes the PR fields fetched from the provider.
func (r Repo) UpdateEventPRTx(ctx context.Context, tx *sql.Tx, e domain.InboundEvent) error {
	return affected(r.q(tx).ExecContext(ctx, `UPDATE pr_events SET pr_title=?, pr_description=?, head_sha=?, diff_content=?,
files_changed=?, additions=?, deletions=?, total_lines=?, updated_at=? WHERE id=?`,
		e.PRTitle, nullable(e.PRDescription), nullable(e.HeadSHA), nullable(e.DiffContent), e.DiffStats.FilesChanged,
		e.DiffStats.Additions, e.DiffStats.Deletions, e.DiffStats.TotalLines, e.UpdatedAt, e.ID))
}

// CompleteEventTx links the artifact and marks the event completed.
func (r Repo) CompleteEventTx(ctx context.Context, tx *sql.Tx, id, artifactID, ts string) error {
	return affected(r.q(tx).ExecContext(ctx, `UPDATE pr_events SET status=?, artifact_id=?, error_message=NULL, processed_at=?, updated_at=? WHERE id=?`,
		domain.EventCompleted, artifactID, ts, ts, id))
}

// RequeueEventTx puts the event back to pending and bumps its retry count.
func (r Repo) RequeueEventTx(ctx context.Context, tx *sql.Tx, id, ts string) error {
	return affected(r.q(tx).ExecContext(ctx, `UPDATE pr_events SET status=?, retry_count=retry_count+1, error_message=NULL, updated_at=? WHERE id=?`,
		domain.EventPending, ts, id))
}

// ListStaleEvents returns pending or processing events untouched since before.
func (r Repo) ListStaleEvents(ctx context.Context, before string, limit int) ([]domain.InboundEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM pr_events WHERE status IN (?,?) AND updated_at < ? ORDER BY updated_at ASC, id ASC`
	args := []any{domain.EventPending, domain.EventProcessing, before}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// ListEvents lists events newest first, optionally by user and status.
func (r Repo) ListEvents(ctx context.Context, userID, status string, limit int, cursor Cursor) ([]domain.InboundEvent, error) {
	var clauses []string
	var args []any
	if userID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, userID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	clauses, args = pageClause(clauses, args, "received_at", cursor)
	query := `SELECT ` + eventColumns + ` FROM pr_events` + where(clauses) + ` ORDER BY received_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.InboundEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InboundEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
