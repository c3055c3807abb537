package repo

import (
	"context"
	"database/sql"

	"careerline/internal/domain"
)

const taskColumns = `id,queue,target_url,payload_json,status,attempts,next_attempt_at,last_error,created_at,updated_at`

func scanTask(s rowScanner) (domain.Task, error) {
	var t domain.Task
	var lastErr sql.NullString
	err := s.Scan(&t.ID, &t.Queue, &t.TargetURL, &t.PayloadJSON, &t.Status, &t.Attempts, &t.NextAttemptAt, &lastErr, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.LastError = stringPtr(lastErr)
	return t, err
}

// InsertTaskIfAbsent enqueues t unless a task with the same id exists.
func (r Repo) InsertTaskIfAbsent(ctx context.Context, t domain.Task) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		t.ID, t.Queue, t.TargetURL, t.PayloadJSON, t.Status, t.Attempts, t.NextAttemptAt, nullableStringPtr(t.LastError), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ListDueTasks returns queued tasks whose next attempt is at or before now.
func (r Repo) ListDueTasks(ctx context.Context, now string, limit int) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=? AND next_attempt_at <= ? ORDER BY next_attempt_at ASC, id ASC LIMIT ?`,
		domain.TaskQueued, now, limit)
}

func (r Repo) ListTasks(ctx context.Context, status string, limit int) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + where(clauses) + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryTasks(ctx, query, args...)
}

func (r Repo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTaskAttempt records the outcome of one delivery attempt.
func (r Repo) UpdateTaskAttempt(ctx context.Context, id, status string, attempts int, nextAttemptAt, lastErr, ts string) error {
	return affected(r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, attempts=?, next_attempt_at=?, last_error=?, updated_at=? WHERE id=?`,
		status, attempts, nextAttemptAt, nullable(lastErr), ts, id))
}

// RequeueDeadTask makes a dead task due again with a fresh attempt budget.
func (r Repo) RequeueDeadTask(ctx context.Context, id, ts string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, attempts=0, next_attempt_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.TaskQueued, ts, ts, id, domain.TaskDead)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
