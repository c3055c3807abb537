package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"careerline/internal/domain"
)

const runColumns = `id,intent_id,approval_id,actor_type,actor_id,agent_name,agent_version,model,repo_full_name,pr_number,pr_url,base_sha,head_sha,diff_hash,status,started_at,ended_at,tools_summary,cost_estimate,error_code,created_at,updated_at`

func scanRun(s rowScanner) (domain.AgentRun, error) {
	var run domain.AgentRun
	var approvalID, prURL, baseSHA, headSHA, startedAt, endedAt, tools, errCode sql.NullString
	var cost sql.NullFloat64
	err := s.Scan(&run.ID, &run.IntentID, &approvalID, &run.ActorType, &run.ActorID, &run.AgentName, &run.AgentVersion, &run.Model,
		&run.RepoFullName, &run.PRNumber, &prURL, &baseSHA, &headSHA, &run.DiffHash, &run.Status, &startedAt, &endedAt,
		&tools, &cost, &errCode, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.ApprovalID = stringPtr(approvalID)
	run.PRURL = prURL.String
	run.BaseSHA = baseSHA.String
	run.HeadSHA = headSHA.String
	run.StartedAt = stringPtr(startedAt)
	run.EndedAt = stringPtr(endedAt)
	run.ToolsSummary = stringPtr(tools)
	run.ErrorCode = stringPtr(errCode)
	if cost.Valid {
		c := cost.Float64
		run.CostEstimate = &c
	}
	return run, nil
}

// InsertRunIfAbsent stores run unless its id is taken and returns the
// stored row.
func (r Repo) InsertRunIfAbsent(ctx context.Context, tx *sql.Tx, run domain.AgentRun) (domain.AgentRun, bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO agent_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`,
		run.ID, run.IntentID, nullableStringPtr(run.ApprovalID), run.ActorType, run.ActorID, run.AgentName, run.AgentVersion, run.Model,
		run.RepoFullName, run.PRNumber, nullable(run.PRURL), nullable(run.BaseSHA), nullable(run.HeadSHA), run.DiffHash, run.Status,
		nullableStringPtr(run.StartedAt), nullableStringPtr(run.EndedAt), nullableStringPtr(run.ToolsSummary),
		nullableFloatPtr(run.CostEstimate), nullableStringPtr(run.ErrorCode), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return domain.AgentRun{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.AgentRun{}, false, err
	}
	stored, err := r.GetRunTx(ctx, tx, run.ID)
	return stored, n == 1, err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.AgentRun, error) {
	return r.GetRunTx(ctx, nil, id)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.AgentRun, error) {
	return scanRun(r.q(tx).QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id=?`, id))
}

// StartRunTx moves a queued run to running. It reports false when the run
// was not queued.
func (r Repo) StartRunTx(ctx context.Context, tx *sql.Tx, id, ts string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agent_runs SET status=?, started_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.RunRunning, ts, ts, id, domain.RunQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FinishRunTx records the terminal state of a running run.
func (r Repo) FinishRunTx(ctx context.Context, tx *sql.Tx, id, status string, toolsSummary, errorCode *string, ts string) error {
	return affected(r.q(tx).ExecContext(ctx, `UPDATE agent_runs SET status=?, ended_at=?, tools_summary=?, error_code=?, updated_at=? WHERE id=?`,
		status, ts, nullableStringPtr(toolsSummary), nullableStringPtr(errorCode), ts, id))
}

// ListRuns lists runs newest first.
func (r Repo) ListRuns(ctx context.Context, limit int) ([]domain.AgentRun, error) {
	query := `SELECT ` + runColumns + ` FROM agent_runs ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryRuns(ctx, query, args...)
}

// ListRunsCreatedBetween returns runs with created_at in [from, to],
// newest first, optionally scoped to one repository.
func (r Repo) ListRunsCreatedBetween(ctx context.Context, from, to, repoFullName string) ([]domain.AgentRun, error) {
	clauses := []string{"created_at >= ?", "created_at <= ?"}
	args := []any{from, to}
	if repoFullName != "" {
		clauses = append(clauses, "repo_full_name=?")
		args = append(args, repoFullName)
	}
	return r.queryRuns(ctx, `SELECT `+runColumns+` FROM agent_runs`+where(clauses)+` ORDER BY created_at DESC, id DESC`, args...)
}

func (r Repo) queryRuns(ctx context.Context, query string, args ...any) ([]domain.AgentRun, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

const reviewColumns = `id,run_id,summary,findings_json,safe_to_proceed,status,error_code,created_at`

// InsertReviewOutputTx stores out unless the run already has one.
func (r Repo) InsertReviewOutputTx(ctx context.Context, tx *sql.Tx, out domain.ReviewOutput) error {
	if out.Findings == nil {
		out.Findings = []domain.Finding{}
	}
	findings, err := marshalJSON(out.Findings)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO review_outputs(`+reviewColumns+`) VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(run_id) DO NOTHING`,
		out.ID, out.RunID, out.Summary, findings, boolInt(out.SafeToProceed), out.Status, nullableStringPtr(out.ErrorCode), out.CreatedAt)
	return err
}

func (r Repo) GetReviewOutputByRun(ctx context.Context, runID string) (domain.ReviewOutput, error) {
	var out domain.ReviewOutput
	var findings string
	var safe int
	var errCode sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_outputs WHERE run_id=?`, runID).
		Scan(&out.ID, &out.RunID, &out.Summary, &findings, &safe, &out.Status, &errCode, &out.CreatedAt)
	if err == sql.ErrNoRows {
		return out, ErrNotFound
	}
	if err != nil {
		return out, err
	}
	out.SafeToProceed = safe != 0
	out.ErrorCode = stringPtr(errCode)
	if err := json.Unmarshal([]byte(findings), &out.Findings); err != nil {
		return out, fmt.Errorf("review output %s findings: %w", out.ID, err)
	}
	return out, nil
}

// DeleteReviewOutputByRun removes a run's output.
func (r Repo) DeleteReviewOutputByRun(ctx context.Context, runID string) error {
	return affected(r.DB.ExecContext(ctx, `DELETE FROM review_outputs WHERE run_id=?`, runID))
}
