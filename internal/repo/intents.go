package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"careerline/internal/domain"
)

const intentColumns = `id,goal,constraints_json,success,pr_meta_json,risk_level,risk_reason,requires_approval,creator_id,created_at,updated_at`

func scanIntent(s rowScanner) (domain.Intent, error) {
	var it domain.Intent
	var constraints string
	var prMeta sql.NullString
	var requires int
	err := s.Scan(&it.ID, &it.Goal, &constraints, &it.Success, &prMeta, &it.RiskLevel, &it.RiskReason, &requires,
		&it.CreatorID, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.RequiresApproval = requires != 0
	it.Constraints = domain.Bag{}
	if err := json.Unmarshal([]byte(constraints), &it.Constraints); err != nil {
		return it, fmt.Errorf("intent %s constraints: %w", it.ID, err)
	}
	if prMeta.Valid && prMeta.String != "" {
		var meta domain.PRMeta
		if err := json.Unmarshal([]byte(prMeta.String), &meta); err != nil {
			return it, fmt.Errorf("intent %s pr meta: %w", it.ID, err)
		}
		it.PRMeta = &meta
	}
	return it, nil
}

func (r Repo) InsertIntent(ctx context.Context, tx *sql.Tx, it domain.Intent) error {
	if it.Constraints == nil {
		it.Constraints = domain.Bag{}
	}
	constraints, err := marshalJSON(it.Constraints)
	if err != nil {
		return err
	}
	var prMeta any
	if it.PRMeta != nil {
		v, err := marshalJSON(it.PRMeta)
		if err != nil {
			return err
		}
		prMeta = v
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO intents(`+intentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.Goal, constraints, it.Success, prMeta, it.RiskLevel, it.RiskReason, boolInt(it.RequiresApproval),
		it.CreatorID, it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) GetIntent(ctx context.Context, id string) (domain.Intent, error) {
	return scanIntent(r.DB.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id=?`, id))
}

func (r Repo) ListIntents(ctx context.Context, creatorID string, limit int, cursor Cursor) ([]domain.Intent, error) {
	var clauses []string
	var args []any
	if creatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, creatorID)
	}
	clauses, args = pageClause(clauses, args, "created_at", cursor)
	query := `SELECT ` + intentColumns + ` FROM intents` + where(clauses) + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryIntents(ctx, query, args...)
}

// ListIntentsAwaitingApproval returns intents that require approval and
// have no approval row at all, newest first.
func (r Repo) ListIntentsAwaitingApproval(ctx context.Context, limit int) ([]domain.Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM intents i WHERE i.requires_approval=1
AND NOT EXISTS (SELECT 1 FROM approvals a WHERE a.intent_id=i.id) ORDER BY i.created_at DESC, i.id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryIntents(ctx, query, args...)
}

func (r Repo) queryIntents(ctx context.Context, query string, args ...any) ([]domain.Intent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Intent
	for rows.Next() {
		it, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

const approvalColumns = `id,intent_id,approver_id,decision,template_answers_json,valid_from,valid_to,created_at,updated_at`

func scanApproval(s rowScanner) (domain.Approval, error) {
	var a domain.Approval
	var answers string
	var validTo sql.NullString
	err := s.Scan(&a.ID, &a.IntentID, &a.ApproverID, &a.Decision, &answers, &a.ValidFrom, &validTo, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.TemplateAnswers = domain.Bag{}
	if err := json.Unmarshal([]byte(answers), &a.TemplateAnswers); err != nil {
		return a, fmt.Errorf("approval %s template answers: %w", a.ID, err)
	}
	a.ValidTo = stringPtr(validTo)
	return a, nil
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	if a.TemplateAnswers == nil {
		a.TemplateAnswers = domain.Bag{}
	}
	answers, err := marshalJSON(a.TemplateAnswers)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO approvals(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.IntentID, a.ApproverID, a.Decision, answers, a.ValidFrom, nullableStringPtr(a.ValidTo), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

// ListApprovalsForIntentTx returns an intent's approvals, newest first.
func (r Repo) ListApprovalsForIntentTx(ctx context.Context, tx *sql.Tx, intentID string) ([]domain.Approval, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE intent_id=? ORDER BY created_at DESC, id DESC`, intentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListExpiredApprovals returns approved approvals whose valid_to is before
// now, oldest expiry first.
func (r Repo) ListExpiredApprovals(ctx context.Context, now string, limit int) ([]domain.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE decision=? AND valid_to IS NOT NULL AND valid_to < ? ORDER BY valid_to ASC, id ASC`
	args := []any{domain.DecisionApproved, now}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
