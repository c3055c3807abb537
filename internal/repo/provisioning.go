package repo

import (
	"context"
	"database/sql"

	"careerline/internal/domain"
)

const provisioningColumns = `id,intent_id,approval_id,actor_id,resource_type,resource_id,resource_url,structure_type,created_at`

func scanProvisioning(s rowScanner) (domain.ProvisioningEvent, error) {
	var ev domain.ProvisioningEvent
	var structure sql.NullString
	err := s.Scan(&ev.ID, &ev.IntentID, &ev.ApprovalID, &ev.ActorID, &ev.ResourceType, &ev.ResourceID, &ev.ResourceURL, &structure, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	ev.StructureType = stringPtr(structure)
	return ev, nil
}

// InsertProvisioningIfAbsent keeps one row per intent. When a row exists it
// is returned with created=false.
func (r Repo) InsertProvisioningIfAbsent(ctx context.Context, tx *sql.Tx, ev domain.ProvisioningEvent) (domain.ProvisioningEvent, bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO provisioning_events(`+provisioningColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(intent_id) DO NOTHING`,
		ev.ID, ev.IntentID, ev.ApprovalID, ev.ActorID, ev.ResourceType, ev.ResourceID, ev.ResourceURL,
		nullableStringPtr(ev.StructureType), ev.CreatedAt)
	if err != nil {
		return domain.ProvisioningEvent{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.ProvisioningEvent{}, false, err
	}
	if n == 1 {
		return ev, true, nil
	}
	stored, err := r.GetProvisioningByIntentTx(ctx, tx, ev.IntentID)
	return stored, false, err
}

func (r Repo) GetProvisioningByIntent(ctx context.Context, intentID string) (domain.ProvisioningEvent, error) {
	return r.GetProvisioningByIntentTx(ctx, nil, intentID)
}

func (r Repo) GetProvisioningByIntentTx(ctx context.Context, tx *sql.Tx, intentID string) (domain.ProvisioningEvent, error) {
	return scanProvisioning(r.q(tx).QueryRowContext(ctx, `SELECT `+provisioningColumns+` FROM provisioning_events WHERE intent_id=?`, intentID))
}

type ProvisioningFilter struct {
	From     string
	To       string
	IntentID string
	Limit    int
}

// ListProvisioning lists events newest first. From and To bound
// created_at inclusively.
func (r Repo) ListProvisioning(ctx context.Context, f ProvisioningFilter) ([]domain.ProvisioningEvent, error) {
	var clauses []string
	var args []any
	if f.From != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.To)
	}
	if f.IntentID != "" {
		clauses = append(clauses, "intent_id = ?")
		args = append(args, f.IntentID)
	}
	query := `SELECT ` + provisioningColumns + ` FROM provisioning_events` + where(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProvisioningEvent
	for rows.Next() {
		ev, err := scanProvisioning(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
