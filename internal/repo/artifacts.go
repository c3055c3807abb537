package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"careerline/internal/domain"
)

const artifactColumns = `id,user_id,source_event_id,repository_id,status,title,description,impact,technologies_json,contributions_json,metrics,validation_errors_json,schema_version,generated_at,approved_at,edited_at,exported_at,export_formats_json,created_at,updated_at`

func scanArtifact(s rowScanner) (domain.Artifact, error) {
	var a domain.Artifact
	var techs, contribs, formats string
	var metrics, validation, approvedAt, editedAt, exportedAt sql.NullString
	err := s.Scan(&a.ID, &a.UserID, &a.SourceEventID, &a.RepositoryID, &a.Status, &a.Title, &a.Description, &a.Impact,
		&techs, &contribs, &metrics, &validation, &a.SchemaVersion, &a.GeneratedAt, &approvedAt, &editedAt, &exportedAt,
		&formats, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(techs), &a.Technologies); err != nil {
		return a, fmt.Errorf("artifact %s technologies: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(contribs), &a.Contributions); err != nil {
		return a, fmt.Errorf("artifact %s contributions: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(formats), &a.ExportFormats); err != nil {
		return a, fmt.Errorf("artifact %s export formats: %w", a.ID, err)
	}
	if validation.Valid && validation.String != "" {
		if err := json.Unmarshal([]byte(validation.String), &a.ValidationErrors); err != nil {
			return a, fmt.Errorf("artifact %s validation errors: %w", a.ID, err)
		}
	}
	a.Metrics = stringPtr(metrics)
	a.ApprovedAt = stringPtr(approvedAt)
	a.EditedAt = stringPtr(editedAt)
	a.ExportedAt = stringPtr(exportedAt)
	return a, nil
}

type artifactJSON struct {
	techs, contribs, formats string
	validation               any
}

func encodeArtifact(a domain.Artifact) (artifactJSON, error) {
	var out artifactJSON
	var err error
	if a.Technologies == nil {
		a.Technologies = []string{}
	}
	if a.Contributions == nil {
		a.Contributions = []string{}
	}
	if a.ExportFormats == nil {
		a.ExportFormats = []string{}
	}
	if out.techs, err = marshalJSON(a.Technologies); err != nil {
		return out, err
	}
	if out.contribs, err = marshalJSON(a.Contributions); err != nil {
		return out, err
	}
	if out.formats, err = marshalJSON(a.ExportFormats); err != nil {
		return out, err
	}
	if len(a.ValidationErrors) > 0 {
		v, err := marshalJSON(a.ValidationErrors)
		if err != nil {
			return out, err
		}
		out.validation = v
	}
	return out, nil
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	return r.GetArtifactTx(ctx, nil, id)
}

func (r Repo) GetArtifactTx(ctx context.Context, tx *sql.Tx, id string) (domain.Artifact, error) {
	return scanArtifact(r.q(tx).QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=?`, id))
}

func (r Repo) GetArtifactBySourceEvent(ctx context.Context, eventID string) (domain.Artifact, error) {
	return r.GetArtifactBySourceEventTx(ctx, nil, eventID)
}

func (r Repo) GetArtifactBySourceEventTx(ctx context.Context, tx *sql.Tx, eventID string) (domain.Artifact, error) {
	return scanArtifact(r.q(tx).QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE source_event_id=?`, eventID))
}

// InsertArtifactIfAbsent stores a unless the source event already has an
// artifact, then returns the artifact owning the source event.
func (r Repo) InsertArtifactIfAbsent(ctx context.Context, tx *sql.Tx, a domain.Artifact) (domain.Artifact, bool, error) {
	enc, err := encodeArtifact(a)
	if err != nil {
		return domain.Artifact{}, false, err
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO artifacts(`+artifactColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(source_event_id) DO NOTHING`,
		a.ID, a.UserID, a.SourceEventID, a.RepositoryID, a.Status, a.Title, a.Description, a.Impact, enc.techs, enc.contribs,
		nullableStringPtr(a.Metrics), enc.validation, a.SchemaVersion, a.GeneratedAt, nullableStringPtr(a.ApprovedAt),
		nullableStringPtr(a.EditedAt), nullableStringPtr(a.ExportedAt), enc.formats, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return domain.Artifact{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Artifact{}, false, err
	}
	stored, err := r.GetArtifactBySourceEventTx(ctx, tx, a.SourceEventID)
	return stored, n == 1, err
}

// UpdateArtifactTx writes every mutable column of a.
func (r Repo) UpdateArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	enc, err := encodeArtifact(a)
	if err != nil {
		return err
	}
	return affected(r.q(tx).ExecContext(ctx, `UPDATE artifacts SET status=?, title=?, description=?, impact=?, technologies_json=?,
contributions_json=?, metrics=?, validation_errors_json=?, approved_at=?, edited_at=?, exported_at=?, export_formats_json=?, updated_at=? WHERE id=?`,
		a.Status, a.Title, a.Description, a.Impact, enc.techs, enc.contribs, nullableStringPtr(a.Metrics), enc.validation,
		nullableStringPtr(a.ApprovedAt), nullableStringPtr(a.EditedAt), nullableStringPtr(a.ExportedAt), enc.formats, a.UpdatedAt, a.ID))
}

// DeleteArtifactTx hard-deletes an artifact and its edit history.
func (r Repo) DeleteArtifactTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := r.q(tx).ExecContext(ctx, `DELETE FROM artifact_edits WHERE artifact_id=?`, id); err != nil {
		return err
	}
	return affected(r.q(tx).ExecContext(ctx, `DELETE FROM artifacts WHERE id=?`, id))
}

// GetArtifactsTx loads the artifacts with the given ids; missing ids are
// simply absent from the result.
func (r Repo) GetArtifactsTx(ctx context.Context, tx *sql.Tx, ids []string) (map[string]domain.Artifact, error) {
	res := map[string]domain.Artifact{}
	if len(ids) == 0 {
		return res, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res[a.ID] = a
	}
	return res, rows.Err()
}

// ListArtifacts lists a user's artifacts in the given statuses, newest first.
func (r Repo) ListArtifacts(ctx context.Context, userID string, statuses []string, limit int, cursor Cursor) ([]domain.Artifact, error) {
	var clauses []string
	var args []any
	if userID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, userID)
	}
	if len(statuses) > 0 {
		clauses = append(clauses, "status IN ("+strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")+")")
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	clauses, args = pageClause(clauses, args, "created_at", cursor)
	query := `SELECT ` + artifactColumns + ` FROM artifacts` + where(clauses) + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertArtifactEditsTx(ctx context.Context, tx *sql.Tx, artifactID string, edits []domain.ArtifactEdit) error {
	for _, e := range edits {
		if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO artifact_edits(artifact_id,ts,field,old_value,new_value) VALUES (?,?,?,?,?)`,
			artifactID, e.Timestamp, e.Field, e.OldValue, e.NewValue); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListArtifactEdits(ctx context.Context, artifactID string) ([]domain.ArtifactEdit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT ts,field,COALESCE(old_value,''),COALESCE(new_value,'') FROM artifact_edits WHERE artifact_id=? ORDER BY id ASC`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArtifactEdit
	for rows.Next() {
		var e domain.ArtifactEdit
		if err := rows.Scan(&e.Timestamp, &e.Field, &e.OldValue, &e.NewValue); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertDecisionLogTx(ctx context.Context, tx *sql.Tx, d domain.DecisionLog) error {
	var fields any
	if len(d.EditedFields) > 0 {
		v, err := marshalJSON(d.EditedFields)
		if err != nil {
			return err
		}
		fields = v
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO decision_logs(id,user_id,artifact_id,action,edited_fields_json,ts) VALUES (?,?,?,?,?,?)`,
		d.ID, d.UserID, d.ArtifactID, d.Action, fields, d.Timestamp)
	return err
}

// ListDecisionLogs returns the decisions recorded for an artifact, oldest
// first. Logs outlive the artifact they describe.
func (r Repo) ListDecisionLogs(ctx context.Context, artifactID string) ([]domain.DecisionLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,artifact_id,action,edited_fields_json,ts FROM decision_logs WHERE artifact_id=? ORDER BY ts ASC, id ASC`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionLog
	for rows.Next() {
		var d domain.DecisionLog
		var fields sql.NullString
		if err := rows.Scan(&d.ID, &d.UserID, &d.ArtifactID, &d.Action, &fields, &d.Timestamp); err != nil {
			return nil, err
		}
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &d.EditedFields); err != nil {
				return nil, fmt.Errorf("decision %s edited fields: %w", d.ID, err)
			}
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
