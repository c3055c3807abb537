package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"slices"
	"unicode/utf8"

	"go.uber.org/zap"

	"careerline/internal/audit"
	"careerline/internal/domain"
	"careerline/internal/engine/auth"
)

// ArtifactPatch carries the fields of an edit. Nil means "leave as is";
// a null metrics value is treated the same way.
type ArtifactPatch struct {
	Title         *string  `json:"title,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Impact        *string  `json:"impact,omitempty"`
	Technologies  []string `json:"technologies,omitempty"`
	Contributions []string `json:"contributions,omitempty"`
	Metrics       *string  `json:"metrics,omitempty"`
}

func (p ArtifactPatch) empty() bool {
	return p.Title == nil && p.Description == nil && p.Impact == nil &&
		p.Technologies == nil && p.Contributions == nil && p.Metrics == nil
}

// Validate checks the bounds of every field present in the patch.
func (p ArtifactPatch) Validate() error {
	if p.empty() {
		return InvalidInputError{Reason: "at least one editable field (title, description, impact, technologies, contributions, metrics) is required"}
	}
	checkText := func(field string, v *string, max int) error {
		if v == nil {
			return nil
		}
		if n := utf8.RuneCountInString(*v); n == 0 || n > max {
			return InvalidInputError{Field: field, Reason: "must be 1-" + itoa(max) + " characters"}
		}
		return nil
	}
	checkList := func(field string, v []string, max int) error {
		if v == nil {
			return nil
		}
		if len(v) == 0 || len(v) > max {
			return InvalidInputError{Field: field, Reason: "must contain 1-" + itoa(max) + " items"}
		}
		for _, s := range v {
			if s == "" {
				return InvalidInputError{Field: field, Reason: "items must be non-empty"}
			}
		}
		return nil
	}
	if err := checkText("title", p.Title, 100); err != nil {
		return err
	}
	if err := checkText("description", p.Description, 500); err != nil {
		return err
	}
	if err := checkText("impact", p.Impact, 300); err != nil {
		return err
	}
	if err := checkList("technologies", p.Technologies, 10); err != nil {
		return err
	}
	if err := checkList("contributions", p.Contributions, 5); err != nil {
		return err
	}
	if p.Metrics != nil && utf8.RuneCountInString(*p.Metrics) > 200 {
		return InvalidInputError{Field: "metrics", Reason: "must be at most 200 characters"}
	}
	return nil
}

func reviewable(status string) bool {
	return status == domain.ArtifactInbox || status == domain.ArtifactFlagged
}

// loadOwnedArtifactTx loads an artifact and checks that actorID owns it.
func (e Engine) loadOwnedArtifactTx(ctx context.Context, tx *sql.Tx, id, actorID string) (domain.Artifact, error) {
	if err := auth.RequireActor(actorID); err != nil {
		return domain.Artifact{}, err
	}
	a, err := e.Repo.GetArtifactTx(ctx, tx, id)
	if err != nil {
		return domain.Artifact{}, notFound(err, "AssetCard", id)
	}
	if err := auth.RequireOwner(a.UserID, actorID, "AssetCard"); err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

func (e Engine) requireReviewable(a domain.Artifact, op string) error {
	if reviewable(a.Status) {
		return nil
	}
	return StateError{
		Entity:  "artifact",
		ID:      a.ID,
		Status:  a.Status,
		Op:      op,
		Message: "AssetCard cannot be " + op + "d from status: " + a.Status,
	}
}

func (e Engine) ApproveArtifact(ctx context.Context, id, actorID string) (domain.Artifact, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()

	a, err := e.loadOwnedArtifactTx(ctx, tx, id, actorID)
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := e.requireReviewable(a, "approve"); err != nil {
		return domain.Artifact{}, err
	}
	now := e.ts()
	from := a.Status
	a.Status = domain.ArtifactApproved
	a.ApprovedAt = &now
	a.UpdatedAt = now
	if err := e.Repo.UpdateArtifactTx(ctx, tx, a); err != nil {
		return domain.Artifact{}, err
	}
	if err := e.Repo.InsertDecisionLogTx(ctx, tx, domain.DecisionLog{
		ID: newID(), UserID: actorID, ArtifactID: a.ID, Action: "approve", Timestamp: now,
	}); err != nil {
		return domain.Artifact{}, err
	}
	if err := e.audit(ctx, tx, "artifact.approved", "artifact", a.ID, actorID, audit.Payload{"from": from}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	e.log().Info(ctx, "artifact approved", zap.String("artifact_id", a.ID))
	return a, nil
}

// EditArtifact applies patch, records one edit entry per changed field and
// moves the artifact to edited.
func (e Engine) EditArtifact(ctx context.Context, id, actorID string, patch ArtifactPatch) (domain.Artifact, error) {
	if err := patch.Validate(); err != nil {
		return domain.Artifact{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()

	a, err := e.loadOwnedArtifactTx(ctx, tx, id, actorID)
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := e.requireReviewable(a, "edit"); err != nil {
		return domain.Artifact{}, err
	}

	now := e.ts()
	var edits []domain.ArtifactEdit
	changed := map[string]domain.FieldChange{}
	record := func(field, oldValue, newValue string) {
		if oldValue == newValue {
			return
		}
		edits = append(edits, domain.ArtifactEdit{Timestamp: now, Field: field, OldValue: oldValue, NewValue: newValue})
		changed[field] = domain.FieldChange{OldValue: oldValue, NewValue: newValue}
	}
	if patch.Title != nil {
		record("title", a.Title, *patch.Title)
		a.Title = *patch.Title
	}
	if patch.Description != nil {
		record("description", a.Description, *patch.Description)
		a.Description = *patch.Description
	}
	if patch.Impact != nil {
		record("impact", a.Impact, *patch.Impact)
		a.Impact = *patch.Impact
	}
	if patch.Technologies != nil {
		if !slices.Equal(a.Technologies, patch.Technologies) {
			record("technologies", jsonList(a.Technologies), jsonList(patch.Technologies))
		}
		a.Technologies = patch.Technologies
	}
	if patch.Contributions != nil {
		if !slices.Equal(a.Contributions, patch.Contributions) {
			record("contributions", jsonList(a.Contributions), jsonList(patch.Contributions))
		}
		a.Contributions = patch.Contributions
	}
	if patch.Metrics != nil {
		old := ""
		if a.Metrics != nil {
			old = *a.Metrics
		}
		record("metrics", old, *patch.Metrics)
		a.Metrics = optionalString(*patch.Metrics)
	}

	if a.Status == domain.ArtifactFlagged && len(edits) > 0 {
		a.ValidationErrors = nil
	}
	a.Status = domain.ArtifactEdited
	a.EditedAt = &now
	a.UpdatedAt = now
	if err := e.Repo.UpdateArtifactTx(ctx, tx, a); err != nil {
		return domain.Artifact{}, err
	}
	if err := e.Repo.InsertArtifactEditsTx(ctx, tx, a.ID, edits); err != nil {
		return domain.Artifact{}, err
	}
	if err := e.Repo.InsertDecisionLogTx(ctx, tx, domain.DecisionLog{
		ID: newID(), UserID: actorID, ArtifactID: a.ID, Action: "edit", EditedFields: changed, Timestamp: now,
	}); err != nil {
		return domain.Artifact{}, err
	}
	fields := make([]string, 0, len(edits))
	for _, ed := range edits {
		fields = append(fields, ed.Field)
	}
	if err := e.audit(ctx, tx, "artifact.edited", "artifact", a.ID, actorID, audit.Payload{"fields": fields}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	history, err := e.Repo.ListArtifactEdits(ctx, a.ID)
	if err != nil {
		return domain.Artifact{}, err
	}
	a.EditHistory = history
	return a, nil
}

func jsonList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// RejectArtifact hard-deletes an artifact under review. The decision log
// entry survives the delete.
func (e Engine) RejectArtifact(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a, err := e.loadOwnedArtifactTx(ctx, tx, id, actorID)
	if err != nil {
		return err
	}
	if err := e.requireReviewable(a, "reject"); err != nil {
		return err
	}
	if err := e.Repo.DeleteArtifactTx(ctx, tx, a.ID); err != nil {
		return err
	}
	if err := e.Repo.InsertDecisionLogTx(ctx, tx, domain.DecisionLog{
		ID: newID(), UserID: actorID, ArtifactID: a.ID, Action: "reject", Timestamp: e.ts(),
	}); err != nil {
		return err
	}
	if err := e.audit(ctx, tx, "artifact.rejected", "artifact", a.ID, actorID, audit.Payload{
		"from":            a.Status,
		"source_event_id": a.SourceEventID,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info(ctx, "artifact rejected", zap.String("artifact_id", a.ID))
	return nil
}

// GetArtifact returns an owned artifact with its edit history.
func (e Engine) GetArtifact(ctx context.Context, id, actorID string) (domain.Artifact, error) {
	a, err := e.loadOwnedArtifactTx(ctx, nil, id, actorID)
	if err != nil {
		return domain.Artifact{}, err
	}
	history, err := e.Repo.ListArtifactEdits(ctx, a.ID)
	if err != nil {
		return domain.Artifact{}, err
	}
	a.EditHistory = history
	return a, nil
}

// ListOptions page through a newest-first listing.
type ListOptions struct {
	Limit  int
	Cursor string
	Status string
}

// ListInbox lists the artifacts awaiting review.
func (e Engine) ListInbox(ctx context.Context, actorID string, opts ListOptions) (Page[domain.Artifact], error) {
	statuses := []string{domain.ArtifactInbox, domain.ArtifactFlagged}
	if opts.Status != "" {
		if !slices.Contains(statuses, opts.Status) {
			return Page[domain.Artifact]{}, InvalidInputError{Field: "status", Reason: "must be inbox or flagged"}
		}
		statuses = []string{opts.Status}
	}
	return e.listArtifacts(ctx, actorID, statuses, opts)
}

// ListLibrary lists reviewed artifacts.
func (e Engine) ListLibrary(ctx context.Context, actorID string, opts ListOptions) (Page[domain.Artifact], error) {
	statuses := []string{domain.ArtifactApproved, domain.ArtifactEdited, domain.ArtifactExported}
	if opts.Status != "" {
		if !slices.Contains(statuses, opts.Status) {
			return Page[domain.Artifact]{}, InvalidInputError{Field: "status", Reason: "must be approved, edited or exported"}
		}
		statuses = []string{opts.Status}
	}
	return e.listArtifacts(ctx, actorID, statuses, opts)
}

func (e Engine) listArtifacts(ctx context.Context, actorID string, statuses []string, opts ListOptions) (Page[domain.Artifact], error) {
	if err := auth.RequireActor(actorID); err != nil {
		return Page[domain.Artifact]{}, err
	}
	cursor, err := ParseCursor(opts.Cursor)
	if err != nil {
		return Page[domain.Artifact]{}, err
	}
	limit := normalizeLimit(opts.Limit, DefaultListLimit, MaxListLimit)
	items, err := e.Repo.ListArtifacts(ctx, actorID, statuses, limit+1, cursor)
	if err != nil {
		return Page[domain.Artifact]{}, err
	}
	page := Page[domain.Artifact]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	if page.Items == nil {
		page.Items = []domain.Artifact{}
	}
	return page, nil
}

// ListDecisionLogs returns the decisions recorded for an artifact. Logs of
// a rejected artifact remain readable by the user who wrote them.
func (e Engine) ListDecisionLogs(ctx context.Context, artifactID, actorID string) ([]domain.DecisionLog, error) {
	if err := auth.RequireActor(actorID); err != nil {
		return nil, err
	}
	logs, err := e.Repo.ListDecisionLogs(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	res := []domain.DecisionLog{}
	for _, d := range logs {
		if d.UserID == actorID {
			res = append(res, d)
		}
	}
	return res, nil
}
