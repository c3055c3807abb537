package engine

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"careerline/internal/audit"
	"careerline/internal/domain"
	"careerline/internal/engine/auth"
	"careerline/internal/engine/risk"
	"careerline/internal/repo"
)

type IntentInput struct {
	Goal        string         `json:"goal"`
	Constraints domain.Bag     `json:"constraints,omitempty"`
	Success     string         `json:"success"`
	PRMeta      *domain.PRMeta `json:"prMeta,omitempty"`
}

// CreateIntent classifies the intent once and stores the result with it.
func (e Engine) CreateIntent(ctx context.Context, creatorID string, in IntentInput) (domain.Intent, error) {
	if err := auth.RequireActor(creatorID); err != nil {
		return domain.Intent{}, err
	}
	if strings.TrimSpace(in.Goal) == "" {
		return domain.Intent{}, InvalidInputError{Field: "goal", Reason: "required"}
	}
	if strings.TrimSpace(in.Success) == "" {
		return domain.Intent{}, InvalidInputError{Field: "success", Reason: "required"}
	}
	if in.Constraints == nil {
		in.Constraints = domain.Bag{}
	}
	repoName := ""
	if in.PRMeta != nil {
		repoName = in.PRMeta.Repo
	}
	res := risk.Evaluate(risk.Input{Goal: in.Goal, Constraints: in.Constraints, RepoFullName: repoName})

	now := e.ts()
	it := domain.Intent{
		ID:               newID(),
		Goal:             in.Goal,
		Constraints:      in.Constraints,
		Success:          in.Success,
		PRMeta:           in.PRMeta,
		RiskLevel:        res.Level,
		RiskReason:       res.Reason,
		RequiresApproval: res.RequiresApproval,
		CreatorID:        creatorID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Intent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertIntent(ctx, tx, it); err != nil {
		return domain.Intent{}, err
	}
	if err := e.audit(ctx, tx, "intent.created", "intent", it.ID, creatorID, audit.Payload{
		"risk_level":        it.RiskLevel,
		"requires_approval": it.RequiresApproval,
	}); err != nil {
		return domain.Intent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Intent{}, err
	}
	e.log().Info(ctx, "intent created", zap.String("intent_id", it.ID), zap.String("risk_level", it.RiskLevel))
	return it, nil
}

// GetIntent returns an intent created by actorID. Intents of other users
// are reported as missing.
func (e Engine) GetIntent(ctx context.Context, id, actorID string) (domain.Intent, error) {
	if err := auth.RequireActor(actorID); err != nil {
		return domain.Intent{}, err
	}
	it, err := e.Repo.GetIntent(ctx, id)
	if err != nil {
		return domain.Intent{}, notFound(err, "Intent", id)
	}
	if it.CreatorID != actorID {
		return domain.Intent{}, NotFoundError{Entity: "Intent", ID: id}
	}
	return it, nil
}

func (e Engine) ListIntents(ctx context.Context, creatorID string, opts ListOptions) (Page[domain.Intent], error) {
	if err := auth.RequireActor(creatorID); err != nil {
		return Page[domain.Intent]{}, err
	}
	cursor, err := ParseCursor(opts.Cursor)
	if err != nil {
		return Page[domain.Intent]{}, err
	}
	limit := normalizeLimit(opts.Limit, DefaultListLimit, MaxListLimit)
	items, err := e.Repo.ListIntents(ctx, creatorID, limit+1, cursor)
	if err != nil {
		return Page[domain.Intent]{}, err
	}
	page := Page[domain.Intent]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	if page.Items == nil {
		page.Items = []domain.Intent{}
	}
	return page, nil
}

// lookupIntent resolves an intent without an ownership check, for the
// gate and the reconciler.
func (e Engine) lookupIntent(ctx context.Context, id string) (domain.Intent, bool, error) {
	it, err := e.Repo.GetIntent(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Intent{}, false, nil
	}
	if err != nil {
		return domain.Intent{}, false, err
	}
	return it, true, nil
}
