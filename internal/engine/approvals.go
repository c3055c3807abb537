package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"careerline/internal/audit"
	"careerline/internal/domain"
	"careerline/internal/engine/auth"
	"careerline/internal/engine/risk"
)

type ApprovalInput struct {
	IntentID        string     `json:"intentId"`
	Decision        string     `json:"decision"`
	TemplateAnswers domain.Bag `json:"templateAnswers,omitempty"`
	ValidTo         string     `json:"validTo"`
}

var decisions = []string{domain.DecisionApproved, domain.DecisionRejected, domain.DecisionSentBack}

// CreateApproval records a decision against a gated intent. An intent may
// hold at most one approved approval that has not expired.
func (e Engine) CreateApproval(ctx context.Context, approverID string, in ApprovalInput) (domain.Approval, error) {
	if err := auth.RequireActor(approverID); err != nil {
		return domain.Approval{}, err
	}
	it, ok, err := e.lookupIntent(ctx, in.IntentID)
	if err != nil {
		return domain.Approval{}, err
	}
	if !ok {
		return domain.Approval{}, CodedError{Code: CodeIntentNotFound, Message: "intent not found: " + in.IntentID}
	}
	if !it.RequiresApproval || !risk.RequiresApproval(it.RiskLevel) {
		return domain.Approval{}, CodedError{Code: CodeIntentNotApprovable, Message: "intent does not require approval"}
	}
	if !slices.Contains(decisions, in.Decision) {
		return domain.Approval{}, InvalidInputError{Field: "decision", Reason: "must be approved, rejected or sent_back"}
	}
	validTo, err := parseTimestamp(in.ValidTo)
	if err != nil {
		return domain.Approval{}, CodedError{Code: CodeInvalidValidTo, Message: "validTo must be an RFC3339 timestamp"}
	}
	if in.TemplateAnswers == nil {
		in.TemplateAnswers = domain.Bag{}
	}

	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.ListApprovalsForIntentTx(ctx, tx, it.ID)
	if err != nil {
		return domain.Approval{}, err
	}
	for _, a := range existing {
		if a.Decision == domain.DecisionApproved && !approvalExpired(a, now) {
			return domain.Approval{}, CodedError{Code: CodeConflict, Message: "intent already has a valid approval: " + a.ID}
		}
	}

	ts := domain.FormatTime(now)
	vt := domain.FormatTime(validTo)
	a := domain.Approval{
		ID:              newID(),
		IntentID:        it.ID,
		ApproverID:      approverID,
		Decision:        in.Decision,
		TemplateAnswers: in.TemplateAnswers,
		ValidFrom:       ts,
		ValidTo:         &vt,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
		return domain.Approval{}, err
	}
	if err := e.audit(ctx, tx, "approval.created", "approval", a.ID, approverID, audit.Payload{
		"intent_id": it.ID,
		"decision":  a.Decision,
		"valid_to":  vt,
	}); err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	e.log().Info(ctx, "approval created", zap.String("approval_id", a.ID), zap.String("intent_id", it.ID), zap.String("decision", a.Decision))
	return a, nil
}

// approvalExpired reports whether a's validity window ended before now.
// An approval without valid_to never expires.
func approvalExpired(a domain.Approval, now time.Time) bool {
	if a.ValidTo == nil {
		return false
	}
	vt, err := parseTimestamp(*a.ValidTo)
	if err != nil {
		return true
	}
	return vt.Before(now)
}

func (e Engine) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	a, err := e.Repo.GetApproval(ctx, id)
	if err != nil {
		return domain.Approval{}, notFound(err, "Approval", id)
	}
	return a, nil
}

type ApprovalInboxItem struct {
	IntentID  string `json:"intentId"`
	Goal      string `json:"goal"`
	RiskLevel string `json:"riskLevel" enum:"Med,High"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}

// ListApprovalInbox lists gated intents with no approval yet, newest first.
func (e Engine) ListApprovalInbox(ctx context.Context, actorID string, limit int) ([]ApprovalInboxItem, error) {
	if err := auth.RequireActor(actorID); err != nil {
		return nil, err
	}
	intents, err := e.Repo.ListIntentsAwaitingApproval(ctx, normalizeLimit(limit, DefaultListLimit, MaxListLimit))
	if err != nil {
		return nil, err
	}
	items := []ApprovalInboxItem{}
	for _, it := range intents {
		if !risk.RequiresApproval(it.RiskLevel) {
			continue
		}
		items = append(items, ApprovalInboxItem{IntentID: it.ID, Goal: it.Goal, RiskLevel: it.RiskLevel, CreatedAt: it.CreatedAt})
	}
	return items, nil
}

var errBadTimestamp = errors.New("unparseable timestamp")

// parseTimestamp accepts RFC3339 with or without fractional seconds and a
// bare date, which means midnight UTC.
func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errBadTimestamp
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errBadTimestamp
}
