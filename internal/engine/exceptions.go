package engine

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"

	"careerline/internal/audit"
	"careerline/internal/domain"
	"careerline/internal/engine/auth"
)

const (
	DefaultExceptionLimit = 100
	DefaultExpiredLimit   = 50
)

var exceptionTypes = []string{domain.ExceptionUnapprovedAttempt, domain.ExceptionBreakGlass, domain.ExceptionApprovalExpired}

// recordException appends ev in its own transaction. It reports false when
// the row was skipped as a duplicate expiry.
func (e Engine) recordException(ctx context.Context, ev domain.ExceptionEvent, actorID string) (bool, error) {
	ev.ID = newID()
	ev.CreatedAt = e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	inserted, err := e.Repo.InsertException(ctx, tx, ev)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}
	payload := audit.Payload{"type": ev.Type}
	if ev.IntentID != nil {
		payload["intent_id"] = *ev.IntentID
	}
	if ev.RunID != nil {
		payload["run_id"] = *ev.RunID
	}
	if ev.ApprovalID != nil {
		payload["approval_id"] = *ev.ApprovalID
	}
	if err := e.audit(ctx, tx, "exception.recorded", "exception", ev.ID, actorID, payload); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ListExceptions lists exception events newest first, optionally of one
// type.
func (e Engine) ListExceptions(ctx context.Context, typ string, limit int) ([]domain.ExceptionEvent, error) {
	if typ != "" && !slices.Contains(exceptionTypes, typ) {
		return nil, InvalidInputError{Field: "type", Reason: "must be one of " + strings.Join(exceptionTypes, ", ")}
	}
	items, err := e.Repo.ListExceptions(ctx, typ, normalizeLimit(limit, DefaultExceptionLimit, MaxListLimit))
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.ExceptionEvent{}
	}
	return items, nil
}

// ResolveException closes an exception. The resolution is write-once; a
// second attempt is a conflict.
func (e Engine) ResolveException(ctx context.Context, id, actorID, resolution string) (domain.ExceptionEvent, error) {
	if err := auth.RequireActor(actorID); err != nil {
		return domain.ExceptionEvent{}, err
	}
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return domain.ExceptionEvent{}, InvalidInputError{Field: "resolution", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExceptionEvent{}, err
	}
	defer tx.Rollback()
	ev, err := e.Repo.GetExceptionTx(ctx, tx, id)
	if err != nil {
		return domain.ExceptionEvent{}, notFound(err, "ExceptionEvent", id)
	}
	now := e.ts()
	ok, err := e.Repo.ResolveExceptionTx(ctx, tx, id, resolution, actorID, now)
	if err != nil {
		return domain.ExceptionEvent{}, err
	}
	if !ok {
		return domain.ExceptionEvent{}, CodedError{Code: CodeConflict, Message: "exception already resolved: " + id}
	}
	if err := e.audit(ctx, tx, "exception.resolved", "exception", id, actorID, audit.Payload{
		"type":       ev.Type,
		"resolution": resolution,
	}); err != nil {
		return domain.ExceptionEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ExceptionEvent{}, err
	}
	ev.Resolution = &resolution
	ev.ResolvedBy = &actorID
	ev.ResolvedAt = &now
	e.log().Info(ctx, "exception resolved", zap.String("exception_id", id))
	return ev, nil
}

// LogBreakGlass records a run started outside the gate. Post-hoc approval
// is expected.
func (e Engine) LogBreakGlass(ctx context.Context, actorID, intentID, runID string) (domain.ExceptionEvent, error) {
	if err := auth.RequireActor(actorID); err != nil {
		return domain.ExceptionEvent{}, err
	}
	ev := domain.ExceptionEvent{
		Type:     domain.ExceptionBreakGlass,
		IntentID: optionalString(intentID),
		RunID:    optionalString(runID),
		ActorID:  &actorID,
	}
	ev.ID = newID()
	ev.CreatedAt = e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExceptionEvent{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.InsertException(ctx, tx, ev); err != nil {
		return domain.ExceptionEvent{}, err
	}
	if err := e.audit(ctx, tx, "exception.recorded", "exception", ev.ID, actorID, audit.Payload{
		"type":      ev.Type,
		"intent_id": intentID,
		"run_id":    runID,
	}); err != nil {
		return domain.ExceptionEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ExceptionEvent{}, err
	}
	e.log().Warn(ctx, "break-glass run logged", zap.String("intent_id", intentID), zap.String("run_id", runID))
	return ev, nil
}

// ListExpiredApprovals returns approved approvals past their valid_to.
func (e Engine) ListExpiredApprovals(ctx context.Context, limit int) ([]domain.Approval, error) {
	items, err := e.Repo.ListExpiredApprovals(ctx, e.ts(), normalizeLimit(limit, DefaultExpiredLimit, MaxListLimit))
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Approval{}
	}
	return items, nil
}

// SweepExpiredApprovals records one approval_expired exception per expired
// approval and returns how many were new. Repeated sweeps add nothing.
func (e Engine) SweepExpiredApprovals(ctx context.Context) (int, error) {
	expired, err := e.Repo.ListExpiredApprovals(ctx, e.ts(), 0)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, a := range expired {
		approvalID, intentID := a.ID, a.IntentID
		inserted, err := e.recordException(ctx, domain.ExceptionEvent{
			Type:       domain.ExceptionApprovalExpired,
			IntentID:   &intentID,
			ApprovalID: &approvalID,
		}, "")
		if err != nil {
			return created, err
		}
		if inserted {
			created++
		}
	}
	if created > 0 {
		e.log().Info(ctx, "expired approvals recorded", zap.Int("count", created))
	}
	return created, nil
}
