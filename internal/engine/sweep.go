package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"careerline/internal/audit"
	"careerline/internal/dispatch"
	"careerline/internal/domain"
	"careerline/internal/engine/auth"
	"careerline/internal/logging"
)

const (
	defaultStaleAfter      = 15 * time.Minute
	defaultMaxEventRetries = 5
	staleBatch             = 100

	msgRetryBudgetExhausted = "retry budget exhausted"
)

func (e Engine) maxEventRetries() int {
	if e.Config == nil || e.Config.Pipeline.MaxEventRetries <= 0 {
		return defaultMaxEventRetries
	}
	return e.Config.Pipeline.MaxEventRetries
}

func (e Engine) staleAfter() time.Duration {
	if e.Config == nil || e.Config.Pipeline.StaleAfter <= 0 {
		return defaultStaleAfter
	}
	return e.Config.Pipeline.StaleAfter.Duration()
}

// GetEvent returns an event owned by actorID.
func (e Engine) GetEvent(ctx context.Context, id, actorID string) (domain.InboundEvent, error) {
	ev, err := e.Repo.GetEvent(ctx, id)
	if err != nil {
		return domain.InboundEvent{}, notFound(err, "PR event", id)
	}
	if err := auth.RequireOwner(ev.UserID, actorID, "PR event"); err != nil {
		return domain.InboundEvent{}, err
	}
	return ev, nil
}

// ListEvents lists a user's events newest first, optionally by status.
func (e Engine) ListEvents(ctx context.Context, actorID string, opts ListOptions) (Page[domain.InboundEvent], error) {
	if err := auth.RequireActor(actorID); err != nil {
		return Page[domain.InboundEvent]{}, err
	}
	cursor, err := ParseCursor(opts.Cursor)
	if err != nil {
		return Page[domain.InboundEvent]{}, err
	}
	limit := normalizeLimit(opts.Limit, DefaultListLimit, MaxListLimit)
	items, err := e.Repo.ListEvents(ctx, actorID, opts.Status, limit+1, cursor)
	if err != nil {
		return Page[domain.InboundEvent]{}, err
	}
	page := Page[domain.InboundEvent]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = encodeCursor(last.ReceivedAt, last.ID)
	}
	if page.Items == nil {
		page.Items = []domain.InboundEvent{}
	}
	return page, nil
}

// RetryEvent puts a failed event back to pending and enqueues the
// processor under a fresh retry key.
func (e Engine) RetryEvent(ctx context.Context, actorID, eventID string) (domain.InboundEvent, error) {
	ctx = logging.WithFields(ctx, zap.String("event_id", eventID))
	ev, err := e.GetEvent(ctx, eventID, actorID)
	if err != nil {
		return domain.InboundEvent{}, err
	}
	if ev.Status != domain.EventFailed {
		return domain.InboundEvent{}, StateError{
			Entity: "pr_event", ID: ev.ID, Status: ev.Status, Op: "retry",
			Message: "Only failed PR events can be retried, current status: " + ev.Status,
		}
	}
	if ev.RetryCount >= e.maxEventRetries() {
		return domain.InboundEvent{}, StateError{
			Entity: "pr_event", ID: ev.ID, Status: ev.Status, Op: "retry",
			Message: "PR event " + msgRetryBudgetExhausted,
		}
	}
	return e.requeueEvent(ctx, ev, actorID, "pr_event.retried")
}

func (e Engine) requeueEvent(ctx context.Context, ev domain.InboundEvent, actorID, auditType string) (domain.InboundEvent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InboundEvent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.RequeueEventTx(ctx, tx, ev.ID, e.ts()); err != nil {
		return domain.InboundEvent{}, err
	}
	if err := e.audit(ctx, tx, auditType, "pr_event", ev.ID, actorID, audit.Payload{
		"from":        ev.Status,
		"retry_count": ev.RetryCount + 1,
	}); err != nil {
		return domain.InboundEvent{}, err
	}
	stored, err := e.Repo.GetEventTx(ctx, tx, ev.ID)
	if err != nil {
		return domain.InboundEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.InboundEvent{}, err
	}
	e.enqueue(ctx, dispatch.Task{
		Queue:          e.processingQueue(),
		TargetURL:      e.Config.TaskURL("pr-event-processor"),
		IdempotencyKey: processorKey(stored),
		Payload:        processorPayload(stored),
	})
	return stored, nil
}

type SweepResult struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}

// SweepStaleEvents recovers pending or processing events that have not
// moved for the stale window. Events out of retry budget are failed.
func (e Engine) SweepStaleEvents(ctx context.Context) (SweepResult, error) {
	before := domain.FormatTime(e.now().Add(-e.staleAfter()))
	stale, err := e.Repo.ListStaleEvents(ctx, before, staleBatch)
	if err != nil {
		return SweepResult{}, err
	}
	var res SweepResult
	for _, ev := range stale {
		evCtx := logging.WithFields(ctx, zap.String("event_id", ev.ID))
		if ev.RetryCount >= e.maxEventRetries() {
			if err := e.setEventStatus(evCtx, ev.ID, domain.EventFailed, msgRetryBudgetExhausted, "pr_event.failed", audit.Payload{"stage": "sweep"}); err != nil {
				return res, err
			}
			res.Failed++
			continue
		}
		if _, err := e.requeueEvent(evCtx, ev, "", "pr_event.requeued"); err != nil {
			return res, err
		}
		res.Requeued++
	}
	if res.Requeued+res.Failed > 0 {
		e.log().Info(ctx, "stale events swept", zap.Int("requeued", res.Requeued), zap.Int("failed", res.Failed))
	}
	return res, nil
}
