package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"careerline/internal/audit"
	"careerline/internal/diffsum"
	"careerline/internal/dispatch"
	"careerline/internal/domain"
	"careerline/internal/logging"
	"careerline/internal/repo"
)

type ProcessInput struct {
	EventID      string `json:"eventId"`
	UserID       string `json:"userId"`
	RepositoryID string `json:"repositoryId"`
}

type ProcessResult struct {
	Processed bool   `json:"processed"`
	Reason    string `json:"reason,omitempty"`
	EventID   string `json:"eventId"`
}

// Reasons reported when an event is not processed.
const (
	ReasonAlreadyCompleted       = "already_completed"
	ReasonEventFailed            = "event_failed"
	ReasonRepositoryNotFound     = "repository_not_found"
	ReasonAccessDenied           = "access_denied"
	ReasonRepositoryNotConnected = "repository_not_connected"
)

// ProcessEvent fetches PR detail and diff for an event, stores the bounded
// diff and statistics, and enqueues generation. Repository mismatches mark
// the event failed and return Processed=false without an error.
func (e Engine) ProcessEvent(ctx context.Context, in ProcessInput) (ProcessResult, error) {
	ctx = logging.WithFields(ctx, zap.String("event_id", in.EventID))
	res := ProcessResult{EventID: in.EventID}
	ev, err := e.Repo.GetEvent(ctx, in.EventID)
	if err != nil {
		return res, notFound(err, "PR event", in.EventID)
	}
	switch ev.Status {
	case domain.EventCompleted:
		res.Reason = ReasonAlreadyCompleted
		return res, nil
	case domain.EventFailed:
		res.Reason = ReasonEventFailed
		return res, nil
	}

	r, err := e.Repo.GetRepository(ctx, in.RepositoryID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return e.rejectEvent(ctx, ev, ReasonRepositoryNotFound, "Repository not found or disconnected")
	case err != nil:
		return res, err
	case r.UserID != in.UserID:
		return e.rejectEvent(ctx, ev, ReasonAccessDenied, "User does not have access to repository")
	case r.ConnectionStatus != domain.RepoConnected:
		return e.rejectEvent(ctx, ev, ReasonRepositoryNotConnected, "Repository is not connected")
	}

	if err := e.setEventStatus(ctx, ev.ID, domain.EventProcessing, "", "pr_event.processing", nil); err != nil {
		return res, err
	}
	if e.Provider == nil {
		return res, errors.New("repository provider not configured")
	}
	pr, err := e.Provider.PullRequest(ctx, r.Owner, r.Name, ev.PRNumber)
	if err != nil {
		return res, fmt.Errorf("fetch pull request: %w", err)
	}
	diff, err := e.Provider.PullRequestDiff(ctx, r.Owner, r.Name, ev.PRNumber, pr.HeadSHA)
	if err != nil {
		return res, fmt.Errorf("fetch diff: %w", err)
	}
	summary := diffsum.Summarize(diff, e.Config.Pipeline.MaxDiffLines)

	ev.PRTitle = pr.Title
	ev.PRDescription = pr.Body
	if pr.HeadSHA != "" {
		ev.HeadSHA = pr.HeadSHA
	}
	ev.DiffContent = summary.Content
	ev.DiffStats = summary.Stats
	ev.UpdatedAt = e.ts()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateEventPRTx(ctx, tx, ev); err != nil {
		return res, err
	}
	if err := e.audit(ctx, tx, "pr_event.diff_stored", "pr_event", ev.ID, "", audit.Payload{
		"files_changed": summary.Stats.FilesChanged,
		"additions":     summary.Stats.Additions,
		"deletions":     summary.Stats.Deletions,
		"total_lines":   summary.Stats.TotalLines,
		"truncated":     summary.Truncated,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	e.enqueue(ctx, dispatch.Task{
		Queue:          dispatch.QueueGeneration,
		TargetURL:      e.Config.TaskURL("asset-generator"),
		IdempotencyKey: generatorKey(ev),
		Payload:        map[string]string{"eventId": ev.ID},
	})
	res.Processed = true
	return res, nil
}

func generatorKey(ev domain.InboundEvent) string {
	key := dispatch.GeneratorKey(ev.ID)
	if ev.RetryCount > 0 {
		return dispatch.RetryKey(key, ev.RetryCount)
	}
	return key
}

func processorKey(ev domain.InboundEvent) string {
	key := dispatch.ProcessorKey(ev.DeliveryID)
	if ev.RetryCount > 0 {
		return dispatch.RetryKey(key, ev.RetryCount)
	}
	return key
}

func (e Engine) rejectEvent(ctx context.Context, ev domain.InboundEvent, reason, message string) (ProcessResult, error) {
	e.log().Warn(ctx, "event not processed", zap.String("reason", reason))
	if err := e.setEventStatus(ctx, ev.ID, domain.EventFailed, message, "pr_event.failed", audit.Payload{"reason": reason}); err != nil {
		return ProcessResult{EventID: ev.ID}, err
	}
	return ProcessResult{EventID: ev.ID, Reason: reason}, nil
}

// setEventStatus moves an event to status in its own transaction.
func (e Engine) setEventStatus(ctx context.Context, id, status, errMsg, auditType string, payload audit.Payload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.setEventStatusTx(ctx, tx, id, status, errMsg, auditType, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) setEventStatusTx(ctx context.Context, tx *sql.Tx, id, status, errMsg, auditType string, payload audit.Payload) error {
	if err := e.Repo.SetEventStatusTx(ctx, tx, id, status, errMsg, e.ts()); err != nil {
		return err
	}
	if payload == nil {
		payload = audit.Payload{}
	}
	payload["status"] = status
	if errMsg != "" {
		payload["error"] = errMsg
	}
	return e.audit(ctx, tx, auditType, "pr_event", id, "", payload)
}
