package engine

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"careerline/internal/audit"
	"careerline/internal/dispatch"
	"careerline/internal/domain"
	"careerline/internal/engine/auth"
	"careerline/internal/logging"
	"careerline/internal/metrics"
	"careerline/internal/repo"
	"careerline/internal/webhook"
)

type IngestInput struct {
	DeliveryID   string
	RepositoryID string
	UserID       string
	PR           webhook.PullRequest
	Payload      []byte
}

// MapAction maps a pull_request action onto an event type.
func MapAction(action string, merged bool) (string, error) {
	switch action {
	case "opened", "reopened":
		return "opened", nil
	case "synchronize":
		return "synchronize", nil
	case "closed":
		if merged {
			return "merged", nil
		}
		return "closed", nil
	}
	return "", ErrUnsupportedAction
}

// Ingest stores a delivery once. A delivery id that is already stored
// returns the existing row with created=false and no side effects.
func (e Engine) Ingest(ctx context.Context, in IngestInput) (domain.InboundEvent, bool, error) {
	if in.DeliveryID == "" {
		return domain.InboundEvent{}, false, InvalidInputError{Field: "deliveryId", Reason: "required"}
	}
	existing, err := e.Repo.GetEventByDelivery(ctx, in.DeliveryID)
	if err == nil {
		metrics.EventsIngested.WithLabelValues(existing.EventType, "true").Inc()
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.InboundEvent{}, false, err
	}

	r, err := e.Repo.GetRepository(ctx, in.RepositoryID)
	if err != nil {
		return domain.InboundEvent{}, false, notFound(err, "Repository", in.RepositoryID)
	}
	if err := auth.RequireOwner(r.UserID, in.UserID, "Repository"); err != nil {
		return domain.InboundEvent{}, false, err
	}
	if r.ConnectionStatus != domain.RepoConnected {
		return domain.InboundEvent{}, false, InvalidInputError{Field: "repositoryId", Reason: "Repository is not connected"}
	}
	eventType, err := MapAction(in.PR.Action, in.PR.Merged)
	if err != nil {
		return domain.InboundEvent{}, false, err
	}

	now := e.ts()
	ev := domain.InboundEvent{
		ID:            newID(),
		DeliveryID:    in.DeliveryID,
		EventType:     eventType,
		UserID:        in.UserID,
		RepositoryID:  in.RepositoryID,
		PRNumber:      in.PR.Number,
		PRTitle:       in.PR.Title,
		PRDescription: in.PR.Body,
		PRAuthor:      in.PR.Author,
		PRURL:         in.PR.URL,
		HeadSHA:       in.PR.HeadSHA,
		PayloadJSON:   string(in.Payload),
		Status:        domain.EventPending,
		ReceivedAt:    now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InboundEvent{}, false, err
	}
	defer tx.Rollback()

	stored, created, err := e.Repo.InsertEventIfAbsent(ctx, tx, ev)
	if err != nil {
		return domain.InboundEvent{}, false, err
	}
	if created {
		if err := e.audit(ctx, tx, "pr_event.ingested", "pr_event", stored.ID, in.UserID, audit.Payload{
			"delivery_id": stored.DeliveryID,
			"event_type":  stored.EventType,
			"pr_number":   stored.PRNumber,
		}); err != nil {
			return domain.InboundEvent{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.InboundEvent{}, false, err
	}
	metrics.EventsIngested.WithLabelValues(stored.EventType, strconv.FormatBool(!created)).Inc()
	return stored, created, nil
}

// Outcomes of ReceivePullRequest that acknowledge without storing.
const (
	IgnoredRepositoryNotConnected = "repository_not_connected"
	IgnoredUnsupportedAction      = "unsupported_action"
)

type ReceiveResult struct {
	Event   *domain.InboundEvent
	Created bool
	Ignored string
}

// ReceivePullRequest routes a verified pull_request delivery to its
// connected repository, ingests it and enqueues the processor. Enqueue
// failures are logged and do not fail the delivery.
func (e Engine) ReceivePullRequest(ctx context.Context, deliveryID string, pr webhook.PullRequest, payload []byte) (ReceiveResult, error) {
	ctx = logging.WithFields(ctx, zap.String("delivery_id", deliveryID))
	if pr.RepoFullName == "" {
		return ReceiveResult{}, InvalidInputError{Field: "repository", Reason: "Missing repository information"}
	}
	r, err := e.Repo.GetRepositoryByFullName(ctx, pr.RepoFullName)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && r.ConnectionStatus != domain.RepoConnected) {
		e.log().Info(ctx, "repository not connected, ignoring delivery", zap.String("repository", pr.RepoFullName))
		return ReceiveResult{Ignored: IgnoredRepositoryNotConnected}, nil
	}
	if err != nil {
		return ReceiveResult{}, err
	}
	ev, created, err := e.Ingest(ctx, IngestInput{
		DeliveryID:   deliveryID,
		RepositoryID: r.ID,
		UserID:       r.UserID,
		PR:           pr,
		Payload:      payload,
	})
	if errors.Is(err, ErrUnsupportedAction) {
		e.log().Info(ctx, "unsupported pull_request action", zap.String("action", pr.Action))
		return ReceiveResult{Ignored: IgnoredUnsupportedAction}, nil
	}
	if err != nil {
		return ReceiveResult{}, err
	}
	e.enqueue(ctx, dispatch.Task{
		Queue:          e.processingQueue(),
		TargetURL:      e.Config.TaskURL("pr-event-processor"),
		IdempotencyKey: dispatch.ProcessorKey(deliveryID),
		Payload:        processorPayload(ev),
	})
	return ReceiveResult{Event: &ev, Created: created}, nil
}

type processorTaskPayload struct {
	EventID      string `json:"eventId"`
	UserID       string `json:"userId"`
	RepositoryID string `json:"repositoryId"`
}

func processorPayload(ev domain.InboundEvent) processorTaskPayload {
	return processorTaskPayload{EventID: ev.ID, UserID: ev.UserID, RepositoryID: ev.RepositoryID}
}

func (e Engine) processingQueue() string {
	if e.Config != nil && e.Config.Queue.Name != "" {
		return e.Config.Queue.Name
	}
	return dispatch.QueueProcessing
}

// enqueue hands t to the dispatcher. A failure leaves the event
// recoverable by the stale sweep, so it is only logged.
func (e Engine) enqueue(ctx context.Context, t dispatch.Task) bool {
	if e.Dispatcher == nil {
		e.log().Warn(ctx, "no dispatcher configured, task not enqueued", zap.String("task_id", t.IdempotencyKey))
		return false
	}
	if _, err := e.Dispatcher.Enqueue(ctx, t); err != nil {
		e.log().Error(ctx, "enqueue task failed", zap.String("task_id", t.IdempotencyKey), zap.String("queue", t.Queue), zap.Error(err))
		return false
	}
	e.log().Info(ctx, "task enqueued", zap.String("task_id", t.IdempotencyKey), zap.String("queue", t.Queue))
	return true
}
