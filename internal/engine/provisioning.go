package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"careerline/internal/audit"
	"careerline/internal/dispatch"
	"careerline/internal/domain"
	"careerline/internal/engine/auth"
	"careerline/internal/logging"
	"careerline/internal/metrics"
	"careerline/internal/provider"
	"careerline/internal/repo"
)

const (
	DefaultProvisioningLimit = 100
	MaxProvisioningLimit     = 200

	provisionedRepoPrefix  = "careerline-"
	provisionedDescription = "Provisioned by careerline"
)

type ProvisioningRequest struct {
	IntentID       string `json:"intentId"`
	ApprovalID     string `json:"approvalId"`
	RepositoryName string `json:"repositoryName,omitempty"`
	StructureType  string `json:"structureType,omitempty"`
}

type ProvisioningJob struct {
	JobID    string `json:"jobId"`
	IntentID string `json:"intentId"`
	Message  string `json:"message"`
}

// ProvisionInput is the worker payload.
type ProvisionInput struct {
	IntentID       string `json:"intentId"`
	ApprovalID     string `json:"approvalId"`
	ActorID        string `json:"actorId"`
	RepositoryName string `json:"repositoryName,omitempty"`
	StructureType  string `json:"structureType,omitempty"`
}

type ProvisionResult struct {
	OK                 bool    `json:"ok"`
	IntentID           string  `json:"intentId"`
	ResourceID         string  `json:"resourceId,omitempty"`
	ResourceURL        string  `json:"resourceUrl,omitempty"`
	StructureType      *string `json:"structureType,omitempty"`
	AlreadyProvisioned bool    `json:"alreadyProvisioned"`
}

// RequestProvisioning runs the approval gate for intentID and enqueues the
// provisioning worker. The job id is the task's idempotency key, so
// repeated requests collapse onto one task.
func (e Engine) RequestProvisioning(ctx context.Context, actorID string, in ProvisioningRequest) (ProvisioningJob, error) {
	if err := auth.RequireActor(actorID); err != nil {
		return ProvisioningJob{}, err
	}
	intentID := strings.TrimSpace(in.IntentID)
	approvalID := strings.TrimSpace(in.ApprovalID)
	if intentID == "" {
		return ProvisioningJob{}, InvalidInputError{Field: "intentId", Reason: "intentId and approvalId required"}
	}
	if approvalID == "" {
		return ProvisioningJob{}, InvalidInputError{Field: "approvalId", Reason: "intentId and approvalId required"}
	}
	ctx = logging.WithFields(ctx, zap.String("intent_id", intentID))
	if _, ok, err := e.lookupIntent(ctx, intentID); err != nil {
		return ProvisioningJob{}, err
	} else if !ok {
		return ProvisioningJob{}, NotFoundError{Entity: "Intent", ID: intentID}
	}
	if code := e.checkApproval(ctx, intentID, approvalID); code != "" {
		metrics.GateRejections.WithLabelValues(code).Inc()
		e.log().Warn(ctx, "provisioning rejected by approval gate", zap.String("code", code))
		return ProvisioningJob{}, GateError{Code: code}
	}
	if e.Dispatcher == nil {
		return ProvisioningJob{}, errors.New("no dispatcher configured")
	}

	structure := strings.TrimSpace(in.StructureType)
	key := dispatch.ProvisioningKey(intentID, structure)
	if _, err := e.Dispatcher.Enqueue(ctx, dispatch.Task{
		Queue:          e.processingQueue(),
		TargetURL:      e.Config.TaskURL("provisioning"),
		IdempotencyKey: key,
		Payload: ProvisionInput{
			IntentID:       intentID,
			ApprovalID:     approvalID,
			ActorID:        actorID,
			RepositoryName: strings.TrimSpace(in.RepositoryName),
			StructureType:  structure,
		},
	}); err != nil {
		return ProvisioningJob{}, fmt.Errorf("enqueue provisioning: %w", err)
	}
	e.log().Info(ctx, "provisioning task enqueued", zap.String("job_id", key), zap.String("approval_id", approvalID))
	return ProvisioningJob{JobID: key, IntentID: intentID, Message: "Provisioning enqueued"}, nil
}

// Provision creates the repository for an intent and records it. An intent
// that already has a provisioning event is not provisioned again.
func (e Engine) Provision(ctx context.Context, in ProvisionInput) (ProvisionResult, error) {
	if in.IntentID == "" || in.ApprovalID == "" || in.ActorID == "" {
		return ProvisionResult{}, InvalidInputError{Reason: "intentId, approvalId, actorId required"}
	}
	ctx = logging.WithFields(ctx, zap.String("intent_id", in.IntentID))
	existing, err := e.Repo.GetProvisioningByIntent(ctx, in.IntentID)
	if err == nil {
		e.log().Info(ctx, "intent already provisioned", zap.String("resource_url", existing.ResourceURL))
		return provisionResult(existing, true), nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return ProvisionResult{}, err
	}
	if e.Provider == nil {
		return ProvisionResult{}, errors.New("repository provider not configured")
	}

	name := in.RepositoryName
	if name == "" {
		name = provisionedRepoPrefix + shortID(in.IntentID)
	}
	created, err := e.Provider.CreateRepository(ctx, provider.NewRepository{Name: name, Description: provisionedDescription})
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("create repository: %w", err)
	}

	ev := domain.ProvisioningEvent{
		ID:            newID(),
		IntentID:      in.IntentID,
		ApprovalID:    in.ApprovalID,
		ActorID:       in.ActorID,
		ResourceType:  domain.ResourceRepository,
		ResourceID:    itoa64(created.ID),
		ResourceURL:   created.URL,
		StructureType: optionalString(in.StructureType),
		CreatedAt:     e.ts(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ProvisionResult{}, err
	}
	defer tx.Rollback()
	stored, inserted, err := e.Repo.InsertProvisioningIfAbsent(ctx, tx, ev)
	if err != nil {
		return ProvisionResult{}, err
	}
	if inserted {
		if err := e.audit(ctx, tx, "provisioning.recorded", "provisioning_event", stored.ID, in.ActorID, audit.Payload{
			"intent_id":    in.IntentID,
			"approval_id":  in.ApprovalID,
			"resource_url": stored.ResourceURL,
		}); err != nil {
			return ProvisionResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ProvisionResult{}, err
	}
	e.log().Info(ctx, "provisioning completed", zap.String("resource_url", stored.ResourceURL))
	return provisionResult(stored, !inserted), nil
}

func provisionResult(ev domain.ProvisioningEvent, already bool) ProvisionResult {
	return ProvisionResult{
		OK:                 true,
		IntentID:           ev.IntentID,
		ResourceID:         ev.ResourceID,
		ResourceURL:        ev.ResourceURL,
		StructureType:      ev.StructureType,
		AlreadyProvisioned: already,
	}
}

type ProvisioningListOptions struct {
	From     string
	To       string
	IntentID string
	Limit    int
}

// ListProvisioningEvents lists events newest first within an optional
// window.
func (e Engine) ListProvisioningEvents(ctx context.Context, opts ProvisioningListOptions) ([]domain.ProvisioningEvent, error) {
	f := repo.ProvisioningFilter{
		IntentID: strings.TrimSpace(opts.IntentID),
		Limit:    normalizeLimit(opts.Limit, DefaultProvisioningLimit, MaxProvisioningLimit),
	}
	if opts.From != "" {
		t, err := parseTimestamp(opts.From)
		if err != nil {
			return nil, CodedError{Code: CodeInvalidDateRange, Message: "from must be an ISO8601 date"}
		}
		f.From = domain.FormatTime(t)
	}
	if opts.To != "" {
		t, err := parseTimestamp(opts.To)
		if err != nil {
			return nil, CodedError{Code: CodeInvalidDateRange, Message: "to must be an ISO8601 date"}
		}
		f.To = domain.FormatTime(t)
	}
	items, err := e.Repo.ListProvisioning(ctx, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.ProvisioningEvent{}
	}
	return items, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
