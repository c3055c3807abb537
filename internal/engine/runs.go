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
	"careerline/internal/logging"
	"careerline/internal/metrics"
	"careerline/internal/repo"
)

type RunInput struct {
	RunID        string `json:"runId,omitempty"`
	IntentID     string `json:"intentId"`
	ApprovalID   string `json:"approvalId,omitempty"`
	AgentName    string `json:"agentName"`
	AgentVersion string `json:"agentVersion"`
	Model        string `json:"model"`
	RepoFullName string `json:"repoFullName"`
	PRNumber     int    `json:"prNumber"`
	PRURL        string `json:"prUrl,omitempty"`
	BaseSHA      string `json:"baseSha,omitempty"`
	HeadSHA      string `json:"headSha,omitempty"`
	DiffHash     string `json:"diffHash"`
}

type RunResult struct {
	RunID    string `json:"runId"`
	Status   string `json:"status"`
	IntentID string `json:"intentId"`
	Existing bool   `json:"existing"`
}

const (
	MaxRunListLimit = 100
	actorTypeUser   = "user"
)

// CreateRun admits a run through the approval gate. Gated intents need an
// approved, unexpired approval for the same intent; every rejection is
// recorded as an unapproved_attempt exception before it is returned.
func (e Engine) CreateRun(ctx context.Context, actorID string, in RunInput) (RunResult, error) {
	if err := auth.RequireActor(actorID); err != nil {
		return RunResult{}, err
	}
	runID := strings.TrimSpace(in.RunID)
	intentID := strings.TrimSpace(in.IntentID)
	if intentID == "" {
		return RunResult{}, CodedError{Code: CodeMissingIntentID, Message: "intentId is required"}
	}
	ctx = logging.WithFields(ctx, zap.String("intent_id", intentID))
	it, ok, err := e.lookupIntent(ctx, intentID)
	if err != nil {
		return RunResult{}, err
	}
	if !ok {
		return RunResult{}, CodedError{Code: CodeIntentNotFound, Message: "intent not found: " + intentID}
	}

	gated := risk.RequiresApproval(it.RiskLevel)
	approvalID := strings.TrimSpace(in.ApprovalID)
	if gated {
		if code := e.checkApproval(ctx, intentID, approvalID); code != "" {
			return RunResult{}, e.rejectRun(ctx, code, intentID, runID, actorID)
		}
	}

	if runID != "" {
		existing, err := e.Repo.GetRun(ctx, runID)
		if err == nil {
			return RunResult{RunID: existing.ID, Status: existing.Status, IntentID: existing.IntentID, Existing: true}, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return RunResult{}, err
		}
	} else {
		runID = newID()
	}

	now := e.ts()
	run := domain.AgentRun{
		ID:           runID,
		IntentID:     intentID,
		ActorType:    actorTypeUser,
		ActorID:      actorID,
		AgentName:    in.AgentName,
		AgentVersion: in.AgentVersion,
		Model:        in.Model,
		RepoFullName: in.RepoFullName,
		PRNumber:     in.PRNumber,
		PRURL:        in.PRURL,
		BaseSHA:      in.BaseSHA,
		HeadSHA:      in.HeadSHA,
		DiffHash:     in.DiffHash,
		Status:       domain.RunQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if gated {
		run.ApprovalID = &approvalID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RunResult{}, err
	}
	defer tx.Rollback()
	stored, created, err := e.Repo.InsertRunIfAbsent(ctx, tx, run)
	if err != nil {
		return RunResult{}, err
	}
	if created {
		if err := e.audit(ctx, tx, "agent_run.created", "agent_run", stored.ID, actorID, audit.Payload{
			"intent_id":   intentID,
			"approval_id": approvalID,
			"risk_level":  it.RiskLevel,
		}); err != nil {
			return RunResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return RunResult{}, err
	}
	if created {
		e.log().Info(ctx, "agent run created", zap.String("run_id", stored.ID))
	}
	return RunResult{RunID: stored.ID, Status: stored.Status, IntentID: stored.IntentID, Existing: !created}, nil
}

// checkApproval returns the gate code that rejects approvalID for
// intentID, or "" when the approval admits the run.
func (e Engine) checkApproval(ctx context.Context, intentID, approvalID string) string {
	if approvalID == "" {
		return GateApprovalRequired
	}
	a, err := e.Repo.GetApproval(ctx, approvalID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			e.log().Error(ctx, "load approval failed", zap.String("approval_id", approvalID), zap.Error(err))
		}
		return GateApprovalNotFound
	}
	if a.IntentID != intentID {
		return GateApprovalNotFound
	}
	if a.Decision != domain.DecisionApproved {
		return GateApprovalNotApproved
	}
	if approvalExpired(a, e.now()) {
		return GateApprovalExpired
	}
	return ""
}

func (e Engine) rejectRun(ctx context.Context, code, intentID, runID, actorID string) error {
	metrics.GateRejections.WithLabelValues(code).Inc()
	gateErr := GateError{Code: code}
	e.log().Warn(ctx, "run rejected by approval gate", zap.String("code", code), zap.String("actor_id", actorID))
	if _, err := e.recordException(ctx, domain.ExceptionEvent{
		Type:     domain.ExceptionUnapprovedAttempt,
		IntentID: &intentID,
		RunID:    optionalString(runID),
		ActorID:  &actorID,
	}, actorID); err != nil {
		e.log().Error(ctx, "record unapproved attempt failed", zap.Error(err))
		return errors.Join(gateErr, err)
	}
	return gateErr
}

func (e Engine) GetRun(ctx context.Context, id string) (domain.AgentRun, error) {
	run, err := e.Repo.GetRun(ctx, id)
	if err != nil {
		return domain.AgentRun{}, notFound(err, "AgentRun", id)
	}
	return run, nil
}

// ListRuns lists runs newest first, at most MaxRunListLimit.
func (e Engine) ListRuns(ctx context.Context, limit int) ([]domain.AgentRun, error) {
	runs, err := e.Repo.ListRuns(ctx, normalizeLimit(limit, DefaultListLimit, MaxRunListLimit))
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []domain.AgentRun{}
	}
	return runs, nil
}
