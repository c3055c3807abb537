package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"careerline/internal/audit"
	"careerline/internal/diffsum"
	"careerline/internal/domain"
	"careerline/internal/llm"
	"careerline/internal/logging"
	"careerline/internal/pipeline"
	"careerline/internal/provider"
)

// Review is what a Reviewer produces for one run.
type Review struct {
	Summary       string           `json:"summary"`
	Findings      []domain.Finding `json:"findings"`
	SafeToProceed bool             `json:"safeToProceed"`
	ToolsSummary  string           `json:"-"`
}

// Reviewer performs the review work of an agent run.
type Reviewer interface {
	Review(ctx context.Context, run domain.AgentRun) (Review, error)
}

// StubReviewer returns a fixed review without calling any model.
type StubReviewer struct{}

func (StubReviewer) Review(context.Context, domain.AgentRun) (Review, error) {
	return Review{
		Summary: "MVP stub review completed. No AI analysis performed.",
		Findings: []domain.Finding{{
			ID:             "stub-1",
			Category:       "governance",
			Severity:       "low",
			Title:          "Stub finding",
			Description:    "This is a placeholder finding from the MVP executor.",
			Recommendation: "Replace with real AI review integration.",
			Confidence:     0.5,
		}},
		SafeToProceed: true,
		ToolsSummary:  "MVP stub (no tools)",
	}, nil
}

// LLMReviewer asks a model to review the run's pull request diff.
type LLMReviewer struct {
	Gen          llm.TextGenerator
	Provider     provider.Provider
	MaxDiffLines int
	Temperature  float32
}

var severities = map[string]bool{"info": true, "low": true, "medium": true, "high": true, "critical": true}

func (r LLMReviewer) Review(ctx context.Context, run domain.AgentRun) (Review, error) {
	diff := ""
	tools := "llm"
	if r.Provider != nil && run.RepoFullName != "" && run.PRNumber > 0 {
		owner, name, ok := strings.Cut(run.RepoFullName, "/")
		if !ok {
			return Review{}, fmt.Errorf("invalid repository name %q", run.RepoFullName)
		}
		raw, err := r.Provider.PullRequestDiff(ctx, owner, name, run.PRNumber, run.HeadSHA)
		if err != nil {
			return Review{}, fmt.Errorf("fetch diff: %w", err)
		}
		diff = diffsum.Summarize(raw, r.MaxDiffLines).Content
		tools = "llm, github diff"
	}
	text, err := r.Gen.Generate(ctx, reviewPrompt(run, diff), r.Temperature)
	if err != nil {
		return Review{}, err
	}
	obj, err := pipeline.ParseCard(text)
	if err != nil {
		return Review{}, err
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return Review{}, err
	}
	var out Review
	if err := json.Unmarshal(b, &out); err != nil {
		return Review{}, fmt.Errorf("decode review: %w", err)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return Review{}, fmt.Errorf("review has no summary")
	}
	for i := range out.Findings {
		f := &out.Findings[i]
		if f.ID == "" {
			f.ID = fmt.Sprintf("finding-%d", i+1)
		}
		f.Severity = strings.ToLower(f.Severity)
		if !severities[f.Severity] {
			f.Severity = "info"
		}
	}
	out.ToolsSummary = tools
	return out, nil
}

func reviewPrompt(run domain.AgentRun, diff string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are reviewing pull request #%d of %s.\n", run.PRNumber, run.RepoFullName)
	if run.PRURL != "" {
		fmt.Fprintf(&b, "URL: %s\n", run.PRURL)
	}
	if diff != "" {
		fmt.Fprintf(&b, "\nDiff:\n```diff\n%s\n```\n", diff)
	}
	b.WriteString(`
Respond with a single JSON object:
{"summary": string, "safeToProceed": boolean, "findings": [{"id": string, "category": string,
"severity": "info"|"low"|"medium"|"high"|"critical", "title": string, "description": string,
"evidenceRef": string, "recommendation": string, "confidence": number between 0 and 1}]}
`)
	return b.String()
}

type ExecuteResult struct {
	Status    string  `json:"status"`
	ErrorCode *string `json:"errorCode,omitempty"`
}

const errorCodeExecutor = "executor_error"

// ExecuteRun runs the review for a queued run. Runs in any other status
// are left alone and their current status is returned.
func (e Engine) ExecuteRun(ctx context.Context, runID string) (ExecuteResult, error) {
	ctx = logging.WithFields(ctx, zap.String("run_id", runID))
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return ExecuteResult{}, notFound(err, "AgentRun", runID)
	}
	if run.Status != domain.RunQueued {
		return ExecuteResult{Status: run.Status, ErrorCode: run.ErrorCode}, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ExecuteResult{}, err
	}
	defer tx.Rollback()
	started, err := e.Repo.StartRunTx(ctx, tx, runID, e.ts())
	if err != nil {
		return ExecuteResult{}, err
	}
	if !started {
		cur, err := e.Repo.GetRunTx(ctx, tx, runID)
		if err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{Status: cur.Status, ErrorCode: cur.ErrorCode}, nil
	}
	if err := e.audit(ctx, tx, "agent_run.started", "agent_run", runID, run.ActorID, nil); err != nil {
		return ExecuteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ExecuteResult{}, err
	}
	e.log().Info(ctx, "agent run started")

	reviewer := e.Reviewer
	if reviewer == nil {
		reviewer = StubReviewer{}
	}
	review, rerr := reviewer.Review(ctx, run)
	if rerr != nil {
		e.log().Error(ctx, "agent run failed", zap.Error(rerr))
		return e.finishRun(ctx, run, Review{
			Summary:  "Review failed: " + rerr.Error(),
			Findings: []domain.Finding{},
		}, domain.RunFailed)
	}
	return e.finishRun(ctx, run, review, domain.RunCompleted)
}

// finishRun stores the review output and the terminal run status together.
// A failed run still gets an output row so the audit chain is complete.
func (e Engine) finishRun(ctx context.Context, run domain.AgentRun, review Review, status string) (ExecuteResult, error) {
	now := e.ts()
	out := domain.ReviewOutput{
		ID:            newID(),
		RunID:         run.ID,
		Summary:       review.Summary,
		Findings:      review.Findings,
		SafeToProceed: review.SafeToProceed,
		Status:        status,
		CreatedAt:     now,
	}
	var errorCode, tools *string
	if status == domain.RunFailed {
		code := errorCodeExecutor
		errorCode = &code
		out.ErrorCode = &code
		out.SafeToProceed = false
	} else {
		tools = optionalString(review.ToolsSummary)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ExecuteResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReviewOutputTx(ctx, tx, out); err != nil {
		return ExecuteResult{}, err
	}
	if err := e.Repo.FinishRunTx(ctx, tx, run.ID, status, tools, errorCode, now); err != nil {
		return ExecuteResult{}, err
	}
	if err := e.audit(ctx, tx, "agent_run."+status, "agent_run", run.ID, run.ActorID, audit.Payload{
		"findings":        len(review.Findings),
		"safe_to_proceed": out.SafeToProceed,
	}); err != nil {
		return ExecuteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ExecuteResult{}, err
	}
	e.log().Info(ctx, "agent run finished", zap.String("status", status))
	return ExecuteResult{Status: status, ErrorCode: errorCode}, nil
}

// GetReviewOutput returns the output stored for a run.
func (e Engine) GetReviewOutput(ctx context.Context, runID string) (domain.ReviewOutput, error) {
	out, err := e.Repo.GetReviewOutputByRun(ctx, runID)
	if err != nil {
		return domain.ReviewOutput{}, notFound(err, "ReviewOutput", runID)
	}
	return out, nil
}
