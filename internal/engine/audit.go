package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"careerline/internal/domain"
	"careerline/internal/engine/risk"
	"careerline/internal/repo"
)

type AuditParams struct {
	From string
	To   string
	Repo string
}

// RunAudit is one execution with the links resolved around it.
type RunAudit struct {
	Run              domain.AgentRun      `json:"run"`
	Intent           *domain.Intent       `json:"intent,omitempty"`
	Approval         *domain.Approval     `json:"approval,omitempty"`
	Review           *domain.ReviewOutput `json:"reviewOutput,omitempty"`
	Evidence         []domain.Evidence    `json:"evidence"`
	RequiresApproval bool                 `json:"requiresApproval"`
	Deficits         []string             `json:"deficits"`
}

type Report struct {
	From          string     `json:"from"`
	To            string     `json:"to"`
	Repo          string     `json:"repo,omitempty"`
	Markdown      string     `json:"markdown"`
	SuccessMetric int        `json:"successMetric"`
	Runs          []RunAudit `json:"runs"`
}

// Deficit names reported for a run.
const (
	DeficitIntent           = "intentId"
	DeficitApproval         = "approvalId"
	DeficitApprovalNotFound = "approval (not found)"
	DeficitReviewOutput     = "reviewOutput"
)

const auditConcurrency = 8

// AuditReport rebuilds the intent, approval, execution, output and evidence
// chain for runs created in [from, to]. It only reads.
func (e Engine) AuditReport(ctx context.Context, p AuditParams) (Report, error) {
	from, err := parseTimestamp(p.From)
	if err != nil {
		return Report{}, CodedError{Code: CodeInvalidDateRange, Message: "from and to must be ISO8601 dates"}
	}
	to, err := parseTimestamp(p.To)
	if err != nil {
		return Report{}, CodedError{Code: CodeInvalidDateRange, Message: "from and to must be ISO8601 dates"}
	}
	if from.After(to) {
		return Report{}, CodedError{Code: CodeFromAfterTo, Message: "from must not be after to"}
	}
	rows, err := e.auditRuns(ctx, from, to, p.Repo)
	if err != nil {
		return Report{}, err
	}
	metric := 1
	for _, r := range rows {
		if len(r.Deficits) > 0 {
			metric = 0
			break
		}
	}
	e.log().Info(ctx, "audit report generated", zap.Int("runs", len(rows)), zap.Int("success_metric", metric))
	return Report{
		From:          p.From,
		To:            p.To,
		Repo:          p.Repo,
		Markdown:      renderAudit(p, rows, metric),
		SuccessMetric: metric,
		Runs:          rows,
	}, nil
}

// auditRuns lists the runs in the window newest first and resolves each
// one concurrently.
func (e Engine) auditRuns(ctx context.Context, from, to time.Time, repoName string) ([]RunAudit, error) {
	runs, err := e.Repo.ListRunsCreatedBetween(ctx, domain.FormatTime(from), domain.FormatTime(to), repoName)
	if err != nil {
		return nil, err
	}
	rows := make([]RunAudit, len(runs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(auditConcurrency)
	for i, run := range runs {
		g.Go(func() error {
			row, err := e.resolveRun(gctx, run)
			if err != nil {
				return err
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// resolveRun loads the links of one run. Missing rows become deficits,
// other errors are returned.
func (e Engine) resolveRun(ctx context.Context, run domain.AgentRun) (RunAudit, error) {
	row := RunAudit{Run: run, Deficits: []string{}}

	it, ok, err := e.lookupIntent(ctx, run.IntentID)
	if err != nil {
		return row, err
	}
	if ok {
		row.Intent = &it
		row.RequiresApproval = risk.RequiresApproval(it.RiskLevel)
	}
	if run.ApprovalID != nil && *run.ApprovalID != "" {
		a, err := e.Repo.GetApproval(ctx, *run.ApprovalID)
		switch {
		case err == nil:
			row.Approval = &a
		case !errors.Is(err, repo.ErrNotFound):
			return row, err
		}
	}
	out, err := e.Repo.GetReviewOutputByRun(ctx, run.ID)
	switch {
	case err == nil:
		row.Review = &out
	case !errors.Is(err, repo.ErrNotFound):
		return row, err
	}
	evidence, err := e.Repo.ListEvidence(ctx, domain.LinkedAgentRun, run.ID)
	if err != nil {
		return row, err
	}
	row.Evidence = evidence
	if row.Evidence == nil {
		row.Evidence = []domain.Evidence{}
	}

	hasApprovalID := run.ApprovalID != nil && *run.ApprovalID != ""
	if row.Intent == nil {
		row.Deficits = append(row.Deficits, DeficitIntent)
	}
	if row.RequiresApproval && !hasApprovalID {
		row.Deficits = append(row.Deficits, DeficitApproval)
	}
	if hasApprovalID && row.Approval == nil {
		row.Deficits = append(row.Deficits, DeficitApprovalNotFound)
	}
	if (run.Status == domain.RunCompleted || run.Status == domain.RunFailed) && row.Review == nil {
		row.Deficits = append(row.Deficits, DeficitReviewOutput)
	}
	return row, nil
}

func renderAudit(p AuditParams, rows []RunAudit, metric int) string {
	// Blank header lines are dropped, so the header is a tight block.
	header := []string{
		"# Audit Report",
		"**Period**: " + p.From + " — " + p.To,
	}
	if p.Repo != "" {
		header = append(header, "**Scope (repo)**: "+p.Repo)
	}
	header = append(header, "**Runs**: "+strconv.Itoa(len(rows)), "---")
	lines := header

	for _, r := range rows {
		run := r.Run
		lines = append(lines, "## Run "+run.ID, "")
		if len(r.Deficits) > 0 {
			lines = append(lines, "❗ **Missing**: "+strings.Join(r.Deficits, ", "), "")
		}
		intent := "(missing)"
		if r.Intent != nil {
			intent = r.Intent.Goal
		}
		approval := "N/A (Low risk)"
		switch {
		case r.Approval != nil:
			approval = r.Approval.Decision
		case r.RequiresApproval:
			approval = "(missing)"
		}
		when := run.CreatedAt
		if run.EndedAt != nil {
			when += " — " + *run.EndedAt
		}
		lines = append(lines,
			"- **Intent**: "+intent,
			"- **Approval**: "+approval,
			"- **AgentRun**: "+run.AgentName+" "+run.AgentVersion+" | "+run.Model+" | "+run.Status,
			"- **Repo**: "+run.RepoFullName+" #"+strconv.Itoa(run.PRNumber),
			"- **PR URL**: "+run.PRURL,
			"- **diffHash**: "+run.DiffHash,
			"- **Time**: "+when,
		)
		if r.Review != nil {
			lines = append(lines, "- **Review**: "+r.Review.Summary)
			var high []string
			for _, f := range r.Review.Findings {
				if f.Severity == "high" || f.Severity == "critical" {
					high = append(high, f.Title)
				}
			}
			if len(high) > 0 {
				lines = append(lines, "  - High-severity findings: "+strings.Join(high, "; "))
			}
		}
		if len(r.Evidence) > 0 {
			parts := make([]string, 0, len(r.Evidence))
			for _, ev := range r.Evidence {
				s := ev.Kind
				if ev.URL != nil {
					s += " " + *ev.URL
				}
				if ev.Hash != nil {
					s += " (" + *ev.Hash + ")"
				}
				parts = append(parts, s)
			}
			lines = append(lines, "- **Evidence**: "+strings.Join(parts, "; "))
		}
		lines = append(lines, "")
	}
	if len(rows) == 0 {
		lines = append(lines, "No runs in the selected period.", "")
	}
	lines = append(lines, "---", "", "**Report success metric**: "+strconv.Itoa(metric)+" (1 = no missing required links)")
	return strings.Join(lines, "\n")
}
