package engine

import (
	"context"
	"time"

	"careerline/internal/domain"
)

const defaultKPIWindow = 30 * 24 * time.Hour

type KPIPeriod struct {
	From string `json:"from" format:"date-time"`
	To   string `json:"to" format:"date-time"`
}

type KPISummary struct {
	LinkRate         float64   `json:"linkRate"`
	ApprovalRate     float64   `json:"approvalRate"`
	AuditSuccessRate float64   `json:"auditSuccessRate"`
	Runs             int       `json:"runs"`
	Period           KPIPeriod `json:"period"`
}

// KPISummary computes governance rates over runs created in the window.
// An empty to means now; an empty from means 30 days before to.
func (e Engine) KPISummary(ctx context.Context, from, to string) (KPISummary, error) {
	end := e.now()
	if to != "" {
		t, err := parseTimestamp(to)
		if err != nil {
			return KPISummary{}, CodedError{Code: CodeInvalidDateRange, Message: "to must be an ISO8601 date"}
		}
		end = t
	}
	start := end.Add(-defaultKPIWindow)
	if from != "" {
		t, err := parseTimestamp(from)
		if err != nil {
			return KPISummary{}, CodedError{Code: CodeInvalidDateRange, Message: "from must be an ISO8601 date"}
		}
		start = t
	}
	if start.After(end) {
		return KPISummary{}, CodedError{Code: CodeFromAfterTo, Message: "from must not be after to"}
	}
	rows, err := e.auditRuns(ctx, start, end, "")
	if err != nil {
		return KPISummary{}, err
	}
	var withIntent, gated, gatedWithApproval, clean int
	for _, r := range rows {
		if r.Intent != nil {
			withIntent++
		}
		if r.RequiresApproval {
			gated++
			if r.Run.ApprovalID != nil && *r.Run.ApprovalID != "" {
				gatedWithApproval++
			}
		}
		if len(r.Deficits) == 0 {
			clean++
		}
	}
	return KPISummary{
		LinkRate:         ratio(withIntent, len(rows)),
		ApprovalRate:     ratio(gatedWithApproval, gated),
		AuditSuccessRate: ratio(clean, len(rows)),
		Runs:             len(rows),
		Period:           KPIPeriod{From: domain.FormatTime(start), To: domain.FormatTime(end)},
	}, nil
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
