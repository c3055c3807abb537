package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"careerline/internal/engine"
)

const contentTypeMarkdown = "text/markdown; charset=utf-8"

func registerReports(api huma.API, s *api) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-report",
		Method:      http.MethodGet,
		Path:        "/audit/report",
		Summary:     "Reconcile intent, approval, run, output and evidence for a window",
		Description: "Returns markdown unless the Accept header asks for application/json.",
		Tags:        []string{"audit"},
	}, func(ctx context.Context, input *struct {
		From   string `query:"from"`
		To     string `query:"to"`
		Repo   string `query:"repo"`
		Accept string `header:"Accept"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		report, err := s.e.AuditReport(ctx, engine.AuditParams{From: input.From, To: input.To, Repo: input.Repo})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		out := &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: contentTypeMarkdown, Body: []byte(report.Markdown)}
		if strings.Contains(input.Accept, "application/json") {
			b, err := json.Marshal(report)
			if err != nil {
				return nil, s.handleError(ctx, err)
			}
			out.ContentType = "application/json"
			out.Body = b
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kpi-summary",
		Method:      http.MethodGet,
		Path:        "/kpi/summary",
		Summary:     "Governance rates over a window (default last 30 days)",
		Tags:        []string{"audit"},
	}, func(ctx context.Context, input *struct {
		From string `query:"from"`
		To   string `query:"to"`
	}) (*struct {
		Body engine.KPISummary
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		sum, err := s.e.KPISummary(ctx, input.From, input.To)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body engine.KPISummary
		}{Body: sum}, nil
	})
}
