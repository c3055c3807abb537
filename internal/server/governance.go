package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"careerline/internal/domain"
	"careerline/internal/engine"
	"careerline/internal/repo"
)

type idPath struct {
	ID string `path:"id"`
}

type limitQuery struct {
	Limit int `query:"limit" minimum:"0" maximum:"200"`
}

func registerIntents(api huma.API, s *api) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-intent",
		Method:        http.MethodPost,
		Path:          "/intents",
		Summary:       "Create a review intent",
		Description:   "The intent is classified by risk; Med and High intents need an approval before runs are admitted.",
		Tags:          []string{"intents"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateIntentRequest
	}) (*struct {
		Body domain.Intent
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := s.e.CreateIntent(ctx, userID, engine.IntentInput{
			Goal:        input.Body.Goal,
			Constraints: input.Body.Constraints,
			Success:     input.Body.Success,
			PRMeta:      input.Body.PRMeta,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.Intent
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-intents",
		Method:      http.MethodGet,
		Path:        "/intents",
		Summary:     "List my intents",
		Tags:        []string{"intents"},
	}, func(ctx context.Context, input *pageQuery) (*struct {
		Body engine.Page[domain.Intent]
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page, err := s.e.ListIntents(ctx, userID, listOptions(input.Limit, input.Cursor, ""))
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body engine.Page[domain.Intent]
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intent",
		Method:      http.MethodGet,
		Path:        "/intents/{id}",
		Summary:     "Get an intent",
		Tags:        []string{"intents"},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Intent
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := s.e.GetIntent(ctx, input.ID, userID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.Intent
		}{Body: it}, nil
	})
}

func registerApprovals(api huma.API, s *api) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-approval",
		Method:        http.MethodPost,
		Path:          "/approvals",
		Summary:       "Record an approval decision for an intent",
		Tags:          []string{"approvals"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateApprovalRequest
	}) (*struct {
		Body domain.Approval
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := s.e.CreateApproval(ctx, userID, engine.ApprovalInput{
			IntentID:        input.Body.IntentID,
			Decision:        input.Body.Decision,
			TemplateAnswers: input.Body.TemplateAnswers,
			ValidTo:         input.Body.ValidTo,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.Approval
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approval-inbox",
		Method:      http.MethodGet,
		Path:        "/approvals/inbox",
		Summary:     "List Med/High intents still waiting for a decision",
		Tags:        []string{"approvals"},
	}, func(ctx context.Context, input *limitQuery) (*struct {
		Body ListResponse[engine.ApprovalInboxItem]
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.e.ListApprovalInbox(ctx, userID, input.Limit)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body ListResponse[engine.ApprovalInboxItem]
		}{Body: listOf(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}",
		Summary:     "Get an approval",
		Tags:        []string{"approvals"},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Approval
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := s.e.GetApproval(ctx, input.ID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.Approval
		}{Body: a}, nil
	})
}

func registerRuns(api huma.API, s *api) {
	huma.Register(api, huma.Operation{
		OperationID: "create-agent-run",
		Method:      http.MethodPost,
		Path:        "/agent-runs",
		Summary:     "Create and execute an agent run",
		Description: "Med and High intents pass through the approval gate. A new run is executed before the response; " +
			"repeating a known runId returns the stored run with status 200.",
		Tags:          []string{"agent-runs"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest
	}) (*struct {
		Status int
		Body   RunResponse
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.e.CreateRun(ctx, userID, input.Body.input())
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		out := RunResponse{RunID: res.RunID, Status: res.Status, IntentID: res.IntentID, Existing: res.Existing}
		status := http.StatusOK
		if !res.Existing {
			status = http.StatusCreated
			exec, err := s.e.ExecuteRun(ctx, res.RunID)
			if err != nil {
				return nil, s.handleError(ctx, err)
			}
			out.Status = exec.Status
			out.ErrorCode = exec.ErrorCode
		}
		return &struct {
			Status int
			Body   RunResponse
		}{Status: status, Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agent-runs",
		Method:      http.MethodGet,
		Path:        "/agent-runs",
		Summary:     "List agent runs",
		Tags:        []string{"agent-runs"},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"100"`
	}) (*struct {
		Body ListResponse[domain.AgentRun]
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		runs, err := s.e.ListRuns(ctx, input.Limit)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body ListResponse[domain.AgentRun]
		}{Body: listOf(runs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent-run",
		Method:      http.MethodGet,
		Path:        "/agent-runs/{id}",
		Summary:     "Get an agent run with its review output",
		Tags:        []string{"agent-runs"},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body RunDetail
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		run, err := s.e.GetRun(ctx, input.ID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		detail := RunDetail{AgentRun: run}
		out, err := s.e.GetReviewOutput(ctx, run.ID)
		switch {
		case err == nil:
			detail.ReviewOutput = &out
		case !errors.Is(err, repo.ErrNotFound):
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body RunDetail
		}{Body: detail}, nil
	})
}

func registerExceptions(api huma.API, s *api) {
	huma.Register(api, huma.Operation{
		OperationID: "exception-inbox",
		Method:      http.MethodGet,
		Path:        "/exceptions/inbox",
		Summary:     "List exception events",
		Tags:        []string{"exceptions"},
	}, func(ctx context.Context, input *struct {
		Type  string `query:"type"`
		Limit int    `query:"limit" minimum:"0" maximum:"200"`
	}) (*struct {
		Body ListResponse[domain.ExceptionEvent]
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := s.e.ListExceptions(ctx, input.Type, input.Limit)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body ListResponse[domain.ExceptionEvent]
		}{Body: listOf(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-exception",
		Method:      http.MethodPost,
		Path:        "/exceptions/{id}/resolve",
		Summary:     "Resolve an exception event",
		Description: "A resolution is written once; resolving again is a conflict.",
		Tags:        []string{"exceptions"},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ResolveExceptionRequest
	}) (*struct {
		Body domain.ExceptionEvent
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := s.e.ResolveException(ctx, input.ID, userID, input.Body.Resolution)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.ExceptionEvent
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "log-break-glass",
		Method:        http.MethodPost,
		Path:          "/exceptions/break-glass",
		Summary:       "Record a run started outside the approval gate",
		Tags:          []string{"exceptions"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body BreakGlassRequest
	}) (*struct {
		Body domain.ExceptionEvent
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := s.e.LogBreakGlass(ctx, userID, input.Body.IntentID, input.Body.RunID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.ExceptionEvent
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-expired-approvals",
		Method:      http.MethodGet,
		Path:        "/exceptions/expired-approvals",
		Summary:     "List approved approvals past their validity",
		Tags:        []string{"exceptions"},
	}, func(ctx context.Context, input *limitQuery) (*struct {
		Body ListResponse[domain.Approval]
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := s.e.ListExpiredApprovals(ctx, input.Limit)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body ListResponse[domain.Approval]
		}{Body: listOf(items)}, nil
	})
}

func registerEvidence(api huma.API, s *api) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-evidence",
		Method:        http.MethodPost,
		Path:          "/evidences",
		Summary:       "Attach evidence to a run or intent",
		Tags:          []string{"evidence"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateEvidenceRequest
	}) (*struct {
		Body domain.Evidence
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := s.e.CreateEvidence(ctx, userID, engine.EvidenceInput{
			LinkedType: input.Body.LinkedType,
			LinkedID:   input.Body.LinkedID,
			Kind:       input.Body.Kind,
			URL:        input.Body.URL,
			Hash:       input.Body.Hash,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.Evidence
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-evidence",
		Method:      http.MethodGet,
		Path:        "/evidences",
		Summary:     "List evidence linked to a run or intent",
		Tags:        []string{"evidence"},
	}, func(ctx context.Context, input *struct {
		LinkedType string `query:"linkedType" required:"true"`
		LinkedID   string `query:"linkedId" required:"true"`
	}) (*struct {
		Body ListResponse[domain.Evidence]
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := s.e.ListEvidence(ctx, input.LinkedType, input.LinkedID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body ListResponse[domain.Evidence]
		}{Body: listOf(items)}, nil
	})
}
