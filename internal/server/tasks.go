package server

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"careerline/internal/config"
	"careerline/internal/engine"
	"careerline/internal/logging"
)

// Each worker input declares the task headers itself. huma does not bind
// fields promoted from an unexported embedded struct.

type processTaskInput struct {
	TaskToken  string `header:"X-Careerline-Task-Token"`
	TaskName   string `header:"X-Careerline-Task-Name"`
	RetryCount int    `header:"X-Careerline-Retry-Count"`
	Body       engine.ProcessInput
}

type generateTaskInput struct {
	TaskToken  string `header:"X-Careerline-Task-Token"`
	TaskName   string `header:"X-Careerline-Task-Name"`
	RetryCount int    `header:"X-Careerline-Retry-Count"`
	Body       GenerateTaskRequest
}

type provisionTaskInput struct {
	TaskToken  string `header:"X-Careerline-Task-Token"`
	TaskName   string `header:"X-Careerline-Task-Name"`
	RetryCount int    `header:"X-Careerline-Retry-Count"`
	Body       engine.ProvisionInput
}

func taskContext(ctx context.Context, name string, retry int) context.Context {
	return logging.WithFields(ctx, zap.String("task_name", name), zap.Int("retry_count", retry))
}

// checkTaskToken accepts any caller when no token is configured.
func checkTaskToken(want config.Secret, got string) huma.StatusError {
	if !want.IsSet() {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(want.Value()), []byte(got)) != 1 {
		return newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid task token", nil)
	}
	return nil
}

// registerTasks mounts the worker endpoints the dispatcher delivers to. A
// 4xx answer dead-letters the task; a 5xx answer is retried.
func registerTasks(api huma.API, s *api, token config.Secret) {
	huma.Register(api, huma.Operation{
		OperationID: "task-pr-event-processor",
		Method:      http.MethodPost,
		Path:        "/tasks/pr-event-processor",
		Summary:     "Fetch the diff of a stored PR event and enqueue generation",
		Tags:        []string{"tasks"},
	}, func(ctx context.Context, input *processTaskInput) (*struct {
		Body engine.ProcessResult
	}, error) {
		if err := checkTaskToken(token, input.TaskToken); err != nil {
			return nil, err
		}
		ctx = taskContext(ctx, input.TaskName, input.RetryCount)
		res, err := s.e.ProcessEvent(ctx, input.Body)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body engine.ProcessResult
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-asset-generator",
		Method:      http.MethodPost,
		Path:        "/tasks/asset-generator",
		Summary:     "Generate the AssetCard for a processed PR event",
		Tags:        []string{"tasks"},
	}, func(ctx context.Context, input *generateTaskInput) (*struct {
		Body GenerateTaskResponse
	}, error) {
		if err := checkTaskToken(token, input.TaskToken); err != nil {
			return nil, err
		}
		ctx = taskContext(ctx, input.TaskName, input.RetryCount)
		a, err := s.e.GenerateArtifact(ctx, input.Body.EventID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body GenerateTaskResponse
		}{Body: GenerateTaskResponse{Success: true, AssetCardID: a.ID, Status: a.Status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-provisioning",
		Method:      http.MethodPost,
		Path:        "/tasks/provisioning",
		Summary:     "Create the repository for an approved intent",
		Description: "Idempotent per intent: an intent that already has a provisioning event is answered from the stored record.",
		Tags:        []string{"tasks"},
	}, func(ctx context.Context, input *provisionTaskInput) (*struct {
		Body engine.ProvisionResult
	}, error) {
		if err := checkTaskToken(token, input.TaskToken); err != nil {
			return nil, err
		}
		ctx = taskContext(ctx, input.TaskName, input.RetryCount)
		res, err := s.e.Provision(ctx, input.Body)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body engine.ProvisionResult
		}{Body: res}, nil
	})
}
