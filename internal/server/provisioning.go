package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"careerline/internal/domain"
	"careerline/internal/engine"
)

func registerProvisioning(api huma.API, s *api) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-provisioning",
		Method:        http.MethodPost,
		Path:          "/provisioning",
		Summary:       "Provision a repository for an approved intent",
		Description:   "Checks the approval like the run gate, then enqueues the provisioning worker. The job id is stable per intent and structure type.",
		Tags:          []string{"provisioning"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		Body ProvisioningRequest
	}) (*struct {
		Body engine.ProvisioningJob
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := s.e.RequestProvisioning(ctx, userID, engine.ProvisioningRequest{
			IntentID:       input.Body.IntentID,
			ApprovalID:     input.Body.ApprovalID,
			RepositoryName: input.Body.RepositoryName,
			StructureType:  input.Body.StructureType,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body engine.ProvisioningJob
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-provisioning-events",
		Method:      http.MethodGet,
		Path:        "/provisioning/events",
		Summary:     "List provisioning events",
		Tags:        []string{"provisioning"},
	}, func(ctx context.Context, input *struct {
		From     string `query:"from"`
		To       string `query:"to"`
		IntentID string `query:"intentId"`
		Limit    int    `query:"limit" minimum:"0" maximum:"200"`
	}) (*struct {
		Body ListResponse[domain.ProvisioningEvent]
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := s.e.ListProvisioningEvents(ctx, engine.ProvisioningListOptions{
			From: input.From, To: input.To, IntentID: input.IntentID, Limit: input.Limit,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body ListResponse[domain.ProvisioningEvent]
		}{Body: listOf(items)}, nil
	})
}

func registerAPIKeys(api huma.API, s *api) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key",
		Description:   "The secret is only returned by this call.",
		Tags:          []string{"auth"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body engine.IssuedAPIKey
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issued, err := s.e.IssueAPIKey(ctx, userID, input.Body.Name)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body engine.IssuedAPIKey
		}{Body: issued}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List my API keys",
		Tags:        []string{"auth"},
	}, func(ctx context.Context, input *struct {
		All bool `query:"all" doc:"include revoked keys"`
	}) (*struct {
		Body ListResponse[domain.APIKey]
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := s.e.ListAPIKeys(ctx, userID, input.All)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body ListResponse[domain.APIKey]
		}{Body: listOf(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{id}",
		Summary:     "Revoke an API key",
		Tags:        []string{"auth"},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.APIKey
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, err := s.e.RevokeAPIKey(ctx, userID, input.ID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.APIKey
		}{Body: key}, nil
	})
}
