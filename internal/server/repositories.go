package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"careerline/internal/domain"
	"careerline/internal/engine"
)

func registerRepositories(api huma.API, s *api) {
	huma.Register(api, huma.Operation{
		OperationID:   "connect-repository",
		Method:        http.MethodPost,
		Path:          "/repositories",
		Summary:       "Connect a GitHub repository and register its webhook",
		Tags:          []string{"repositories"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body ConnectRepositoryRequest
	}) (*struct {
		Body domain.Repository
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := s.e.ConnectRepository(ctx, userID, input.Body.Owner, input.Body.Name)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.Repository
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-repositories",
		Method:      http.MethodGet,
		Path:        "/repositories",
		Summary:     "List my repositories",
		Tags:        []string{"repositories"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ListResponse[domain.Repository]
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.e.ListRepositories(ctx, userID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body ListResponse[domain.Repository]
		}{Body: listOf(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "disconnect-repository",
		Method:      http.MethodDelete,
		Path:        "/repositories/{id}",
		Summary:     "Disconnect a repository",
		Tags:        []string{"repositories"},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Repository
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := s.e.DisconnectRepository(ctx, userID, input.ID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.Repository
		}{Body: r}, nil
	})
}

func registerEvents(api huma.API, s *api) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List my PR events",
		Tags:        []string{"events"},
	}, func(ctx context.Context, input *struct {
		pageQuery
		Status string `query:"status" enum:"pending,processing,completed,failed"`
	}) (*struct {
		Body engine.Page[domain.InboundEvent]
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page, err := s.e.ListEvents(ctx, userID, listOptions(input.Limit, input.Cursor, input.Status))
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body engine.Page[domain.InboundEvent]
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{id}",
		Summary:     "Get a PR event",
		Tags:        []string{"events"},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.InboundEvent
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := s.e.GetEvent(ctx, input.ID, userID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.InboundEvent
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-event",
		Method:      http.MethodPost,
		Path:        "/events/{id}/retry",
		Summary:     "Retry a failed PR event",
		Tags:        []string{"events"},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.InboundEvent
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := s.e.RetryEvent(ctx, userID, input.ID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.InboundEvent
		}{Body: ev}, nil
	})
}
