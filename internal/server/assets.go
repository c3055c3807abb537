package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"careerline/internal/domain"
	"careerline/internal/engine"
)

type pageQuery struct {
	Limit  int    `query:"limit" minimum:"0" maximum:"200"`
	Cursor string `query:"cursor"`
}

func registerAssets(api huma.API, s *api) {
	huma.Register(api, huma.Operation{
		OperationID: "list-inbox",
		Method:      http.MethodGet,
		Path:        "/assets/inbox",
		Summary:     "List AssetCards awaiting review",
		Tags:        []string{"assets"},
	}, func(ctx context.Context, input *struct {
		pageQuery
		Status string `query:"status" enum:"inbox,flagged"`
	}) (*struct {
		Body engine.Page[domain.Artifact]
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page, err := s.e.ListInbox(ctx, userID, listOptions(input.Limit, input.Cursor, input.Status))
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body engine.Page[domain.Artifact]
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-library",
		Method:      http.MethodGet,
		Path:        "/assets/library",
		Summary:     "List reviewed AssetCards",
		Tags:        []string{"assets"},
	}, func(ctx context.Context, input *struct {
		pageQuery
		Status string `query:"status" enum:"approved,edited,exported"`
	}) (*struct {
		Body engine.Page[domain.Artifact]
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page, err := s.e.ListLibrary(ctx, userID, listOptions(input.Limit, input.Cursor, input.Status))
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body engine.Page[domain.Artifact]
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-asset",
		Method:      http.MethodGet,
		Path:        "/assets/{id}",
		Summary:     "Get an AssetCard",
		Tags:        []string{"assets"},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Artifact
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := s.e.GetArtifact(ctx, input.ID, userID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.Artifact
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-asset",
		Method:      http.MethodPost,
		Path:        "/assets/{id}/approve",
		Summary:     "Approve an AssetCard",
		Tags:        []string{"assets"},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Artifact
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := s.e.ApproveArtifact(ctx, input.ID, userID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.Artifact
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-asset",
		Method:      http.MethodPatch,
		Path:        "/assets/{id}",
		Summary:     "Edit an AssetCard",
		Description: "Only the fields present in the body change. Each changed field is appended to the edit history.",
		Tags:        []string{"assets"},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body engine.ArtifactPatch
	}) (*struct {
		Body domain.Artifact
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := s.e.EditArtifact(ctx, input.ID, userID, input.Body)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.Artifact
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-asset",
		Method:      http.MethodDelete,
		Path:        "/assets/{id}",
		Summary:     "Reject and delete an AssetCard",
		Tags:        []string{"assets"},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body RejectResponse
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.e.RejectArtifact(ctx, input.ID, userID); err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body RejectResponse
		}{Body: RejectResponse{Success: true, AssetCardID: input.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-asset-decisions",
		Method:      http.MethodGet,
		Path:        "/assets/{id}/decisions",
		Summary:     "List review decisions for an AssetCard",
		Tags:        []string{"assets"},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body ListResponse[domain.DecisionLog]
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		logs, err := s.e.ListDecisionLogs(ctx, input.ID, userID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body ListResponse[domain.DecisionLog]
		}{Body: listOf(logs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-assets",
		Method:      http.MethodPost,
		Path:        "/export",
		Summary:     "Export approved or edited AssetCards",
		Tags:        []string{"assets"},
	}, func(ctx context.Context, input *struct {
		Body ExportRequest
	}) (*struct {
		Body engine.Export
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := s.e.ExportArtifacts(ctx, userID, input.Body.AssetCardIDs, input.Body.Format)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body engine.Export
		}{Body: out}, nil
	})
}
