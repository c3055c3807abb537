package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"careerline/internal/audit"
	"careerline/internal/domain"
	"careerline/internal/engine/auth"
	"careerline/internal/provider"
	"careerline/internal/repo"
)

// ConnectRepository confirms access to owner/name, registers the webhook
// and marks the repository connected for userID.
func (e Engine) ConnectRepository(ctx context.Context, userID, owner, name string) (domain.Repository, error) {
	if err := auth.RequireActor(userID); err != nil {
		return domain.Repository{}, err
	}
	owner, name = strings.TrimSpace(owner), strings.TrimSpace(name)
	if owner == "" || name == "" {
		return domain.Repository{}, InvalidInputError{Field: "repository", Reason: "owner and name are required"}
	}
	fullName := owner + "/" + name
	existing, err := e.Repo.GetRepositoryByFullName(ctx, fullName)
	switch {
	case err == nil && existing.ConnectionStatus == domain.RepoConnected:
		return domain.Repository{}, CodedError{Code: CodeConflict, Message: "repository already connected: " + fullName}
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return domain.Repository{}, err
	}
	if e.Provider == nil {
		return domain.Repository{}, errors.New("repository provider not configured")
	}
	info, err := e.Provider.Repository(ctx, owner, name)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return domain.Repository{}, auth.ForbiddenError{Reason: "Repository not found or access denied"}
		}
		return domain.Repository{}, err
	}

	var hookID *int64
	id, err := e.Provider.CreateWebhook(ctx, owner, name, e.Config.WebhookURL(), e.Config.GitHub.WebhookSecret.Value())
	switch status := provider.Status(err); {
	case err == nil:
		hookID = &id
	case status == http.StatusForbidden || status == http.StatusUnprocessableEntity:
		e.log().Warn(ctx, "webhook not created, continuing without it", zap.String("repository", fullName), zap.Int("status", status))
	default:
		return domain.Repository{}, err
	}

	now := e.ts()
	r := domain.Repository{
		ID:               newID(),
		UserID:           userID,
		GitHubRepoID:     info.ID,
		Owner:            owner,
		Name:             name,
		FullName:         fullName,
		IsPrivate:        info.Private,
		ConnectionStatus: domain.RepoConnected,
		WebhookID:        hookID,
		ConnectedAt:      &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Repository{}, err
	}
	defer tx.Rollback()
	stored, err := e.Repo.UpsertRepositoryTx(ctx, tx, r)
	if err != nil {
		return domain.Repository{}, err
	}
	if err := e.audit(ctx, tx, "repository.connected", "repository", stored.ID, userID, audit.Payload{
		"full_name":  fullName,
		"webhook_id": hookID,
	}); err != nil {
		return domain.Repository{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Repository{}, err
	}
	e.log().Info(ctx, "repository connected", zap.String("repository", fullName))
	return stored, nil
}

// DisconnectRepository stops ingestion for a repository. Webhook removal
// is best effort.
func (e Engine) DisconnectRepository(ctx context.Context, userID, id string) (domain.Repository, error) {
	r, err := e.Repo.GetRepository(ctx, id)
	if err != nil {
		return domain.Repository{}, notFound(err, "Repository", id)
	}
	if err := auth.RequireOwner(r.UserID, userID, "Repository"); err != nil {
		return domain.Repository{}, err
	}
	if r.WebhookID != nil && e.Provider != nil {
		if err := e.Provider.DeleteWebhook(ctx, r.Owner, r.Name, *r.WebhookID); err != nil {
			e.log().Warn(ctx, "webhook delete failed", zap.String("repository", r.FullName), zap.Error(err))
		}
	}
	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Repository{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.DisconnectRepositoryTx(ctx, tx, r.ID, now); err != nil {
		return domain.Repository{}, err
	}
	if err := e.audit(ctx, tx, "repository.disconnected", "repository", r.ID, userID, nil); err != nil {
		return domain.Repository{}, err
	}
	stored, err := e.Repo.GetRepositoryTx(ctx, tx, r.ID)
	if err != nil {
		return domain.Repository{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Repository{}, err
	}
	return stored, nil
}

func (e Engine) ListRepositories(ctx context.Context, userID string) ([]domain.Repository, error) {
	if err := auth.RequireActor(userID); err != nil {
		return nil, err
	}
	items, err := e.Repo.ListRepositories(ctx, userID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Repository{}
	}
	return items, nil
}
